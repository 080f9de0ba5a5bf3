// Package auth resolves the acting user from a signed session token.
//
// Sessions are issued by the identity provider in front of this service and
// carried as HS256 bearer tokens; this package only verifies them.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/gigescrow/internal/apperr"
)

var (
	ErrInvalidToken = fmt.Errorf("invalid session token: %w", apperr.ErrUnauthorized)
	ErrTokenExpired = fmt.Errorf("session token expired: %w", apperr.ErrUnauthorized)
)

const issuer = "gigescrow"

// Session is the authenticated identity attached to a request.
type Session struct {
	UserID string `json:"uid"`
	Email  string `json:"email,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
}

type claims struct {
	Session
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager keyed by secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for s valid for ttl.
func (m *Manager) Issue(s Session, ttl time.Duration) (string, error) {
	if s.UserID == "" {
		return "", errors.New("auth: empty user id")
	}
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Session: s,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns its session.
func (m *Manager) Verify(raw string) (*Session, error) {
	token, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.UserID == "" || c.UserID != c.Subject {
		return nil, ErrInvalidToken
	}
	return &c.Session, nil
}
