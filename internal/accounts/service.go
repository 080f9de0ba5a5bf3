package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/syncutil"
)

// Service manages connected accounts and enhanced KYC.
type Service struct {
	store    Store
	gateway  payments.Gateway
	cache    cache.Cache
	cacheTTL time.Duration
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates an account service.
func NewService(store Store, gateway payments.Gateway, c cache.Cache, cacheTTL time.Duration) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		cache:    c,
		cacheTTL: cacheTTL,
		locks:    syncutil.NewKeyedMutex(64),
		now:      time.Now,
	}
}

// Onboard creates the user's connected account if absent and returns a
// fresh hosted onboarding link.
func (s *Service) Onboard(ctx context.Context, userID string, req OnboardRequest) (*OnboardResult, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		acct, err = s.create(ctx, userID, req)
	}
	if err != nil {
		return nil, err
	}

	url, err := s.gateway.CreateOnboardingLink(ctx, acct.GatewayAccountID)
	if err != nil {
		return nil, err
	}
	return &OnboardResult{Account: acct, URL: url}, nil
}

func (s *Service) create(ctx context.Context, userID string, req OnboardRequest) (*ConnectedAccount, error) {
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country == "" {
		country = "US"
	}
	if len(country) != 2 {
		return nil, fmt.Errorf("country must be a two-letter code: %w", apperr.ErrInvalidInput)
	}

	info, err := s.gateway.CreateConnectedAccount(ctx, payments.CreateAccountRequest{
		UserID:  userID,
		Email:   req.Email,
		Country: country,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	acct := fromInfo(info, now)
	acct.UserID = userID
	acct.EnhancedKYCStatus = KYCNotStarted
	acct.CreatedAt = now
	if err := s.store.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to store connected account: %w", err)
	}

	logging.L(ctx).Info("connected account created", "gateway_account_id", acct.GatewayAccountID)
	s.invalidate(ctx, userID)
	return acct, nil
}

// Get returns the user's account through the short-lived cache.
func (s *Service) Get(ctx context.Context, userID string) (*ConnectedAccount, error) {
	return cache.Fetch(ctx, s.cache, cache.UserKey(userID, cache.ViewAccount), s.cacheTTL,
		func(ctx context.Context) (*ConnectedAccount, error) {
			return s.store.Get(ctx, userID)
		})
}

// Refresh pulls the account state from the platform.
func (s *Service) Refresh(ctx context.Context, userID string) (*ConnectedAccount, error) {
	acct, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	info, err := s.gateway.GetConnectedAccount(ctx, acct.GatewayAccountID)
	if err != nil {
		return nil, err
	}
	return s.ApplyGatewayAccount(ctx, info)
}

// StartEnhancedKYC opens an identity verification session.
func (s *Service) StartEnhancedKYC(ctx context.Context, userID string) (*ConnectedAccount, *payments.VerificationSession, error) {
	acct, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if acct.EnhancedKYCStatus == KYCVerified {
		return nil, nil, fmt.Errorf("identity already verified: %w", apperr.ErrInvalidState)
	}

	vs, err := s.gateway.CreateVerificationSession(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	acct, err = s.store.SetKYC(ctx, userID, KYCSessionCreated, vs.ID, s.now())
	if err != nil {
		return nil, nil, err
	}
	s.invalidate(ctx, userID)
	return acct, vs, nil
}

// ApplyGatewayAccount overwrites capability fields from the platform.
func (s *Service) ApplyGatewayAccount(ctx context.Context, info *payments.AccountInfo) (*ConnectedAccount, error) {
	acct, err := s.store.UpdateCapabilities(ctx, fromInfo(info, s.now()))
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, acct.UserID)
	return acct, nil
}

// ApplyVerificationStatus maps a platform verification status onto the
// session's account. Unknown statuses are logged and ignored; the returned
// bool reports whether anything was written.
func (s *Service) ApplyVerificationStatus(ctx context.Context, sessionID, userID, platformStatus string) (bool, error) {
	status, ok := MapVerificationStatus(platformStatus)
	if !ok {
		logging.L(ctx).Warn("ignoring unmapped verification status",
			"verification_session_id", sessionID, "status", platformStatus)
		return false, nil
	}

	acct, err := s.store.GetBySession(ctx, sessionID)
	if errors.Is(err, ErrAccountNotFound) && userID != "" {
		acct, err = s.store.Get(ctx, userID)
	}
	if err != nil {
		return false, err
	}
	if acct.EnhancedKYCStatus == status {
		return false, nil
	}

	if _, err := s.store.SetKYC(ctx, acct.UserID, status, sessionID, s.now()); err != nil {
		return false, err
	}
	s.invalidate(ctx, acct.UserID)
	return true, nil
}

// TransferDestination returns the account escrow is released to.
func (s *Service) TransferDestination(ctx context.Context, userID string) (string, error) {
	acct, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return "", ErrNoTransfers
	}
	if err != nil {
		return "", err
	}
	if !acct.CanReceiveTransfers() {
		return "", ErrNoTransfers
	}
	return acct.GatewayAccountID, nil
}

// PayoutAccount returns the account a withdrawal pays out from. It reads
// the store, never the cache.
func (s *Service) PayoutAccount(ctx context.Context, userID string) (string, error) {
	acct, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return "", ErrPayoutsDisabled
	}
	if err != nil {
		return "", err
	}
	if !acct.CanPayout() {
		return "", ErrPayoutsDisabled
	}
	return acct.GatewayAccountID, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	cache.InvalidateUsers(ctx, s.cache, userID)
}

func fromInfo(info *payments.AccountInfo, at time.Time) *ConnectedAccount {
	return &ConnectedAccount{
		GatewayAccountID:    info.ID,
		ChargesEnabled:      info.ChargesEnabled,
		PayoutsEnabled:      info.PayoutsEnabled,
		TransfersCapability: info.TransfersCapability,
		CurrentlyDue:        info.CurrentlyDue,
		PastDue:             info.PastDue,
		EventuallyDue:       info.EventuallyDue,
		DisabledReason:      info.DisabledReason,
		UpdatedAt:           at,
	}
}
