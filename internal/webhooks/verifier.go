package webhooks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/gigescrow/internal/apperr"
)

// Verifier checks the signature header of one webhook endpoint. Several
// secrets may be active at once while a secret is being rolled.
type Verifier struct {
	secrets   []string
	tolerance time.Duration
}

// NewVerifier creates a verifier for the given secrets. Empty entries are
// dropped; a verifier without secrets rejects everything.
func NewVerifier(secrets ...string) *Verifier {
	v := &Verifier{tolerance: webhook.DefaultTolerance}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets = append(v.secrets, s)
		}
	}
	return v
}

// Configured reports whether at least one secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && len(v.secrets) > 0
}

// Verify checks the signature over the raw payload and only then parses
// it. Signature failures wrap apperr.ErrInvalidSignature; a signed body
// that is not an event wraps apperr.ErrInvalidInput.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if !v.Configured() {
		return stripe.Event{}, fmt.Errorf("no signing secret configured: %w", apperr.ErrInvalidSignature)
	}
	if header == "" {
		return stripe.Event{}, fmt.Errorf("missing signature header: %w", apperr.ErrInvalidSignature)
	}

	lastErr := webhook.ErrNoValidSignature
	for _, secret := range v.secrets {
		event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return event, nil
		}
		if !signatureError(err) {
			return stripe.Event{}, fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput)
		}
		lastErr = err
	}
	return stripe.Event{}, fmt.Errorf("%v: %w", lastErr, apperr.ErrInvalidSignature)
}

func signatureError(err error) bool {
	return errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}
