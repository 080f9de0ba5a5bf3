// Package idgen generates prefixed random identifiers for ledger rows.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars, e.g. "ctr_9f1c...".
// Prefixes keep ids self-describing in logs and gateway metadata.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is prefix followed by a 32-char hex UUID.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	raw := strings.TrimPrefix(id, prefix)
	if len(raw) != 32 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}
