package grants

import (
	"context"
	"errors"
	"strings"
)

// Validator checks presented access keys against the grant ledger.
type Validator struct {
	store Store
}

// NewValidator creates a validator backed by the given store.
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate resolves a raw access key to its grant and checks that the grant
// can pay for one more call. It is a pure read: quota is not consumed here.
//
// Checks, in order: key format, key lookup, suspension, expiry, quota.
// Expired grants are rejected even if quota remains.
func (v *Validator) Validate(ctx context.Context, rawKey string) (*Grant, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" || !strings.HasPrefix(rawKey, "ak_") {
		return nil, ErrInvalidAccessKey
	}

	grant, err := v.store.GetByKeyHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return nil, ErrInvalidAccessKey
		}
		return nil, err
	}

	switch grant.Status {
	case StatusSuspended:
		return nil, ErrGrantSuspended
	case StatusExpired:
		return nil, ErrGrantExpired
	case StatusExhausted:
		return nil, ErrQuotaExhausted
	}

	if grant.Expired() {
		return nil, ErrGrantExpired
	}
	if grant.RemainingQuota() == 0 {
		return nil, ErrQuotaExhausted
	}

	return grant, nil
}
