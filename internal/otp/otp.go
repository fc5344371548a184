// Package otp issues and verifies short-lived one-time codes.
//
// Each (subject, purpose) has at most one live record. Every write is a
// compare-and-swap against the record the operation read, so concurrent
// Generate and Verify calls serialize on the store without a lock.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
	"github.com/opensource-finance/crowdguard/internal/metrics"
)

// maxSwapAttempts bounds the compare-and-swap retry loop.
const maxSwapAttempts = 8

// Store is the record store behind a Manager. domain.Cache satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
}

// Issued is a freshly generated code. Code is the only plaintext copy.
type Issued struct {
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager implements the one-time code lifecycle.
type Manager struct {
	store   Store
	clock   domain.Clock
	cfg     domain.OTPConfig
	metrics *metrics.Metrics
}

// NewManager creates a Manager. Zero config fields take the defaults.
func NewManager(store Store, cfg domain.OTPConfig, clock domain.Clock, m *metrics.Metrics) *Manager {
	def := domain.DefaultConfig().OTP
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Manager{store: store, clock: clock, cfg: cfg, metrics: m}
}

// Generate issues a new code for subject and purpose, replacing any prior
// record. It returns a *domain.RateLimitError while the prior code is still
// inside the cooldown window.
func (m *Manager) Generate(ctx context.Context, subject string, purpose domain.OTPPurpose) (*Issued, error) {
	key, canonical, err := recordKey(subject, purpose)
	if err != nil {
		return nil, err
	}

	code, err := m.newCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("could not hash code: %w", err)
	}

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		now := m.clock.Now()

		raw, current, err := m.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if current != nil && now.Before(current.ExpiresAt) {
			if wait := current.IssuedAt.Add(m.cfg.Cooldown).Sub(now); wait > 0 {
				m.metrics.IncrementOTP(string(purpose), "rate_limited")
				return nil, &domain.RateLimitError{RetryAfter: wait}
			}
		}

		record := domain.OTPRecord{
			Subject:           canonical,
			Purpose:           purpose,
			CodeHash:          string(hash),
			IssuedAt:          now,
			ExpiresAt:         now.Add(m.cfg.Expiry),
			AttemptsRemaining: m.cfg.MaxAttempts,
		}
		next, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}

		swapped, err := m.store.CompareAndSwap(ctx, key, raw, next, m.cfg.Expiry)
		if err != nil {
			return nil, domain.StoreError("otp generate", err)
		}
		if swapped {
			m.metrics.IncrementOTP(string(purpose), "issued")
			slog.Debug("otp issued", "purpose", purpose, "expires_at", record.ExpiresAt)
			return &Issued{Code: code, ExpiresAt: record.ExpiresAt}, nil
		}
	}

	return nil, domain.StoreError("otp generate", domain.ErrConflict)
}

// Verify checks code against the live record. A match consumes the record.
// A miss decrements the attempt budget and returns a *domain.MismatchError,
// or domain.ErrOTPExhausted once the budget is spent.
func (m *Manager) Verify(ctx context.Context, subject string, purpose domain.OTPPurpose, code string) error {
	key, _, err := recordKey(subject, purpose)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		now := m.clock.Now()

		raw, current, err := m.load(ctx, key)
		if err != nil {
			return err
		}
		if current == nil {
			m.metrics.IncrementOTP(string(purpose), "not_found")
			return fmt.Errorf("%w: no active code", domain.ErrNotFound)
		}

		if !now.Before(current.ExpiresAt) {
			if _, err := m.store.CompareAndDelete(ctx, key, raw); err != nil {
				return domain.StoreError("otp expire", err)
			}
			m.metrics.IncrementOTP(string(purpose), "expired")
			return domain.ErrOTPExpired
		}

		if bcrypt.CompareHashAndPassword([]byte(current.CodeHash), []byte(code)) == nil {
			deleted, err := m.store.CompareAndDelete(ctx, key, raw)
			if err != nil {
				return domain.StoreError("otp consume", err)
			}
			if !deleted {
				continue
			}
			m.metrics.IncrementOTP(string(purpose), "verified")
			return nil
		}

		remaining := current.AttemptsRemaining - 1
		if remaining <= 0 {
			deleted, err := m.store.CompareAndDelete(ctx, key, raw)
			if err != nil {
				return domain.StoreError("otp exhaust", err)
			}
			if !deleted {
				continue
			}
			m.metrics.IncrementOTP(string(purpose), "exhausted")
			return domain.ErrOTPExhausted
		}

		updated := *current
		updated.AttemptsRemaining = remaining
		next, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		swapped, err := m.store.CompareAndSwap(ctx, key, raw, next, current.ExpiresAt.Sub(now))
		if err != nil {
			return domain.StoreError("otp mismatch", err)
		}
		if swapped {
			m.metrics.IncrementOTP(string(purpose), "mismatch")
			return &domain.MismatchError{Remaining: remaining}
		}
	}

	return domain.StoreError("otp verify", domain.ErrConflict)
}

// Invalidate cancels the live record, if any.
func (m *Manager) Invalidate(ctx context.Context, subject string, purpose domain.OTPPurpose) error {
	key, _, err := recordKey(subject, purpose)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, current, err := m.load(ctx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		deleted, err := m.store.CompareAndDelete(ctx, key, raw)
		if err != nil {
			return domain.StoreError("otp invalidate", err)
		}
		if deleted {
			m.metrics.IncrementOTP(string(purpose), "invalidated")
			return nil
		}
	}

	return domain.StoreError("otp invalidate", domain.ErrConflict)
}

// load returns the stored bytes alongside the decoded record so the caller
// can compare-and-swap against exactly what it read.
func (m *Manager) load(ctx context.Context, key string) ([]byte, *domain.OTPRecord, error) {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, nil, domain.StoreError("otp load", err)
	}
	if raw == nil {
		return nil, nil, nil
	}

	var record domain.OTPRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, nil, fmt.Errorf("corrupt otp record: %w", err)
	}
	return raw, &record, nil
}

func (m *Manager) newCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(m.cfg.CodeLength)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("could not generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", m.cfg.CodeLength, n), nil
}

func recordKey(subject string, purpose domain.OTPPurpose) (key, canonical string, err error) {
	if !purpose.Valid() {
		return "", "", domain.Validationf("unknown purpose %q", purpose)
	}
	canonical, err = entity.Validate(subject)
	if err != nil {
		return "", "", err
	}
	return "otp:" + string(purpose) + ":" + canonical, canonical, nil
}
