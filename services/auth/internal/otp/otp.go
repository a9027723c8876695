// Package otp manages the time-bounded numeric challenges used to authorize
// password resets. A user has at most one active challenge; issuing a new one
// overwrites the previous code.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Dinhviethd/reclaim/services/auth/internal/storage"
	"github.com/google/uuid"
)

var (
	ErrNoActiveChallenge = errors.New("no active challenge")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrCodeMismatch      = errors.New("code mismatch")
)

const (
	CodeLength = 6
	DefaultTTL = 5 * time.Minute
)

var codeSpace = big.NewInt(1_000_000)

type Store interface {
	SetOTPChallenge(ctx context.Context, userID uuid.UUID, code string, expiresAt time.Time) error
	ConsumeOTPChallenge(ctx context.Context, userID uuid.UUID, code, passwordHash string, now time.Time) (bool, error)
}

type Manager struct {
	store Store
	ttl   time.Duration
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// GenerateCode returns a uniformly random 6-digit decimal string, leading
// zeros preserved.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

// Issue generates and persists a fresh challenge for the user, replacing any
// prior unconsumed one. Delivery is the caller's concern.
func (m *Manager) Issue(ctx context.Context, userID uuid.UUID, now time.Time) (string, time.Time, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt := now.Add(m.ttl)
	if err := m.store.SetOTPChallenge(ctx, userID, code, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("store otp challenge: %w", err)
	}
	return code, expiresAt, nil
}

// Verify checks the presented code against the user's stored challenge. It is
// read-only: a successful verification does not consume the challenge.
func (m *Manager) Verify(user *storage.User, code string, now time.Time) error {
	if user.ResetOTP == nil || user.ResetOTPExpires == nil {
		return ErrNoActiveChallenge
	}
	if now.After(*user.ResetOTPExpires) {
		return ErrChallengeExpired
	}
	if *user.ResetOTP != code {
		return ErrCodeMismatch
	}
	return nil
}

// Consume re-runs the verification checks freshly and, only on success,
// clears the challenge in the same store update that writes the new password
// hash. A challenge consumed or overwritten between the check and the update
// surfaces as ErrNoActiveChallenge.
func (m *Manager) Consume(ctx context.Context, user *storage.User, code, passwordHash string, now time.Time) error {
	if err := m.Verify(user, code, now); err != nil {
		return err
	}

	ok, err := m.store.ConsumeOTPChallenge(ctx, user.ID, code, passwordHash, now)
	if err != nil {
		return fmt.Errorf("consume otp challenge: %w", err)
	}
	if !ok {
		return ErrNoActiveChallenge
	}
	return nil
}
