package otp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dinhviethd/reclaim/services/auth/internal/storage"
	"github.com/google/uuid"
)

type memChallengeStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*storage.User
}

func newMemChallengeStore() *memChallengeStore {
	return &memChallengeStore{users: map[uuid.UUID]*storage.User{}}
}

func (m *memChallengeStore) SetOTPChallenge(_ context.Context, userID uuid.UUID, code string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		user = &storage.User{ID: userID}
		m.users[userID] = user
	}
	user.ResetOTP = &code
	user.ResetOTPExpires = &expiresAt
	return nil
}

func (m *memChallengeStore) ConsumeOTPChallenge(_ context.Context, userID uuid.UUID, code, passwordHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.ResetOTP == nil || user.ResetOTPExpires == nil {
		return false, nil
	}
	if *user.ResetOTP != code || now.After(*user.ResetOTPExpires) {
		return false, nil
	}
	user.PasswordHash = passwordHash
	user.ResetOTP = nil
	user.ResetOTPExpires = nil
	return true, nil
}

func (m *memChallengeStore) user(userID uuid.UUID) *storage.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *m.users[userID]
	return &u
}

func TestGenerateCodeFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("expected %d digits, got %q", CodeLength, code)
		}
		if strings.Trim(code, "0123456789") != "" {
			t.Fatalf("expected decimal digits, got %q", code)
		}
	}
}

func TestIssueOverwritesPriorChallenge(t *testing.T) {
	store := newMemChallengeStore()
	mgr := NewManager(store, DefaultTTL)
	userID := uuid.New()
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	first, _, err := mgr.Issue(context.Background(), userID, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, _, err := mgr.Issue(context.Background(), userID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	user := store.user(userID)
	if err := mgr.Verify(user, second, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected new code valid, got %v", err)
	}
	// The old code fails as a mismatch, not as expired: the stored challenge
	// is the fresh one.
	if first != second {
		if err := mgr.Verify(user, first, now.Add(time.Minute)); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("expected ErrCodeMismatch for replaced code, got %v", err)
		}
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	store := newMemChallengeStore()
	mgr := NewManager(store, DefaultTTL)
	userID := uuid.New()
	issued := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	code, _, err := mgr.Issue(context.Background(), userID, issued)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user := store.user(userID)

	if err := mgr.Verify(user, code, issued.Add(4*time.Minute+59*time.Second)); err != nil {
		t.Fatalf("expected valid at 4:59, got %v", err)
	}
	if err := mgr.Verify(user, code, issued.Add(5*time.Minute)); err != nil {
		t.Fatalf("expected valid at exactly 5:00, got %v", err)
	}
	if err := mgr.Verify(user, code, issued.Add(5*time.Minute+time.Second)); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired at 5:01, got %v", err)
	}
}

func TestVerifyFailureKinds(t *testing.T) {
	store := newMemChallengeStore()
	mgr := NewManager(store, DefaultTTL)
	userID := uuid.New()
	now := time.Now()

	if err := mgr.Verify(&storage.User{ID: userID}, "123456", now); !errors.Is(err, ErrNoActiveChallenge) {
		t.Fatalf("expected ErrNoActiveChallenge, got %v", err)
	}

	code, _, err := mgr.Issue(context.Background(), userID, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user := store.user(userID)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if err := mgr.Verify(user, wrong, now); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}

	// Verify is read-only: the challenge survives a successful check.
	if err := mgr.Verify(user, code, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if store.user(userID).ResetOTP == nil {
		t.Fatalf("expected challenge untouched by verify")
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	store := newMemChallengeStore()
	mgr := NewManager(store, DefaultTTL)
	userID := uuid.New()
	now := time.Now()

	code, _, err := mgr.Issue(context.Background(), userID, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	user := store.user(userID)
	if err := mgr.Consume(context.Background(), user, code, "new-hash", now); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if store.user(userID).PasswordHash != "new-hash" {
		t.Fatalf("expected password hash updated")
	}

	user = store.user(userID)
	if err := mgr.Consume(context.Background(), user, code, "other-hash", now); !errors.Is(err, ErrNoActiveChallenge) {
		t.Fatalf("expected ErrNoActiveChallenge on repeat, got %v", err)
	}
	if store.user(userID).PasswordHash != "new-hash" {
		t.Fatalf("expected second consume to leave password untouched")
	}
}

func TestConsumeRechecksExpiryFreshly(t *testing.T) {
	store := newMemChallengeStore()
	mgr := NewManager(store, DefaultTTL)
	userID := uuid.New()
	issued := time.Now()

	code, _, err := mgr.Issue(context.Background(), userID, issued)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user := store.user(userID)

	// Valid at verify time, expired a moment later at consume time.
	if err := mgr.Verify(user, code, issued.Add(4*time.Minute)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := mgr.Consume(context.Background(), user, code, "new-hash", issued.Add(6*time.Minute)); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired at consume, got %v", err)
	}
}
