package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Dinhviethd/reclaim/services/auth/internal/otp"
	"github.com/Dinhviethd/reclaim/services/auth/internal/security"
	"github.com/Dinhviethd/reclaim/services/auth/internal/storage"
	"github.com/Dinhviethd/reclaim/services/auth/internal/token"
)

type memStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*storage.User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[uuid.UUID]*storage.User)}
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) CreateUser(_ context.Context, name, email, passwordHash string, phone *string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return nil, storage.ErrDuplicateEmail
		}
	}
	now := time.Now().UTC()
	u := &storage.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Phone:        phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *memStore) SetOTPChallenge(_ context.Context, userID uuid.UUID, code string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	u.ResetOTP = &code
	u.ResetOTPExpires = &expiresAt
	return nil
}

func (m *memStore) ConsumeOTPChallenge(_ context.Context, userID uuid.UUID, code, passwordHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if u.ResetOTP == nil || u.ResetOTPExpires == nil {
		return false, nil
	}
	if *u.ResetOTP != code || u.ResetOTPExpires.Before(now) {
		return false, nil
	}
	u.PasswordHash = passwordHash
	u.ResetOTP = nil
	u.ResetOTPExpires = nil
	return true, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu    sync.Mutex
	codes []string
	fail  bool
}

func (s *recordingSender) SendOTP(_ context.Context, _, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("smtp unreachable")
	}
	s.codes = append(s.codes, code)
	return nil
}

func (s *recordingSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("expected an otp to have been sent")
	}
	return s.codes[len(s.codes)-1]
}

// Fast argon2 parameters; production defaults make the suite crawl.
var testArgon2 = security.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newTestService(t *testing.T) (*Service, *memStore, *fakeClock, *recordingSender) {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sender := &recordingSender{}
	issuer := token.NewIssuer("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour, "reclaim-test")
	svc := New(store, issuer, otp.NewManager(store, otp.DefaultTTL), sender, nil, testArgon2, nil)
	svc.Clock = clock
	return svc, store, clock, sender
}

func register(t *testing.T, svc *Service, email string) *AuthResult {
	t.Helper()
	res, err := svc.Register(context.Background(), RegisterInput{
		Name:     "Ada Lovelace",
		Email:    email,
		Password: "first-password",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return res
}

func TestRegisterThenLogin(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "Ada@Example.com")
	if reg.User.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %q", reg.User.Email)
	}
	if reg.Tokens.AccessToken == "" || reg.Tokens.RefreshToken == "" {
		t.Fatal("expected a full token pair on registration")
	}
	if strings.Contains(reg.User.PasswordHash, "first-password") {
		t.Fatal("password stored in the clear")
	}

	login, err := svc.Login(ctx, "ada@example.com", "first-password")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if login.User.ID != reg.User.ID {
		t.Fatal("login resolved a different user")
	}
}

func TestLoginRightAfterRegisterRotates(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	// Same clock instant for both flows; the pairs must still differ.
	reg := register(t, svc, "ada@example.com")
	login, err := svc.Login(ctx, "ada@example.com", "first-password")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if login.Tokens.AccessToken == reg.Tokens.AccessToken {
		t.Fatal("login reused the registration access token")
	}
	if login.Tokens.RefreshToken == reg.Tokens.RefreshToken {
		t.Fatal("login reused the registration refresh token")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	register(t, svc, "ada@example.com")
	_, err := svc.Register(context.Background(), RegisterInput{
		Name:     "Imposter",
		Email:    "ADA@example.com",
		Password: "other-password",
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestLoginGenericFailure(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	register(t, svc, "ada@example.com")

	_, wrongPassword := svc.Login(ctx, "ada@example.com", "not-it")
	_, unknownEmail := svc.Login(ctx, "ghost@example.com", "first-password")

	if !errors.Is(wrongPassword, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", wrongPassword)
	}
	if !errors.Is(unknownEmail, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", unknownEmail)
	}
	// Both failure paths must be byte-for-byte identical to the caller.
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Fatal("failure modes are distinguishable")
	}
}

func TestRefreshRotatesFullPair(t *testing.T) {
	svc, _, clock, _ := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "ada@example.com")

	clock.Advance(2 * time.Second)
	pair, err := svc.Refresh(ctx, reg.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if pair.AccessToken == reg.Tokens.AccessToken {
		t.Fatal("access token was not rotated")
	}
	if pair.RefreshToken == reg.Tokens.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	subject, err := svc.Issuer.Verify(pair.AccessToken, token.KindAccess, clock.Now())
	if err != nil {
		t.Fatalf("rotated access token does not verify: %v", err)
	}
	if subject != reg.User.ID.String() {
		t.Fatalf("expected subject %s, got %s", reg.User.ID, subject)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	reg := register(t, svc, "ada@example.com")
	_, err := svc.Refresh(context.Background(), reg.Tokens.AccessToken)
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for an access token, got %v", err)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	svc, _, clock, _ := newTestService(t)

	reg := register(t, svc, "ada@example.com")
	clock.Advance(7*24*time.Hour + time.Minute)
	_, err := svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after expiry, got %v", err)
	}
}

func TestPasswordRecoveryFlow(t *testing.T) {
	svc, _, clock, sender := newTestService(t)
	ctx := context.Background()

	register(t, svc, "ada@example.com")

	if err := svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}
	code := sender.last(t)
	if len(code) != otp.CodeLength {
		t.Fatalf("expected %d-digit code, got %q", otp.CodeLength, code)
	}

	if err := svc.VerifyOTP(ctx, "ada@example.com", code); err != nil {
		t.Fatalf("verify otp failed: %v", err)
	}
	// Verify is read-only; the same code still resets.
	if err := svc.ResetPassword(ctx, "ada@example.com", code, "second-password"); err != nil {
		t.Fatalf("reset password failed: %v", err)
	}

	if _, err := svc.Login(ctx, "ada@example.com", "first-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "second-password"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	clock.Advance(time.Second)
	// The challenge was consumed by the reset.
	if err := svc.ResetPassword(ctx, "ada@example.com", code, "third-password"); !errors.Is(err, otp.ErrNoActiveChallenge) {
		t.Fatalf("expected consumed challenge to be gone, got %v", err)
	}
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	err := svc.ForgotPassword(context.Background(), "ghost@example.com")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestForgotPasswordDeliveryFailureKeepsChallenge(t *testing.T) {
	svc, store, _, sender := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "ada@example.com")
	sender.fail = true

	err := svc.ForgotPassword(ctx, "ada@example.com")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	// The challenge survives the failed send and can be consumed once the
	// user obtains the code out of band (or retries).
	user, err := store.GetUserByID(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if user.ResetOTP == nil || user.ResetOTPExpires == nil {
		t.Fatal("expected challenge to be persisted despite delivery failure")
	}
	if err := svc.VerifyOTP(ctx, "ada@example.com", *user.ResetOTP); err != nil {
		t.Fatalf("persisted challenge does not verify: %v", err)
	}
}

func TestVerifyOTPFailureModes(t *testing.T) {
	svc, _, clock, sender := newTestService(t)
	ctx := context.Background()

	register(t, svc, "ada@example.com")

	if err := svc.VerifyOTP(ctx, "ada@example.com", "123456"); !errors.Is(err, otp.ErrNoActiveChallenge) {
		t.Fatalf("expected ErrNoActiveChallenge before issue, got %v", err)
	}

	if err := svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}
	code := sender.last(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if err := svc.VerifyOTP(ctx, "ada@example.com", wrong); !errors.Is(err, otp.ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}

	clock.Advance(otp.DefaultTTL + time.Second)
	if err := svc.VerifyOTP(ctx, "ada@example.com", code); !errors.Is(err, otp.ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestReissueOverwritesChallenge(t *testing.T) {
	svc, _, _, sender := newTestService(t)
	ctx := context.Background()

	register(t, svc, "ada@example.com")

	if err := svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("first forgot password failed: %v", err)
	}
	first := sender.last(t)
	if err := svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("second forgot password failed: %v", err)
	}
	second := sender.last(t)

	if first != second {
		if err := svc.VerifyOTP(ctx, "ada@example.com", first); !errors.Is(err, otp.ErrCodeMismatch) {
			t.Fatalf("expected the first code to be dead, got %v", err)
		}
	}
	if err := svc.VerifyOTP(ctx, "ada@example.com", second); err != nil {
		t.Fatalf("latest code rejected: %v", err)
	}
}

func TestCurrentUser(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "ada@example.com")

	user, err := svc.CurrentUser(ctx, reg.User.ID.String())
	if err != nil {
		t.Fatalf("current user failed: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("unexpected profile %+v", user)
	}

	if _, err := svc.CurrentUser(ctx, uuid.NewString()); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for unknown id, got %v", err)
	}
	if _, err := svc.CurrentUser(ctx, "not-a-uuid"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for malformed subject, got %v", err)
	}
}
