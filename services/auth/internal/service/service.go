package service

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/Dinhviethd/reclaim/services/auth/internal/events"
	"github.com/Dinhviethd/reclaim/services/auth/internal/otp"
	"github.com/Dinhviethd/reclaim/services/auth/internal/security"
	"github.com/Dinhviethd/reclaim/services/auth/internal/storage"
	"github.com/Dinhviethd/reclaim/services/auth/internal/token"
	"github.com/google/uuid"
)

var (
	// ErrDuplicateEmail aliases the storage sentinel so callers can match on
	// either package.
	ErrDuplicateEmail      = storage.ErrDuplicateEmail
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrUserNotFound        = errors.New("user not found")
	ErrDeliveryFailed      = errors.New("otp delivery failed")
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
	CreateUser(ctx context.Context, name, email, passwordHash string, phone *string) (*storage.User, error)
	SetOTPChallenge(ctx context.Context, userID uuid.UUID, code string, expiresAt time.Time) error
	ConsumeOTPChallenge(ctx context.Context, userID uuid.UUID, code, passwordHash string, now time.Time) (bool, error)
}

type OTPSender interface {
	SendOTP(ctx context.Context, to, code string) error
}

type AuthResult struct {
	User   *storage.User
	Tokens token.Pair
}

type Service struct {
	Store   Store
	Issuer  *token.Issuer
	OTP     *otp.Manager
	Sender  OTPSender
	Events  *events.Publisher
	Argon2  security.Argon2Params
	Logger  *slog.Logger
	Clock   Clock
}

func New(store Store, issuer *token.Issuer, otpManager *otp.Manager, sender OTPSender, publisher *events.Publisher, argon2 security.Argon2Params, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:  store,
		Issuer: issuer,
		OTP:    otpManager,
		Sender: sender,
		Events: publisher,
		Argon2: argon2,
		Logger: logger,
		Clock:  systemClock{},
	}
}
