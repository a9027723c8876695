package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Dinhviethd/reclaim/services/auth/internal/security"
	"github.com/Dinhviethd/reclaim/services/auth/internal/storage"
	"github.com/Dinhviethd/reclaim/services/auth/internal/token"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    *string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	email := normalizeEmail(in.Email)

	hash, err := security.HashPassword(in.Password, s.Argon2)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.Store.CreateUser(ctx, strings.TrimSpace(in.Name), email, hash, in.Phone)
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	pair, err := s.Issuer.IssuePair(user.ID.String(), s.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.Events.UserRegistered(ctx, user.ID.String(), user.Email, "")
	return &AuthResult{User: user, Tokens: pair}, nil
}

// Login deliberately reports one generic failure for both unknown email and
// wrong password, so responses cannot be used to enumerate accounts.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.Store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	ok, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.Issuer.IssuePair(user.ID.String(), s.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	return &AuthResult{User: user, Tokens: pair}, nil
}

// Refresh verifies the presented refresh token and reissues the full pair,
// access and refresh both.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	now := s.Clock.Now()

	subject, err := s.Issuer.Verify(refreshToken, token.KindRefresh, now)
	if err != nil {
		return token.Pair{}, ErrInvalidRefreshToken
	}

	userID, err := uuid.Parse(subject)
	if err != nil {
		return token.Pair{}, ErrInvalidRefreshToken
	}

	user, err := s.Store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.Pair{}, ErrInvalidRefreshToken
		}
		return token.Pair{}, fmt.Errorf("lookup user: %w", err)
	}

	pair, err := s.Issuer.IssuePair(user.ID.String(), now)
	if err != nil {
		return token.Pair{}, fmt.Errorf("issue tokens: %w", err)
	}
	return pair, nil
}

func (s *Service) CurrentUser(ctx context.Context, subject string) (*storage.User, error) {
	userID, err := uuid.Parse(subject)
	if err != nil {
		return nil, ErrUserNotFound
	}

	user, err := s.Store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// ForgotPassword issues a reset challenge and mails the code. An unknown
// email fails with ErrUserNotFound; this mirrors the product's existing
// behavior and intentionally leaks account existence (rate limiting at the
// handler is the only mitigation).
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.Store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	code, _, err := s.OTP.Issue(ctx, user.ID, s.Clock.Now())
	if err != nil {
		return fmt.Errorf("issue otp: %w", err)
	}

	// The challenge is already persisted; a delivery failure leaves it valid
	// until its own expiry.
	if err := s.Sender.SendOTP(ctx, user.Email, code); err != nil {
		s.Logger.Error("otp delivery failed", "user_id", user.ID.String(), "error", err)
		return ErrDeliveryFailed
	}

	return nil
}

func (s *Service) VerifyOTP(ctx context.Context, email, code string) error {
	user, err := s.Store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	return s.OTP.Verify(user, code, s.Clock.Now())
}

func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	user, err := s.Store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	hash, err := security.HashPassword(newPassword, s.Argon2)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.OTP.Consume(ctx, user, code, hash, s.Clock.Now()); err != nil {
		return err
	}

	s.Events.PasswordReset(ctx, user.ID.String(), "")
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
