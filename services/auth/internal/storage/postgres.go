package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDuplicateEmail = errors.New("email already registered")

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, name, email, password_hash, email_verified, avatar_url, phone, reset_otp, reset_otp_expires, created_at, updated_at`

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string, phone *string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (name, email, password_hash, email_verified, phone, created_at, updated_at)
		VALUES ($1, $2, $3, false, $4, now(), now())
		RETURNING `+userColumns+`
	`, name, email, passwordHash, phone)

	user, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return user, nil
}

// SetOTPChallenge stores a fresh reset challenge, overwriting any prior one.
// Last writer wins on concurrent calls; only the latest code is valid.
func (s *Store) SetOTPChallenge(ctx context.Context, userID uuid.UUID, code string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET reset_otp = $2, reset_otp_expires = $3, updated_at = now()
		WHERE id = $1
	`, userID, code, expiresAt)
	return err
}

// ConsumeOTPChallenge clears the challenge and writes the new password hash in
// a single conditional update. It reports false when the stored challenge no
// longer matches or has expired, which covers the double-reset race.
func (s *Store) ConsumeOTPChallenge(ctx context.Context, userID uuid.UUID, code, passwordHash string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET password_hash = $2, reset_otp = NULL, reset_otp_expires = NULL, updated_at = now()
		WHERE id = $1 AND reset_otp = $3 AND reset_otp_expires >= $4
	`, userID, passwordHash, code, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type row interface {
	Scan(dest ...any) error
}

func scanUser(r row) (*User, error) {
	var user User
	if err := r.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.AvatarURL,
		&user.Phone,
		&user.ResetOTP,
		&user.ResetOTPExpires,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}
