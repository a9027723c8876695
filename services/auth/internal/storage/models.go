package storage

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID            uuid.UUID
	Name          string
	Email         string
	PasswordHash  string
	EmailVerified bool
	AvatarURL     *string
	Phone         *string
	// Active password-reset challenge, at most one per user. Both fields are
	// nil when no challenge is outstanding.
	ResetOTP        *string
	ResetOTPExpires *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
