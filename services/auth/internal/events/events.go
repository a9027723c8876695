// Package events publishes auth lifecycle events. Publishing is best-effort:
// a failed publish is logged and never fails the originating request.
package events

import (
	"context"

	"log/slog"

	"github.com/Dinhviethd/reclaim/libs/kafka"
)

const (
	TopicUserRegistered = "auth.user.registered"
	TopicPasswordReset  = "auth.password.reset"
)

type UserRegistered struct {
	kafka.Envelope
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type PasswordReset struct {
	kafka.Envelope
	UserID string `json:"user_id"`
}

type Publisher struct {
	publisher kafka.Publisher
	logger    *slog.Logger
}

// NewPublisher returns a nil-safe publisher; a nil kafka publisher disables
// event emission entirely.
func NewPublisher(publisher kafka.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{publisher: publisher, logger: logger}
}

func (p *Publisher) UserRegistered(ctx context.Context, userID, email, correlationID string) {
	if p == nil || p.publisher == nil {
		return
	}
	env, err := kafka.NewEnvelope(TopicUserRegistered, 1, correlationID)
	if err != nil {
		p.logger.Error("build event envelope failed", "topic", TopicUserRegistered, "error", err)
		return
	}
	event := UserRegistered{Envelope: env, UserID: userID, Email: email}
	if _, _, err := p.publisher.PublishJSON(ctx, TopicUserRegistered, userID, event); err != nil {
		p.logger.Error("publish event failed", "topic", TopicUserRegistered, "error", err)
	}
}

func (p *Publisher) PasswordReset(ctx context.Context, userID, correlationID string) {
	if p == nil || p.publisher == nil {
		return
	}
	env, err := kafka.NewEnvelope(TopicPasswordReset, 1, correlationID)
	if err != nil {
		p.logger.Error("build event envelope failed", "topic", TopicPasswordReset, "error", err)
		return
	}
	event := PasswordReset{Envelope: env, UserID: userID}
	if _, _, err := p.publisher.PublishJSON(ctx, TopicPasswordReset, userID, event); err != nil {
		p.logger.Error("publish event failed", "topic", TopicPasswordReset, "error", err)
	}
}
