// Package mail delivers password-reset codes over SMTP.
package mail

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"log/slog"
)

type SMTPConfig struct {
	Addr     string
	From     string
	User     string
	Password string
	Timeout  time.Duration
}

type Mailer struct {
	addr    string
	auth    smtp.Auth
	from    string
	timeout time.Duration
	logger  *slog.Logger
}

func NewMailer(cfg SMTPConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	var auth smtp.Auth
	if cfg.User != "" || cfg.Password != "" {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, host)
	}
	return &Mailer{
		addr:    cfg.Addr,
		auth:    auth,
		from:    cfg.From,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// SendOTP mails the reset code. Delivery is not transactional with challenge
// persistence: a stored challenge stays valid until its own expiry even when
// this fails.
func (m *Mailer) SendOTP(ctx context.Context, to, code string) error {
	subject := "Your password reset code"
	body := fmt.Sprintf("Your one-time passcode is %s. It expires in 5 minutes.\r\nIf you did not request a password reset, ignore this email.", code)

	msg := []byte(
		"From: " + m.from + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" + body + "\r\n")

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(m.addr, m.auth, m.from, []string{to}, msg)
	}()

	timeout := m.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error("otp email send failed", "smtp_addr", m.addr, "error", err)
			return fmt.Errorf("send otp email: %w", err)
		}
		return nil
	case <-timer.C:
		m.logger.Error("otp email send timed out", "smtp_addr", m.addr)
		return fmt.Errorf("send otp email: timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
