// Package mail delivers password-reset codes.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// Sender delivers a reset code to an email address.
type Sender interface {
	SendResetCode(ctx context.Context, email, code string) error
}

// SMTPSender sends reset codes through an SMTP relay.
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string
}

// NewSMTPSender returns an SMTPSender for addr (host:port).
func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	return &SMTPSender{Addr: addr, From: from, Username: username, Password: password}
}

// SendResetCode sends code to email. Never logs the code.
func (s *SMTPSender) SendResetCode(ctx context.Context, email, code string) error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("mail: smtp address not configured")
	}
	if strings.ContainsAny(email, "\r\n") {
		return fmt.Errorf("mail: invalid recipient")
	}
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("mail: parse smtp address: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("mail: dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mail: handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("mail: starttls: %w", err)
		}
	}
	if s.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.Username, s.Password, host)); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}
	if err := client.Mail(s.From); err != nil {
		return fmt.Errorf("mail: from: %w", err)
	}
	if err := client.Rcpt(email); err != nil {
		return fmt.Errorf("mail: rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail: data: %w", err)
	}
	if _, err := w.Write(resetMessage(s.From, email, code)); err != nil {
		_ = w.Close()
		return fmt.Errorf("mail: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail: close data: %w", err)
	}
	return client.Quit()
}

func resetMessage(from, to, code string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	b.WriteString("Subject: Reset Your Password\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Your OTP for password reset is %s. It expires in 5 minutes.\r\n", code)
	return []byte(b.String())
}

// LogSender records deliveries in the log instead of sending mail. Development only.
type LogSender struct {
	Logger *slog.Logger
}

// SendResetCode logs the recipient. The code itself is logged at debug level.
func (s LogSender) SendResetCode(_ context.Context, email, code string) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("reset code issued", "email", email)
	s.Logger.Debug("reset code", "email", email, "code", code)
	return nil
}
