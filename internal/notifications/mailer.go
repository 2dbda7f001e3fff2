// Package notifications delivers license codes to purchasers by email. Delivery is
// best-effort: callers log and count failures but never fail the operation that
// produced the license.
package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"github.com/license-server/license-server/internal/config"
	"gopkg.in/gomail.v2"
)

const defaultSendTimeout = 10 * time.Second

// ErrDisabled is returned by the no-op mailer used when email is turned off
var ErrDisabled = errors.New("email delivery is disabled")

// Mailer sends license notification emails
type Mailer interface {
	SendLicense(ctx context.Context, to, code string) error
}

// New returns an SMTP mailer when email is enabled, otherwise a no-op mailer
func New(cfg config.EmailConfig) Mailer {
	if !cfg.Enabled {
		slog.Info("license emails disabled (email.enabled=false)")
		return NoopMailer{}
	}
	return NewSMTPMailer(cfg)
}

// NoopMailer drops every message
type NoopMailer struct{}

// SendLicense implements Mailer
func (NoopMailer) SendLicense(_ context.Context, to, _ string) error {
	slog.Debug("license email skipped", "to", to)
	return ErrDisabled
}

// SMTPMailer sends through an SMTP relay using gomail
type SMTPMailer struct {
	from    string
	timeout time.Duration
	send    func(context.Context, *gomail.Message) error
}

// NewSMTPMailer builds a mailer that authenticates with the relay's API key
func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	relay := &smtpRelay{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.APIKey,
		ssl:      cfg.SMTPPort == 465,
	}

	return &SMTPMailer{
		from:    cfg.From,
		timeout: timeout,
		send:    relay.send,
	}
}

// smtpRelay delivers gomail messages over a connection whose lifetime is tied
// to the caller's context. gomail.Dialer cannot take a context and sets no IO
// deadline, so the session is driven through net/smtp and gomail.SendFunc.
type smtpRelay struct {
	host     string
	port     int
	username string
	password string
	ssl      bool
	dialer   net.Dialer
}

func (r *smtpRelay) send(ctx context.Context, msg *gomail.Message) error {
	conn, err := r.dialer.DialContext(ctx, "tcp", net.JoinHostPort(r.host, strconv.Itoa(r.port)))
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	// Unblocks any pending read or write once ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tlsConfig := &tls.Config{ServerName: r.host, MinVersion: tls.VersionTLS12}
	if r.ssl {
		conn = tls.Client(conn, tlsConfig)
	}

	c, err := smtp.NewClient(conn, r.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if !r.ssl {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if r.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", r.username, r.password, r.host)); err != nil {
				return err
			}
		}
	}

	sender := gomail.SendFunc(func(from string, to []string, body io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, addr := range to {
			if err := c.Rcpt(addr); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := body.WriteTo(w); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err := gomail.Send(sender, msg); err != nil {
		return err
	}
	return c.Quit()
}

var licenseHTML = template.Must(template.New("license").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
<p>Thank you for your purchase.</p>
<p>Your license code is:</p>
<p style="font-size: 20px; font-family: monospace"><strong>{{.Code}}</strong></p>
<p>Enter it in the application, or sign in with this email address ({{.Email}}) to activate it.</p>
</body>
</html>`))

// buildLicenseMessage renders the license email with plain-text and HTML parts
func (m *SMTPMailer) buildLicenseMessage(to, code string) (*gomail.Message, error) {
	var html bytes.Buffer
	if err := licenseHTML.Execute(&html, struct{ Code, Email string }{code, to}); err != nil {
		return nil, fmt.Errorf("failed to render license email: %w", err)
	}

	text := fmt.Sprintf("Thank you for your purchase.\r\n\r\n"+
		"Your license code is: %s\r\n\r\n"+
		"Enter it in the application, or sign in with this email address (%s) to activate it.\r\n",
		code, to)

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Your license code")
	msg.SetBody("text/plain", text)
	msg.AddAlternative("text/html", html.String())
	return msg, nil
}

// SendLicense emails code to the purchaser. The SMTP exchange is bounded by the
// configured timeout and by ctx, whichever ends first.
func (m *SMTPMailer) SendLicense(ctx context.Context, to, code string) error {
	if to == "" {
		return errors.New("no recipient address")
	}

	msg, err := m.buildLicenseMessage(to, code)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.send(ctx, msg); err != nil {
		if cause := ctx.Err(); cause != nil {
			return fmt.Errorf("failed to send license email: %w", cause)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("failed to send license email: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("failed to send license email: %w", err)
	}
	return nil
}
