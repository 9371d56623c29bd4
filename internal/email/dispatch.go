package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/triage"
)

// implicitTLSPort is the SMTP submission port that expects TLS from the
// first byte instead of a STARTTLS upgrade.
const implicitTLSPort = 465

const defaultDialTimeout = 30 * time.Second

// Dispatcher sends replies over SMTP with go-smtp.
type Dispatcher struct {
	// DialTimeout bounds the TCP connect. Zero means 30s.
	DialTimeout time.Duration

	// TLSConfig overrides the TLS settings; ServerName defaults to the
	// configured SMTP host.
	TLSConfig *tls.Config

	now func() time.Time
}

// NewDispatcher returns a Dispatcher with default timeouts.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{now: time.Now}
}

// Send composes the reply and delivers it: connect, STARTTLS, AUTH PLAIN,
// MAIL/RCPT/DATA, QUIT. Every failure is a *triage.DispatchError; a
// rejected login wraps a *triage.AuthError.
func (d *Dispatcher) Send(
	_ context.Context,
	creds model.MailboxCredentials,
	decision model.ReplyDecision,
) error {
	fail := func(err error) error {
		return &triage.DispatchError{Recipient: decision.Recipient, Err: err}
	}

	now := time.Now
	if d.now != nil {
		now = d.now
	}

	var msg bytes.Buffer
	if err := ComposeReply(&msg, creds.Address, decision, now()); err != nil {
		return fail(err)
	}

	client, err := d.connect(creds)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	auth := sasl.NewPlainClient("", creds.Address, creds.Secret)
	if err := client.Auth(auth); err != nil {
		return fail(authError(creds, err))
	}

	if err := client.SendMail(creds.Address, []string{decision.Recipient}, &msg); err != nil {
		return fail(fmt.Errorf("SMTP send: %w", err))
	}

	if err := client.Quit(); err != nil {
		return fail(fmt.Errorf("SMTP QUIT: %w", err))
	}

	return nil
}

// connect dials the server and returns a client whose session is
// encrypted, either implicitly (port 465) or through STARTTLS.
func (d *Dispatcher) connect(creds model.MailboxCredentials) (*smtp.Client, error) {
	addr := creds.SMTPAddr()

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	tlsConfig := &tls.Config{ServerName: creds.SMTPHost}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = creds.SMTPHost
		}
	}

	if creds.SMTPPort == implicitTLSPort {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
		}
		return smtp.NewClient(conn), nil
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}

	// NewClientStartTLS refuses servers that do not advertise STARTTLS
	// and closes the connection on failure.
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("SMTP STARTTLS with %s: %w", addr, err)
	}

	return client, nil
}

// authError marks a 535 (credentials rejected) as an AuthError.
func authError(creds model.MailboxCredentials, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code == 535 {
		return &triage.AuthError{
			Server: creds.SMTPHost,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				creds.Address, err,
			),
		}
	}
	return fmt.Errorf("SMTP auth: %w", err)
}

// ComposeReply writes an RFC 5322 plain-text reply to w.
func ComposeReply(
	w io.Writer, from string, decision model.ReplyDecision, date time.Time,
) error {
	var h gomail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	h.SetAddressList("To", []*gomail.Address{{Address: decision.Recipient}})
	h.SetSubject(decision.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("generating Message-ID: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	body, err := gomail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}

	if _, err := io.WriteString(body, decision.Body); err != nil {
		body.Close()
		return fmt.Errorf("writing reply body: %w", err)
	}

	if err := body.Close(); err != nil {
		return fmt.Errorf("closing reply body: %w", err)
	}

	return nil
}
