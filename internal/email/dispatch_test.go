package email

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/triage"
)

func TestComposeReply_DecodesBack(t *testing.T) {
	decision := model.ReplyDecision{
		Recipient: "alice@example.com",
		Subject:   "Re: 发票 #22",
		Body:      "已收到发票，谢谢. Receipt attached, thanks...",
	}
	date := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, ComposeReply(&buf, "me@example.com", decision, date))

	raw := buf.String()
	assert.Contains(t, raw, "Message-Id: <")
	assert.Contains(t, raw, "Content-Transfer-Encoding: quoted-printable")
	assert.Contains(t, strings.ToLower(raw), "charset=utf-8")

	// The reply must survive a round trip through the inbound decoder.
	msg, err := NewDecoder(1000).Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", msg.Sender)
	assert.Equal(t, decision.Subject, msg.Subject)
	assert.Equal(t, decision.Body, msg.BodyExcerpt)
}

// fakeSMTPServer accepts one connection, greets, answers EHLO without
// advertising STARTTLS and records the commands it saw.
func fakeSMTPServer(t *testing.T) (host string, port int, seen <-chan []string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			ch <- nil
			return
		}
		defer conn.Close()

		var cmds []string
		w := bufio.NewWriter(conn)
		r := bufio.NewReader(conn)
		write := func(s string) {
			w.WriteString(s + "\r\n")
			w.Flush()
		}

		write("220 localhost ESMTP test")
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := r.ReadString('\n')
			if err != nil {
				break
			}
			cmd := strings.TrimSpace(line)
			cmds = append(cmds, cmd)

			verb := strings.ToUpper(strings.SplitN(cmd, " ", 2)[0])
			switch verb {
			case "EHLO":
				write("250-localhost")
				write("250 8BITMIME")
			case "QUIT":
				write("221 bye")
				ch <- cmds
				return
			default:
				write("502 not implemented")
			}
		}
		ch <- cmds
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, ch
}

func TestDispatcher_RequiresSTARTTLS(t *testing.T) {
	host, port, seen := fakeSMTPServer(t)

	creds := model.MailboxCredentials{
		Address:  "me@example.com",
		Secret:   "app-password",
		SMTPHost: host,
		SMTPPort: port,
	}
	decision := model.ReplyDecision{
		Recipient: "alice@example.com",
		Subject:   "Re: hi",
		Body:      "hello",
	}

	d := NewDispatcher()
	d.DialTimeout = 2 * time.Second

	err := d.Send(context.Background(), creds, decision)
	require.Error(t, err)

	var dispatchErr *triage.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "alice@example.com", dispatchErr.Recipient)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.Equal(t, triage.ScopeMessage, triage.ScopeOf(err))

	select {
	case cmds := <-seen:
		for _, c := range cmds {
			assert.NotContains(t, strings.ToUpper(c), "AUTH", "credentials must not be sent before TLS")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fake server did not finish")
	}
}

func TestDispatcher_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	creds := model.MailboxCredentials{
		Address:  "me@example.com",
		Secret:   "x",
		SMTPHost: "127.0.0.1",
		SMTPPort: port,
	}

	d := NewDispatcher()
	d.DialTimeout = time.Second

	err = d.Send(context.Background(), creds, model.ReplyDecision{Recipient: "a@example.com"})

	var dispatchErr *triage.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Contains(t, err.Error(), "dial to 127.0.0.1:"+strconv.Itoa(port))
}

func TestAuthError(t *testing.T) {
	creds := model.MailboxCredentials{Address: "me@example.com", SMTPHost: "smtp.example.com"}

	rejected := authError(creds, &smtp.SMTPError{Code: 535, Message: "bad credentials"})
	assert.True(t, triage.IsAuthError(rejected))

	other := authError(creds, &smtp.SMTPError{Code: 454, Message: "try later"})
	assert.False(t, triage.IsAuthError(other))

	plain := authError(creds, errors.New("connection reset"))
	assert.False(t, triage.IsAuthError(plain))

	// A rejected outbound login stays scoped to the message.
	wrapped := &triage.DispatchError{Recipient: "a@example.com", Err: rejected}
	assert.True(t, triage.IsAuthError(wrapped))
	assert.Equal(t, triage.ScopeMessage, triage.ScopeOf(wrapped))
}

// deliveredMail is one message accepted by recordingBackend.
type deliveredMail struct {
	User string
	From string
	To   []string
	Data []byte
}

// recordingBackend is a go-smtp backend that accepts AUTH PLAIN with a
// single password and keeps every delivered message.
type recordingBackend struct {
	password string

	mu    sync.Mutex
	mails []deliveredMail
}

func (b *recordingBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &recordingSession{backend: b}, nil
}

func (b *recordingBackend) delivered() []deliveredMail {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]deliveredMail(nil), b.mails...)
}

type recordingSession struct {
	backend *recordingBackend
	user    string
	mail    deliveredMail
}

func (s *recordingSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *recordingSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.user = username
		return nil
	}), nil
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	if s.user == "" {
		return smtp.ErrAuthRequired
	}
	s.mail = deliveredMail{User: s.user, From: from}
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.mail.To = append(s.mail.To, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mail.Data = data

	s.backend.mu.Lock()
	s.backend.mails = append(s.backend.mails, s.mail)
	s.backend.mu.Unlock()
	return nil
}

func (s *recordingSession) Reset() {
	s.mail = deliveredMail{User: s.user}
}

func (s *recordingSession) Logout() error {
	return nil
}

// startSMTPServer runs a go-smtp server offering STARTTLS on a loopback
// port and returns a dispatcher that trusts its certificate.
func startSMTPServer(
	t *testing.T, password string,
) (*recordingBackend, *Dispatcher, model.MailboxCredentials) {
	t.Helper()

	serverTLS, clientTLS := localTLS(t)

	backend := &recordingBackend{password: password}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.TLSConfig = serverTLS
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	d := NewDispatcher()
	d.DialTimeout = 2 * time.Second
	d.TLSConfig = clientTLS

	creds := model.MailboxCredentials{
		Address:  "me@example.com",
		SMTPHost: "127.0.0.1",
		SMTPPort: ln.Addr().(*net.TCPAddr).Port,
	}
	return backend, d, creds
}

func TestDispatcher_SendDeliversReply(t *testing.T) {
	backend, d, creds := startSMTPServer(t, "app-password")
	creds.Secret = "app-password"

	decision := model.ReplyDecision{
		Recipient: "alice@example.com",
		Subject:   "Re: invoice #22",
		Body:      "Receipt attached, thanks.",
	}

	require.NoError(t, d.Send(context.Background(), creds, decision))

	mails := backend.delivered()
	require.Len(t, mails, 1)
	assert.Equal(t, "me@example.com", mails[0].User)
	assert.Equal(t, "me@example.com", mails[0].From)
	assert.Equal(t, []string{"alice@example.com"}, mails[0].To)

	msg, err := NewDecoder(1000).Decode(mails[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", msg.Sender)
	assert.Equal(t, "Re: invoice #22", msg.Subject)
	assert.Equal(t, "Receipt attached, thanks.", msg.BodyExcerpt)
}

func TestDispatcher_RejectedLoginIsAuthError(t *testing.T) {
	backend, d, creds := startSMTPServer(t, "app-password")
	creds.Secret = "account-password"

	err := d.Send(context.Background(), creds, model.ReplyDecision{
		Recipient: "alice@example.com",
		Subject:   "Re: hi",
		Body:      "hello",
	})
	require.Error(t, err)

	var dispatchErr *triage.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.True(t, triage.IsAuthError(err))
	assert.Equal(t, triage.ScopeMessage, triage.ScopeOf(err))
	assert.Empty(t, backend.delivered())
}
