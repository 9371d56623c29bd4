package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/triage"
)

// inbox is the only mailbox the triage loop reads.
const inbox = "INBOX"

// Mailbox opens IMAP sessions with go-imap v2.
type Mailbox struct {
	// TLSConfig overrides the TLS settings used to reach the server.
	// ServerName defaults to the configured IMAP host.
	TLSConfig *tls.Config
}

// NewMailbox returns a Mailbox using system TLS defaults.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Open establishes a connection to the IMAP server, authenticates and
// selects INBOX. A server refusal of LOGIN is reported as *triage.AuthError;
// every other failure as *triage.ConnectionError.
func (m *Mailbox) Open(
	_ context.Context, creds model.MailboxCredentials,
) (triage.Session, error) {
	addr := creds.IMAPAddr()

	tlsConfig := &tls.Config{ServerName: creds.IMAPHost}
	if m.TLSConfig != nil {
		tlsConfig = m.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = creds.IMAPHost
		}
	}
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	var client *imapclient.Client
	var err error

	if creds.IMAPTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, &triage.ConnectionError{
			Op:  "dial " + addr,
			Err: err,
		}
	}

	if err := client.Login(creds.Address, creds.Secret).Wait(); err != nil {
		_ = client.Close()
		return nil, loginError(creds, err)
	}

	if _, err := client.Select(inbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &triage.ConnectionError{
			Op:  "select " + inbox,
			Err: err,
		}
	}

	return &Session{client: client}, nil
}

// loginError separates a server refusal (tagged NO/BAD response) from a
// transport failure during LOGIN.
func loginError(creds model.MailboxCredentials, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &triage.AuthError{
			Server: creds.IMAPHost,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				creds.Address, err,
			),
		}
	}
	return &triage.ConnectionError{Op: "login", Err: err}
}

// Session is an authenticated IMAP connection with INBOX selected.
type Session struct {
	client *imapclient.Client
}

// ListUnread runs UID SEARCH UNSEEN and returns the UIDs in server order.
func (s *Session) ListUnread(_ context.Context) ([]model.MessageID, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &triage.ConnectionError{Op: "search unseen", Err: err}
	}

	uids := searchData.AllUIDs()
	ids := make([]model.MessageID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, model.MessageID(uid))
	}
	return ids, nil
}

// Fetch retrieves BODY[] for one UID. The section is not peeked, so the
// server sets \Seen on the message as a side effect.
func (s *Session) Fetch(
	_ context.Context, id model.MessageID,
) ([]byte, error) {
	uidSet := imap.UIDSetNum(imap.UID(id))

	bodySection := &imap.FetchItemBodySection{}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, &triage.FetchError{ID: id, Err: err}
		}
		return nil, &triage.FetchError{
			ID:  id,
			Err: fmt.Errorf("message UID %d not found", id),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &triage.FetchError{
			ID:  id,
			Err: fmt.Errorf("collecting message data: %w", err),
		}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &triage.FetchError{
			ID:  id,
			Err: fmt.Errorf("message UID %d returned no body", id),
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &triage.FetchError{
			ID:  id,
			Err: fmt.Errorf("closing fetch: %w", err),
		}
	}

	return raw, nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		_ = s.client.Close()
		return fmt.Errorf("logging out: %w", err)
	}
	return s.client.Close()
}

// CountUnread opens a session, counts unseen messages and closes it.
// It backs the connection check of the CLI and the configuration view.
func (m *Mailbox) CountUnread(
	ctx context.Context, creds model.MailboxCredentials,
) (int, error) {
	session, err := m.Open(ctx, creds)
	if err != nil {
		return 0, err
	}
	defer func() { _ = session.Close() }()

	ids, err := session.ListUnread(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
