package triage

import (
	"context"

	"github.com/nhle/mailtriage/internal/model"
)

// Mailbox opens authenticated sessions against the inbound mail store.
type Mailbox interface {
	// Open connects and logs in. A rejected login is an *AuthError;
	// anything else is a *ConnectionError.
	Open(ctx context.Context, creds model.MailboxCredentials) (Session, error)
}

// Session is one logged-in connection to the inbox.
type Session interface {
	// ListUnread returns the ids of unseen messages in server order.
	ListUnread(ctx context.Context) ([]model.MessageID, error)

	// Fetch returns the raw RFC 5322 bytes of a message. Fetching marks
	// the message seen at the store.
	Fetch(ctx context.Context, id model.MessageID) ([]byte, error)

	Close() error
}

// Decoder turns raw message bytes into an InboundMessage.
type Decoder interface {
	Decode(raw []byte) (model.InboundMessage, error)
}

// Analyzer asks the analysis service about one message.
type Analyzer interface {
	Analyze(
		ctx context.Context,
		msg model.InboundMessage,
		rules model.RuleSet,
	) (model.AnalysisResult, error)
}

// Extractor finds a reply body in analysis text.
type Extractor interface {
	Extract(text string) (string, bool)
}

// Dispatcher sends a reply through the outbound server.
type Dispatcher interface {
	Send(
		ctx context.Context,
		creds model.MailboxCredentials,
		decision model.ReplyDecision,
	) error
}
