package model

import (
	"net"
	"strconv"
	"time"
)

// MailboxCredentials identifies one mailbox and how to reach it.
// A value is immutable for the lifetime of a session.
type MailboxCredentials struct {
	Address  string
	Secret   string
	IMAPHost string
	IMAPPort int
	IMAPTLS  bool
	SMTPHost string
	SMTPPort int
}

// IMAPAddr returns host:port for the inbound server.
func (c MailboxCredentials) IMAPAddr() string {
	return net.JoinHostPort(c.IMAPHost, strconv.Itoa(c.IMAPPort))
}

// SMTPAddr returns host:port for the outbound server.
func (c MailboxCredentials) SMTPAddr() string {
	return net.JoinHostPort(c.SMTPHost, strconv.Itoa(c.SMTPPort))
}

// TriageConfig is the immutable snapshot a loop runs with. Rule text is
// not part of it; rules are read live through LiveRules.
type TriageConfig struct {
	Credentials      MailboxCredentials
	APIKey           string
	Analysis         AnalysisConfig
	PollInterval     time.Duration
	SubInterval      time.Duration
	BodyExcerptChars int
	ReplyMarkers     []string
	DryRun           bool
}

// MessageID is the mailbox-assigned identifier (IMAP UID) of a message.
// It is unique within a session.
type MessageID uint32

// InboundMessage is the decoded form of one unread message.
// It is never persisted.
type InboundMessage struct {
	ID          MessageID
	Sender      string // bare address, display name stripped
	Subject     string
	BodyExcerpt string
}

// AnalysisResult is the free text returned by the analysis service.
type AnalysisResult string

// ReplyDecision is a reply the analysis asked for.
type ReplyDecision struct {
	Recipient string
	Subject   string
	Body      string
}

// NewReplyDecision addresses body back to the sender of msg.
func NewReplyDecision(msg InboundMessage, body string) ReplyDecision {
	return ReplyDecision{
		Recipient: msg.Sender,
		Subject:   "Re: " + msg.Subject,
		Body:      body,
	}
}
