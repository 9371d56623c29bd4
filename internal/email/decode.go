package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/triage"
)

// DefaultExcerptChars bounds the body excerpt handed to the analyzer.
const DefaultExcerptChars = 500

// PartKind tags a decoded body part.
type PartKind int

const (
	PartPlainText PartKind = iota
	PartOther
)

// Part is one leaf of a message body in document order. Text is
// populated for plain-text parts and for the body of a single-part
// message.
type Part struct {
	Kind        PartKind
	ContentType string
	Text        string
}

// Decoder converts raw RFC 5322 messages into InboundMessages.
type Decoder struct {
	excerptChars int
}

// NewDecoder returns a decoder truncating bodies to excerptChars runes.
// A non-positive value selects DefaultExcerptChars.
func NewDecoder(excerptChars int) *Decoder {
	if excerptChars <= 0 {
		excerptChars = DefaultExcerptChars
	}
	return &Decoder{excerptChars: excerptChars}
}

// Decode parses raw and selects the body. A single-part message is taken
// verbatim whatever its content type; a multipart one yields its first
// plain-text part, or an empty excerpt when it has none. Malformed
// headers or transfer encodings yield *triage.DecodeError.
func (d *Decoder) Decode(raw []byte) (model.InboundMessage, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.InboundMessage{}, &triage.DecodeError{
			Err: fmt.Errorf("parsing message header: %w", err),
		}
	}
	defer mr.Close()

	msg := model.InboundMessage{
		Sender:  senderAddress(mr.Header),
		Subject: subject(mr.Header),
	}

	single := !isMultipart(mr.Header)

	parts, err := collectParts(mr, single)
	if err != nil {
		return model.InboundMessage{}, &triage.DecodeError{Err: err}
	}

	body := FirstPlainText(parts)
	if single && len(parts) > 0 {
		body = parts[0].Text
	}

	msg.BodyExcerpt = truncateRunes(body, d.excerptChars)
	return msg, nil
}

// isMultipart reports whether the top-level entity is multipart/*. A
// missing or unparsable Content-Type counts as single-part.
func isMultipart(h gomail.Header) bool {
	t, _, err := h.ContentType()
	if err != nil && t == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(t), "multipart/")
}

// FirstPlainText returns the text of the first plain-text part, or "".
func FirstPlainText(parts []Part) string {
	for _, p := range parts {
		if p.Kind == PartPlainText {
			return p.Text
		}
	}
	return ""
}

// collectParts walks leaf parts depth-first up to and including the first
// plain-text one. A single-part message yields exactly one part with its
// body kept. Other bodies are drained, not kept.
func collectParts(mr *gomail.Reader, single bool) ([]Part, error) {
	var parts []Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !message.IsUnknownCharset(err) {
				return nil, fmt.Errorf("reading part %d: %w", len(parts)+1, err)
			}
			if p == nil {
				break
			}
		}

		ct := partContentType(p.Header)
		part := Part{Kind: PartOther, ContentType: ct}

		if ct == "text/plain" || single {
			body, readErr := io.ReadAll(p.Body)
			if readErr != nil {
				return nil, fmt.Errorf("reading %s body: %w", ct, readErr)
			}
			if ct == "text/plain" {
				part.Kind = PartPlainText
			}
			part.Text = string(body)
		} else if _, drainErr := io.Copy(io.Discard, p.Body); drainErr != nil {
			return nil, fmt.Errorf("reading %s body: %w", ct, drainErr)
		}

		parts = append(parts, part)
		if part.Kind == PartPlainText || single {
			break
		}
	}
	return parts, nil
}

// partContentType returns the lowercased media type of a part, treating
// a missing Content-Type as text/plain.
func partContentType(h gomail.PartHeader) string {
	if strings.TrimSpace(h.Get("Content-Type")) == "" {
		return "text/plain"
	}

	typed, ok := h.(interface {
		ContentType() (string, map[string]string, error)
	})
	if !ok {
		return ""
	}

	t, _, err := typed.ContentType()
	if err != nil && t == "" {
		return ""
	}
	return strings.ToLower(t)
}

// senderAddress returns the bare address of the first From mailbox.
func senderAddress(h gomail.Header) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}

	// Unparsable display names still often carry a usable <addr>.
	raw := strings.TrimSpace(h.Get("From"))
	if raw == "" {
		return ""
	}
	if i, j := strings.LastIndex(raw, "<"), strings.LastIndex(raw, ">"); i >= 0 && j > i {
		return strings.TrimSpace(raw[i+1 : j])
	}
	if strings.Contains(raw, "@") && !strings.ContainsAny(raw, " \t") {
		return raw
	}
	return ""
}

// subject decodes RFC 2047 words, falling back to the raw header value.
func subject(h gomail.Header) string {
	if s, err := h.Subject(); err == nil {
		return s
	}
	return h.Get("Subject")
}

// truncateRunes cuts s to at most n runes without splitting a character.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
