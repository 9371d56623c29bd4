// Package reply locates the reply body in free-form analysis text.
//
// The grammar is deliberately small: find the earliest occurrence of any
// marker variant, take everything after it, trim. Model output has no
// guaranteed structure, so text without a marker (or with nothing after
// it) yields no reply.
package reply

import (
	"strings"

	"github.com/nhle/mailtriage/internal/model"
)

// Extractor finds the reply body following a marker token.
type Extractor struct {
	markers []string
}

// NewExtractor returns an extractor for the given marker variants.
// Empty markers are ignored; with none left the defaults apply.
func NewExtractor(markers ...string) *Extractor {
	var ms []string
	for _, m := range markers {
		if m != "" {
			ms = append(ms, m)
		}
	}
	if len(ms) == 0 {
		ms = append(ms, model.DefaultReplyMarkers...)
	}
	return &Extractor{markers: ms}
}

// Markers returns the variants this extractor matches.
func (e *Extractor) Markers() []string {
	return append([]string(nil), e.markers...)
}

// Extract returns the trimmed text after the first marker occurrence.
// ok is false when no marker is present or the body is empty.
func (e *Extractor) Extract(text string) (body string, ok bool) {
	pos, marker := e.firstMarker(text)
	if pos < 0 {
		return "", false
	}

	body = strings.TrimSpace(text[pos+len(marker):])
	if body == "" {
		return "", false
	}
	return body, true
}

// firstMarker returns the byte offset and variant of the earliest marker.
// On a tie the longer variant wins, so "a:" beats "a" at the same offset.
func (e *Extractor) firstMarker(text string) (int, string) {
	best, found := -1, ""
	for _, m := range e.markers {
		i := strings.Index(text, m)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(m) > len(found)) {
			best, found = i, m
		}
	}
	return best, found
}
