package store

import (
	"context"

	"github.com/nhle/mailtriage/internal/model"
)

// RuleStore persists the operator's processing rules. Only the current
// rule set is used by the triage loop; earlier revisions are kept for
// reference and are only listed by `rules history`.
type RuleStore interface {
	GetRules(ctx context.Context) (model.RuleSet, error)
	SaveRules(ctx context.Context, text string) (model.RuleSet, error)
	RuleHistory(ctx context.Context, limit int) ([]RuleRevision, error)
}

// RuleRevision is a previously saved rule text.
type RuleRevision struct {
	ID      string `db:"id"`
	model.RuleSet
}
