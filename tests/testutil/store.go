package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedRules saves text as the current rules of s.
func SeedRules(t *testing.T, s store.RuleStore, text string) model.RuleSet {
	t.Helper()

	rs, err := s.SaveRules(context.Background(), text)
	if err != nil {
		t.Fatalf("seeding rules: %v", err)
	}
	return rs
}
