package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/solatis/floodgate/internal/core/db"
)

// Store persists alert state transitions for post-incident review. It
// implements Sink over the shared query layer, so it works unchanged on
// SQLite and PostgreSQL.
type Store struct {
	queries *db.Queries
}

// NewStore wraps the query layer in a Sink.
func NewStore(queries *db.Queries) *Store {
	return &Store{queries: queries}
}

// TransitionRecord is one persisted alert transition.
type TransitionRecord struct {
	ID        int64     `db:"id" json:"id"`
	Rule      string    `db:"rule" json:"rule"`
	Metric    string    `db:"metric" json:"metric"`
	Severity  string    `db:"severity" json:"severity"`
	Value     float64   `db:"value" json:"value"`
	Threshold float64   `db:"threshold" json:"threshold"`
	Firing    bool      `db:"firing" json:"firing"`
	At        time.Time `db:"at" json:"at"`
}

// RecordTransition implements Sink.
func (s *Store) RecordTransition(ctx context.Context, alert Alert, firing bool) error {
	at := alert.FiredAt
	if !firing && alert.ResolvedAt != nil {
		at = *alert.ResolvedAt
	}
	_, err := s.queries.Exec(ctx, "insert-alert-transition",
		alert.Rule, alert.Metric, string(alert.Severity),
		alert.Value, alert.Threshold, firing, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record alert transition: %w", err)
	}
	return nil
}

// Recent returns the latest limit transitions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []TransitionRecord
	if err := s.queries.Select(ctx, "recent-alert-transitions", &records, limit); err != nil {
		return nil, fmt.Errorf("failed to query alert transitions: %w", err)
	}
	return records, nil
}
