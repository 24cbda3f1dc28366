package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
)

// HistoryStore implements ports.HistoryStore.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a new history store.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Append stores an entry.
func (s *HistoryStore) Append(ctx context.Context, e billing.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var proration sql.NullString
	if e.Proration != nil {
		b, err := json.Marshal(e.Proration)
		if err != nil {
			return err
		}
		proration = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.exec(ctx, `
		INSERT INTO subscription_history (
			id, subscription_id, action, before_state, after_state, proration, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.SubscriptionID, string(e.Action), encodeMap(e.Before), encodeMap(e.After),
		proration, e.Actor, utc(e.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// ListBySubscription returns entries oldest first.
func (s *HistoryStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]billing.HistoryEntry, error) {
	rows, err := s.db.query(ctx, `
		SELECT id, subscription_id, action, before_state, after_state, proration, actor, created_at
		FROM subscription_history
		WHERE subscription_id = ?
		ORDER BY created_at ASC, id ASC
	`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.HistoryEntry
	for rows.Next() {
		var e billing.HistoryEntry
		var action, before, after string
		var proration sql.NullString
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &action, &before, &after, &proration, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = billing.HistoryAction(action)
		e.Before = decodeMap(before)
		e.After = decodeMap(after)
		if proration.Valid {
			var p billing.Proration
			if err := json.Unmarshal([]byte(proration.String), &p); err == nil {
				e.Proration = &p
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ensure interface compliance.
var _ ports.HistoryStore = (*HistoryStore)(nil)
