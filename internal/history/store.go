package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one journal row: a state transition or a request completion.
type Record struct {
	ID        string    `json:"id"`
	Vdev      int       `json:"vdev"`
	CMID      string    `json:"cm_id"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	BSSID     string    `json:"bssid,omitempty"`
	SSID      string    `json:"ssid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore provides database access for the journal.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a HistoryStore backed by the given database.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Insert stores a record.
func (s *HistoryStore) Insert(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cm_history (
			id, vdev, cm_id, kind, event, from_state, to_state, status, reason, bssid, ssid, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Vdev, r.CMID, r.Kind, r.Event, r.FromState, r.ToState,
		r.Status, r.Reason, r.BSSID, r.SSID, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// List returns the newest records of vdev first, at most limit of them.
func (s *HistoryStore) List(ctx context.Context, vdev, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vdev, cm_id, kind, event, from_state, to_state, status, reason, bssid, ssid, created_at
		FROM cm_history WHERE vdev = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		vdev, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.Vdev, &r.CMID, &r.Kind, &r.Event, &r.FromState, &r.ToState,
			&r.Status, &r.Reason, &r.BSSID, &r.SSID, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return records, nil
}

// DeleteOlderThan removes records created before cutoff.
func (s *HistoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cm_history WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old history: %w", err)
	}
	return res.RowsAffected()
}
