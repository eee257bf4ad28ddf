package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
	"mnemos/internal/types"
)

// =============================================================================
// EVENT JOURNAL
// =============================================================================

// AppendEvent writes one event to the durable journal. The journal is what
// get_recent_events replays; it survives subscriber churn and restarts of the
// in-process stream.
func (s *Store) AppendEvent(ctx context.Context, ev types.MemoryEvent) error {
	const op = "store.AppendEvent"

	if ev.Type == "" {
		return memerr.New(memerr.KindValidation, op, "event_type is required")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	meta := "{}"
	if len(ev.Metadata) > 0 {
		if b, err := json.Marshal(ev.Metadata); err == nil {
			meta = string(b)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_journal (event_type, user_id, session_id, memory_id, memory_type, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.UserID, ev.SessionID, ev.MemoryID, ev.MemoryType, ev.Content, meta, ts)
	if err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "append event")
	}
	return nil
}

// RecentEvents returns journal entries newest first. An empty userID or
// eventType matches everything.
func (s *Store) RecentEvents(ctx context.Context, userID, eventType string, limit int) ([]types.MemoryEvent, error) {
	const op = "store.RecentEvents"

	if limit <= 0 {
		limit = 20
	}

	query := `SELECT event_type, user_id, session_id, memory_id, memory_type, content, metadata, created_at
		 FROM event_journal`
	var (
		clauses []string
		args    []any
	)
	if userID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, userID)
	}
	if eventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, eventType)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "query journal")
	}
	defer rows.Close()

	var events []types.MemoryEvent
	for rows.Next() {
		var (
			ev   types.MemoryEvent
			typ  string
			meta string
		)
		if err := rows.Scan(&typ, &ev.UserID, &ev.SessionID, &ev.MemoryID, &ev.MemoryType, &ev.Content, &meta, &ev.Timestamp); err != nil {
			continue
		}
		ev.Type = types.EventType(typ)
		if meta != "" && meta != "{}" {
			var m map[string]any
			if err := json.Unmarshal([]byte(meta), &m); err == nil {
				ev.Metadata = m
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// PruneEvents trims the journal to the configured retention, dropping the
// oldest rows first. It returns the number of rows removed.
func (s *Store) PruneEvents(ctx context.Context) (int, error) {
	const op = "store.PruneEvents"

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_journal WHERE id NOT IN (
			SELECT id FROM event_journal ORDER BY id DESC LIMIT ?
		 )`, s.retention)
	if err != nil {
		return 0, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "prune journal")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("journal pruned", zap.Int64("events_removed", n))
	}
	return int(n), nil
}
