// ABOUTME: Connection ledger store methods: append lifecycle events and query them back
// ABOUTME: Records which agents connected, disconnected, or were rejected, and when

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// AppendConnectionEvent appends a new entry to the ledger.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO connection_events (event_id, kind, agent_id, instance_id, remote_addr, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		e.AgentID,
		e.InstanceID,
		e.RemoteAddr,
		e.Reason,
		e.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}

	s.logger.Debug("appended connection event",
		"id", e.ID,
		"kind", e.Kind,
		"agent_id", e.AgentID,
	)
	return nil
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const connectionEventsQuery = `
	SELECT event_id, kind, agent_id, instance_id, remote_addr, reason, ts
	FROM connection_events
	WHERE (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, seq DESC
	LIMIT ?
`

// ListConnectionEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, f ConnectionFilter) ([]ConnectionEvent, error) {
	var kind, since *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	if f.Since != nil {
		ts := f.Since.UTC().Format(tsLayout)
		since = &ts
	}

	rows, err := s.db.QueryContext(ctx, connectionEventsQuery,
		f.AgentID, f.AgentID,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []ConnectionEvent{}
	for rows.Next() {
		e, err := scanConnectionEvent(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return entries, nil
}

func scanConnectionEvent(scanner interface{ Scan(dest ...any) error }) (ConnectionEvent, error) {
	var e ConnectionEvent
	var kind, ts string

	if err := scanner.Scan(&e.ID, &kind, &e.AgentID, &e.InstanceID, &e.RemoteAddr, &e.Reason, &ts); err != nil {
		return e, fmt.Errorf("scanning connection event: %w", err)
	}

	e.Kind = EventKind(kind)
	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

// AgentSummary aggregates every ledger row for agentID.
// Returns ErrNotFound when the agent never appeared.
func (s *SQLiteStore) AgentSummary(ctx context.Context, agentID string) (*AgentSummary, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'connected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'rejected' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM connection_events
		WHERE agent_id = ?
	`

	sum := &AgentSummary{AgentID: agentID}
	var total int
	if err := s.db.QueryRowContext(ctx, query, agentID).Scan(&sum.Connects, &sum.Rejections, &total); err != nil {
		return nil, fmt.Errorf("summarizing agent: %w", err)
	}
	if total == 0 {
		return nil, ErrNotFound
	}

	var kind, ts string
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, ts FROM connection_events
		WHERE agent_id = ?
		ORDER BY ts DESC, seq DESC
		LIMIT 1
	`, agentID).Scan(&kind, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading last event: %w", err)
	}

	sum.LastKind = EventKind(kind)
	sum.LastEventAt, err = time.Parse(tsLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return sum, nil
}

// Compile-time check
var _ Ledger = (*SQLiteStore)(nil)
