package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/monitor"
)

// ErrNotFound is returned when a conflict id is not in the journal.
var ErrNotFound = errors.New("conflict not found")

// Entry is one journaled conflict.
type Entry struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Replica    string          `json:"replica"`
	Monitor    string          `json:"monitor"`
	Kind       monitor.Kind    `json:"kind"`
	Cell       string          `json:"cell"`
	RemoteUser string          `json:"remoteUser,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
	Payload    json.RawMessage `json:"payload"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// Open reports whether the conflict is still unresolved.
func (e Entry) Open() bool { return e.ResolvedAt == nil }

// Journal writes one replica's conflicts. It implements monitor.Journal.
type Journal struct {
	store   *Store
	replica string
}

var _ monitor.Journal = (*Journal)(nil)

// Journal returns a journal that tags every row with replica.
func (s *Store) Journal(replica string) *Journal {
	return &Journal{store: s, replica: replica}
}

// WriteConflict appends a detected conflict.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate ids are silently ignored.
func (j *Journal) WriteConflict(ctx context.Context, source string, c monitor.Conflict) error {
	payload, err := marshalPayload(c.Payload)
	if err != nil {
		return fmt.Errorf("write conflict: %w", err)
	}
	_, err = j.store.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(id, replica, monitor, kind, cell, remote_user, detected_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		j.replica,
		source,
		string(c.Kind()),
		c.Cell,
		c.RemoteUser,
		c.DetectedAt.UnixMilli(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("write conflict: %w", err)
	}
	return nil
}

// MarkResolved records when a conflict was resolved. The first resolution
// time wins. Returns ErrNotFound if the id was never journaled.
func (j *Journal) MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error {
	res, err := j.store.db.ExecContext(ctx, `
		UPDATE conflicts
		SET resolved_at = COALESCE(resolved_at, ?)
		WHERE id = ?
	`, resolvedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark resolved %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListConflicts returns every journaled conflict of a replica, or of all
// replicas when replica is empty, in insertion order.
//
// Returns an empty slice (not nil) if nothing was journaled.
func (s *Store) ListConflicts(ctx context.Context, replica string) ([]Entry, error) {
	return s.queryEntries(ctx, `
		SELECT seq, id, replica, monitor, kind, cell, remote_user, detected_at, payload, resolved_at
		FROM conflicts
		WHERE (? = '' OR replica = ?)
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, replica, replica)
}

// OpenConflicts is ListConflicts restricted to unresolved conflicts.
func (s *Store) OpenConflicts(ctx context.Context, replica string) ([]Entry, error) {
	return s.queryEntries(ctx, `
		SELECT seq, id, replica, monitor, kind, cell, remote_user, detected_at, payload, resolved_at
		FROM conflicts
		WHERE (? = '' OR replica = ?) AND resolved_at IS NULL
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, replica, replica)
}

// ReadConflict returns one journaled conflict.
func (s *Store) ReadConflict(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, replica, monitor, kind, cell, remote_user, detected_at, payload, resolved_at
		FROM conflicts
		WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("read conflict %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e          Entry
		kind       string
		detectedAt int64
		payload    string
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&e.Seq, &e.ID, &e.Replica, &e.Monitor, &kind, &e.Cell, &e.RemoteUser, &detectedAt, &payload, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan conflict: %w", err)
	}
	e.Kind = monitor.Kind(kind)
	e.DetectedAt = time.UnixMilli(detectedAt).UTC()
	e.Payload = json.RawMessage(payload)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		e.ResolvedAt = &t
	}
	return e, nil
}

// marshalPayload converts a conflict payload to canonical JSON TEXT.
// The payload struct is rendered with encoding/json and decoded generically
// so its json tags decide the key names.
func marshalPayload(p monitor.Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	data, err := cell.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}
