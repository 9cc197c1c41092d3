package oplog

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
)

// Kind tags a structural operation.
type Kind string

const (
	KindMove   Kind = "move"
	KindDelete Kind = "delete"
	KindEdit   Kind = "edit"
)

// Op is the kind-specific payload of a record: Move, Delete or Edit.
type Op interface {
	Kind() Kind
	// Cells lists the cell keys the operation reads or writes.
	Cells() []string
	isOp()
}

// Move relocates a cell's content.
type Move struct {
	From        string         `json:"from"`
	To          string         `json:"to"`
	Content     *cell.Snapshot `json:"content"`
	Fingerprint string         `json:"fingerprint"`
}

// Delete clears a cell.
type Delete struct {
	Cell   string         `json:"cell"`
	Before *cell.Snapshot `json:"before"`
}

// Edit changes a cell's content or format in place. Before is nil when the
// cell was created.
type Edit struct {
	Cell           string         `json:"cell"`
	Before         *cell.Snapshot `json:"before,omitempty"`
	After          *cell.Snapshot `json:"after"`
	ContentChanged bool           `json:"contentChanged"`
	FormatChanged  bool           `json:"formatChanged"`
}

func (Move) Kind() Kind   { return KindMove }
func (Delete) Kind() Kind { return KindDelete }
func (Edit) Kind() Kind   { return KindEdit }

func (m Move) Cells() []string   { return []string{m.From, m.To} }
func (d Delete) Cells() []string { return []string{d.Cell} }
func (e Edit) Cells() []string   { return []string{e.Cell} }

func (Move) isOp()   {}
func (Delete) isOp() {}
func (Edit) isOp()   {}

// Record is one published operation.
type Record struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	// CreatedAt is the author's wall clock in Unix milliseconds. It is only
	// used for age-based pruning, never for ordering.
	CreatedAt int64          `json:"createdAt"`
	Before    causal.Encoded `json:"beforeState"`
	After     causal.Encoded `json:"afterState"`
	// Touched lists every cell mutated by the originating transaction.
	Touched []string `json:"touchedCells"`
	Op      Op       `json:"op"`
}

// Kind returns the record's operation kind.
func (r Record) Kind() Kind {
	if r.Op == nil {
		return ""
	}
	return r.Op.Kind()
}

// Span returns the record's causal extent.
func (r Record) Span() causal.Span {
	return causal.SpanOf(r.Before, r.After)
}

// Touches reports whether the originating transaction mutated key.
func (r Record) Touches(key string) bool {
	return slices.Contains(r.Touched, key)
}

// String implements fmt.Stringer.
func (r Record) String() string {
	switch op := r.Op.(type) {
	case Move:
		return fmt.Sprintf("%s move %s->%s by %s", r.ID, op.From, op.To, r.Author)
	case Delete:
		return fmt.Sprintf("%s delete %s by %s", r.ID, op.Cell, r.Author)
	case Edit:
		return fmt.Sprintf("%s edit %s by %s", r.ID, op.Cell, r.Author)
	}
	return fmt.Sprintf("%s ? by %s", r.ID, r.Author)
}

// recordJSON is the wire form of a Record. Kind selects the type Op decodes
// into.
type recordJSON struct {
	ID        string          `json:"id"`
	Author    string          `json:"author"`
	CreatedAt int64           `json:"createdAt"`
	Before    causal.Encoded  `json:"beforeState"`
	After     causal.Encoded  `json:"afterState"`
	Touched   []string        `json:"touchedCells"`
	Kind      Kind            `json:"kind"`
	Op        json.RawMessage `json:"op"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Op == nil {
		return nil, fmt.Errorf("oplog: record %s has no op", r.ID)
	}
	op, err := json.Marshal(r.Op)
	if err != nil {
		return nil, fmt.Errorf("oplog: encode op of %s: %w", r.ID, err)
	}
	return json.Marshal(recordJSON{
		ID:        r.ID,
		Author:    r.Author,
		CreatedAt: r.CreatedAt,
		Before:    r.Before,
		After:     r.After,
		Touched:   r.Touched,
		Kind:      r.Op.Kind(),
		Op:        op,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := decodeOp(raw.Kind, raw.Op)
	if err != nil {
		return fmt.Errorf("oplog: record %s: %w", raw.ID, err)
	}
	*r = Record{
		ID:        raw.ID,
		Author:    raw.Author,
		CreatedAt: raw.CreatedAt,
		Before:    raw.Before,
		After:     raw.After,
		Touched:   raw.Touched,
		Op:        op,
	}
	return nil
}

func decodeOp(kind Kind, data json.RawMessage) (Op, error) {
	switch kind {
	case KindMove:
		var m Move
		err := json.Unmarshal(data, &m)
		return m, err
	case KindDelete:
		var d Delete
		err := json.Unmarshal(data, &d)
		return d, err
	case KindEdit:
		var e Edit
		err := json.Unmarshal(data, &e)
		return e, err
	}
	return nil, fmt.Errorf("unknown op kind %q", kind)
}

// Decode extracts a record from a log map value. Besides Record values it
// accepts the JSON form, raw or already decoded into a map, as written by
// replicas that serialize log entries.
func Decode(v any) (Record, error) {
	switch r := v.(type) {
	case Record:
		return r, r.validate()
	case *Record:
		if r == nil {
			return Record{}, fmt.Errorf("oplog: nil record")
		}
		return *r, r.validate()
	case []byte:
		return decodeJSON(r)
	case json.RawMessage:
		return decodeJSON(r)
	case string:
		return decodeJSON([]byte(r))
	case map[string]any:
		data, err := json.Marshal(r)
		if err != nil {
			return Record{}, fmt.Errorf("oplog: encode record map: %w", err)
		}
		return decodeJSON(data)
	}
	return Record{}, fmt.Errorf("oplog: unexpected record type %T", v)
}

func decodeJSON(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("oplog: decode record: %w", err)
	}
	return r, r.validate()
}

func (r Record) validate() error {
	if r.ID == "" {
		return fmt.Errorf("oplog: record without id")
	}
	switch r.Op.(type) {
	case Move, Delete, Edit:
		return nil
	}
	return fmt.Errorf("oplog: record %s has unknown op %T", r.ID, r.Op)
}
