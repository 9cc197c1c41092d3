// Package doc is the contract between the conflict monitors and the
// replicated document that stores a spreadsheet.
//
// The document owns replication, merge and change notification. Monitors only
// read and write keyed fields, observe change batches, wrap writes in
// origin-tagged transactions and ask for the causal identifiers of a field's
// visible value. memdoc is an in-memory implementation used by tests, the
// scenario harness and the CLI.
package doc

import "github.com/roach88/cellsync/internal/causal"

// Action tags a field change.
type Action int

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// Event is one field whose visible value changed in a transaction. Flat maps
// such as the operation log report an empty Field.
type Event struct {
	Key      string
	Field    string
	Action   Action
	OldValue any
	NewValue any
}

// Observer receives every change batch on a map, after the transaction that
// produced it has committed.
type Observer func(events []Event, tx Transaction)

// Transaction is the causal boundary shared by all writes made inside one
// Transact call.
type Transaction interface {
	// Origin is the token passed to Transact, or the remote origin an update
	// was applied with.
	Origin() any
	// Local is false when the transaction applied a remote update.
	Local() bool
	// BeforeState is the document's state vector when the transaction began.
	BeforeState() causal.StateVector
	// AfterState is the state vector at commit. Observers always see it set.
	AfterState() causal.StateVector
}

// Document groups writes into transactions.
type Document interface {
	ClientID() uint64
	StateVector() causal.StateVector
	// Transact runs fn so that every write it makes shares one causal
	// boundary tagged with origin. Nested calls join the outer transaction.
	Transact(origin any, fn func(tx Transaction))
}

// CellMap stores cells as keyed groups of fields. A cell exists while at least
// one of its fields is visible.
type CellMap interface {
	causal.FieldCausality
	Keys() []string
	Cell(key string) (map[string]any, bool)
	Field(key, field string) (any, bool)
	SetField(key, field string, value any)
	DeleteField(key, field string)
	Observe(fn Observer) (unobserve func())
}

// RecordMap is a flat replicated key/value map.
type RecordMap interface {
	Keys() []string
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Observe(fn Observer) (unobserve func())
}
