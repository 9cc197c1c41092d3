package monitor

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc"
	"github.com/roach88/cellsync/internal/doc/memdoc"
	"github.com/roach88/cellsync/internal/testutil"
)

const syncOrigin = "sync"

var (
	a1 = cell.Key("s1", 0, 0)
	b1 = cell.Key("s1", 0, 1)
	c1 = cell.Key("s1", 0, 2)
)

// replica is one document with the local identity monitors are built from.
type replica struct {
	doc   *memdoc.Doc
	user  string
	clock *testutil.Clock
}

func newReplica(client uint64, user string) *replica {
	return &replica{doc: memdoc.New(client), user: user, clock: testutil.NewClock(testutil.Epoch)}
}

func (r *replica) origin() string { return "local:" + r.user }

func (r *replica) config() Config {
	return Config{
		Doc:         r.doc,
		Cells:       r.doc.Cells(),
		OpLog:       r.doc.OpLog(),
		LocalUserID: r.user,
		LocalOrigin: r.origin(),
		Clock:       r.clock,
		IDs:         testutil.NewSequentialIDs(r.user),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (r *replica) valueMonitor(t *testing.T, opts ...Option) *ValueMonitor {
	t.Helper()
	m, err := NewValueMonitor(r.config(), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

func (r *replica) formulaMonitor(t *testing.T, opts ...Option) *FormulaMonitor {
	t.Helper()
	m, err := NewFormulaMonitor(r.config(), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

func (r *replica) structuralMonitor(t *testing.T, opts ...Option) *StructuralMonitor {
	t.Helper()
	m, err := NewStructuralMonitor(r.config(), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

// put writes raw cell fields in one local transaction.
func (r *replica) put(key string, fields map[string]any) {
	r.doc.Transact(r.origin(), func(_ doc.Transaction) {
		for f, v := range fields {
			r.doc.Cells().SetField(key, f, v)
		}
		r.doc.Cells().SetField(key, cell.FieldModifiedBy, r.user)
	})
}

// move relocates a cell's content the way a cut and paste would.
func (r *replica) move(from, to string) {
	cells := r.doc.Cells()
	fields, _ := cells.Cell(from)
	snap := cell.Normalize(fields)
	r.doc.Transact(r.origin(), func(_ doc.Transaction) {
		for f, v := range snap.Fields() {
			cells.SetField(to, f, v)
		}
		cells.SetField(from, cell.FieldValue, nil)
		cells.SetField(from, cell.FieldFormula, nil)
		for _, f := range []string{cell.FieldFormat, cell.FieldEnc} {
			if _, ok := fields[f]; ok {
				cells.DeleteField(from, f)
			}
		}
	})
}

// clear empties a cell with null markers.
func (r *replica) clear(key string) {
	r.doc.Transact(r.origin(), func(_ doc.Transaction) {
		r.doc.Cells().SetField(key, cell.FieldValue, nil)
		r.doc.Cells().SetField(key, cell.FieldFormula, nil)
		if _, ok := r.doc.Cells().Field(key, cell.FieldFormat); ok {
			r.doc.Cells().DeleteField(key, cell.FieldFormat)
		}
	})
}

func (r *replica) snapshot(key string) *cell.Snapshot {
	fields, _ := r.doc.Cells().Cell(key)
	return cell.Normalize(fields)
}

func (r *replica) field(key, field string) any {
	v, _ := r.doc.Cells().Field(key, field)
	return v
}

func syncReplicas(a, b *replica) {
	memdoc.Sync(a.doc, b.doc, syncOrigin)
}

// lister is satisfied by every monitor.
type lister interface {
	ListConflicts() []Conflict
}

func countConflicts(ms ...lister) int {
	n := 0
	for _, m := range ms {
		n += len(m.ListConflicts())
	}
	return n
}
