package memdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/doc"
)

type recorded struct {
	events []doc.Event
	tx     doc.Transaction
}

func record(m *Map) *[]recorded {
	var out []recorded
	m.Observe(func(events []doc.Event, tx doc.Transaction) {
		out = append(out, recorded{events: events, tx: tx})
	})
	return &out
}

// TestMap_SetGetDelete tests local writes and the events they produce.
func TestMap_SetGetDelete(t *testing.T) {
	d := New(1)
	cells := d.Cells()
	got := record(cells)

	cells.SetField("s:0:0", "value", "a")
	cells.SetField("s:0:0", "value", "b")
	cells.DeleteField("s:0:0", "value")
	cells.DeleteField("s:0:0", "value")

	require.Len(t, *got, 3)
	assert.Equal(t, doc.Event{Key: "s:0:0", Field: "value", Action: doc.ActionAdd, NewValue: "a"}, (*got)[0].events[0])
	assert.Equal(t, doc.Event{Key: "s:0:0", Field: "value", Action: doc.ActionUpdate, OldValue: "a", NewValue: "b"}, (*got)[1].events[0])
	assert.Equal(t, doc.Event{Key: "s:0:0", Field: "value", Action: doc.ActionDelete, OldValue: "b"}, (*got)[2].events[0])

	_, ok := cells.Field("s:0:0", "value")
	assert.False(t, ok)
	assert.Empty(t, cells.Keys())
}

// TestDoc_DeleteDoesNotAdvanceClock tests that deletions allocate no clock.
func TestDoc_DeleteDoesNotAdvanceClock(t *testing.T) {
	d := New(7)
	d.Cells().SetField("k", "value", 1)
	before := d.StateVector()

	d.Cells().DeleteField("k", "value")
	assert.Equal(t, before, d.StateVector())
	assert.Equal(t, causal.StateVector{7: 1}, before)
}

// TestDoc_TransactGroupsWrites tests that writes inside Transact share one
// batch and carry the origin.
func TestDoc_TransactGroupsWrites(t *testing.T) {
	d := New(1)
	got := record(d.Cells())

	d.Transact("ui", func(tx doc.Transaction) {
		d.Cells().SetField("k", "value", 1)
		d.Cells().SetField("k", "formula", nil)
	})

	require.Len(t, *got, 1)
	r := (*got)[0]
	assert.Len(t, r.events, 2)
	assert.Equal(t, "ui", r.tx.Origin())
	assert.True(t, r.tx.Local())
	assert.Equal(t, causal.StateVector{}, r.tx.BeforeState())
	assert.Equal(t, causal.StateVector{1: 2}, r.tx.AfterState())

	cell, ok := d.Cells().Cell("k")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"value": 1, "formula": nil}, cell)
}

// TestSync_ConcurrentWritesConverge tests that the higher client id wins on
// both replicas and only the losing replica sees a change.
func TestSync_ConcurrentWritesConverge(t *testing.T) {
	a, b := New(1), New(2)
	a.Cells().SetField("k", "value", "ours")
	b.Cells().SetField("k", "value", "theirs")

	gotA := record(a.Cells())
	gotB := record(b.Cells())
	Sync(a, b, "sync")

	va, _ := a.Cells().Field("k", "value")
	vb, _ := b.Cells().Field("k", "value")
	assert.Equal(t, "theirs", va)
	assert.Equal(t, "theirs", vb)

	require.Len(t, *gotA, 1)
	assert.Equal(t, doc.ActionUpdate, (*gotA)[0].events[0].Action)
	assert.Equal(t, "ours", (*gotA)[0].events[0].OldValue)
	assert.False(t, (*gotA)[0].tx.Local())
	assert.Equal(t, "sync", (*gotA)[0].tx.Origin())
	assert.Empty(t, *gotB)
}

// TestFieldCausality_SequentialAndConcurrent tests the three identifiers a
// monitor uses to tell supersession from concurrency.
func TestFieldCausality_SequentialAndConcurrent(t *testing.T) {
	a, b := New(1), New(2)
	a.Cells().SetField("k", "value", "first")
	Sync(a, b, "sync")

	// b saw a's write: its origin is a's write.
	aID, _ := a.Cells().FieldCausalID("k", "value")
	b.Cells().SetField("k", "value", "second")
	Sync(a, b, "sync")
	origin, ok := a.Cells().FieldOriginID("k", "value")
	require.True(t, ok)
	assert.Equal(t, aID, origin)
	pred, ok := a.Cells().FieldPredecessorID("k", "value")
	require.True(t, ok)
	assert.Equal(t, origin, pred)

	// concurrent: both write over "second"; b wins, its predecessor is a's
	// write, not the shared origin.
	a.Cells().SetField("k", "value", "a2")
	ours, _ := a.Cells().FieldCausalID("k", "value")
	b.Cells().SetField("k", "value", "b2")
	Sync(a, b, "sync")

	v, _ := a.Cells().Field("k", "value")
	assert.Equal(t, "b2", v)
	origin, _ = a.Cells().FieldOriginID("k", "value")
	pred, _ = a.Cells().FieldPredecessorID("k", "value")
	assert.NotEqual(t, origin, pred)
	assert.Equal(t, ours, pred)
}

// TestApplyUpdate_OutOfOrder tests that writes wait for their predecessors.
func TestApplyUpdate_OutOfOrder(t *testing.T) {
	a, b := New(1), New(2)
	a.Cells().SetField("k", "value", 1)
	first := a.EncodeUpdate(nil)
	a.Cells().SetField("k", "value", 2)
	second := a.EncodeUpdate(causal.StateVector{1: 1})

	b.ApplyUpdate(second, "sync")
	_, ok := b.Cells().Field("k", "value")
	assert.False(t, ok)

	b.ApplyUpdate(first, "sync")
	v, ok := b.Cells().Field("k", "value")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, a.StateVector(), b.StateVector())
}

// TestSync_RemoteDelete tests that deletions replicate through the delete set.
func TestSync_RemoteDelete(t *testing.T) {
	a, b := New(1), New(2)
	a.OpLog().Set("r1", "record")
	Sync(a, b, "sync")
	_, ok := b.OpLog().Get("r1")
	require.True(t, ok)

	got := record(b.OpLog())
	a.OpLog().Delete("r1")
	Sync(a, b, "sync")

	_, ok = b.OpLog().Get("r1")
	assert.False(t, ok)
	require.Len(t, *got, 1)
	assert.Equal(t, doc.ActionDelete, (*got)[0].events[0].Action)
}

// TestDoc_NestedTransactionFromObserver tests that a write made while
// observers run is applied at once and delivered after the current batch.
func TestDoc_NestedTransactionFromObserver(t *testing.T) {
	d := New(1)
	cells := d.Cells()
	var seen []string
	cells.Observe(func(events []doc.Event, tx doc.Transaction) {
		for _, ev := range events {
			seen = append(seen, ev.Key)
			if ev.Key == "a" {
				cells.SetField("b", "value", 1)
				_, ok := cells.Field("b", "value")
				assert.True(t, ok)
			}
		}
	})
	cells.SetField("a", "value", 1)
	assert.Equal(t, []string{"a", "b"}, seen)
}

// TestMap_DeleteCell tests removing every field of a key in one batch.
func TestMap_DeleteCell(t *testing.T) {
	d := New(1)
	cells := d.Cells()
	d.Transact(nil, func(doc.Transaction) {
		cells.SetField("k", "value", 1)
		cells.SetField("k", "format", map[string]any{"bold": true})
	})
	got := record(cells)

	cells.DeleteCell("k")
	require.Len(t, *got, 1)
	assert.Len(t, (*got)[0].events, 2)
	_, ok := cells.Cell("k")
	assert.False(t, ok)
}

// TestMap_ValuesAreCopied tests that callers cannot mutate stored maps.
func TestMap_ValuesAreCopied(t *testing.T) {
	d := New(1)
	format := map[string]any{"bold": true}
	d.Cells().SetField("k", "format", format)
	format["bold"] = false

	v, _ := d.Cells().Field("k", "format")
	assert.Equal(t, map[string]any{"bold": true}, v)
}
