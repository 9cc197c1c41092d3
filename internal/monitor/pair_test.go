package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/oplog"
)

func rec(id string, op oplog.Op, touched ...string) oplog.Record {
	return oplog.Record{ID: id, Author: id, Op: op, Touched: touched}
}

func moveOf(from, to string, s *cell.Snapshot) oplog.Move {
	return oplog.Move{From: from, To: to, Content: s, Fingerprint: s.Fingerprint()}
}

// TestClassifyPair tests the outcome of every op-kind combination.
func TestClassifyPair(t *testing.T) {
	x := &cell.Snapshot{Value: "x"}
	y := &cell.Snapshot{Value: "y"}
	xBold := &cell.Snapshot{Value: "x", Format: map[string]any{"bold": true}}

	tests := []struct {
		name       string
		ours       oplog.Record
		theirs     oplog.Record
		wantCell   string
		wantReason Reason
		wantMerge  bool
	}{
		{
			name:       "move/move different destinations",
			ours:       rec("o", moveOf(a1, b1, x)),
			theirs:     rec("t", moveOf(a1, c1, x)),
			wantCell:   a1,
			wantReason: ReasonMoveDestination,
		},
		{
			name:   "move/move same destination same content",
			ours:   rec("o", moveOf(a1, b1, x)),
			theirs: rec("t", moveOf(a1, b1, x)),
		},
		{
			name:       "move/move onto one cell",
			ours:       rec("o", moveOf(a1, c1, x)),
			theirs:     rec("t", moveOf(b1, c1, y)),
			wantCell:   c1,
			wantReason: ReasonContent,
		},
		{
			name:       "move/move identical content from two sources",
			ours:       rec("o", moveOf(a1, c1, x)),
			theirs:     rec("t", moveOf(b1, c1, x)),
			wantCell:   c1,
			wantReason: ReasonContent,
		},
		{
			name:       "move/move same content different format",
			ours:       rec("o", moveOf(a1, c1, x)),
			theirs:     rec("t", moveOf(b1, c1, xBold)),
			wantCell:   c1,
			wantReason: ReasonFormat,
		},
		{
			name:       "move/delete at destination",
			ours:       rec("o", moveOf(a1, b1, x)),
			theirs:     rec("t", oplog.Delete{Cell: b1, Before: y}),
			wantCell:   b1,
			wantReason: ReasonDeleteVsEdit,
		},
		{
			name:       "delete/move at source",
			ours:       rec("o", oplog.Delete{Cell: a1, Before: x}),
			theirs:     rec("t", moveOf(a1, b1, x)),
			wantCell:   a1,
			wantReason: ReasonDeleteVsEdit,
		},
		{
			name:   "delete at source of other content",
			ours:   rec("o", oplog.Delete{Cell: a1, Before: y}),
			theirs: rec("t", moveOf(a1, b1, x)),
		},
		{
			name:       "edit/move at destination",
			ours:       rec("o", oplog.Edit{Cell: b1, Before: y, After: xBold, FormatChanged: true}),
			theirs:     rec("t", moveOf(a1, b1, x)),
			wantCell:   b1,
			wantReason: ReasonFormat,
		},
		{
			name:      "move/edit at source",
			ours:      rec("o", moveOf(a1, b1, x)),
			theirs:    rec("t", oplog.Edit{Cell: a1, Before: x, After: xBold, FormatChanged: true}, a1),
			wantCell:  a1,
			wantMerge: true,
		},
		{
			name:       "move/edit at source touching destination",
			ours:       rec("o", moveOf(a1, b1, x)),
			theirs:     rec("t", oplog.Edit{Cell: a1, Before: x, After: y, ContentChanged: true}, a1, b1),
			wantCell:   a1,
			wantReason: ReasonDeleteVsEdit,
		},
		{
			name:       "move/edit at source of other content",
			ours:       rec("o", moveOf(a1, b1, x)),
			theirs:     rec("t", oplog.Edit{Cell: a1, Before: y, After: xBold, ContentChanged: true}, a1),
			wantCell:   a1,
			wantReason: ReasonDeleteVsEdit,
		},
		{
			name:   "move/edit elsewhere",
			ours:   rec("o", moveOf(a1, b1, x)),
			theirs: rec("t", oplog.Edit{Cell: c1, After: y, ContentChanged: true}),
		},
		{
			name:       "edit/delete",
			ours:       rec("o", oplog.Edit{Cell: a1, Before: x, After: y, ContentChanged: true}),
			theirs:     rec("t", oplog.Delete{Cell: a1, Before: x}),
			wantCell:   a1,
			wantReason: ReasonDeleteVsEdit,
		},
		{
			name:   "edit/edit",
			ours:   rec("o", oplog.Edit{Cell: a1, After: x, ContentChanged: true}),
			theirs: rec("t", oplog.Edit{Cell: a1, After: y, ContentChanged: true}),
		},
		{
			name:   "delete/delete",
			ours:   rec("o", oplog.Delete{Cell: a1, Before: x}),
			theirs: rec("t", oplog.Delete{Cell: a1, Before: x}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := classifyPair(tt.ours, tt.theirs)
			if tt.wantCell == "" {
				assert.Nil(t, out)
				return
			}
			require.NotNil(t, out)
			assert.Equal(t, tt.wantCell, out.cell)
			if tt.wantMerge {
				require.NotNil(t, out.merge)
				require.NotNil(t, out.merge.fallback)
				assert.Equal(t, ReasonDeleteVsEdit, out.merge.fallback.payload.Reason)
				return
			}
			require.Nil(t, out.merge)
			require.NotNil(t, out.payload)
			assert.Equal(t, tt.wantReason, out.payload.Reason)
			assert.Equal(t, "o", out.payload.LocalOp)
			assert.Equal(t, "t", out.payload.RemoteOp)
		})
	}
}

// TestClassifyPair_KeepsSidesInPlace tests that local and remote content
// follow authorship, not op kind.
func TestClassifyPair_KeepsSidesInPlace(t *testing.T) {
	x := &cell.Snapshot{Value: "x"}
	y := &cell.Snapshot{Value: "y"}

	out := classifyPair(
		rec("o", oplog.Edit{Cell: b1, After: y, ContentChanged: true}),
		rec("t", moveOf(a1, b1, x)),
	)
	require.NotNil(t, out)
	assert.Equal(t, y, out.payload.Local)
	assert.Equal(t, x, out.payload.Remote)
	assert.Equal(t, ReasonContent, out.payload.Reason)
}

// TestConcurrent tests the causal test used for pairing.
func TestConcurrent(t *testing.T) {
	base := causal.Encode(causal.StateVector{1: 1})
	a := oplog.Record{Before: base, After: causal.Encode(causal.StateVector{1: 2})}
	b := oplog.Record{Before: base, After: causal.Encode(causal.StateVector{1: 1, 2: 1})}
	later := oplog.Record{Before: causal.Encode(causal.StateVector{1: 2}), After: causal.Encode(causal.StateVector{1: 2, 2: 1})}

	assert.True(t, concurrent(a, b))
	assert.False(t, concurrent(a, later))
	assert.False(t, concurrent(later, a))
}
