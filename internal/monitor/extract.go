package monitor

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc"
	"github.com/roach88/cellsync/internal/oplog"
)

// cellChange is one cell's content before and after a transaction.
type cellChange struct {
	key    string
	before *cell.Snapshot
	after  *cell.Snapshot
}

// snapshotsOf rebuilds before and after snapshots for every cell whose
// content or format changed. Metadata-only changes are dropped.
func snapshotsOf(cells doc.CellMap, events []doc.Event) []cellChange {
	var out []cellChange
	for _, ce := range groupByCell(events) {
		structural := false
		for field := range ce.fields {
			if cell.IsStructural(field) {
				structural = true
				break
			}
		}
		if !structural {
			continue
		}
		after, _ := cells.Cell(ce.key)
		before := make(map[string]any, len(after))
		for f, v := range after {
			before[f] = v
		}
		for f, ev := range ce.fields {
			if ev.Action == doc.ActionAdd {
				delete(before, f)
				continue
			}
			before[f] = ev.OldValue
		}
		out = append(out, cellChange{
			key:    ce.key,
			before: cell.Normalize(before),
			after:  cell.Normalize(after),
		})
	}
	slices.SortFunc(out, func(a, b cellChange) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}
		return 0
	})
	return out
}

// extractOps turns one transaction's cell changes into structural operations.
// A cleared cell paired with a newly filled cell of the same fingerprint is a
// move; pairing walks both sides in key order and takes the first free match.
func extractOps(changes []cellChange) []oplog.Op {
	var deletions, additions []cellChange
	var ops []oplog.Op
	for _, c := range changes {
		switch {
		case c.before != nil && c.after == nil:
			deletions = append(deletions, c)
		case c.before == nil && c.after != nil:
			additions = append(additions, c)
		case c.before != nil && c.after != nil:
			content := !cell.SameContent(c.before, c.after)
			format := !cell.SameFormat(c.before, c.after)
			if content || format {
				ops = append(ops, oplog.Edit{
					Cell:           c.key,
					Before:         c.before,
					After:          c.after,
					ContentChanged: content,
					FormatChanged:  format,
				})
			}
		}
	}

	used := make([]bool, len(additions))
	var moves, deletes []oplog.Op
	for _, d := range deletions {
		fp := d.before.Fingerprint()
		matched := false
		for i, a := range additions {
			if used[i] || a.after.Fingerprint() != fp {
				continue
			}
			used[i] = true
			matched = true
			moves = append(moves, oplog.Move{From: d.key, To: a.key, Content: d.before, Fingerprint: fp})
			break
		}
		if !matched {
			deletes = append(deletes, oplog.Delete{Cell: d.key, Before: d.before})
		}
	}
	for i, a := range additions {
		if used[i] {
			continue
		}
		ops = append(ops, oplog.Edit{
			Cell:           a.key,
			After:          a.after,
			ContentChanged: a.after.Value != nil || a.after.Formula != "" || a.after.Enc != nil,
			FormatChanged:  len(a.after.Format) > 0,
		})
	}
	return append(append(moves, deletes...), ops...)
}

// touchedCells lists every cell the transaction changed, sorted.
func touchedCells(changes []cellChange) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, c := range changes {
		set.Add(c.key)
	}
	out := set.ToSlice()
	slices.Sort(out)
	return out
}

// txStates returns the causal boundary for records published for tx. A
// transaction that allocated no clock, such as one made only of field
// deletions, is advanced on the local client by the number of records, since
// publishing them is itself a causal event.
func txStates(tx doc.Transaction, client uint64, records int) (causal.Encoded, causal.Encoded) {
	before := tx.BeforeState()
	after := tx.AfterState()
	if causal.Dominates(before, after) {
		after = before.Clone()
		after[client] += uint64(records)
	}
	return causal.Encode(before), causal.Encode(after)
}
