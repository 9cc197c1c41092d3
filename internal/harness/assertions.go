package harness

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/monitor"
)

// check evaluates one assertion against the final state.
func (h *Harness) check(a Assertion) error {
	switch a.Type {
	case AssertConflictCount:
		return h.checkConflictCount(a)
	case AssertConflict:
		return h.checkConflict(a)
	case AssertCell:
		return h.checkCell(a)
	case AssertConverged:
		return h.checkConverged(a)
	case AssertRecords:
		return h.checkRecords(a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// openConflicts lists a replica's open conflicts, for one monitor or all.
func (h *Harness) openConflicts(replicaName, monitorName string) map[string][]monitor.Conflict {
	r := h.replicas[replicaName]
	out := make(map[string][]monitor.Conflict)
	for _, name := range allMonitors {
		if monitorName != "" && name != monitorName {
			continue
		}
		if m := r.lister(name); m != nil {
			out[name] = m.ListConflicts()
		}
	}
	return out
}

func (h *Harness) checkConflictCount(a Assertion) error {
	n := 0
	for _, cs := range h.openConflicts(a.Replica, a.Monitor) {
		n += len(cs)
	}
	if n != a.Count {
		return fmt.Errorf("%s has %d open conflicts, expected %d", a.Replica, n, a.Count)
	}
	return nil
}

func (h *Harness) checkConflict(a Assertion) error {
	var want string
	if a.Cell != "" {
		key, err := h.scenario.key(a.Cell)
		if err != nil {
			return err
		}
		want = key
	}
	for _, cs := range h.openConflicts(a.Replica, a.Monitor) {
		for _, c := range cs {
			if matchConflict(c, a, want) {
				return nil
			}
		}
	}
	return fmt.Errorf("%s has no open conflict matching kind=%q reason=%q cell=%q",
		a.Replica, a.Kind, a.Reason, a.Cell)
}

// matchConflict reports whether c has the asserted kind, reason and cell.
// Empty assertion fields match anything.
func matchConflict(c monitor.Conflict, a Assertion, key string) bool {
	if a.Kind != "" && string(c.Kind()) != a.Kind {
		return false
	}
	if key != "" && c.Cell != key {
		return false
	}
	if a.Reason != "" {
		p, ok := c.Payload.(monitor.StructuralPayload)
		if !ok || string(p.Reason) != a.Reason {
			return false
		}
	}
	return true
}

func (h *Harness) checkCell(a Assertion) error {
	key, err := h.scenario.key(a.Cell)
	if err != nil {
		return err
	}
	fields, _ := h.replicas[a.Replica].doc.Cells().Cell(key)
	snap := cell.Normalize(fields)

	if a.Empty {
		if snap != nil {
			return fmt.Errorf("%s %s = %v, expected empty", a.Replica, a.Cell, contentOf(snap))
		}
		return nil
	}
	if snap == nil {
		return fmt.Errorf("%s %s is empty", a.Replica, a.Cell)
	}
	if a.Formula != "" && snap.Formula != a.Formula {
		return fmt.Errorf("%s %s formula = %q, expected %q", a.Replica, a.Cell, snap.Formula, a.Formula)
	}
	if a.Value != nil && !cell.ValuesEqual(snap.Value, a.Value) {
		return fmt.Errorf("%s %s value = %v, expected %v", a.Replica, a.Cell, snap.Value, a.Value)
	}
	return nil
}

func (h *Harness) checkConverged(a Assertion) error {
	names := h.names(a.Replicas)
	first := h.result.Replicas[names[0]]
	for _, name := range names[1:] {
		other := h.result.Replicas[name]
		if !sameCells(first.Cells, other.Cells) {
			return fmt.Errorf("%s and %s differ: %v vs %v", names[0], name, first.Cells, other.Cells)
		}
	}
	return nil
}

func sameCells(a, b map[string]map[string]any) bool {
	if !slices.Equal(slices.Sorted(maps.Keys(a)), slices.Sorted(maps.Keys(b))) {
		return false
	}
	for ref, fa := range a {
		fb := b[ref]
		if len(fa) != len(fb) {
			return false
		}
		for f, va := range fa {
			vb, ok := fb[f]
			if !ok {
				return false
			}
			if f == cell.FieldValue {
				if !cell.ValuesEqual(va, vb) {
					return false
				}
				continue
			}
			if !reflect.DeepEqual(va, vb) {
				return false
			}
		}
	}
	return true
}

func (h *Harness) checkRecords(a Assertion) error {
	n := h.result.Replicas[a.Replica].Records
	if n != a.Count {
		return fmt.Errorf("%s has %d op log records, expected %d", a.Replica, n, a.Count)
	}
	return nil
}
