package monitor

import (
	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc"
)

// pendingValue is what this replica last wrote to a cell's value field.
type pendingValue struct {
	value any
	id    causal.ID
}

// ValueMonitor detects concurrent overwrites of literal cell values.
type ValueMonitor struct {
	base
	pending map[string]pendingValue
}

// NewValueMonitor attaches a value monitor to the configured cell map.
func NewValueMonitor(cfg Config, opts ...Option) (*ValueMonitor, error) {
	cfg, err := cfg.resolve(opts)
	if err != nil {
		return nil, err
	}
	m := &ValueMonitor{
		base:    newBase("value", cfg),
		pending: make(map[string]pendingValue),
	}
	m.observe(cfg.Cells, m.onCells)
	return m, nil
}

// SetLocalValue writes value to a cell, clearing its formula with a null
// marker, and remembers the write so a later remote change can be
// classified. It fails without writing if the cell holds ciphertext.
// Called inside a caller's transaction it joins it, and the caller's other
// writes in that transaction are still tracked as local edits.
func (m *ValueMonitor) SetLocalValue(key string, value any) error {
	if m.disposed {
		return errDisposed()
	}
	if err := checkPlaintextWrite(m.cfg.Cells, key); err != nil {
		return err
	}
	m.write(func() {
		m.cfg.Cells.SetField(key, cell.FieldFormula, nil)
		m.cfg.Cells.SetField(key, cell.FieldValue, value)
		m.stamp(key)
	})
	m.track(key, value)
	return nil
}

func (m *ValueMonitor) track(key string, value any) {
	id, ok := m.cfg.Cells.FieldCausalID(key, cell.FieldValue)
	if !ok {
		delete(m.pending, key)
		return
	}
	m.pending[key] = pendingValue{value: value, id: id}
}

// ResolveConflict settles a value conflict on chosen. It writes only if the
// cell does not already hold chosen. It returns false if the conflict is not
// open or the write was refused; a refused conflict stays open.
func (m *ValueMonitor) ResolveConflict(id string, chosen any) bool {
	c, ok := m.conflicts.get(id)
	if !ok || m.disposed {
		return false
	}
	current, _ := m.cfg.Cells.Field(c.Cell, cell.FieldValue)
	if !cell.ValuesEqual(current, chosen) {
		if err := m.SetLocalValue(c.Cell, chosen); err != nil {
			m.logger.Warn("resolution refused", "id", id, "error", err)
			return false
		}
	}
	m.resolved(c)
	return true
}

func (m *ValueMonitor) onCells(events []doc.Event, tx doc.Transaction) {
	if m.disposed {
		return
	}
	events, class := m.classifyCells(events, tx)
	switch class {
	case txSelf, txIgnored:
		return
	}
	for _, ce := range groupByCell(events) {
		ev, ok := ce.get(cell.FieldValue)
		if !ok {
			continue
		}
		m.guard("value", ce.key, func() {
			if class == txLocal {
				m.observeLocal(ce.key, ev)
				return
			}
			m.observeRemote(ce, ev)
		})
	}
}

// observeLocal tracks edits made on this replica without going through
// SetLocalValue.
func (m *ValueMonitor) observeLocal(key string, ev doc.Event) {
	if ev.Action == doc.ActionDelete {
		delete(m.pending, key)
		return
	}
	m.track(key, ev.NewValue)
}

func (m *ValueMonitor) observeRemote(ce cellEvents, ev doc.Event) {
	key := ce.key
	p, ok := m.pending[key]
	if !ok {
		m.restartFallback(ce, ev)
		return
	}
	if ev.Action == doc.ActionAdd || !cell.ValuesEqual(ev.OldValue, p.value) {
		m.logger.Debug("remote change did not overwrite our value", "cell", key)
		return
	}
	delete(m.pending, key)

	if sawPending(m.cfg.Cells, key, cell.FieldValue, ev, p.id) {
		m.logger.Debug("remote value is sequential", "cell", key)
		return
	}
	if cell.ValuesEqual(ev.NewValue, p.value) {
		m.logger.Debug("concurrent equal values auto-resolved", "cell", key)
		return
	}
	m.emit(key, remoteUser(m.cfg.Cells, key), ValuePayload{Local: p.value, Remote: ev.NewValue})
}

// restartFallback handles a remote overwrite when no local write is
// remembered, e.g. after a restart. It prefers missing a conflict over
// inventing one.
func (m *ValueMonitor) restartFallback(ce cellEvents, ev doc.Event) {
	if ev.Action != doc.ActionUpdate {
		return
	}
	if lastWriter(m.cfg.Cells, ce) != m.cfg.LocalUserID {
		return
	}
	if overwroteSequentially(m.cfg.Cells, ce.key, cell.FieldValue) {
		return
	}
	if cell.ValuesEqual(ev.OldValue, ev.NewValue) {
		return
	}
	m.emit(ce.key, remoteUser(m.cfg.Cells, ce.key), ValuePayload{Local: ev.OldValue, Remote: ev.NewValue})
}

// sawPending reports whether a remote change to field was made with
// knowledge of the local write id: it deleted exactly that write, or
// declared it as its origin.
func sawPending(cells doc.CellMap, key, field string, ev doc.Event, id causal.ID) bool {
	if ev.Action == doc.ActionDelete {
		cur, ok := cells.FieldCausalID(key, field)
		return ok && cur == id
	}
	origin, ok := cells.FieldOriginID(key, field)
	return ok && origin == id
}

// overwroteSequentially reports whether the current write's declared origin
// is the write immediately before it, meaning it replaced what it saw.
func overwroteSequentially(cells doc.CellMap, key, field string) bool {
	origin, ok := cells.FieldOriginID(key, field)
	if !ok {
		return false
	}
	pred, ok := cells.FieldPredecessorID(key, field)
	return ok && origin == pred
}
