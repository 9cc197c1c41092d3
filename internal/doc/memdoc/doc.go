// Package memdoc is an in-memory replicated document implementing the doc
// contracts.
//
// Every field is a register: an ordered list of writes in which only the last
// write can be visible. Concurrent writes to the same register are ordered
// with the YATA rule used by Yjs maps, so the write from the higher client id
// ends up last on every replica. Overwrites and deletions mark earlier writes
// deleted; deletions never allocate a clock and never advance the state
// vector.
//
// A Doc is not safe for concurrent use. Observers run synchronously after
// commit; a transaction started from inside an observer applies at once but
// its notifications are delivered after the current batch.
package memdoc

import (
	"slices"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/doc"
)

// Map names used by the monitors.
const (
	CellsMap = "cells"
	OpLogMap = "oplog"
)

type regKey struct {
	mapName string
	key     string
	field   string
}

type item struct {
	id      causal.ID
	origin  *causal.ID
	reg     regKey
	content any
	deleted bool
}

type register struct {
	key   regKey
	items []*item
}

func (r *register) last() *item {
	if len(r.items) == 0 {
		return nil
	}
	return r.items[len(r.items)-1]
}

func (r *register) visible() *item {
	if it := r.last(); it != nil && !it.deleted {
		return it
	}
	return nil
}

func (r *register) indexOf(id causal.ID) int {
	return slices.IndexFunc(r.items, func(it *item) bool { return it.id == id })
}

// Doc is one replica of the document.
type Doc struct {
	client uint64
	sv     causal.StateVector
	maps   map[string]*Map
	order  []string
	items  map[causal.ID]*item

	pendingItems   []ItemRecord
	pendingDeletes map[causal.ID]struct{}

	tx          *Transaction
	queue       []batch
	dispatching bool
}

type batch struct {
	tx     *Transaction
	events map[string][]doc.Event
}

var _ doc.Document = (*Doc)(nil)

// New creates an empty replica with the given client id. Client ids must be
// unique among replicas that sync with each other.
func New(client uint64) *Doc {
	return &Doc{
		client:         client,
		sv:             causal.StateVector{},
		maps:           make(map[string]*Map),
		items:          make(map[causal.ID]*item),
		pendingDeletes: make(map[causal.ID]struct{}),
	}
}

// ClientID implements doc.Document.
func (d *Doc) ClientID() uint64 { return d.client }

// StateVector returns a copy of the replica's current state vector.
func (d *Doc) StateVector() causal.StateVector { return d.sv.Clone() }

// Map returns the named map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, regs: make(map[string]map[string]*register)}
		d.maps[name] = m
		d.order = append(d.order, name)
	}
	return m
}

// Cells returns the cell map.
func (d *Doc) Cells() *Map { return d.Map(CellsMap) }

// OpLog returns the structural operation log map.
func (d *Doc) OpLog() *Map { return d.Map(OpLogMap) }

// Transact implements doc.Document.
func (d *Doc) Transact(origin any, fn func(tx doc.Transaction)) {
	d.transact(origin, true, func(tx *Transaction) { fn(tx) })
}

func (d *Doc) transact(origin any, local bool, fn func(tx *Transaction)) {
	if d.tx != nil {
		fn(d.tx)
		return
	}
	tx := &Transaction{
		origin:  origin,
		local:   local,
		before:  d.sv.Clone(),
		touched: make(map[regKey]*item),
	}
	d.tx = tx
	func() {
		defer func() { d.tx = nil }()
		fn(tx)
	}()
	tx.after = d.sv.Clone()
	d.commit(tx)
}

func (d *Doc) commit(tx *Transaction) {
	events := make(map[string][]doc.Event)
	for _, k := range tx.order {
		before := tx.touched[k]
		after := d.Map(k.mapName).register(k, false).visible()
		if before == after {
			continue
		}
		ev := doc.Event{Key: k.key, Field: k.field}
		switch {
		case before == nil:
			ev.Action = doc.ActionAdd
			ev.NewValue = after.content
		case after == nil:
			ev.Action = doc.ActionDelete
			ev.OldValue = before.content
		default:
			ev.Action = doc.ActionUpdate
			ev.OldValue = before.content
			ev.NewValue = after.content
		}
		events[k.mapName] = append(events[k.mapName], ev)
	}
	if len(events) == 0 {
		return
	}
	d.dispatch(batch{tx: tx, events: events})
}

func (d *Doc) dispatch(b batch) {
	d.queue = append(d.queue, b)
	if d.dispatching {
		return
	}
	d.dispatching = true
	defer func() { d.dispatching = false }()
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		for _, name := range d.order {
			evs := next.events[name]
			if len(evs) == 0 {
				continue
			}
			for _, o := range slices.Clone(d.maps[name].observers) {
				o.fn(evs, next.tx)
			}
		}
	}
}

// nextID allocates the next local clock.
func (d *Doc) nextID() causal.ID {
	id := causal.ID{Client: d.client, Clock: d.sv.Get(d.client)}
	d.sv[d.client] = id.Clock + 1
	return id
}

func (d *Doc) set(k regKey, v any) {
	d.transact(nil, true, func(tx *Transaction) {
		reg := d.Map(k.mapName).register(k, true)
		tx.touch(reg)
		left := reg.last()
		it := &item{id: d.nextID(), reg: k, content: v}
		if left != nil {
			o := left.id
			it.origin = &o
			left.deleted = true
		}
		reg.items = append(reg.items, it)
		d.items[it.id] = it
	})
}

func (d *Doc) delete(k regKey) {
	reg := d.Map(k.mapName).register(k, false)
	if reg == nil || reg.visible() == nil {
		return
	}
	d.transact(nil, true, func(tx *Transaction) {
		tx.touch(reg)
		reg.last().deleted = true
	})
}

// Transaction implements doc.Transaction.
type Transaction struct {
	origin  any
	local   bool
	before  causal.StateVector
	after   causal.StateVector
	touched map[regKey]*item
	order   []regKey
}

var _ doc.Transaction = (*Transaction)(nil)

// Origin implements doc.Transaction.
func (t *Transaction) Origin() any { return t.origin }

// Local implements doc.Transaction.
func (t *Transaction) Local() bool { return t.local }

// BeforeState implements doc.Transaction.
func (t *Transaction) BeforeState() causal.StateVector { return t.before.Clone() }

// AfterState implements doc.Transaction.
func (t *Transaction) AfterState() causal.StateVector {
	if t.after == nil {
		return nil
	}
	return t.after.Clone()
}

// touch remembers which write was visible when the transaction first changed
// the register.
func (t *Transaction) touch(r *register) {
	if _, ok := t.touched[r.key]; ok {
		return
	}
	t.touched[r.key] = r.visible()
	t.order = append(t.order, r.key)
}
