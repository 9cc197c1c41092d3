package memdoc

import (
	"maps"
	"slices"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/doc"
)

// Map is a replicated map of keys to fields. The cell map uses named fields
// per key; flat maps such as the operation log use the empty field.
type Map struct {
	doc       *Doc
	name      string
	regs      map[string]map[string]*register
	observers []*observer
}

type observer struct {
	fn doc.Observer
}

var (
	_ doc.CellMap   = (*Map)(nil)
	_ doc.RecordMap = (*Map)(nil)
)

// Name returns the map's name.
func (m *Map) Name() string { return m.name }

func (m *Map) register(k regKey, create bool) *register {
	fields, ok := m.regs[k.key]
	if !ok {
		if !create {
			return nil
		}
		fields = make(map[string]*register)
		m.regs[k.key] = fields
	}
	r, ok := fields[k.field]
	if !ok && create {
		r = &register{key: k}
		fields[k.field] = r
	}
	return r
}

func (m *Map) regKey(key, field string) regKey {
	return regKey{mapName: m.name, key: key, field: field}
}

// Keys returns the keys with at least one visible field, sorted.
func (m *Map) Keys() []string {
	var out []string
	for key, fields := range m.regs {
		for _, r := range fields {
			if r.visible() != nil {
				out = append(out, key)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

// Cell returns a copy of the visible fields stored under key.
func (m *Map) Cell(key string) (map[string]any, bool) {
	fields, ok := m.regs[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(fields))
	for name, r := range fields {
		if it := r.visible(); it != nil {
			out[name] = cloneValue(it.content)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Field returns the visible value of one field.
func (m *Map) Field(key, field string) (any, bool) {
	r := m.register(m.regKey(key, field), false)
	if r == nil {
		return nil, false
	}
	it := r.visible()
	if it == nil {
		return nil, false
	}
	return cloneValue(it.content), true
}

// SetField writes one field. Outside Transact it runs in its own transaction
// with a nil origin.
func (m *Map) SetField(key, field string, value any) {
	m.doc.set(m.regKey(key, field), cloneValue(value))
}

// DeleteField removes one field. Deleting an absent field is a no-op.
func (m *Map) DeleteField(key, field string) {
	m.doc.delete(m.regKey(key, field))
}

// DeleteCell removes every visible field of a key in one transaction.
func (m *Map) DeleteCell(key string) {
	fields, ok := m.regs[key]
	if !ok {
		return
	}
	names := slices.Sorted(maps.Keys(fields))
	m.doc.transact(nil, true, func(*Transaction) {
		for _, f := range names {
			m.doc.delete(m.regKey(key, f))
		}
	})
}

// Get implements doc.RecordMap.
func (m *Map) Get(key string) (any, bool) { return m.Field(key, "") }

// Set implements doc.RecordMap.
func (m *Map) Set(key string, value any) { m.SetField(key, "", value) }

// Delete implements doc.RecordMap.
func (m *Map) Delete(key string) { m.DeleteField(key, "") }

// Observe registers fn for every committed change batch touching this map.
func (m *Map) Observe(fn doc.Observer) func() {
	o := &observer{fn: fn}
	m.observers = append(m.observers, o)
	return func() {
		m.observers = slices.DeleteFunc(m.observers, func(x *observer) bool { return x == o })
	}
}

// FieldCausalID implements causal.FieldCausality.
func (m *Map) FieldCausalID(key, field string) (causal.ID, bool) {
	r := m.register(m.regKey(key, field), false)
	if r == nil || len(r.items) == 0 {
		return causal.ID{}, false
	}
	return r.last().id, true
}

// FieldOriginID implements causal.FieldCausality.
func (m *Map) FieldOriginID(key, field string) (causal.ID, bool) {
	r := m.register(m.regKey(key, field), false)
	if r == nil || len(r.items) == 0 || r.last().origin == nil {
		return causal.ID{}, false
	}
	return *r.last().origin, true
}

// FieldPredecessorID implements causal.FieldCausality.
func (m *Map) FieldPredecessorID(key, field string) (causal.ID, bool) {
	r := m.register(m.regKey(key, field), false)
	if r == nil || len(r.items) < 2 {
		return causal.ID{}, false
	}
	return r.items[len(r.items)-2].id, true
}

// cloneValue copies the mutable container types a cell field may hold so
// callers cannot alter replicated state in place.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
