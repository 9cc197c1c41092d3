package monitor

import "slices"

// registry holds a monitor's open conflicts in detection order.
type registry struct {
	byID  map[string]Conflict
	order []string
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]Conflict)}
}

func (r *registry) add(c Conflict) {
	if _, ok := r.byID[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.byID[c.ID] = c
}

func (r *registry) get(id string) (Conflict, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *registry) remove(id string) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(x string) bool { return x == id })
	return true
}

func (r *registry) list() []Conflict {
	out := make([]Conflict, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *registry) len() int { return len(r.order) }

func (r *registry) clear() {
	clear(r.byID)
	r.order = nil
}
