package memdoc

import (
	"cmp"
	"slices"

	"github.com/roach88/cellsync/internal/causal"
)

// ItemRecord is one write as it travels between replicas.
type ItemRecord struct {
	ID      causal.ID  `json:"id"`
	Origin  *causal.ID `json:"origin,omitempty"`
	Map     string     `json:"map"`
	Key     string     `json:"key"`
	Field   string     `json:"field,omitempty"`
	Content any        `json:"content"`
}

// Update carries the writes a peer is missing plus the full delete set.
type Update struct {
	Items   []ItemRecord `json:"items"`
	Deletes []causal.ID  `json:"deletes"`
}

// Empty reports whether applying u could change anything.
func (u Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

func compareIDs(a, b causal.ID) int {
	if c := cmp.Compare(a.Client, b.Client); c != 0 {
		return c
	}
	return cmp.Compare(a.Clock, b.Clock)
}

// EncodeUpdate returns every integrated write not covered by since, and every
// deleted write.
func (d *Doc) EncodeUpdate(since causal.StateVector) Update {
	var u Update
	for id, it := range d.items {
		if id.Clock >= since.Get(id.Client) {
			u.Items = append(u.Items, ItemRecord{
				ID:      id,
				Origin:  it.origin,
				Map:     it.reg.mapName,
				Key:     it.reg.key,
				Field:   it.reg.field,
				Content: cloneValue(it.content),
			})
		}
		if it.deleted {
			u.Deletes = append(u.Deletes, id)
		}
	}
	slices.SortFunc(u.Items, func(a, b ItemRecord) int { return compareIDs(a.ID, b.ID) })
	slices.SortFunc(u.Deletes, compareIDs)
	return u
}

// ApplyUpdate integrates a remote update in one transaction tagged with
// origin. Writes whose predecessors have not arrived yet are held back and
// retried on the next update.
func (d *Doc) ApplyUpdate(u Update, origin any) {
	d.transact(origin, false, func(tx *Transaction) {
		queue := append(d.pendingItems, u.Items...)
		d.pendingItems = nil
		for progress := true; progress; {
			progress = false
			var rest []ItemRecord
			for _, rec := range queue {
				next := d.sv.Get(rec.ID.Client)
				switch {
				case rec.ID.Clock < next:
					// already integrated
				case rec.ID.Clock == next && (rec.Origin == nil || d.items[*rec.Origin] != nil):
					d.integrate(tx, rec)
					progress = true
				default:
					rest = append(rest, rec)
				}
			}
			queue = rest
		}
		d.pendingItems = queue

		for _, id := range u.Deletes {
			it, ok := d.items[id]
			if !ok {
				d.pendingDeletes[id] = struct{}{}
				continue
			}
			if !it.deleted {
				tx.touch(d.Map(it.reg.mapName).register(it.reg, false))
				it.deleted = true
			}
		}
	})
}

// integrate places a remote write in its register. Writes that declared the
// same origin are ordered by client id, lower first, so the highest client
// lands last and wins. A write that does not land last is deleted at once;
// one that does deletes its left neighbour.
func (d *Doc) integrate(tx *Transaction, rec ItemRecord) {
	k := regKey{mapName: rec.Map, key: rec.Key, field: rec.Field}
	reg := d.Map(rec.Map).register(k, true)
	tx.touch(reg)

	it := &item{id: rec.ID, origin: rec.Origin, reg: k, content: cloneValue(rec.Content)}
	left := -1
	if it.origin != nil {
		left = reg.indexOf(*it.origin)
	}

	beforeOrigin := make(map[causal.ID]bool)
	conflicting := make(map[causal.ID]bool)
scan:
	for i := left + 1; i < len(reg.items); i++ {
		o := reg.items[i]
		beforeOrigin[o.id] = true
		conflicting[o.id] = true
		switch {
		case causal.SameID(it.origin, o.origin):
			if o.id.Client >= it.id.Client {
				break scan
			}
			left = i
			clear(conflicting)
		case o.origin != nil && beforeOrigin[*o.origin]:
			if !conflicting[*o.origin] {
				left = i
				clear(conflicting)
			}
		default:
			break scan
		}
	}

	reg.items = slices.Insert(reg.items, left+1, it)
	d.items[it.id] = it
	d.sv[it.id.Client] = it.id.Clock + 1

	if left+1 < len(reg.items)-1 {
		it.deleted = true
	} else if left >= 0 {
		reg.items[left].deleted = true
	}
	if _, ok := d.pendingDeletes[it.id]; ok {
		it.deleted = true
		delete(d.pendingDeletes, it.id)
	}
}

// Sync exchanges updates between two replicas so both converge. Both updates
// are computed before either is applied.
func Sync(a, b *Doc, origin any) {
	toB := a.EncodeUpdate(b.StateVector())
	toA := b.EncodeUpdate(a.StateVector())
	b.ApplyUpdate(toB, origin)
	a.ApplyUpdate(toA, origin)
}

// SyncAll brings every replica up to date with every other.
func SyncAll(origin any, docs ...*Doc) {
	for i := range docs {
		for j := i + 1; j < len(docs); j++ {
			Sync(docs[i], docs[j], origin)
		}
	}
	for i := range docs {
		for j := i + 1; j < len(docs); j++ {
			Sync(docs[i], docs[j], origin)
		}
	}
}
