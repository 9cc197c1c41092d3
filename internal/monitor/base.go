package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc"
)

// txClass is how a monitor treats an observed transaction.
type txClass int

const (
	txSelf txClass = iota
	txIgnored
	txLocal
	txRemote
)

func (c txClass) String() string {
	switch c {
	case txSelf:
		return "self"
	case txIgnored:
		return "ignored"
	case txLocal:
		return "local"
	}
	return "remote"
}

// base carries what every monitor shares: configuration, the conflict
// registry, origin classification and self-write suppression.
type base struct {
	cfg       Config
	name      string
	logger    *slog.Logger
	origins   origins
	conflicts *registry

	// applying is set while the monitor writes to the document, so a
	// notification delivered synchronously for that write is not mistaken
	// for a new edit.
	applying bool
	// own catches notifications for monitor writes that are delivered after
	// the write returns: writes made from inside another notification, or
	// from inside a caller's transaction.
	own *ownWrites

	unobserve []func()
	disposed  bool
}

func newBase(name string, cfg Config) base {
	own := &ownWrites{byTx: make(map[doc.Transaction]map[fieldRef]struct{})}
	cfg.Cells = trackedCells{CellMap: cfg.Cells, own: own}
	return base{
		cfg:       cfg,
		name:      name,
		logger:    cfg.Logger.With("monitor", name, "user", cfg.LocalUserID),
		origins:   newOrigins(cfg),
		conflicts: newRegistry(),
		own:       own,
	}
}

// classifyCells classifies a batch of cell events and drops the ones for
// fields this monitor wrote itself. The batch is txSelf when nothing else is
// left.
func (b *base) classifyCells(events []doc.Event, tx doc.Transaction) ([]doc.Event, txClass) {
	if b.applying {
		b.own.take(tx)
		return nil, txSelf
	}
	if mine, ok := b.own.take(tx); ok {
		rest := make([]doc.Event, 0, len(events))
		for _, ev := range events {
			if _, skip := mine[fieldRef{ev.Key, ev.Field}]; !skip {
				rest = append(rest, ev)
			}
		}
		if len(rest) == 0 {
			return nil, txSelf
		}
		events = rest
	}
	return events, b.classify(tx)
}

func (b *base) classify(tx doc.Transaction) txClass {
	if b.applying {
		return txSelf
	}
	if b.origins.isIgnored(tx) {
		return txIgnored
	}
	if b.origins.isLocal(tx) {
		return txLocal
	}
	return txRemote
}

// write runs fn in one transaction tagged with the local origin and
// remembers every field fn writes. Called inside a caller's transaction it
// joins it; the caller's other writes are still observed as edits.
func (b *base) write(fn func()) {
	b.applying = true
	defer func() { b.applying = false }()
	b.cfg.Doc.Transact(b.cfg.LocalOrigin, func(tx doc.Transaction) {
		defer b.own.begin(tx)()
		fn()
	})
}

type fieldRef struct{ key, field string }

// ownWrites records which fields a monitor wrote, per transaction.
type ownWrites struct {
	current map[fieldRef]struct{}
	byTx    map[doc.Transaction]map[fieldRef]struct{}
}

// begin starts recording into tx's set and returns the func that stops.
func (w *ownWrites) begin(tx doc.Transaction) func() {
	prev := w.current
	set, ok := w.byTx[tx]
	if !ok {
		set = make(map[fieldRef]struct{})
		w.byTx[tx] = set
	}
	w.current = set
	return func() { w.current = prev }
}

func (w *ownWrites) note(key, field string) {
	if w.current != nil {
		w.current[fieldRef{key, field}] = struct{}{}
	}
}

func (w *ownWrites) take(tx doc.Transaction) (map[fieldRef]struct{}, bool) {
	set, ok := w.byTx[tx]
	if ok {
		delete(w.byTx, tx)
	}
	return set, ok
}

// trackedCells notes every write a monitor makes through its cell map.
type trackedCells struct {
	doc.CellMap
	own *ownWrites
}

func (c trackedCells) SetField(key, field string, value any) {
	c.own.note(key, field)
	c.CellMap.SetField(key, field, value)
}

func (c trackedCells) DeleteField(key, field string) {
	c.own.note(key, field)
	c.CellMap.DeleteField(key, field)
}

// stamp writes the best-effort edit metadata.
func (b *base) stamp(key string) {
	b.cfg.Cells.SetField(key, cell.FieldModified, b.now().UnixMilli())
	b.cfg.Cells.SetField(key, cell.FieldModifiedBy, b.cfg.LocalUserID)
}

func (b *base) now() time.Time { return b.cfg.Clock.Now() }

func (b *base) observe(m interface{ Observe(doc.Observer) func() }, fn doc.Observer) {
	b.unobserve = append(b.unobserve, m.Observe(fn))
}

// guard runs fn for one unit of work and contains any panic, so one
// malformed record cannot stop the rest of a batch or other observers.
func (b *base) guard(what, key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dropped change after internal failure",
				"stage", what,
				"cell", key,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}

// emit records a new conflict. Conflicts on cells whose keys do not parse
// are dropped.
func (b *base) emit(key, remoteUser string, p Payload) (Conflict, bool) {
	if _, err := cell.ParseKey(key); err != nil {
		b.logger.Warn("dropping conflict on malformed cell key", "error", errMalformedKey(key, err))
		return Conflict{}, false
	}
	c := Conflict{
		ID:         b.cfg.IDs.Generate(),
		Cell:       key,
		RemoteUser: remoteUser,
		DetectedAt: b.now(),
		Payload:    p,
	}
	b.conflicts.add(c)
	b.logger.Info("conflict detected",
		"id", c.ID,
		"kind", c.Kind(),
		"cell", key,
		"remote_user", remoteUser,
	)
	if b.cfg.Journal != nil {
		if err := b.cfg.Journal.WriteConflict(context.Background(), b.name, c); err != nil {
			b.logger.Error("journal write failed", "id", c.ID, "error", err)
		}
	}
	if b.cfg.OnConflict != nil {
		b.guard("on-conflict callback", key, func() { b.cfg.OnConflict(c) })
	}
	return c, true
}

// resolved removes a conflict and journals the resolution.
func (b *base) resolved(c Conflict) {
	b.conflicts.remove(c.ID)
	b.logger.Info("conflict resolved", "id", c.ID, "kind", c.Kind(), "cell", c.Cell)
	if b.cfg.Journal != nil {
		if err := b.cfg.Journal.MarkResolved(context.Background(), c.ID, b.now()); err != nil {
			b.logger.Error("journal resolve failed", "id", c.ID, "error", err)
		}
	}
}

// ListConflicts returns the open conflicts in detection order.
func (b *base) ListConflicts() []Conflict { return b.conflicts.list() }

// Conflict looks up one open conflict.
func (b *base) Conflict(id string) (Conflict, bool) { return b.conflicts.get(id) }

// Dispose unsubscribes from the document and drops all state. It is safe to
// call more than once.
func (b *base) Dispose() {
	if b.disposed {
		return
	}
	b.disposed = true
	for _, un := range b.unobserve {
		un()
	}
	b.unobserve = nil
	b.conflicts.clear()
	clear(b.own.byTx)
}

// Disposed reports whether Dispose was called.
func (b *base) Disposed() bool { return b.disposed }

// cellEvents groups a batch's events by cell key, keeping first-seen key
// order.
type cellEvents struct {
	key    string
	fields map[string]doc.Event
}

func (c cellEvents) get(field string) (doc.Event, bool) {
	ev, ok := c.fields[field]
	return ev, ok
}

// oldValue returns the field's value before the transaction: the event's old
// value if the field changed, otherwise its current value.
func (c cellEvents) oldValue(cells doc.CellMap, field string) any {
	if ev, ok := c.fields[field]; ok {
		return ev.OldValue
	}
	v, _ := cells.Field(c.key, field)
	return v
}

func groupByCell(events []doc.Event) []cellEvents {
	idx := make(map[string]int)
	var out []cellEvents
	for _, ev := range events {
		i, ok := idx[ev.Key]
		if !ok {
			i = len(out)
			idx[ev.Key] = i
			out = append(out, cellEvents{key: ev.Key, fields: make(map[string]doc.Event)})
		}
		out[i].fields[ev.Field] = ev
	}
	return out
}

// remoteUser reads the best-effort author of a cell's current content.
func remoteUser(cells doc.CellMap, key string) string {
	v, _ := cells.Field(key, cell.FieldModifiedBy)
	s, _ := v.(string)
	return s
}

// lastWriter reads who wrote the cell before the transaction.
func lastWriter(cells doc.CellMap, ce cellEvents) string {
	s, _ := ce.oldValue(cells, cell.FieldModifiedBy).(string)
	return s
}

// checkPlaintextWrite refuses value or formula writes over ciphertext.
func checkPlaintextWrite(cells doc.CellMap, key string) error {
	fields, _ := cells.Cell(key)
	if cell.Encrypted(fields) {
		return NewUnsafeWriteError(key)
	}
	return nil
}
