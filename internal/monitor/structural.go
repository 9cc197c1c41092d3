package monitor

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc"
	"github.com/roach88/cellsync/internal/oplog"
)

// Choice selects the outcome of a structural conflict.
type Choice string

const (
	ChoiceOurs   Choice = "ours"
	ChoiceTheirs Choice = "theirs"
	ChoiceManual Choice = "manual"
)

// Resolution settles a structural conflict. To names the destination of a
// manual move resolution; Cell is the content of a manual resolution, nil to
// clear.
type Resolution struct {
	Choice Choice
	To     string
	Cell   *cell.Snapshot
}

// StructuralMonitor publishes the moves, deletes and edits made on this
// replica to the shared op log and raises a conflict when a remote record
// collides with a concurrent local one.
type StructuralMonitor struct {
	base
	log *oplog.Log

	// index holds every live record this replica knows, in ingestion order.
	index map[string]oplog.Record
	order []string
	// paired remembers which record pairs were already classified.
	paired map[string]mapset.Set[string]
}

// NewStructuralMonitor attaches a structural monitor to the cell map and the
// op log map.
func NewStructuralMonitor(cfg Config, opts ...Option) (*StructuralMonitor, error) {
	cfg, err := cfg.resolve(opts)
	if err != nil {
		return nil, err
	}
	if cfg.OpLog == nil {
		return nil, errInvalidConfig("op log map is required")
	}
	m := &StructuralMonitor{
		base:   newBase("structural", cfg),
		index:  make(map[string]oplog.Record),
		paired: make(map[string]mapset.Set[string]),
	}
	m.log = oplog.New(oplog.Options{
		Doc:               cfg.Doc,
		Map:               cfg.OpLog,
		Origin:            cfg.LocalOrigin,
		Author:            cfg.LocalUserID,
		MaxRecordsPerUser: cfg.MaxOpRecordsPerUser,
		MaxAge:            cfg.MaxOpRecordAge,
		Clock:             cfg.Clock,
		IDs:               cfg.IDs,
		Scheduler:         cfg.Scheduler,
		Logger:            m.logger,
	})
	// Records already in the log predate this monitor; they are indexed so
	// new records can be paired against them, but not paired with each other.
	for _, r := range m.log.Records() {
		m.add(r)
	}
	m.observe(cfg.Cells, m.onCells)
	m.observe(cfg.OpLog, m.onLog)
	return m, nil
}

// Log exposes the op log, mainly for pruning inspection.
func (m *StructuralMonitor) Log() *oplog.Log { return m.log }

// Records returns the indexed records in ingestion order.
func (m *StructuralMonitor) Records() []oplog.Record {
	out := make([]oplog.Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.index[id])
	}
	return out
}

// Dispose detaches the monitor and cancels any deferred prune.
func (m *StructuralMonitor) Dispose() {
	if m.disposed {
		return
	}
	m.base.Dispose()
	m.log.Dispose()
}

func (m *StructuralMonitor) onCells(events []doc.Event, tx doc.Transaction) {
	if m.disposed {
		return
	}
	m.log.RunDue()
	events, class := m.classifyCells(events, tx)
	if class != txLocal {
		return
	}
	m.guard("extract", "", func() { m.publish(events, tx) })
}

// publish extracts the structural operations of one local transaction,
// writes them to the op log and pairs them against known records.
func (m *StructuralMonitor) publish(events []doc.Event, tx doc.Transaction) {
	changes := snapshotsOf(m.cfg.Cells, events)
	ops := extractOps(changes)
	if len(ops) == 0 {
		return
	}
	before, after := txStates(tx, m.cfg.Doc.ClientID(), len(ops))
	touched := touchedCells(changes)
	now := m.log.NowMillis()
	records := make([]oplog.Record, len(ops))
	for i, op := range ops {
		records[i] = oplog.Record{
			Author:    m.cfg.LocalUserID,
			CreatedAt: now,
			Before:    before,
			After:     after,
			Touched:   touched,
			Op:        op,
		}
	}
	for _, r := range m.log.Publish(records) {
		m.logger.Debug("published structural op", "record", r.String())
		m.ingest(r)
	}
	if res := m.log.Prune(); res.Deleted() > 0 {
		m.logger.Debug("op log pruned after publish", "deleted", res.Deleted(), "more", res.More)
	}
}

func (m *StructuralMonitor) onLog(events []doc.Event, tx doc.Transaction) {
	if m.disposed {
		return
	}
	m.log.RunDue()
	class := m.classify(tx)
	for _, ev := range events {
		if ev.Action == doc.ActionDelete {
			m.remove(ev.Key)
			continue
		}
		if class == txIgnored {
			continue
		}
		if _, known := m.index[ev.Key]; known {
			continue
		}
		m.guard("ingest", ev.Key, func() {
			r, err := oplog.Decode(ev.NewValue)
			if err != nil {
				m.logger.Warn("skipping malformed op record", "key", ev.Key, "error", err)
				return
			}
			if r.Author != m.cfg.LocalUserID {
				m.log.Observe(r)
			}
			m.ingest(r)
		})
	}
}

// ingest pairs a new record with every known record by another author and
// then indexes it.
func (m *StructuralMonitor) ingest(r oplog.Record) {
	for _, id := range m.order {
		other := m.index[id]
		if other.Author == r.Author || m.alreadyPaired(r.ID, other.ID) {
			continue
		}
		ours, theirs, ok := m.orient(r, other)
		if !ok || !concurrent(r, other) {
			continue
		}
		m.markPaired(r.ID, other.ID)
		m.guard("pair", id, func() { m.settle(classifyPair(ours, theirs), theirs) })
	}
	m.add(r)
}

// orient puts the locally authored record first. Pairs with no local side
// are left to the replicas that authored them.
func (m *StructuralMonitor) orient(a, b oplog.Record) (oplog.Record, oplog.Record, bool) {
	switch m.cfg.LocalUserID {
	case a.Author:
		return a, b, true
	case b.Author:
		return b, a, true
	}
	return a, b, false
}

func (m *StructuralMonitor) settle(out *outcome, theirs oplog.Record) {
	if out == nil {
		return
	}
	if out.merge != nil {
		if err := m.applyRename(out.merge); err != nil {
			m.logger.Warn("rename merge refused, raising conflict", "cell", out.cell, "error", err)
			out = out.merge.fallback
		} else {
			return
		}
	}
	m.emit(out.cell, theirs.Author, *out.payload)
}

// applyRename writes what an edit changed at a move's source onto the move's
// destination and clears the source. It is a no-op when both already hold
// the merged result, so both replicas may run it.
func (m *StructuralMonitor) applyRename(r *renameMerge) error {
	src, dst := r.move.From, r.move.To
	current := m.snapshot(dst)
	want := current
	if want == nil {
		want = r.move.Content
	}
	merged := cell.Snapshot{}
	if want != nil {
		merged = *want
	}
	if r.edit.FormatChanged {
		merged.Format = nil
		if r.edit.After != nil {
			merged.Format = r.edit.After.Format
		}
	}
	if r.edit.ContentChanged {
		merged.Value, merged.Formula, merged.Enc = nil, "", nil
		if r.edit.After != nil {
			merged.Value, merged.Formula, merged.Enc = r.edit.After.Value, r.edit.After.Formula, r.edit.After.Enc
		}
	}
	target := &merged
	if target.Empty() {
		target = nil
	}
	if cell.SameContent(current, target) && cell.SameFormat(current, target) && m.snapshot(src) == nil {
		return nil
	}
	if err := m.checkWrite(dst, target); err != nil {
		return err
	}
	m.write(func() {
		m.put(dst, target)
		m.clearCell(src)
	})
	m.logger.Info("relocated concurrent edit to move destination", "from", src, "to", dst)
	return nil
}

// ResolveConflict settles a structural conflict. Move-destination conflicts
// clear the source and both candidate destinations and write the chosen
// content to the chosen destination; other conflicts write or clear the
// conflicted cell. Everything is written in one transaction. It returns
// false if the conflict is not open or the write would replace ciphertext
// with plaintext.
func (m *StructuralMonitor) ResolveConflict(id string, res Resolution) bool {
	c, ok := m.conflicts.get(id)
	if !ok || m.disposed {
		return false
	}
	p, ok := c.Payload.(StructuralPayload)
	if !ok {
		return false
	}
	var err error
	if p.IsMove() {
		err = m.resolveMove(p, res)
	} else {
		err = m.resolveCell(c.Cell, p, res)
	}
	if err != nil {
		m.logger.Warn("resolution refused", "id", id, "error", err)
		return false
	}
	m.resolved(c)
	return true
}

func (m *StructuralMonitor) resolveMove(p StructuralPayload, res Resolution) error {
	var to string
	var content *cell.Snapshot
	switch res.Choice {
	case ChoiceOurs:
		to, content = p.OursTo, p.Local
	case ChoiceTheirs:
		to, content = p.TheirsTo, p.Remote
	case ChoiceManual:
		if _, err := cell.ParseKey(res.To); err != nil {
			return errMalformedKey(res.To, err)
		}
		to, content = res.To, res.Cell
		if content == nil {
			content = p.Local
		}
	default:
		return fmt.Errorf("unknown choice %q", res.Choice)
	}
	if err := m.checkWrite(to, content); err != nil {
		return err
	}
	m.write(func() {
		for _, key := range []string{p.Source, p.OursTo, p.TheirsTo} {
			if key != to {
				m.clearCell(key)
			}
		}
		m.put(to, content)
	})
	return nil
}

func (m *StructuralMonitor) resolveCell(key string, p StructuralPayload, res Resolution) error {
	var content *cell.Snapshot
	switch res.Choice {
	case ChoiceOurs:
		content = p.Local
	case ChoiceTheirs:
		content = p.Remote
	case ChoiceManual:
		content = res.Cell
	default:
		return fmt.Errorf("unknown choice %q", res.Choice)
	}
	current := m.snapshot(key)
	if cell.SameContent(current, content) && cell.SameFormat(current, content) {
		return nil
	}
	if err := m.checkWrite(key, content); err != nil {
		return err
	}
	m.write(func() { m.put(key, content) })
	return nil
}

func (m *StructuralMonitor) snapshot(key string) *cell.Snapshot {
	fields, _ := m.cfg.Cells.Cell(key)
	return cell.Normalize(fields)
}

// checkWrite refuses to replace ciphertext with plaintext content. Clearing
// is always allowed.
func (m *StructuralMonitor) checkWrite(key string, s *cell.Snapshot) error {
	if s == nil || s.Encrypted() {
		return nil
	}
	return checkPlaintextWrite(m.cfg.Cells, key)
}

// put writes a snapshot to a cell, or clears it when s is nil. Must run
// inside write.
func (m *StructuralMonitor) put(key string, s *cell.Snapshot) {
	if s == nil {
		m.clearCell(key)
		return
	}
	fields := s.Fields()
	for _, f := range cell.StructuralFields {
		v, ok := fields[f]
		switch {
		case ok:
			m.cfg.Cells.SetField(key, f, v)
		case f == cell.FieldFormat || f == cell.FieldEnc:
			if _, present := m.cfg.Cells.Field(key, f); present {
				m.cfg.Cells.DeleteField(key, f)
			}
		}
	}
	m.stamp(key)
}

// clearCell empties a cell: value and formula become null markers, format
// and ciphertext are removed. Absent cells are left alone.
func (m *StructuralMonitor) clearCell(key string) {
	fields, ok := m.cfg.Cells.Cell(key)
	if !ok || cell.Normalize(fields) == nil {
		return
	}
	m.cfg.Cells.SetField(key, cell.FieldValue, nil)
	m.cfg.Cells.SetField(key, cell.FieldFormula, nil)
	for _, f := range []string{cell.FieldFormat, cell.FieldEnc} {
		if _, present := fields[f]; present {
			m.cfg.Cells.DeleteField(key, f)
		}
	}
}

func (m *StructuralMonitor) add(r oplog.Record) {
	if _, ok := m.index[r.ID]; ok {
		return
	}
	m.index[r.ID] = r
	m.order = append(m.order, r.ID)
}

func (m *StructuralMonitor) remove(id string) {
	if _, ok := m.index[id]; !ok {
		return
	}
	delete(m.index, id)
	for i, x := range m.order {
		if x == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if partners, ok := m.paired[id]; ok {
		for p := range partners.Iter() {
			if back, ok := m.paired[p]; ok {
				back.Remove(id)
			}
		}
		delete(m.paired, id)
	}
	m.log.Forget(id)
}

func (m *StructuralMonitor) alreadyPaired(a, b string) bool {
	s, ok := m.paired[a]
	return ok && s.Contains(b)
}

func (m *StructuralMonitor) markPaired(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		s, ok := m.paired[pair[0]]
		if !ok {
			s = mapset.NewThreadUnsafeSet[string]()
			m.paired[pair[0]] = s
		}
		s.Add(pair[1])
	}
}
