package monitor

import (
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc"
	"github.com/roach88/cellsync/internal/formula"
)

// pendingContent is what this replica last wrote to a cell: a formula or a
// value, with the causal ids of both fields since each write sets both.
type pendingContent struct {
	kind      ContentType
	content   any
	formulaID causal.ID
	valueID   causal.ID
}

// formulaText returns the pending formula, "" for a value write.
func (p pendingContent) formulaText() string {
	if p.kind != ContentFormula {
		return ""
	}
	return cell.FormulaText(p.content)
}

// FormulaMonitor detects concurrent formula overwrites and, in
// ModeFormulaValue, value overwrites and formula-vs-value content conflicts.
type FormulaMonitor struct {
	base
	pending map[string]pendingContent
}

// NewFormulaMonitor attaches a formula monitor to the configured cell map.
func NewFormulaMonitor(cfg Config, opts ...Option) (*FormulaMonitor, error) {
	cfg, err := cfg.resolve(opts)
	if err != nil {
		return nil, err
	}
	m := &FormulaMonitor{
		base:    newBase("formula", cfg),
		pending: make(map[string]pendingContent),
	}
	m.observe(cfg.Cells, m.onCells)
	return m, nil
}

// Mode returns the configured mode.
func (m *FormulaMonitor) Mode() Mode { return m.cfg.Mode }

func (m *FormulaMonitor) tracksValues() bool { return m.cfg.Mode == ModeFormulaValue }

// SetLocalFormula writes a formula, or a null marker if text is empty, and
// clears the value with a null marker. It fails without writing if the cell
// holds ciphertext. Like every setter it may join a caller's transaction.
func (m *FormulaMonitor) SetLocalFormula(key, text string) error {
	if m.disposed {
		return errDisposed()
	}
	if err := checkPlaintextWrite(m.cfg.Cells, key); err != nil {
		return err
	}
	var stored any
	if !formula.IsEmpty(text) {
		stored = text
	}
	m.write(func() {
		m.cfg.Cells.SetField(key, cell.FieldValue, nil)
		m.cfg.Cells.SetField(key, cell.FieldFormula, stored)
		m.stamp(key)
	})
	m.track(key, ContentFormula, stored)
	return nil
}

// SetLocalValue writes a literal value and clears the formula with a null
// marker. The write is tracked only in ModeFormulaValue.
func (m *FormulaMonitor) SetLocalValue(key string, value any) error {
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
	if m.tracksValues() {
		m.track(key, ContentValue, value)
	} else {
		delete(m.pending, key)
	}
	return nil
}

func (m *FormulaMonitor) track(key string, kind ContentType, content any) {
	fid, fok := m.cfg.Cells.FieldCausalID(key, cell.FieldFormula)
	vid, vok := m.cfg.Cells.FieldCausalID(key, cell.FieldValue)
	if !fok && !vok {
		delete(m.pending, key)
		return
	}
	m.pending[key] = pendingContent{kind: kind, content: content, formulaID: fid, valueID: vid}
}

// ResolveConflict settles a conflict. chosen is a formula string for formula
// conflicts, a value for value conflicts and a ContentSide for content
// conflicts. Nothing is written if the cell already reflects chosen.
func (m *FormulaMonitor) ResolveConflict(id string, chosen any) bool {
	c, ok := m.conflicts.get(id)
	if !ok || m.disposed {
		return false
	}
	var err error
	switch p := c.Payload.(type) {
	case FormulaPayload:
		text, _ := chosen.(string)
		err = m.ensureFormula(c.Cell, text)
	case ValuePayload:
		err = m.ensureValue(c.Cell, chosen)
	case ContentPayload:
		side, isSide := chosen.(ContentSide)
		if !isSide {
			m.logger.Warn("content resolution needs a ContentSide", "id", id, "got", chosen)
			return false
		}
		if side.Type == ContentFormula {
			err = m.ensureFormula(c.Cell, cell.FormulaText(side.Payload))
		} else {
			err = m.ensureValue(c.Cell, side.Payload)
		}
	default:
		m.logger.Warn("unexpected conflict payload", "id", id, "payload", p)
		return false
	}
	if err != nil {
		m.logger.Warn("resolution refused", "id", id, "error", err)
		return false
	}
	m.resolved(c)
	return true
}

func (m *FormulaMonitor) ensureFormula(key, text string) error {
	cur, _ := m.cfg.Cells.Field(key, cell.FieldFormula)
	val, _ := m.cfg.Cells.Field(key, cell.FieldValue)
	if formula.Normalize(cell.FormulaText(cur)) == formula.Normalize(text) && cell.IsEmptyValue(val) {
		return nil
	}
	return m.SetLocalFormula(key, text)
}

func (m *FormulaMonitor) ensureValue(key string, v any) error {
	cur, _ := m.cfg.Cells.Field(key, cell.FieldValue)
	f, _ := m.cfg.Cells.Field(key, cell.FieldFormula)
	if cell.ValuesEqual(cur, v) && formula.IsEmpty(cell.FormulaText(f)) {
		return nil
	}
	return m.SetLocalValue(key, v)
}

func (m *FormulaMonitor) onCells(events []doc.Event, tx doc.Transaction) {
	if m.disposed {
		return
	}
	events, class := m.classifyCells(events, tx)
	switch class {
	case txSelf, txIgnored:
		return
	}
	for _, ce := range groupByCell(events) {
		_, hasF := ce.get(cell.FieldFormula)
		_, hasV := ce.get(cell.FieldValue)
		if !hasF && !hasV {
			continue
		}
		m.guard("formula", ce.key, func() {
			if class == txLocal {
				m.observeLocal(ce.key)
				return
			}
			m.observeRemote(ce)
		})
	}
}

// currentContent reports what the cell holds now: a formula, a value or
// nothing.
func (m *FormulaMonitor) currentContent(key string) (ContentType, any) {
	f, _ := m.cfg.Cells.Field(key, cell.FieldFormula)
	if text := cell.FormulaText(f); !formula.IsEmpty(text) {
		return ContentFormula, text
	}
	v, _ := m.cfg.Cells.Field(key, cell.FieldValue)
	if !cell.IsEmptyValue(v) {
		return ContentValue, v
	}
	return "", nil
}

// observeLocal tracks edits made on this replica without going through the
// setters.
func (m *FormulaMonitor) observeLocal(key string) {
	kind, content := m.currentContent(key)
	switch {
	case kind == ContentFormula:
		m.track(key, ContentFormula, content)
	case kind == ContentValue && m.tracksValues():
		m.track(key, ContentValue, content)
	default:
		delete(m.pending, key)
	}
}

// overwrote reports whether the remote change replaced this replica's write
// in at least one of the two fields.
func (m *FormulaMonitor) overwrote(ce cellEvents, p pendingContent) bool {
	var ours map[string]any
	if p.kind == ContentFormula {
		ours = map[string]any{cell.FieldFormula: p.content, cell.FieldValue: nil}
	} else {
		ours = map[string]any{cell.FieldFormula: nil, cell.FieldValue: p.content}
	}
	for field, want := range ours {
		ev, ok := ce.get(field)
		if !ok || ev.Action == doc.ActionAdd {
			continue
		}
		if field == cell.FieldFormula {
			if formula.Normalize(cell.FormulaText(ev.OldValue)) == formula.Normalize(cell.FormulaText(want)) {
				return true
			}
			continue
		}
		if cell.ValuesEqual(ev.OldValue, want) {
			return true
		}
	}
	return false
}

// sawOurs reports whether any changed field was written with knowledge of
// this replica's write.
func (m *FormulaMonitor) sawOurs(ce cellEvents, p pendingContent) bool {
	if ev, ok := ce.get(cell.FieldFormula); ok && sawPending(m.cfg.Cells, ce.key, cell.FieldFormula, ev, p.formulaID) {
		return true
	}
	if ev, ok := ce.get(cell.FieldValue); ok && sawPending(m.cfg.Cells, ce.key, cell.FieldValue, ev, p.valueID) {
		return true
	}
	return false
}

func (m *FormulaMonitor) observeRemote(ce cellEvents) {
	key := ce.key
	p, ok := m.pending[key]
	if !ok {
		m.restartFallback(ce)
		return
	}
	if !m.overwrote(ce, p) {
		m.logger.Debug("remote change did not overwrite our content", "cell", key)
		return
	}
	delete(m.pending, key)
	if m.sawOurs(ce, p) {
		m.logger.Debug("remote content is sequential", "cell", key)
		return
	}
	kind, content := m.currentContent(key)
	m.classifyConcurrent(key, p.kind, p.content, kind, content, true)
}

// restartFallback reconstructs a conflict when no local write is
// remembered. It requires the overwritten content to be ours by modifiedBy,
// no deletes in the change, and an overwrite that did not declare its
// immediate predecessor as origin.
func (m *FormulaMonitor) restartFallback(ce cellEvents) {
	for _, ev := range ce.fields {
		if ev.Action == doc.ActionDelete {
			return
		}
	}
	if lastWriter(m.cfg.Cells, ce) != m.cfg.LocalUserID {
		return
	}
	priorKind, prior := priorContent(m.cfg.Cells, ce)
	if priorKind == "" {
		return
	}
	kind, content := m.currentContent(ce.key)
	field := cell.FieldFormula
	if kind == ContentValue {
		field = cell.FieldValue
	}
	if _, changed := ce.get(field); !changed {
		field = otherField(field)
	}
	if overwroteSequentially(m.cfg.Cells, ce.key, field) {
		return
	}
	m.classifyConcurrent(ce.key, priorKind, prior, kind, content, false)
}

func otherField(field string) string {
	if field == cell.FieldFormula {
		return cell.FieldValue
	}
	return cell.FieldFormula
}

// priorContent reports what the cell held before the change.
func priorContent(cells doc.CellMap, ce cellEvents) (ContentType, any) {
	if text := cell.FormulaText(ce.oldValue(cells, cell.FieldFormula)); !formula.IsEmpty(text) {
		return ContentFormula, text
	}
	if v := ce.oldValue(cells, cell.FieldValue); !cell.IsEmptyValue(v) {
		return ContentValue, v
	}
	return "", nil
}

// classifyConcurrent decides what to do with two concurrent writes. An empty
// remote kind means the remote side cleared the cell and is compared as the
// local kind. reapply allows re-writing a local extension.
func (m *FormulaMonitor) classifyConcurrent(key string, localKind ContentType, local any, remoteKind ContentType, remote any, reapply bool) {
	if remoteKind == "" {
		remoteKind = localKind
	}
	switch {
	case localKind == ContentFormula && remoteKind == ContentFormula:
		m.mergeFormulas(key, cell.FormulaText(local), cell.FormulaText(remote), reapply)
	case !m.tracksValues():
		m.logger.Debug("ignoring non-formula conflict in formula mode", "cell", key)
	case localKind == ContentValue && remoteKind == ContentValue:
		if cell.ValuesEqual(local, remote) {
			m.logger.Debug("concurrent equal values auto-resolved", "cell", key)
			return
		}
		m.emit(key, remoteUser(m.cfg.Cells, key), ValuePayload{Local: local, Remote: remote})
	default:
		m.emit(key, remoteUser(m.cfg.Cells, key), ContentPayload{
			Local:  ContentSide{Type: localKind, Payload: local},
			Remote: ContentSide{Type: remoteKind, Payload: remote},
		})
	}
}

// mergeFormulas applies the auto-merge policy to two concurrent formulas:
// equal text or trees resolve silently, an extension of the other formula
// wins, and only unrelated formulas raise a conflict.
func (m *FormulaMonitor) mergeFormulas(key, local, remote string, reapply bool) {
	switch relateFormulas(local, remote) {
	case formulaEqual:
		m.logger.Debug("concurrent equivalent formulas auto-resolved", "cell", key)
	case formulaRemoteExtends:
		m.logger.Debug("accepted remote formula extension", "cell", key)
	case formulaLocalExtends:
		if !reapply {
			m.logger.Debug("local formula extension not re-applied after restart", "cell", key)
			return
		}
		m.logger.Debug("re-applying local formula extension", "cell", key)
		if err := m.SetLocalFormula(key, local); err != nil {
			m.logger.Warn("could not re-apply local formula", "cell", key, "error", err)
			m.emitFormula(key, local, remote)
		}
	default:
		m.emitFormula(key, local, remote)
	}
}

func (m *FormulaMonitor) emitFormula(key, local, remote string) {
	m.emit(key, remoteUser(m.cfg.Cells, key), FormulaPayload{
		Local:         local,
		Remote:        remote,
		LocalPreview:  m.preview(key, local),
		RemotePreview: m.preview(key, remote),
	})
}

// preview evaluates text against the cell's sheet. Any failure yields nil.
func (m *FormulaMonitor) preview(key, text string) *string {
	if formula.IsEmpty(text) {
		return nil
	}
	addr, err := cell.ParseKey(key)
	if err != nil {
		return nil
	}
	lookup := func(a1 string) (any, bool) {
		col, row, err := excelize.CellNameToCoordinates(a1)
		if err != nil {
			return nil, false
		}
		return m.cfg.Cells.Field(cell.Key(addr.Sheet, row-1, col-1), cell.FieldValue)
	}
	var out *string
	m.guard("preview", key, func() {
		v, err := formula.Evaluate(text, lookup)
		if err != nil {
			m.logger.Debug("formula preview failed", "cell", key, "error", err)
			return
		}
		out = &v
	})
	return out
}

type formulaRelation int

const (
	formulaUnrelated formulaRelation = iota
	formulaEqual
	formulaLocalExtends
	formulaRemoteExtends
)

// relateFormulas compares two formulas: normalized text first, then parsed
// trees, then a substring test on normalized text. An empty formula never
// extends or is extended.
func relateFormulas(local, remote string) formulaRelation {
	nl, nr := formula.Normalize(local), formula.Normalize(remote)
	if nl == nr {
		return formulaEqual
	}
	if nl == "" || nr == "" {
		return formulaUnrelated
	}
	al, errL := formula.Parse(local)
	ar, errR := formula.Parse(remote)
	if errL == nil && errR == nil {
		switch {
		case formula.Equal(al, ar):
			return formulaEqual
		case formula.Extends(al, ar):
			return formulaLocalExtends
		case formula.Extends(ar, al):
			return formulaRemoteExtends
		}
	}
	switch {
	case strings.Contains(nl, nr):
		return formulaLocalExtends
	case strings.Contains(nr, nl):
		return formulaRemoteExtends
	}
	return formulaUnrelated
}
