package harness

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/config"
	"github.com/roach88/cellsync/internal/doc"
	"github.com/roach88/cellsync/internal/doc/memdoc"
	"github.com/roach88/cellsync/internal/monitor"
	"github.com/roach88/cellsync/internal/store"
	"github.com/roach88/cellsync/internal/testutil"
)

// SyncOrigin tags transactions applied by sync steps.
const SyncOrigin = "sync"

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to every monitor. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithStore journals every replica's conflicts to s.
func WithStore(s *store.Store) Option {
	return func(h *Harness) { h.store = s }
}

// WithEngine overrides the scenario's mode, op log limits and ignored
// origins with a loaded configuration. The local user id of the
// configuration is not used; every replica is its own user.
func WithEngine(e config.Engine) Option {
	return func(h *Harness) { h.engine = &e }
}

// WithIDPrefix prefixes every conflict id generated during the run, so
// several scenarios can share one journal.
func WithIDPrefix(prefix string) Option {
	return func(h *Harness) { h.idPrefix = prefix }
}

// replica is one document and the monitors attached to it.
type replica struct {
	spec   ReplicaSpec
	doc    *memdoc.Doc
	origin string
	ids    map[string]*testutil.SequentialIDs

	value      *monitor.ValueMonitor
	formula    *monitor.FormulaMonitor
	structural *monitor.StructuralMonitor
}

// lister is satisfied by every monitor.
type lister interface {
	ListConflicts() []monitor.Conflict
}

func (r *replica) lister(name string) lister {
	switch name {
	case MonitorValue:
		if r.value != nil {
			return r.value
		}
	case MonitorFormula:
		if r.formula != nil {
			return r.formula
		}
	case MonitorStructural:
		if r.structural != nil {
			return r.structural
		}
	}
	return nil
}

func (r *replica) monitors() []string {
	if len(r.spec.Monitors) == 0 {
		return allMonitors
	}
	return r.spec.Monitors
}

func (r *replica) dispose() {
	if r.value != nil {
		r.value.Dispose()
	}
	if r.formula != nil {
		r.formula.Dispose()
	}
	if r.structural != nil {
		r.structural.Dispose()
	}
	r.value, r.formula, r.structural = nil, nil, nil
}

// Harness executes one scenario against in-memory replicas.
// A run is deterministic: the clock only moves at advance steps, ids are
// sequential per replica and monitor, and deferred prunes fire after each
// step.
type Harness struct {
	scenario  *Scenario
	clock     *testutil.Clock
	scheduler *testutil.ManualScheduler
	logger    *slog.Logger
	store     *store.Store
	engine    *config.Engine
	idPrefix  string

	replicas map[string]*replica
	order    []string
	result   *Result
	step     int
}

// Run executes a scenario and returns the result.
//
// Step failures and failed assertions are reported in the result; the error
// is reserved for scenarios that cannot be set up at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		clock:     testutil.NewClock(testutil.Epoch),
		scheduler: &testutil.ManualScheduler{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		replicas:  make(map[string]*replica),
		result:    NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	for _, spec := range scenario.Replicas {
		r := &replica{
			spec:   spec,
			doc:    memdoc.New(spec.Client),
			origin: "local:" + spec.Name,
			ids:    make(map[string]*testutil.SequentialIDs),
		}
		for _, name := range allMonitors {
			r.ids[name] = testutil.NewSequentialIDs(h.idPrefix + spec.Name + "-" + name)
		}
		if err := h.attach(r); err != nil {
			return nil, fmt.Errorf("replica %s: %w", spec.Name, err)
		}
		h.replicas[spec.Name] = r
		h.order = append(h.order, spec.Name)
	}

	for i, step := range scenario.Steps {
		h.step = i
		if err := h.execute(step); err != nil {
			h.result.AddError(fmt.Sprintf("step %d: %v", i, err))
		}
		h.scheduler.RunAll()
	}

	for _, name := range h.order {
		h.result.Replicas[name] = h.state(h.replicas[name])
	}
	for i, a := range scenario.Assertions {
		if err := h.check(a); err != nil {
			h.result.AddError(fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return h.result, nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.dispose()
	}
}

// baseConfig builds the settings shared by a replica's monitors.
func (h *Harness) baseConfig(r *replica) (monitor.Config, error) {
	s := h.scenario
	cfg := monitor.Config{
		Doc:                 r.doc,
		Cells:               r.doc.Cells(),
		OpLog:               r.doc.OpLog(),
		LocalUserID:         r.spec.Name,
		LocalOrigin:         r.origin,
		MaxOpRecordsPerUser: s.MaxOpRecordsPerUser,
		Mode:                monitor.Mode(s.Mode),
		Clock:               h.clock,
		Scheduler:           h.scheduler,
	}
	if s.MaxOpRecordAge != "" {
		d, err := time.ParseDuration(s.MaxOpRecordAge)
		if err != nil {
			return cfg, err
		}
		cfg.MaxOpRecordAge = d
	}
	for _, o := range s.IgnoredOrigins {
		cfg.IgnoredOrigins = append(cfg.IgnoredOrigins, o)
	}
	if e := h.engine; e != nil {
		cfg.Mode = e.Mode
		cfg.MaxOpRecordsPerUser = e.MaxOpRecordsPerUser
		cfg.MaxOpRecordAge = e.MaxOpRecordAge
		for _, o := range e.LocalOrigins {
			cfg.LocalOrigins = append(cfg.LocalOrigins, o)
		}
		for _, o := range e.IgnoredOrigins {
			cfg.IgnoredOrigins = append(cfg.IgnoredOrigins, o)
		}
	}
	return cfg, nil
}

// attach creates the replica's monitors.
func (h *Harness) attach(r *replica) error {
	cfg, err := h.baseConfig(r)
	if err != nil {
		return err
	}
	for _, name := range r.monitors() {
		opts := []monitor.Option{
			monitor.WithIDs(r.ids[name]),
			monitor.WithLogger(h.logger.With("replica", r.spec.Name, "monitor", name)),
			monitor.WithOnConflict(h.onConflict(r, name)),
		}
		if h.store != nil {
			opts = append(opts, monitor.WithJournal(h.store.Journal(r.spec.Name)))
		}
		switch name {
		case MonitorValue:
			r.value, err = monitor.NewValueMonitor(cfg, opts...)
		case MonitorFormula:
			r.formula, err = monitor.NewFormulaMonitor(cfg, opts...)
		case MonitorStructural:
			r.structural, err = monitor.NewStructuralMonitor(cfg, opts...)
		}
		if err != nil {
			return fmt.Errorf("%s monitor: %w", name, err)
		}
	}
	return nil
}

func (h *Harness) onConflict(r *replica, name string) func(monitor.Conflict) {
	return func(c monitor.Conflict) {
		h.record(EventConflict, r, name, c)
	}
}

func (h *Harness) record(typ string, r *replica, name string, c monitor.Conflict) {
	ev := TraceEvent{
		Type:       typ,
		Step:       h.step,
		Replica:    r.spec.Name,
		Monitor:    name,
		Kind:       string(c.Kind()),
		Cell:       c.A1(),
		RemoteUser: c.RemoteUser,
	}
	if p, ok := c.Payload.(monitor.StructuralPayload); ok {
		ev.Reason = string(p.Reason)
	}
	h.result.Trace = append(h.result.Trace, ev)
}

func (h *Harness) execute(step Step) error {
	switch {
	case step.Set != nil:
		return h.set(step)
	case step.Move != nil:
		return h.move(step)
	case step.Clear != "":
		return h.clear(step)
	case len(step.Sync) > 0:
		return h.sync(step.Sync)
	case step.Resolve != nil:
		return h.resolve(step.Resolve)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	case step.Restart:
		r := h.replicas[step.Replica]
		r.dispose()
		return h.attach(r)
	case step.Prune:
		r := h.replicas[step.Replica]
		if r.structural == nil {
			return fmt.Errorf("replica %s has no structural monitor", r.spec.Name)
		}
		r.structural.Log().Prune()
		return nil
	}
	return fmt.Errorf("empty step")
}

// edit runs fn in one transaction tagged with the step's origin.
func (h *Harness) edit(step Step, fn func(cells *memdoc.Map)) *replica {
	r := h.replicas[step.Replica]
	origin := r.origin
	if step.Origin != "" {
		origin = step.Origin
	}
	r.doc.Transact(origin, func(doc.Transaction) { fn(r.doc.Cells()) })
	return r
}

func (h *Harness) set(step Step) error {
	s := step.Set
	key, err := h.scenario.key(s.Cell)
	if err != nil {
		return err
	}
	user := step.Replica
	h.edit(step, func(cells *memdoc.Map) {
		switch {
		case s.Formula != "":
			cells.SetField(key, cell.FieldValue, nil)
			cells.SetField(key, cell.FieldFormula, s.Formula)
		case s.Value != nil:
			cells.SetField(key, cell.FieldFormula, nil)
			cells.SetField(key, cell.FieldValue, s.Value)
		}
		if s.Format != nil {
			cells.SetField(key, cell.FieldFormat, s.Format)
		}
		if s.Enc != "" {
			cells.SetField(key, cell.FieldEnc, s.Enc)
		}
		cells.SetField(key, cell.FieldModifiedBy, user)
	})
	return nil
}

// move copies a cell's content to the destination and empties the source.
func (h *Harness) move(step Step) error {
	from, err := h.scenario.key(step.Move.From)
	if err != nil {
		return err
	}
	to, err := h.scenario.key(step.Move.To)
	if err != nil {
		return err
	}
	user := step.Replica
	h.edit(step, func(cells *memdoc.Map) {
		fields, _ := cells.Cell(from)
		for f, v := range cell.Normalize(fields).Fields() {
			cells.SetField(to, f, v)
		}
		cells.SetField(to, cell.FieldModifiedBy, user)
		cells.SetField(from, cell.FieldValue, nil)
		cells.SetField(from, cell.FieldFormula, nil)
		for _, f := range []string{cell.FieldFormat, cell.FieldEnc} {
			if _, ok := fields[f]; ok {
				cells.DeleteField(from, f)
			}
		}
	})
	return nil
}

// clear empties a cell with null markers.
func (h *Harness) clear(step Step) error {
	key, err := h.scenario.key(step.Clear)
	if err != nil {
		return err
	}
	h.edit(step, func(cells *memdoc.Map) {
		cells.SetField(key, cell.FieldValue, nil)
		cells.SetField(key, cell.FieldFormula, nil)
		if _, ok := cells.Field(key, cell.FieldFormat); ok {
			cells.DeleteField(key, cell.FieldFormat)
		}
	})
	return nil
}

func (h *Harness) sync(names []string) error {
	docs := make([]*memdoc.Doc, 0, len(names))
	for _, name := range names {
		docs = append(docs, h.replicas[name].doc)
	}
	if len(docs) == 2 {
		memdoc.Sync(docs[0], docs[1], SyncOrigin)
		return nil
	}
	memdoc.SyncAll(SyncOrigin, docs...)
	return nil
}

func (h *Harness) resolve(rs *ResolveStep) error {
	r := h.replicas[rs.Replica]
	m := r.lister(rs.Monitor)
	if m == nil {
		return fmt.Errorf("replica %s has no %s monitor", r.spec.Name, rs.Monitor)
	}
	open := m.ListConflicts()
	if rs.Index >= len(open) {
		return monitor.NewUnknownConflictError(fmt.Sprintf("%s/%s#%d", r.spec.Name, rs.Monitor, rs.Index))
	}
	c := open[rs.Index]

	var ok bool
	switch rs.Monitor {
	case MonitorValue:
		chosen, err := pick(c, rs)
		if err != nil {
			return err
		}
		ok = r.value.ResolveConflict(c.ID, chosen)
	case MonitorFormula:
		chosen, err := pick(c, rs)
		if err != nil {
			return err
		}
		ok = r.formula.ResolveConflict(c.ID, chosen)
	case MonitorStructural:
		res, err := h.resolution(rs)
		if err != nil {
			return err
		}
		ok = r.structural.ResolveConflict(c.ID, res)
	}
	if !ok {
		return fmt.Errorf("%s conflict at %s was not resolved", c.Kind(), c.A1())
	}
	h.record(EventResolved, r, rs.Monitor, c)
	return nil
}

// pick returns the value, formula or content side chosen for a value or
// formula conflict.
func pick(c monitor.Conflict, rs *ResolveStep) (any, error) {
	local, err := side(rs.Choose)
	if err != nil && rs.Value == nil {
		return nil, err
	}
	switch p := c.Payload.(type) {
	case monitor.ValuePayload:
		if rs.Value != nil {
			return rs.Value, nil
		}
		if local {
			return p.Local, nil
		}
		return p.Remote, nil
	case monitor.FormulaPayload:
		if rs.Value != nil {
			s, ok := rs.Value.(string)
			if !ok {
				return nil, fmt.Errorf("formula resolution must be a string, got %T", rs.Value)
			}
			return s, nil
		}
		if local {
			return p.Local, nil
		}
		return p.Remote, nil
	case monitor.ContentPayload:
		if rs.Value != nil {
			if s, ok := rs.Value.(string); ok && strings.HasPrefix(s, "=") {
				return monitor.ContentSide{Type: monitor.ContentFormula, Payload: s}, nil
			}
			return monitor.ContentSide{Type: monitor.ContentValue, Payload: rs.Value}, nil
		}
		if local {
			return p.Local, nil
		}
		return p.Remote, nil
	}
	return nil, fmt.Errorf("cannot resolve %s conflict here", c.Kind())
}

// side maps a choice to true for the local side.
func side(choose string) (bool, error) {
	switch choose {
	case "local", string(monitor.ChoiceOurs):
		return true, nil
	case "remote", string(monitor.ChoiceTheirs):
		return false, nil
	}
	return false, fmt.Errorf("unknown choice %q", choose)
}

func (h *Harness) resolution(rs *ResolveStep) (monitor.Resolution, error) {
	switch rs.Choose {
	case "local", string(monitor.ChoiceOurs):
		return monitor.Resolution{Choice: monitor.ChoiceOurs}, nil
	case "remote", string(monitor.ChoiceTheirs):
		return monitor.Resolution{Choice: monitor.ChoiceTheirs}, nil
	case string(monitor.ChoiceManual):
		res := monitor.Resolution{Choice: monitor.ChoiceManual}
		if rs.To != "" {
			key, err := h.scenario.key(rs.To)
			if err != nil {
				return res, err
			}
			res.To = key
		}
		return res, nil
	}
	return monitor.Resolution{}, fmt.Errorf("unknown choice %q", rs.Choose)
}

// state captures the replica's final cells, open conflicts and log size.
func (h *Harness) state(r *replica) *ReplicaState {
	st := &ReplicaState{
		Cells: make(map[string]map[string]any),
		Open:  make(map[string]int),
	}
	cells := r.doc.Cells()
	for _, key := range cells.Keys() {
		fields, _ := cells.Cell(key)
		snap := cell.Normalize(fields)
		if snap == nil {
			continue
		}
		st.Cells[display(key)] = contentOf(snap)
	}
	for _, name := range allMonitors {
		if m := r.lister(name); m != nil {
			if n := len(m.ListConflicts()); n > 0 {
				st.Open[name] = n
			}
		}
	}
	if r.structural != nil {
		st.Records = len(r.structural.Records())
	}
	return st
}

func contentOf(s *cell.Snapshot) map[string]any {
	out := make(map[string]any)
	if s.Value != nil {
		out[cell.FieldValue] = s.Value
	}
	if s.Formula != "" {
		out[cell.FieldFormula] = s.Formula
	}
	if len(s.Format) > 0 {
		out[cell.FieldFormat] = s.Format
	}
	if s.Enc != nil {
		out[cell.FieldEnc] = s.Enc
	}
	return out
}

func display(key string) string {
	addr, err := cell.ParseKey(key)
	if err != nil {
		return key
	}
	return addr.A1()
}

// names returns the replica names in declaration order, or the given subset.
func (h *Harness) names(subset []string) []string {
	if len(subset) == 0 {
		return slices.Clone(h.order)
	}
	return subset
}
