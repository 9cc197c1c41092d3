package monitor

import (
	"context"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/cellsync/internal/doc"
	"github.com/roach88/cellsync/internal/oplog"
)

// Mode selects which conflicts the FormulaMonitor handles.
type Mode string

const (
	// ModeFormula handles formula-vs-formula conflicts only.
	ModeFormula Mode = "formula"
	// ModeFormulaValue also handles value-vs-value and cross-kind content
	// conflicts.
	ModeFormulaValue Mode = "formula+value"
)

// DefaultMaxOpRecordsPerUser is the default per-author op log retention.
const DefaultMaxOpRecordsPerUser = oplog.DefaultMaxRecordsPerUser

// Journal persists conflicts outside the document. Failures are logged and
// never block detection or resolution. source names the detecting monitor.
type Journal interface {
	WriteConflict(ctx context.Context, source string, c Conflict) error
	MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error
}

// Config is shared by all monitors.
type Config struct {
	Doc   doc.Document
	Cells doc.CellMap
	// OpLog is required by the StructuralMonitor only.
	OpLog doc.RecordMap

	LocalUserID string
	// LocalOrigin tags every write a monitor makes.
	LocalOrigin any
	// LocalOrigins are further origins whose transactions count as local
	// edits, such as an undo manager.
	LocalOrigins []any
	// IgnoredOrigins are origins whose transactions are skipped entirely,
	// such as bulk restores.
	IgnoredOrigins []any

	OnConflict func(Conflict)

	MaxOpRecordsPerUser int
	// MaxOpRecordAge enables age-based op log pruning when positive.
	MaxOpRecordAge time.Duration

	Mode Mode

	Clock     oplog.Clock
	IDs       IDGenerator
	Scheduler oplog.Scheduler
	Journal   Journal
	Logger    *slog.Logger
}

// Option allows configuration of optional monitor parameters.
type Option func(*Config)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock sets the wall clock used for timestamps and age pruning.
func WithClock(clock oplog.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithIDs sets the conflict and record id generator. Default: UUIDv7.
func WithIDs(ids IDGenerator) Option {
	return func(c *Config) { c.IDs = ids }
}

// WithScheduler sets the scheduler for deferred op log pruning. Without one,
// a deferred pass runs at the next observed transaction.
func WithScheduler(s oplog.Scheduler) Option {
	return func(c *Config) { c.Scheduler = s }
}

// WithJournal persists detected and resolved conflicts.
func WithJournal(j Journal) Option {
	return func(c *Config) { c.Journal = j }
}

// WithOnConflict sets the callback invoked for each new conflict.
func WithOnConflict(fn func(Conflict)) Option {
	return func(c *Config) { c.OnConflict = fn }
}

// WithMode sets the FormulaMonitor mode.
func WithMode(m Mode) Option {
	return func(c *Config) { c.Mode = m }
}

// WithMaxOpRecordAge enables age-based op log pruning.
func WithMaxOpRecordAge(d time.Duration) Option {
	return func(c *Config) { c.MaxOpRecordAge = d }
}

// resolve applies options and defaults and validates the result.
func (c Config) resolve(opts []Option) (Config, error) {
	for _, opt := range opts {
		opt(&c)
	}
	if c.Doc == nil || c.Cells == nil {
		return c, errInvalidConfig("document and cell map are required")
	}
	if c.LocalUserID == "" {
		return c, errInvalidConfig("local user id is required")
	}
	if c.MaxOpRecordsPerUser <= 0 {
		c.MaxOpRecordsPerUser = DefaultMaxOpRecordsPerUser
	}
	if c.MaxOpRecordAge < 0 {
		c.MaxOpRecordAge = 0
	}
	switch c.Mode {
	case "":
		c.Mode = ModeFormula
	case ModeFormula, ModeFormulaValue:
	default:
		return c, errInvalidConfig("unknown mode " + string(c.Mode))
	}
	if c.Clock == nil {
		c.Clock = oplog.SystemClock
	}
	if c.IDs == nil {
		c.IDs = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// origins classifies transactions by their origin token.
type origins struct {
	local   any
	locals  mapset.Set[any]
	ignored mapset.Set[any]
}

func newOrigins(c Config) origins {
	o := origins{
		local:   c.LocalOrigin,
		locals:  mapset.NewThreadUnsafeSet[any](),
		ignored: mapset.NewThreadUnsafeSet[any](),
	}
	for _, v := range c.LocalOrigins {
		if v != nil {
			o.locals.Add(v)
		}
	}
	for _, v := range c.IgnoredOrigins {
		if v != nil {
			o.ignored.Add(v)
		}
	}
	return o
}

func (o origins) isIgnored(tx doc.Transaction) bool {
	origin := tx.Origin()
	return origin != nil && o.ignored.Contains(origin)
}

func (o origins) isLocal(tx doc.Transaction) bool {
	if tx.Local() {
		return true
	}
	origin := tx.Origin()
	return origin != nil && (origin == o.local || o.locals.Contains(origin))
}
