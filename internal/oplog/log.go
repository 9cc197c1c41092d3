package oplog

import (
	"cmp"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/doc"
)

const (
	// DefaultMaxRecordsPerUser is the per-author retention limit.
	DefaultMaxRecordsPerUser = 2000

	// MaxDeletesPerPass caps how many records one prune pass deletes.
	MaxDeletesPerPass = 500

	// RetryDelay is how long a deferred prune waits before running.
	RetryDelay = time.Second
)

// Clock supplies wall-clock time for record timestamps and age pruning.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// IDGenerator produces record ids.
type IDGenerator interface {
	Generate() string
}

// Scheduler runs a deferred prune later. Implementations must call fn on the
// goroutine that owns the document, and cancel must be safe to call after fn
// ran.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Options configures a Log.
type Options struct {
	Doc    doc.Document
	Map    doc.RecordMap
	Origin any
	Author string

	MaxRecordsPerUser int
	// MaxAge enables age-based pruning when positive.
	MaxAge time.Duration

	Clock     Clock
	IDs       IDGenerator
	Scheduler Scheduler
	Logger    *slog.Logger
}

type pendingOp struct {
	after     causal.StateVector
	createdAt int64
}

// Log publishes, tracks and prunes structural records for one replica.
// It is not safe for concurrent use.
type Log struct {
	doc    doc.Document
	m      doc.RecordMap
	origin any
	author string

	maxPerUser int
	maxAge     time.Duration

	clock     Clock
	ids       IDGenerator
	scheduler Scheduler
	logger    *slog.Logger

	pending  map[string]pendingOp
	due      bool
	cancel   func()
	disposed bool
}

// New creates a Log over the given map. IDs is required.
func New(opts Options) *Log {
	l := &Log{
		doc:        opts.Doc,
		m:          opts.Map,
		origin:     opts.Origin,
		author:     opts.Author,
		maxPerUser: opts.MaxRecordsPerUser,
		maxAge:     opts.MaxAge,
		clock:      opts.Clock,
		ids:        opts.IDs,
		scheduler:  opts.Scheduler,
		logger:     opts.Logger,
		pending:    make(map[string]pendingOp),
	}
	if l.maxPerUser <= 0 {
		l.maxPerUser = DefaultMaxRecordsPerUser
	}
	if l.clock == nil {
		l.clock = SystemClock
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Author returns the local author id.
func (l *Log) Author() string { return l.author }

// NowMillis returns the log clock in Unix milliseconds.
func (l *Log) NowMillis() int64 { return l.clock.Now().UnixMilli() }

// Publish assigns ids to records, writes them in one transaction tagged with
// the log's origin and tracks them as pending local operations. It returns
// the records as written.
func (l *Log) Publish(records []Record) []Record {
	if len(records) == 0 || l.disposed {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			r.ID = l.ids.Generate()
		}
		if r.Author == "" {
			r.Author = l.author
		}
		out[i] = r
	}
	l.doc.Transact(l.origin, func(doc.Transaction) {
		for _, r := range out {
			l.m.Set(r.ID, r)
		}
	})
	for _, r := range out {
		l.pending[r.ID] = pendingOp{after: causal.Decode(r.After), createdAt: r.CreatedAt}
	}
	l.logger.Debug("published structural records", "count", len(out), "author", l.author)
	l.maybeScheduleForAge(out)
	return out
}

// Records returns every decodable record in the log, oldest first.
func (l *Log) Records() []Record {
	var out []Record
	for _, k := range l.m.Keys() {
		v, ok := l.m.Get(k)
		if !ok {
			continue
		}
		r, err := Decode(v)
		if err != nil {
			l.logger.Warn("skipping malformed log record", "key", k, "error", err)
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, compareRecords)
	return out
}

func compareRecords(a, b Record) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Observe notes a record that arrived from another replica. Any pending local
// record the remote one has causally seen is consumed.
func (l *Log) Observe(r Record) {
	before := causal.Decode(r.Before)
	for id, p := range l.pending {
		if causal.Dominates(before, p.after) {
			delete(l.pending, id)
			l.logger.Debug("pending record consumed", "record", id, "by", r.ID)
		}
	}
	l.maybeScheduleForAge([]Record{r})
}

// Pending returns the ids of local records not yet seen by any remote record.
func (l *Log) Pending() []string {
	out := make([]string, 0, len(l.pending))
	for id := range l.pending {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Forget drops a record from pending tracking, for instance when it was
// deleted remotely.
func (l *Log) Forget(id string) {
	delete(l.pending, id)
}

// Dispose cancels any deferred prune. The log must not be used afterwards.
func (l *Log) Dispose() {
	l.disposed = true
	l.due = false
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}
