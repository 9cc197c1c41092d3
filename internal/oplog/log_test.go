package oplog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/doc/memdoc"
	"github.com/roach88/cellsync/internal/testutil"
)

type fixture struct {
	doc   *memdoc.Doc
	clock *testutil.Clock
	sched *testutil.ManualScheduler
	log   *Log
}

func newFixture(t *testing.T, maxPerUser int, maxAge time.Duration, withScheduler bool) *fixture {
	t.Helper()
	f := &fixture{doc: memdoc.New(1), clock: testutil.NewClock(time.Time{})}
	opts := Options{
		Doc:               f.doc,
		Map:               f.doc.OpLog(),
		Origin:            "local",
		Author:            "alice",
		MaxRecordsPerUser: maxPerUser,
		MaxAge:            maxAge,
		Clock:             f.clock,
		IDs:               testutil.NewSequentialIDs("op"),
	}
	if withScheduler {
		f.sched = &testutil.ManualScheduler{}
		opts.Scheduler = f.sched
	}
	f.log = New(opts)
	return f
}

func editRecord(createdAt int64, after causal.Encoded) Record {
	return Record{
		CreatedAt: createdAt,
		After:     after,
		Op:        Edit{Cell: "s:0:0", After: &cell.Snapshot{Value: "x"}, ContentChanged: true},
	}
}

// TestLog_Publish tests id assignment, storage and pending tracking.
func TestLog_Publish(t *testing.T) {
	f := newFixture(t, 0, 0, false)
	now := f.log.NowMillis()

	out := f.log.Publish([]Record{editRecord(now, causal.Encoded{{Client: 1, Clock: 1}})})
	require.Len(t, out, 1)
	assert.Equal(t, "op-1", out[0].ID)
	assert.Equal(t, "alice", out[0].Author)

	recs := f.log.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, KindEdit, recs[0].Kind())
	assert.Equal(t, []string{"op-1"}, f.log.Pending())
	assert.Nil(t, f.log.Publish(nil))
}

// TestLog_ObserveConsumesPending tests that a remote record which saw a local
// one consumes it, and one that did not leaves it pending.
func TestLog_ObserveConsumesPending(t *testing.T) {
	f := newFixture(t, 0, 0, false)
	f.log.Publish([]Record{editRecord(0, causal.Encoded{{Client: 1, Clock: 3}})})

	f.log.Observe(Record{ID: "r1", Before: causal.Encoded{{Client: 1, Clock: 2}}})
	assert.Len(t, f.log.Pending(), 1)

	f.log.Observe(Record{ID: "r2", Before: causal.Encoded{{Client: 1, Clock: 3}, {Client: 2, Clock: 1}}})
	assert.Empty(t, f.log.Pending())
}

// TestLog_PruneByCount tests per-author retention.
func TestLog_PruneByCount(t *testing.T) {
	f := newFixture(t, 3, 0, false)
	for i := 0; i < 5; i++ {
		f.log.Publish([]Record{editRecord(int64(i), nil)})
	}
	f.doc.OpLog().Set("bob-1", Record{ID: "bob-1", Author: "bob", Op: Delete{Cell: "s:1:1"}})

	res := f.log.Prune()
	assert.Equal(t, 2, res.ByCount)
	assert.False(t, res.More)

	var ids []string
	for _, r := range f.log.Records() {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"bob-1", "op-3", "op-4", "op-5"}, ids)
}

// TestLog_PruneByAgeRespectsPending tests that a record past the age limit
// but newer than the oldest pending local record survives until that record
// is consumed.
func TestLog_PruneByAgeRespectsPending(t *testing.T) {
	f := newFixture(t, 0, time.Minute, false)
	t0 := f.log.NowMillis()

	f.log.Publish([]Record{editRecord(t0, causal.Encoded{{Client: 1, Clock: 1}})})
	f.doc.OpLog().Set("bob-1", Record{ID: "bob-1", Author: "bob", CreatedAt: t0 + 10_000, Op: Delete{Cell: "s:1:1"}})

	f.clock.Advance(90 * time.Second)
	res := f.log.Prune()
	assert.Equal(t, 0, res.Deleted())
	assert.Len(t, f.log.Records(), 2)

	f.log.Observe(Record{ID: "remote", Before: causal.Encoded{{Client: 1, Clock: 5}}})
	res = f.log.Prune()
	assert.Equal(t, 2, res.ByAge)
	assert.Empty(t, f.log.Records())
}

// TestLog_PendingExpires tests that a pending record stops guarding the
// cutoff once it is older than twice the age limit.
func TestLog_PendingExpires(t *testing.T) {
	f := newFixture(t, 0, time.Minute, false)
	t0 := f.log.NowMillis()
	f.log.Publish([]Record{editRecord(t0, causal.Encoded{{Client: 1, Clock: 1}})})

	f.clock.Advance(3 * time.Minute)
	res := f.log.Prune()
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.ByAge)
	assert.Empty(t, f.log.Pending())
}

// TestLog_PruneCapDefersRemainder tests the per-pass delete cap and the
// deferred follow-up pass.
func TestLog_PruneCapDefersRemainder(t *testing.T) {
	f := newFixture(t, 1, 0, true)
	batch := make([]Record, 0, 600)
	for i := 0; i < 600; i++ {
		r := editRecord(int64(i), nil)
		r.ID = fmt.Sprintf("op-%03d", i)
		batch = append(batch, r)
	}
	f.log.Publish(batch)

	res := f.log.Prune()
	assert.Equal(t, MaxDeletesPerPass, res.ByCount)
	assert.True(t, res.More)
	assert.Equal(t, 1, f.sched.Pending())
	assert.Len(t, f.log.Records(), 100)

	assert.Equal(t, 1, f.sched.RunAll())
	assert.Len(t, f.log.Records(), 1)
	assert.False(t, f.log.Due())
}

// TestLog_RunDueWithoutScheduler tests the opportunistic deferred pass.
func TestLog_RunDueWithoutScheduler(t *testing.T) {
	f := newFixture(t, 0, time.Minute, false)
	assert.False(t, f.log.RunDue())

	old := f.log.NowMillis() - (2 * time.Minute).Milliseconds()
	f.doc.OpLog().Set("bob-1", Record{ID: "bob-1", Author: "bob", CreatedAt: old, Op: Delete{Cell: "s:1:1"}})
	f.log.Observe(Record{ID: "bob-1", CreatedAt: old})
	assert.True(t, f.log.Due())

	assert.True(t, f.log.RunDue())
	assert.Empty(t, f.log.Records())
	assert.False(t, f.log.Due())
}

// TestLog_DisposeCancelsDeferred tests that dispose disarms the scheduler.
func TestLog_DisposeCancelsDeferred(t *testing.T) {
	f := newFixture(t, 0, time.Minute, true)
	old := f.log.NowMillis() - (2 * time.Minute).Milliseconds()
	f.log.Observe(Record{ID: "x", CreatedAt: old})
	assert.Equal(t, 1, f.sched.Pending())

	f.log.Dispose()
	assert.Equal(t, 0, f.sched.Pending())
	assert.Equal(t, 0, f.log.Prune().Deleted())
}

func TestDecode(t *testing.T) {
	r := Record{ID: "a", Op: Move{From: "s:0:0", To: "s:0:1"}}
	got, err := Decode(r)
	require.NoError(t, err)
	assert.Equal(t, KindMove, got.Kind())

	_, err = Decode(&r)
	assert.NoError(t, err)

	_, err = Decode("junk")
	assert.Error(t, err)
	_, err = Decode(Record{ID: "b"})
	assert.Error(t, err)
	_, err = Decode(Record{Op: Delete{}})
	assert.Error(t, err)
}
