package oplog

import (
	"maps"
	"slices"

	"github.com/roach88/cellsync/internal/doc"
)

// PruneResult summarizes one prune pass.
type PruneResult struct {
	ByCount int
	ByAge   int
	// Expired counts pending local records that waited longer than twice
	// the age limit and stopped guarding the cutoff.
	Expired int
	// More is set when the pass hit MaxDeletesPerPass and a deferred pass
	// was scheduled.
	More bool
}

// Deleted returns the total number of records removed.
func (p PruneResult) Deleted() int { return p.ByCount + p.ByAge }

// Prune runs one pass of count-based and, if enabled, age-based pruning.
func (l *Log) Prune() PruneResult {
	var res PruneResult
	if l.disposed {
		return res
	}
	now := l.NowMillis()
	records := l.Records()

	var victims []string
	chosen := make(map[string]bool)
	byAuthor := make(map[string][]Record)
	for _, r := range records {
		byAuthor[r.Author] = append(byAuthor[r.Author], r)
	}
	for _, author := range slices.Sorted(maps.Keys(byAuthor)) {
		rs := byAuthor[author]
		for _, r := range rs[:max(0, len(rs)-l.maxPerUser)] {
			victims = append(victims, r.ID)
			chosen[r.ID] = true
			res.ByCount++
		}
	}

	if l.maxAge > 0 {
		res.Expired = l.expirePending(now)
		cutoff := now - l.maxAge.Milliseconds()
		if oldest, ok := l.oldestPending(); ok && oldest < cutoff {
			cutoff = oldest
		}
		for _, r := range records {
			if r.CreatedAt < cutoff && !chosen[r.ID] {
				victims = append(victims, r.ID)
				chosen[r.ID] = true
				res.ByAge++
			}
		}
	}

	if len(victims) > MaxDeletesPerPass {
		// Count-based victims come first, so trim age-based ones first.
		drop := len(victims) - MaxDeletesPerPass
		trimAge := min(drop, res.ByAge)
		res.ByAge -= trimAge
		res.ByCount -= drop - trimAge
		victims = victims[:MaxDeletesPerPass]
		res.More = true
	}

	if len(victims) > 0 {
		l.doc.Transact(l.origin, func(doc.Transaction) {
			for _, id := range victims {
				l.m.Delete(id)
			}
		})
		for _, id := range victims {
			delete(l.pending, id)
		}
		l.logger.Info("pruned structural log",
			"by_count", res.ByCount,
			"by_age", res.ByAge,
			"expired_pending", res.Expired,
			"more", res.More,
		)
	}
	if res.More {
		l.schedule()
	}
	return res
}

func (l *Log) expirePending(now int64) int {
	limit := now - 2*l.maxAge.Milliseconds()
	n := 0
	for id, p := range l.pending {
		if p.createdAt < limit {
			delete(l.pending, id)
			n++
		}
	}
	return n
}

func (l *Log) oldestPending() (int64, bool) {
	var oldest int64
	found := false
	for _, p := range l.pending {
		if !found || p.createdAt < oldest {
			oldest = p.createdAt
			found = true
		}
	}
	return oldest, found
}

// maybeScheduleForAge defers a pass when records are already past the age
// cutoff, which is common after a replica comes back from a long offline
// period.
func (l *Log) maybeScheduleForAge(records []Record) {
	if l.maxAge <= 0 {
		return
	}
	cutoff := l.NowMillis() - l.maxAge.Milliseconds()
	for _, r := range records {
		if r.CreatedAt < cutoff {
			l.schedule()
			return
		}
	}
}

// schedule arms a deferred prune. Re-arming while one is waiting is a no-op.
func (l *Log) schedule() {
	if l.disposed || l.due {
		return
	}
	l.due = true
	if l.scheduler != nil {
		l.cancel = l.scheduler.AfterFunc(RetryDelay, l.runDeferred)
	}
}

func (l *Log) runDeferred() {
	l.cancel = nil
	if !l.due || l.disposed {
		return
	}
	l.due = false
	l.Prune()
}

// Due reports whether a deferred prune is waiting.
func (l *Log) Due() bool { return l.due }

// RunDue runs a waiting deferred prune when no Scheduler was configured to
// run it. Callers invoke it opportunistically, e.g. on the next observed
// transaction.
func (l *Log) RunDue() bool {
	if !l.due || l.scheduler != nil {
		return false
	}
	l.due = false
	l.Prune()
	return true
}
