// Package oplog is the shared structural operation log.
//
// Each local transaction that moves, deletes or edits cells is published as
// one or more records into a replicated map. A record carries the state
// vectors at its transaction boundaries so replicas can compare any two
// records causally, whichever order they arrive in.
//
// The log is bounded. Each pass keeps at most MaxRecordsPerUser records per
// author and, when an age limit is set, drops records older than it unless a
// local record is still waiting for its remote counterpart. A pass deletes at
// most MaxDeletesPerPass records; the rest are left to a deferred pass.
package oplog
