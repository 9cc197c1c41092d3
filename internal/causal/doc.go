// Package causal provides the causal primitives the conflict monitors build on.
//
// Two kinds of causal metadata are used:
//
//   - State vectors map a replica (client) id to the number of operations from
//     that replica a document has integrated. Comparing the vectors recorded
//     at transaction boundaries tells whether one transaction observed another.
//   - Field identifiers name the individual write that produced a field's
//     visible value, the write it declared as its causal predecessor (origin),
//     and the write immediately preceding it in document order.
//
// Ordering is derived only from this metadata. Wall-clock time is never used
// to decide whether two operations are sequential or concurrent.
package causal
