package causal

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// StateVector maps a client id to the number of operations from that client
// that have been integrated.
type StateVector map[uint64]uint64

// Entry is one (client, clock) pair of an encoded state vector.
type Entry struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

// Encoded is the stable, log-friendly form of a state vector: entries sorted
// by client id.
type Encoded []Entry

// Clone returns an independent copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, n := range sv {
		out[c] = n
	}
	return out
}

// Get returns the clock for a client, zero if unseen.
func (sv StateVector) Get(client uint64) uint64 {
	return sv[client]
}

// Merge folds other into sv, keeping the larger clock for each client.
func (sv StateVector) Merge(other StateVector) {
	for c, n := range other {
		if n > sv[c] {
			sv[c] = n
		}
	}
}

// Encode serializes a vector as a sorted list of pairs.
// Zero entries are dropped so that equal vectors always encode identically.
func Encode(sv StateVector) Encoded {
	out := make(Encoded, 0, len(sv))
	for c, n := range sv {
		if n == 0 {
			continue
		}
		out = append(out, Entry{Client: c, Clock: n})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Client < b.Client:
			return -1
		case a.Client > b.Client:
			return 1
		}
		return 0
	})
	return out
}

// Decode rebuilds a state vector from its encoded form.
// Duplicate clients keep the larger clock.
func Decode(enc Encoded) StateVector {
	sv := make(StateVector, len(enc))
	for _, e := range enc {
		if e.Clock > sv[e.Client] {
			sv[e.Client] = e.Clock
		}
	}
	return sv
}

// String renders the encoded vector as "client:clock,client:clock".
func (enc Encoded) String() string {
	parts := make([]string, len(enc))
	for i, e := range enc {
		parts[i] = strconv.FormatUint(e.Client, 10) + ":" + strconv.FormatUint(e.Clock, 10)
	}
	return strings.Join(parts, ",")
}

// ParseEncoded parses the String form of an encoded vector.
func ParseEncoded(s string) (Encoded, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Encoded{}, nil
	}
	var out Encoded
	for _, part := range strings.Split(s, ",") {
		client, clock, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("parse state vector entry %q: missing ':'", part)
		}
		c, err := strconv.ParseUint(client, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse state vector client %q: %w", client, err)
		}
		n, err := strconv.ParseUint(clock, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse state vector clock %q: %w", clock, err)
		}
		out = append(out, Entry{Client: c, Clock: n})
	}
	return Encode(Decode(out)), nil
}

// Dominates reports whether a has seen everything b has: for every client in
// b, a's clock is greater than or equal to b's.
func Dominates(a, b StateVector) bool {
	for c, n := range b {
		if a[c] < n {
			return false
		}
	}
	return true
}

// Span is the causal extent of one transaction: the vector before it ran and
// the vector after it (and anything it published) was applied.
type Span struct {
	Before StateVector
	After  StateVector
}

// SpanOf decodes a pair of encoded vectors into a Span.
func SpanOf(before, after Encoded) Span {
	return Span{Before: Decode(before), After: Decode(after)}
}

// HappenedBefore reports whether a was observed by b: b started from a state
// that already contained everything a produced.
func HappenedBefore(a, b Span) bool {
	return Dominates(b.Before, a.After)
}

// IsCausallyConcurrent reports whether neither operation observed the other.
// This is the only test used to separate real conflicts from supersession.
func IsCausallyConcurrent(a, b Span) bool {
	return !HappenedBefore(a, b) && !HappenedBefore(b, a)
}
