package causal

import "fmt"

// ID names a single write: the replica that produced it and the replica-local
// clock value it was assigned.
type ID struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

// String renders the id as "client@clock".
func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Client, id.Clock)
}

// SameID reports whether two optional ids name the same write.
// Two absent ids are equal.
func SameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// FieldCausality exposes the causal identifiers of a keyed field.
//
// The three accessors are enough to tell "a remote write observed and replaced
// mine" from "a remote write never saw mine" without any extra protocol:
//
//   - FieldCausalID: the write whose value is currently at the field (the last
//     write, even when it has since been deleted).
//   - FieldOriginID: the write the current write declared as its predecessor
//     when it was made.
//   - FieldPredecessorID: the write immediately preceding the current write in
//     document order after integration.
type FieldCausality interface {
	FieldCausalID(key, field string) (ID, bool)
	FieldOriginID(key, field string) (ID, bool)
	FieldPredecessorID(key, field string) (ID, bool)
}
