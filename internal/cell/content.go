package cell

import (
	"fmt"
	"maps"
	"reflect"

	"github.com/roach88/cellsync/internal/formula"
)

// Snapshot is the meaningful content of a cell: what survives once null
// markers, empty strings and metadata are dropped.
type Snapshot struct {
	Value   any            `json:"value,omitempty"`
	Formula string         `json:"formula,omitempty"`
	Format  map[string]any `json:"format,omitempty"`
	Enc     any            `json:"enc,omitempty"`
}

// Normalize reduces raw cell fields to a Snapshot. It returns nil when the
// cell holds nothing meaningful, so an absent cell and a cell of null markers
// compare equal.
func Normalize(fields map[string]any) *Snapshot {
	if len(fields) == 0 {
		return nil
	}
	var s Snapshot
	if v := fields[FieldValue]; !IsEmptyValue(v) {
		s.Value = v
	}
	if f := FormulaText(fields[FieldFormula]); !formula.IsEmpty(f) {
		s.Formula = f
	}
	s.Format = normalizeFormat(fields[FieldFormat])
	if Encrypted(fields) {
		s.Enc = fields[FieldEnc]
	}
	if s.Empty() {
		return nil
	}
	return &s
}

func normalizeFormat(v any) map[string]any {
	switch f := v.(type) {
	case map[string]any:
		if len(f) == 0 {
			return nil
		}
		return maps.Clone(f)
	case map[string]string:
		if len(f) == 0 {
			return nil
		}
		out := make(map[string]any, len(f))
		for k, s := range f {
			out[k] = s
		}
		return out
	}
	return nil
}

// Empty reports whether the snapshot carries no content at all.
func (s *Snapshot) Empty() bool {
	return s == nil || (s.Value == nil && s.Formula == "" && len(s.Format) == 0 && s.Enc == nil)
}

// Encrypted reports whether the snapshot holds ciphertext.
func (s *Snapshot) Encrypted() bool {
	return s != nil && s.Enc != nil
}

// Fields renders the snapshot as a write: value and formula are always
// present, as null markers when unset. Format and enc are only included when
// set.
func (s *Snapshot) Fields() map[string]any {
	out := map[string]any{FieldValue: nil, FieldFormula: nil}
	if s == nil {
		return out
	}
	if s.Value != nil {
		out[FieldValue] = s.Value
	}
	if s.Formula != "" {
		out[FieldFormula] = s.Formula
	}
	if len(s.Format) > 0 {
		out[FieldFormat] = maps.Clone(s.Format)
	}
	if s.Enc != nil {
		out[FieldEnc] = s.Enc
	}
	return out
}

// canonicalForm is what the fingerprint hashes: formulas compare in their
// normalized form.
func (s *Snapshot) canonicalForm() map[string]any {
	out := make(map[string]any, 4)
	if s.Value != nil {
		out[FieldValue] = s.Value
	}
	if s.Formula != "" {
		out[FieldFormula] = formula.Normalize(s.Formula)
	}
	if len(s.Format) > 0 {
		out[FieldFormat] = s.Format
	}
	if s.Enc != nil {
		out[FieldEnc] = s.Enc
	}
	return out
}

// Fingerprint returns a stable digest of the snapshot's content. Key order in
// the format map never affects it. A nil snapshot has an empty fingerprint.
func (s *Snapshot) Fingerprint() string {
	if s.Empty() {
		return ""
	}
	data, err := MarshalCanonical(s.canonicalForm())
	if err != nil {
		// Values outside the canonical JSON model still need a stable key.
		data = []byte(fmt.Sprintf("%#v", s.canonicalForm()))
	}
	return hashWithDomain(DomainFingerprint, data)
}

// SameContent reports whether a and b carry the same value, formula and
// ciphertext, ignoring format. Either side may be nil.
func SameContent(a, b *Snapshot) bool {
	var av, bv, ae, be any
	var af, bf string
	if a != nil {
		av, af, ae = a.Value, formula.Normalize(a.Formula), a.Enc
	}
	if b != nil {
		bv, bf, be = b.Value, formula.Normalize(b.Formula), b.Enc
	}
	return ValuesEqual(av, bv) && af == bf && reflect.DeepEqual(ae, be)
}

// SameFormat reports whether a and b carry the same format map.
func SameFormat(a, b *Snapshot) bool {
	return reflect.DeepEqual(formatOf(a), formatOf(b))
}

func formatOf(s *Snapshot) map[string]any {
	if s == nil || len(s.Format) == 0 {
		return nil
	}
	return s.Format
}

// ValuesEqual is deep equality with numeric kinds unified, so an int written
// by one replica equals the float64 another replica decoded.
func ValuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
