package cell

// Field names stored on every cell entry.
const (
	FieldValue      = "value"
	FieldFormula    = "formula"
	FieldEnc        = "enc"
	FieldFormat     = "format"
	FieldModified   = "modified"
	FieldModifiedBy = "modifiedBy"
)

// StructuralFields are the fields whose change counts as a content or format
// change. modified/modifiedBy are metadata only.
var StructuralFields = []string{FieldValue, FieldFormula, FieldFormat, FieldEnc}

// IsStructural reports whether a field carries content or format.
func IsStructural(field string) bool {
	switch field {
	case FieldValue, FieldFormula, FieldFormat, FieldEnc:
		return true
	}
	return false
}

// IsEmptyValue reports whether a value is absent for conflict purposes.
// A null marker and the empty string are both empty.
func IsEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// FormulaText returns the formula stored in a field value, "" for a null marker.
func FormulaText(v any) string {
	s, _ := v.(string)
	return s
}

// Encrypted reports whether the fields carry a present, non-null ciphertext.
// Absent enc means a plaintext cell.
func Encrypted(fields map[string]any) bool {
	v, ok := fields[FieldEnc]
	return ok && v != nil
}
