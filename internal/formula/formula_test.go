package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"strips equals", "=SUM(A1)", "SUM(A1)"},
		{"uppercases", "=sum(a1)", "SUM(A1)"},
		{"collapses whitespace", "  = a1  +\tb1 ", "A1 + B1"},
		{"empty", "", ""},
		{"bare equals", "=", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestParse_Call(t *testing.T) {
	n, err := Parse("=SUM(A1:A3)")
	require.NoError(t, err)
	require.Equal(t, KindCall, n.Kind)
	assert.Equal(t, "SUM", n.Value)
	require.Len(t, n.Children, 1)
	assert.Equal(t, KindRef, n.Children[0].Kind)
	assert.Equal(t, "A1:A3", n.Children[0].Value)
}

func TestParse_NoArgs(t *testing.T) {
	n, err := Parse("=NOW()")
	require.NoError(t, err)
	assert.Equal(t, KindCall, n.Kind)
	assert.Empty(t, n.Children)
}

func TestParse_EmptyArgument(t *testing.T) {
	n, err := Parse("=IF(A1,,B1)")
	require.NoError(t, err)
	require.Len(t, n.Children, 3)
	assert.Equal(t, KindEmpty, n.Children[1].Kind)
}

func TestParse_Precedence(t *testing.T) {
	n, err := Parse("=1+2*3")
	require.NoError(t, err)
	require.Equal(t, KindBinary, n.Kind)
	assert.Equal(t, "+", n.Op)
	assert.Equal(t, "1", n.Children[0].Value)
	assert.Equal(t, "*", n.Children[1].Op)

	n, err = Parse("=(1+2)*3")
	require.NoError(t, err)
	assert.Equal(t, "*", n.Op)
	assert.Equal(t, "+", n.Children[0].Op)
}

func TestParse_PrefixBindsTighterThanPower(t *testing.T) {
	n, err := Parse("=-2^2")
	require.NoError(t, err)
	require.Equal(t, KindBinary, n.Kind)
	assert.Equal(t, "^", n.Op)
	assert.Equal(t, KindUnary, n.Children[0].Kind)
}

func TestParse_Literals(t *testing.T) {
	n, err := Parse(`=CONCAT("a", TRUE, 1.50, #N/A)`)
	require.NoError(t, err)
	require.Len(t, n.Children, 4)
	assert.Equal(t, KindText, n.Children[0].Kind)
	assert.Equal(t, KindBool, n.Children[1].Kind)
	assert.Equal(t, KindNumber, n.Children[2].Kind)
	assert.Equal(t, "1.5", n.Children[2].Value)
	assert.Equal(t, KindError, n.Children[3].Kind)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("=")
	assert.ErrorIs(t, err, ErrEmpty)

	for _, bad := range []string{"=SUM(A1", "=A1+", "=A1)"} {
		t.Run(bad, func(t *testing.T) {
			_, err := Parse(bad)
			var syn *SyntaxError
			assert.ErrorAs(t, err, &syn)
		})
	}
}

func TestEqual_IgnoresSpacingAndCase(t *testing.T) {
	assert.True(t, Equal(MustParse("=A1+B1"), MustParse("= a1 + b1")))
	assert.True(t, Equal(MustParse("=(A1+B1)"), MustParse("=A1+B1")))
	assert.False(t, Equal(MustParse("=A1+B1"), MustParse("=B1+A1")))
}

func TestExtends(t *testing.T) {
	base := MustParse("=SUM(A1:A3)")
	ext := MustParse("=SUM(A1:A3)*2")

	assert.True(t, Extends(ext, base))
	assert.False(t, Extends(base, ext))
	assert.False(t, Extends(base, MustParse("=SUM(A1:A3)")), "equal trees are not extensions")
	assert.False(t, Extends(MustParse("=SUM(A1:A4)*2"), base))
}

func TestRefs(t *testing.T) {
	assert.Equal(t, []string{"A1", "B2:C3"}, Refs(MustParse("=A1+SUM(B2:C3)")))
}

func TestEvaluate(t *testing.T) {
	values := map[string]any{"A1": 2, "B1": 3, "A2": 4}
	lookup := func(a1 string) (any, bool) {
		v, ok := values[a1]
		return v, ok
	}

	got, err := Evaluate("=A1+B1", lookup)
	require.NoError(t, err)
	assert.Equal(t, "5", got)

	got, err = Evaluate("=SUM(A1:A2)", lookup)
	require.NoError(t, err)
	assert.Equal(t, "6", got)
}

func TestEvaluate_Unsupported(t *testing.T) {
	_, err := Evaluate("=SUM(A:A)", nil)
	assert.ErrorIs(t, err, ErrPreviewUnsupported)

	_, err = Evaluate("=Other!A1", nil)
	assert.ErrorIs(t, err, ErrPreviewUnsupported)

	_, err = Evaluate("=SUM(A1", nil)
	assert.Error(t, err)
}
