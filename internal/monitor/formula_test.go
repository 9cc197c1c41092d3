package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/cell"
)

// TestFormulaMonitor_RemoteExtensionAccepted tests that a remote formula
// extending ours wins silently.
func TestFormulaMonitor_RemoteExtensionAccepted(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)

	require.NoError(t, ma.SetLocalFormula(a1, "=SUM(A1:A2)"))
	require.NoError(t, mb.SetLocalFormula(a1, "=SUM(A1:A2)+1"))
	syncReplicas(a, b)
	syncReplicas(a, b)

	assert.Zero(t, countConflicts(ma, mb))
	assert.Equal(t, "=SUM(A1:A2)+1", a.field(a1, cell.FieldFormula))
	assert.Equal(t, "=SUM(A1:A2)+1", b.field(a1, cell.FieldFormula))
}

// TestFormulaMonitor_LocalExtensionReapplied tests that our extension is
// written again over a concurrent base formula that won the register.
func TestFormulaMonitor_LocalExtensionReapplied(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)

	require.NoError(t, ma.SetLocalFormula(a1, "=SUM(A1:A2)+1"))
	require.NoError(t, mb.SetLocalFormula(a1, "=SUM(A1:A2)"))
	syncReplicas(a, b)
	assert.Equal(t, "=SUM(A1:A2)+1", a.field(a1, cell.FieldFormula))

	syncReplicas(a, b)
	assert.Zero(t, countConflicts(ma, mb))
	assert.Equal(t, "=SUM(A1:A2)+1", a.field(a1, cell.FieldFormula))
	assert.Equal(t, "=SUM(A1:A2)+1", b.field(a1, cell.FieldFormula))
}

// TestFormulaMonitor_EquivalentFormulas tests that formulas differing only
// in case and spacing never conflict.
func TestFormulaMonitor_EquivalentFormulas(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)

	require.NoError(t, ma.SetLocalFormula(a1, "=sum(a1)"))
	require.NoError(t, mb.SetLocalFormula(a1, "= SUM( A1 )"))
	syncReplicas(a, b)

	assert.Zero(t, countConflicts(ma, mb))
}

// TestFormulaMonitor_UnrelatedFormulasConflict tests conflict emission with
// evaluated previews.
func TestFormulaMonitor_UnrelatedFormulasConflict(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)

	a.put(b1, map[string]any{cell.FieldValue: 5})
	syncReplicas(a, b)

	require.NoError(t, ma.SetLocalFormula(c1, "=B1*2"))
	require.NoError(t, mb.SetLocalFormula(c1, "=B1-1"))
	syncReplicas(a, b)

	assert.Equal(t, 1, countConflicts(ma, mb))
	require.Len(t, ma.ListConflicts(), 1)
	c := ma.ListConflicts()[0]
	assert.Equal(t, KindFormula, c.Kind())
	p, ok := c.Payload.(FormulaPayload)
	require.True(t, ok)
	assert.Equal(t, "=B1*2", p.Local)
	assert.Equal(t, "=B1-1", p.Remote)
	require.NotNil(t, p.LocalPreview)
	require.NotNil(t, p.RemotePreview)
	assert.Equal(t, "10", *p.LocalPreview)
	assert.Equal(t, "4", *p.RemotePreview)
}

// TestFormulaMonitor_PreviewFailureDoesNotBlock tests that an unevaluable
// formula still produces a conflict with a nil preview.
func TestFormulaMonitor_PreviewFailureDoesNotBlock(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)

	require.NoError(t, ma.SetLocalFormula(a1, "=Other!A1"))
	require.NoError(t, mb.SetLocalFormula(a1, "=7"))
	syncReplicas(a, b)

	require.Len(t, ma.ListConflicts(), 1)
	p := ma.ListConflicts()[0].Payload.(FormulaPayload)
	assert.Nil(t, p.LocalPreview)
	require.NotNil(t, p.RemotePreview)
	assert.Equal(t, "7", *p.RemotePreview)
}

// TestFormulaMonitor_ContentConflict tests formula-vs-value detection in
// formula+value mode, for both register winners.
func TestFormulaMonitor_ContentConflict(t *testing.T) {
	t.Run("remote value wins", func(t *testing.T) {
		a, b := newReplica(1, "alice"), newReplica(2, "bob")
		ma := a.formulaMonitor(t, WithMode(ModeFormulaValue))
		mb := b.formulaMonitor(t, WithMode(ModeFormulaValue))

		require.NoError(t, ma.SetLocalFormula(a1, "=1+1"))
		require.NoError(t, mb.SetLocalValue(a1, 5))
		syncReplicas(a, b)

		assert.Equal(t, 1, countConflicts(ma, mb))
		require.Len(t, ma.ListConflicts(), 1)
		assert.Equal(t, ContentPayload{
			Local:  ContentSide{Type: ContentFormula, Payload: "=1+1"},
			Remote: ContentSide{Type: ContentValue, Payload: 5},
		}, ma.ListConflicts()[0].Payload)
	})

	t.Run("remote formula wins", func(t *testing.T) {
		a, b := newReplica(1, "alice"), newReplica(2, "bob")
		ma := a.formulaMonitor(t, WithMode(ModeFormulaValue))
		mb := b.formulaMonitor(t, WithMode(ModeFormulaValue))

		require.NoError(t, ma.SetLocalValue(a1, 5))
		require.NoError(t, mb.SetLocalFormula(a1, "=1+1"))
		syncReplicas(a, b)

		require.Len(t, ma.ListConflicts(), 1)
		assert.Equal(t, ContentPayload{
			Local:  ContentSide{Type: ContentValue, Payload: 5},
			Remote: ContentSide{Type: ContentFormula, Payload: "=1+1"},
		}, ma.ListConflicts()[0].Payload)
		assert.Empty(t, mb.ListConflicts())
	})
}

// TestFormulaMonitor_FormulaModeIgnoresValues tests that formula mode only
// reports formula conflicts.
func TestFormulaMonitor_FormulaModeIgnoresValues(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)
	assert.Equal(t, ModeFormula, ma.Mode())

	require.NoError(t, ma.SetLocalFormula(a1, "=1+1"))
	require.NoError(t, mb.SetLocalValue(a1, 5))
	require.NoError(t, ma.SetLocalValue(b1, 1))
	require.NoError(t, mb.SetLocalValue(b1, 2))
	syncReplicas(a, b)

	assert.Zero(t, countConflicts(ma, mb))
}

// TestFormulaMonitor_ValueConflict tests value-vs-value detection in
// formula+value mode.
func TestFormulaMonitor_ValueConflict(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma := a.formulaMonitor(t, WithMode(ModeFormulaValue))
	mb := b.formulaMonitor(t, WithMode(ModeFormulaValue))

	require.NoError(t, ma.SetLocalValue(a1, 1))
	require.NoError(t, mb.SetLocalValue(a1, 2))
	syncReplicas(a, b)

	require.Len(t, ma.ListConflicts(), 1)
	assert.Equal(t, ValuePayload{Local: 1, Remote: 2}, ma.ListConflicts()[0].Payload)
}

// TestFormulaMonitor_SequentialNoConflict tests that a formula written after
// seeing ours is never a conflict.
func TestFormulaMonitor_SequentialNoConflict(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma := a.formulaMonitor(t, WithMode(ModeFormulaValue))
	mb := b.formulaMonitor(t, WithMode(ModeFormulaValue))

	require.NoError(t, ma.SetLocalFormula(a1, "=1+2"))
	syncReplicas(a, b)
	require.NoError(t, mb.SetLocalValue(a1, 9))
	syncReplicas(a, b)

	assert.Zero(t, countConflicts(ma, mb))
	assert.Equal(t, 9, a.field(a1, cell.FieldValue))
	assert.Nil(t, a.field(a1, cell.FieldFormula))
}

// TestFormulaMonitor_ResolveFormula tests resolving a formula conflict and
// that the resolution reaches the other replica without a new conflict.
func TestFormulaMonitor_ResolveFormula(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma, mb := a.formulaMonitor(t), b.formulaMonitor(t)

	require.NoError(t, ma.SetLocalFormula(a1, "=1+2"))
	require.NoError(t, mb.SetLocalFormula(a1, "=3*4"))
	syncReplicas(a, b)
	require.Len(t, ma.ListConflicts(), 1)

	assert.True(t, ma.ResolveConflict(ma.ListConflicts()[0].ID, "=1+2"))
	syncReplicas(a, b)

	assert.Zero(t, countConflicts(ma, mb))
	assert.Equal(t, "=1+2", b.field(a1, cell.FieldFormula))
}

// TestFormulaMonitor_ResolveContent tests resolving a content conflict with
// either side.
func TestFormulaMonitor_ResolveContent(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	ma := a.formulaMonitor(t, WithMode(ModeFormulaValue))
	mb := b.formulaMonitor(t, WithMode(ModeFormulaValue))

	require.NoError(t, ma.SetLocalFormula(a1, "=1+1"))
	require.NoError(t, mb.SetLocalValue(a1, 5))
	syncReplicas(a, b)
	require.Len(t, ma.ListConflicts(), 1)
	id := ma.ListConflicts()[0].ID

	assert.False(t, ma.ResolveConflict(id, "=1+1"))
	assert.Len(t, ma.ListConflicts(), 1)

	assert.True(t, ma.ResolveConflict(id, ContentSide{Type: ContentFormula, Payload: "=1+1"}))
	assert.Equal(t, "=1+1", a.field(a1, cell.FieldFormula))
	assert.Nil(t, a.field(a1, cell.FieldValue))
	assert.Empty(t, ma.ListConflicts())
}

// TestFormulaMonitor_RestartFallback tests reconstruction of a formula
// conflict without a remembered local write.
func TestFormulaMonitor_RestartFallback(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	before := a.formulaMonitor(t)
	mb := b.formulaMonitor(t)

	require.NoError(t, before.SetLocalFormula(a1, "=1+2"))
	before.Dispose()
	ma := a.formulaMonitor(t)

	require.NoError(t, mb.SetLocalFormula(a1, "=3*4"))
	syncReplicas(a, b)

	require.Len(t, ma.ListConflicts(), 1)
	p := ma.ListConflicts()[0].Payload.(FormulaPayload)
	assert.Equal(t, "=1+2", p.Local)
	assert.Equal(t, "=3*4", p.Remote)
}

// TestFormulaMonitor_RestartFallbackContent tests reconstruction of a
// cross-kind conflict without a remembered local write.
func TestFormulaMonitor_RestartFallbackContent(t *testing.T) {
	a, b := newReplica(1, "alice"), newReplica(2, "bob")
	before := a.formulaMonitor(t, WithMode(ModeFormulaValue))
	mb := b.formulaMonitor(t, WithMode(ModeFormulaValue))

	require.NoError(t, before.SetLocalValue(a1, "text"))
	before.Dispose()
	ma := a.formulaMonitor(t, WithMode(ModeFormulaValue))

	require.NoError(t, mb.SetLocalFormula(a1, "=NOW()"))
	syncReplicas(a, b)

	require.Len(t, ma.ListConflicts(), 1)
	assert.Equal(t, KindContent, ma.ListConflicts()[0].Kind())
}

// TestFormulaMonitor_UnsafeWrite tests that formulas never replace
// ciphertext.
func TestFormulaMonitor_UnsafeWrite(t *testing.T) {
	a := newReplica(1, "alice")
	ma := a.formulaMonitor(t)
	a.put(a1, map[string]any{cell.FieldEnc: map[string]any{"iv": "x", "ct": "y"}})

	err := ma.SetLocalFormula(a1, "=1")
	assert.True(t, IsUnsafeWrite(err))
	err = ma.SetLocalValue(a1, 1)
	assert.True(t, IsUnsafeWrite(err))
	_, ok := a.doc.Cells().Field(a1, cell.FieldFormula)
	assert.False(t, ok)
}

// TestRelateFormulas tests the auto-merge decision table.
func TestRelateFormulas(t *testing.T) {
	tests := []struct {
		name          string
		local, remote string
		want          formulaRelation
	}{
		{"same text", "=A1+1", "=A1+1", formulaEqual},
		{"normalized text", "=a1 + 1", "A1 + 1", formulaEqual},
		{"same tree", "=A1+1", "=A1 +1", formulaEqual},
		{"local extends", "=SUM(A1:A2)+1", "=SUM(A1:A2)", formulaLocalExtends},
		{"remote extends", "=A1", "=ROUND(A1,2)", formulaRemoteExtends},
		{"substring fallback", "=A1+((", "=A1+", formulaLocalExtends},
		{"unrelated", "=A1*2", "=B1*2", formulaUnrelated},
		{"empty side", "", "=A1", formulaUnrelated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relateFormulas(tt.local, tt.remote))
		})
	}
}
