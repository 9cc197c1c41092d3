package monitor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestError_Format tests the rendered message with and without a cell.
func TestError_Format(t *testing.T) {
	assert.Equal(t, "UNSAFE_WRITE: refusing to overwrite encrypted content with plaintext (cell=s1:0:0)",
		NewUnsafeWriteError("s1:0:0").Error())
	assert.Equal(t, "DISPOSED: monitor is disposed", errDisposed().Error())
}

// TestError_Helpers tests code checks through wrapping.
func TestError_Helpers(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", NewUnsafeWriteError("k"))
	assert.True(t, IsUnsafeWrite(wrapped))
	assert.False(t, IsDisposed(wrapped))
	assert.True(t, IsUnknownConflict(NewUnknownConflictError("c-1")))
	assert.False(t, IsUnsafeWrite(errors.New("plain")))
	assert.False(t, IsUnsafeWrite(nil))
}

// TestRegistry_Order tests detection-order listing and removal.
func TestRegistry_Order(t *testing.T) {
	r := newRegistry()
	r.add(Conflict{ID: "b"})
	r.add(Conflict{ID: "a"})
	r.add(Conflict{ID: "c"})
	r.add(Conflict{ID: "a", Cell: "updated"})

	assert.Equal(t, 3, r.len())
	assert.True(t, r.remove("b"))
	assert.False(t, r.remove("b"))

	list := r.list()
	assert.Equal(t, []string{"a", "c"}, []string{list[0].ID, list[1].ID})
	assert.Equal(t, "updated", list[0].Cell)

	r.clear()
	assert.Empty(t, r.list())
}
