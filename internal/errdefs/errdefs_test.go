package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "skill %q not found", "x")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindTimeout))

	// Wrapping preserves the kind through fmt.Errorf chains.
	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))

	// Untyped errors default to RuntimeError.
	assert.Equal(t, KindRuntime, KindOf(errors.New("plain")))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageUnavailable, cause, "writing skill")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "StorageUnavailable")
	assert.Contains(t, err.Error(), "disk full")
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("Timeout"))
	assert.True(t, Known("RuntimeDepsDisabled"))
	assert.False(t, Known("SomethingElse"))
}
