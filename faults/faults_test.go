package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = New(CodeMissingRepresentation, CategoryCapture, "representation not captured")

func TestIsMatchesByCode(t *testing.T) {
	err := errSentinel.With("layer", "ffn.2")

	assert.True(t, errors.Is(err, errSentinel))
	assert.False(t, errors.Is(err, New(CodeShapeMismatch, CategoryMetric, "x")))
}

func TestWithDoesNotMutateSentinel(t *testing.T) {
	_ = errSentinel.With("layer", "ffn.0")
	assert.Empty(t, errSentinel.Context)
}

func TestErrorString(t *testing.T) {
	err := errSentinel.With("layer", "ffn.0").With("kind", "forward").Wrap(fmt.Errorf("boom"))
	assert.Equal(t, "MISSING_REPRESENTATION: representation not captured (kind=forward, layer=ffn.0): boom", err.Error())
}

func TestCodeOfThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", errSentinel)

	assert.Equal(t, CodeMissingRepresentation, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.True(t, HasCode(wrapped, CodeMissingRepresentation))
	assert.False(t, HasCode(nil, CodeMissingRepresentation))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New(CodeArtifactCorrupt, CategoryStorage, "write failed").Wrap(cause)

	assert.ErrorIs(t, err, cause)
}
