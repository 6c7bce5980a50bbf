package kerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesSentinelByKind(t *testing.T) {
	err := New(NotFound, "fs", 42, "no such entry")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrIo))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk error")
	err := Wrap(Io, "block", 10, "read failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, ErrIo))
}

func TestWithOffsetClonesAndSetsOffset(t *testing.T) {
	orig := New(Corrupt, "codec", -1, "bad chunk")
	withOffset := WithOffset(orig, 99)

	var e *Error
	require.True(t, errors.As(withOffset, &e))
	assert.EqualValues(t, 99, e.Offset)
	assert.EqualValues(t, -1, orig.Offset, "original error must not be mutated")
}

func TestWithOffsetPassesThroughNonKerrError(t *testing.T) {
	plain := errors.New("not a kerr.Error")
	got := WithOffset(plain, 5)
	assert.Same(t, plain, got)
}

func TestErrorMessageFormatsOffset(t *testing.T) {
	withOffset := New(Format, "ntfs", 512, "bad signature")
	assert.Contains(t, withOffset.Error(), "offset 512")

	withoutOffset := New(Format, "ntfs", -1, "bad signature")
	assert.NotContains(t, withoutOffset.Error(), "offset")
}
