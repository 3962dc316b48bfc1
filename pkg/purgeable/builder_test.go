package purgeable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainRunsHeadToTail(t *testing.T) {
	t.Parallel()

	var c chain
	var order []int

	for i := 1; i <= 3; i++ {
		i := i
		c.append(func(buf []byte) error {
			order = append(order, i)

			return nil
		})
	}

	require.NoError(t, c.buildAll(make([]byte, 8)))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	var c chain
	var ran []int

	c.append(func(buf []byte) error {
		ran = append(ran, 0)

		return nil
	})
	c.append(func(buf []byte) error {
		ran = append(ran, 1)

		return errBoom
	})
	c.append(func(buf []byte) error {
		ran = append(ran, 2)

		return nil
	})

	err := c.buildAll(make([]byte, 8))
	require.Error(t, err)

	var buildErr ErrBuildFailed
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, 1, buildErr.Step)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, []int{0, 1}, ran, "steps after the failure must not run")
}

func TestEmptyChainBuildsNothing(t *testing.T) {
	t.Parallel()

	var c chain

	buf := make([]byte, 4)
	require.NoError(t, c.buildAll(buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestFillBytes(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 16)
	require.NoError(t, FillBytes(0xAB)(buf))

	for _, b := range buf {
		assert.Equal(t, byte(0xAB), b)
	}
}

func TestCopyFromSnapshotsSource(t *testing.T) {
	t.Parallel()

	src := []byte{1, 2, 3}
	fn := CopyFrom(src)

	// Mutating src after construction must not change what replays write.
	src[0] = 9

	buf := make([]byte, 4)
	require.NoError(t, fn(buf))
	assert.Equal(t, []byte{1, 2, 3, 0}, buf)

	assert.Error(t, fn(make([]byte, 2)), "a too-small buffer is rejected")
}

func TestWriteAtBounds(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 8)

	require.NoError(t, WriteAt(6, []byte{0xCD, 0xEF})(buf))
	assert.Equal(t, byte(0xCD), buf[6])
	assert.Equal(t, byte(0xEF), buf[7])

	assert.Error(t, WriteAt(7, []byte{1, 2})(buf))
	assert.Error(t, WriteAt(-1, []byte{1})(buf))
}
