package vision

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]Frame{{URL: "a"}, {URL: "b"}})
	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", f.URL)
	assert.Equal(t, 1, src.Remaining())

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", f.URL)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSliceSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSliceSource([]Frame{{URL: "a"}}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFaceEAR(t *testing.T) {
	assert.InDelta(t, 0.25, Face{LeftEAR: 0.2, RightEAR: 0.3}.EAR(), 1e-9)
}
