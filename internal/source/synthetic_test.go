package source

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticDeterministic(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Frames = 50
	cfg.DropRate = 0.2

	a, errA := readAll(t, NewSynthetic(cfg))
	b, errB := readAll(t, NewSynthetic(cfg))
	assert.ErrorIs(t, errA, io.EOF)
	assert.ErrorIs(t, errB, io.EOF)
	require.Len(t, a, 50)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed produced different frames (-a +b):\n%s", diff)
	}

	cfg.Seed = 2
	c, _ := readAll(t, NewSynthetic(cfg))
	assert.NotEqual(t, a[0].Centroids, c[0].Centroids)
}

func TestSyntheticStaysInFrame(t *testing.T) {
	cfg := SyntheticConfig{Width: 200, Height: 100, FPS: 10, Objects: 6, Frames: 500, SpeedPx: 9, Seed: 4}
	src := NewSynthetic(cfg)
	assert.Equal(t, StreamInfo{Width: 200, Height: 100, FPS: 10}, src.Info())

	for i := 0; i < cfg.Frames; i++ {
		f, err := src.Next(context.Background())
		require.NoError(t, err)
		require.Len(t, f.Centroids, cfg.Objects, "no drops configured")
		for _, p := range src.Truth() {
			require.GreaterOrEqual(t, p.X, 0.0)
			require.LessOrEqual(t, p.X, 200.0)
			require.GreaterOrEqual(t, p.Y, 0.0)
			require.LessOrEqual(t, p.Y, 100.0)
		}
	}
	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyntheticTimestamps(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := NewSynthetic(SyntheticConfig{FPS: 20, Objects: 1, Frames: 3, Start: start})

	frames, _ := readAll(t, src)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Index)
		assert.True(t, f.Timestamp.Equal(start.Add(time.Duration(i)*50*time.Millisecond)))
	}
	assert.NoError(t, src.Close())
}

func TestBounce(t *testing.T) {
	p, v := bounce(-3, -5, 100)
	assert.Equal(t, 3.0, p)
	assert.Equal(t, 5.0, v)

	p, v = bounce(104, 5, 100)
	assert.Equal(t, 96.0, p)
	assert.Equal(t, -5.0, v)

	p, v = bounce(50, 5, 100)
	assert.Equal(t, 50.0, p)
	assert.Equal(t, 5.0, v)
}
