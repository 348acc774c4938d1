package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func gradient(w, h int) RawPixelBuffer {
	buf := NewRawPixelBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * Channels
			buf.Data[off] = byte(x * 255 / w)
			buf.Data[off+1] = byte(y * 255 / h)
			buf.Data[off+2] = byte((x + y) % 256)
			buf.Data[off+3] = 255
		}
	}
	return buf
}

func TestArenaReleaseOnce(t *testing.T) {
	stats := &Stats{}
	a := NewArena("job", stats)

	m := a.NewMat()
	n := a.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	assert.Equal(t, 2, a.Live())
	assert.True(t, a.Owns(m))

	require.NoError(t, a.Release(m))
	assert.False(t, a.Owns(m))
	assert.ErrorIs(t, a.Release(m), ErrReleased)
	assert.Equal(t, int64(1), stats.Live())

	clone := a.Clone(n)
	assert.Equal(t, 4, clone.Rows())

	a.Close()
	a.Close()
	assert.Zero(t, a.Live())
	assert.Equal(t, int64(3), stats.Allocated())
	assert.Equal(t, int64(3), stats.Released())
}

func TestArenaMoveTo(t *testing.T) {
	stats := &Stats{}
	frame := NewArena("frame", stats)
	job := NewArena("job", stats)

	m := frame.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	require.NoError(t, frame.MoveTo(m, job))
	assert.False(t, frame.Owns(m))
	assert.True(t, job.Owns(m))

	frame.Close()
	assert.Equal(t, int64(1), stats.Live())
	assert.False(t, m.Empty())

	job.Close()
	assert.Zero(t, stats.Live())
	assert.ErrorIs(t, frame.MoveTo(m, job), ErrReleased)
}

func TestArenaTrackAfterClosePanics(t *testing.T) {
	a := NewArena("closed", nil)
	a.Close()
	assert.Panics(t, func() { a.NewMat() })
}

func TestArenaTrackOwnership(t *testing.T) {
	stats := &Stats{}
	job := NewArena("job", stats)
	frame := NewArena("frame", stats)

	m := job.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	assert.Same(t, job, mustOwner(t, m))
	assert.True(t, frame.OwnedElsewhere(m))
	assert.False(t, job.OwnedElsewhere(m))

	assert.Panics(t, func() { frame.Track(m) })
	again := job.Track(m)
	assert.True(t, again.Ptr() == m.Ptr())
	assert.Equal(t, 1, job.Live())
	assert.Zero(t, frame.Live())
	assert.Panics(t, func() { frame.Track(gocv.Mat{}) })

	require.NoError(t, job.MoveTo(m, frame))
	assert.False(t, frame.OwnedElsewhere(m))
	assert.True(t, job.OwnedElsewhere(m))

	frame.Close()
	job.Close()
	assert.False(t, job.OwnedElsewhere(m))
	assert.Zero(t, stats.Live())
	assert.Equal(t, int64(1), stats.Released())
}

func mustOwner(t *testing.T, m gocv.Mat) *Arena {
	t.Helper()
	owner, ok := owners.Load(m.Ptr())
	require.True(t, ok)
	return owner.(*Arena)
}

func TestStatsNilSafe(t *testing.T) {
	var s *Stats
	assert.Zero(t, s.Allocated())
	assert.Zero(t, s.Live())
}

func TestBufferRoundTrip(t *testing.T) {
	stats := &Stats{}
	a := NewArena("roundtrip", stats)

	in := gradient(37, 21)
	m, err := in.ToMat(a)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Channels())
	assert.Equal(t, 21, m.Rows())
	assert.Equal(t, 37, m.Cols())

	out, err := FromMat(a, m)
	require.NoError(t, err)
	assert.Equal(t, in.Width, out.Width)
	assert.Equal(t, in.Height, out.Height)
	assert.Equal(t, in.Data, out.Data)

	a.Close()
	assert.Zero(t, stats.Live())
}

func TestFromMatGray(t *testing.T) {
	a := NewArena("gray", nil)
	defer a.Close()

	m := a.NewMatWithSize(3, 5, gocv.MatTypeCV8U)
	m.SetTo(gocv.NewScalar(77, 0, 0, 0))

	out, err := FromMat(a, m)
	require.NoError(t, err)
	assert.Len(t, out.Data, 3*5*Channels)
	assert.Equal(t, []byte{77, 77, 77, 255}, out.Data[:4])
}

func TestBufferValidate(t *testing.T) {
	tests := []struct {
		name string
		buf  RawPixelBuffer
		ok   bool
	}{
		{"valid", NewRawPixelBuffer(2, 2), true},
		{"zero width", RawPixelBuffer{Width: 0, Height: 2}, false},
		{"short data", RawPixelBuffer{Width: 2, Height: 2, Data: make([]byte, 15)}, false},
		{"too large", RawPixelBuffer{Width: MaxDimension + 1, Height: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.buf.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBufferCloneIsDeep(t *testing.T) {
	b := NewRawPixelBuffer(1, 1)
	c := b.Clone()
	c.Data[0] = 9
	assert.Zero(t, b.Data[0])
}

func TestValidateMatEmpty(t *testing.T) {
	m := gocv.NewMat()
	defer m.Close()
	assert.Error(t, ValidateMat(m))
}

func TestLoad(t *testing.T) {
	rt, err := Load(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rt.OpenCVVersion)
	assert.Zero(t, rt.Stats.Live())
	assert.Positive(t, rt.Stats.Allocated(), "warmup buffers are counted")
	assert.Equal(t, rt.Stats.Allocated(), rt.Stats.Released())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Load(ctx)
	assert.True(t, errors.Is(err, ErrRuntimeInit))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLogMemoryUsage(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	LogMemoryUsage(logger, &Stats{})
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, int64(0), hook.LastEntry().Data["live_buffers"])
}
