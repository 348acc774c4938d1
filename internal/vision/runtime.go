package vision

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrRuntimeInit wraps every failure to bring up the vision runtime.
var ErrRuntimeInit = errors.New("vision runtime failed to initialize")

// Runtime is a loaded computer-vision runtime. Stats collects buffer accounting
// for every arena the runtime's owner creates.
type Runtime struct {
	GoCVVersion   string
	OpenCVVersion string
	Stats         *Stats
}

// Loader brings up a Runtime. Workers call it lazily, once per lifetime.
type Loader func(ctx context.Context) (*Runtime, error)

// Load verifies that the native OpenCV library is usable by pushing a small
// buffer through it.
func Load(ctx context.Context) (rt *Runtime, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt = nil
			err = fmt.Errorf("%w: %v", ErrRuntimeInit, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeInit, err)
	}

	stats := &Stats{}
	warmup := NewArena("warmup", stats)
	defer warmup.Close()

	buf := NewRawPixelBuffer(4, 4)
	mat, err := buf.ToMat(warmup)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeInit, err)
	}
	if mat.Channels() != 3 {
		return nil, fmt.Errorf("%w: warmup produced %d channels", ErrRuntimeInit, mat.Channels())
	}

	return &Runtime{
		GoCVVersion:   gocv.Version(),
		OpenCVVersion: gocv.OpenCVVersion(),
		Stats:         stats,
	}, nil
}

// LogMemoryUsage reports Go heap usage next to native buffer accounting.
func LogMemoryUsage(log logrus.FieldLogger, stats *Stats) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	log.WithFields(logrus.Fields{
		"alloc_mb":          float64(m.Alloc) / 1024 / 1024,
		"sys_mb":            float64(m.Sys) / 1024 / 1024,
		"num_gc":            m.NumGC,
		"buffers_allocated": stats.Allocated(),
		"buffers_released":  stats.Released(),
		"live_buffers":      stats.Live(),
	}).Debug("Memory usage")
}
