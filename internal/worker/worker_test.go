package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"loopcam/internal/stages"
	"loopcam/internal/vision"
)

// countingLoader loads the real runtime and exposes it so tests can inspect
// buffer accounting after a job.
type countingLoader struct {
	calls atomic.Int32
	rt    *vision.Runtime
}

func (l *countingLoader) Load(ctx context.Context) (*vision.Runtime, error) {
	l.calls.Add(1)
	rt, err := vision.Load(ctx)
	if err != nil {
		return nil, err
	}
	l.rt = rt
	return rt, nil
}

func pattern(w, h, shift int) vision.RawPixelBuffer {
	buf := vision.NewRawPixelBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * vision.Channels
			v := byte(((x+shift)/6 + y/6) % 2 * 200)
			buf.Data[off] = v
			buf.Data[off+1] = byte((x + shift) * 3)
			buf.Data[off+2] = byte(y * 4)
			buf.Data[off+3] = 255
		}
	}
	return buf
}

func burst(n int) []vision.RawPixelBuffer {
	images := make([]vision.RawPixelBuffer, n)
	for i := range images {
		images[i] = pattern(64, 48, i*2)
	}
	return images
}

func request(images []vision.RawPixelBuffer, c stages.Choices) Request {
	return Request{
		JobID:             uuid.New(),
		Action:            ActionProcessImages,
		Images:            images,
		ProcessingChoices: c,
	}
}

func collect(t *testing.T, ch <-chan Message) ([]float64, Message) {
	t.Helper()
	var progress []float64
	timeout := time.After(30 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "channel closed before terminal message")
			if msg.Terminal() {
				_, open := <-ch
				assert.False(t, open, "channel not closed after terminal message")
				return progress, msg
			}
			require.Equal(t, ActionProgress, msg.Action)
			progress = append(progress, msg.Progress)
		case <-timeout:
			t.Fatal("no terminal message")
		}
	}
}

func startWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	w := New(opts)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerProcessesBurst(t *testing.T) {
	loader := &countingLoader{}
	w := startWorker(t, Options{Loader: loader.Load})
	assert.Equal(t, StateUninitialized, w.State())

	images := burst(3)
	req := request(images, stages.Choices{stages.NameAlign: true, stages.NameEnhance: true, stages.NameVignette: true})
	ch, err := w.Submit(context.Background(), req)
	require.NoError(t, err)

	progress, msg := collect(t, ch)
	require.Equal(t, ActionComplete, msg.Action, msg.Error)
	assert.Equal(t, req.JobID, msg.JobID)

	require.Len(t, progress, 3)
	assert.InDelta(t, 33.3, progress[0], 0.1)
	assert.InDelta(t, 66.7, progress[1], 0.1)
	assert.Equal(t, 100.0, progress[2])

	require.Len(t, msg.ProcessedImages, 3)
	for i, out := range msg.ProcessedImages {
		assert.Equal(t, images[i].Width, out.Width)
		assert.Equal(t, images[i].Height, out.Height)
		assert.NoError(t, out.Validate())
	}
	require.Len(t, msg.FrameStats, 3)
	assert.Equal(t, "no previous frame", msg.FrameStats[0].Stages[0].Skipped)

	assert.Equal(t, StateReady, w.State())
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Zero(t, loader.rt.Stats.Live())
	assert.Positive(t, loader.rt.Stats.Allocated())
}

func TestWorkerLoadsRuntimeOnce(t *testing.T) {
	loader := &countingLoader{}
	w := startWorker(t, Options{Loader: loader.Load})

	for i := 0; i < 2; i++ {
		ch, err := w.Submit(context.Background(), request(burst(1), stages.Choices{stages.NameSharpen: true}))
		require.NoError(t, err)
		_, msg := collect(t, ch)
		require.Equal(t, ActionComplete, msg.Action, msg.Error)
	}
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestWorkerSingleFrameSkipsTemporalStages(t *testing.T) {
	w := startWorker(t, Options{})

	c := stages.Choices{stages.NameAlign: true, stages.NameBlend: true, stages.NameStabilize: true, stages.NameColorGrade: true}
	ch, err := w.Submit(context.Background(), request(burst(1), c))
	require.NoError(t, err)

	progress, msg := collect(t, ch)
	require.Equal(t, ActionComplete, msg.Action, msg.Error)
	assert.Equal(t, []float64{100}, progress)
	require.Len(t, msg.ProcessedImages, 1)

	skipped := map[string]string{}
	for _, st := range msg.FrameStats[0].Stages {
		skipped[st.Stage] = st.Skipped
	}
	assert.Equal(t, "no previous frame", skipped[stages.NameAlign])
	assert.Equal(t, "no previous frame", skipped[stages.NameBlend])
	assert.Equal(t, "no previous frame", skipped[stages.NameStabilize])
	assert.Empty(t, skipped[stages.NameColorCorrect])
}

func TestWorkerDegenerateStagePassesThrough(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := stages.NewRegistry()
	require.NoError(t, r.Register(stages.Stage{Name: "flaky", Apply: func(f *stages.Frame) (gocv.Mat, error) {
		return gocv.Mat{}, &stages.DegenerateError{Stage: "flaky", Reason: "nothing to match"}
	}}))
	w := startWorker(t, Options{Registry: r, Logger: logger})

	images := burst(2)
	ch, err := w.Submit(context.Background(), request(images, stages.Choices{"flaky": true}))
	require.NoError(t, err)

	_, msg := collect(t, ch)
	require.Equal(t, ActionComplete, msg.Action, msg.Error)
	assert.Equal(t, images[1].Data, msg.ProcessedImages[1].Data)
	assert.Contains(t, msg.FrameStats[1].Stages[0].Skipped, "nothing to match")

	var infos int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel && e.Data["stage"] == "flaky" {
			infos++
		}
	}
	assert.Equal(t, 2, infos)
}

func TestWorkerFaultedRuntime(t *testing.T) {
	var calls atomic.Int32
	failing := func(ctx context.Context) (*vision.Runtime, error) {
		calls.Add(1)
		return nil, errors.New("opencv missing")
	}
	w := startWorker(t, Options{Loader: failing})

	ch, err := w.Submit(context.Background(), request(burst(1), stages.DefaultChoices()))
	require.NoError(t, err)
	_, msg := collect(t, ch)
	assert.Equal(t, ActionError, msg.Action)
	assert.Equal(t, CodeRuntimeUnavailable, msg.Code)
	assert.Contains(t, msg.Error, "opencv missing")
	assert.Equal(t, StateFaulted, w.State())

	_, err = w.Submit(context.Background(), request(burst(1), stages.DefaultChoices()))
	assert.ErrorIs(t, err, ErrFaulted)
	assert.Equal(t, int32(1), calls.Load())
	assert.EqualError(t, w.Err(), "opencv missing")
}

func TestWorkerInvalidRequests(t *testing.T) {
	loader := &countingLoader{}
	w := startWorker(t, Options{Loader: loader.Load})

	ch, err := w.Submit(context.Background(), request(nil, stages.DefaultChoices()))
	require.NoError(t, err)
	_, msg := collect(t, ch)
	assert.Equal(t, CodeInvalidRequest, msg.Code)
	assert.Contains(t, msg.Error, "no images")

	req := request(burst(1), nil)
	req.Action = "resize"
	ch, err = w.Submit(context.Background(), req)
	require.NoError(t, err)
	_, msg = collect(t, ch)
	assert.Equal(t, CodeInvalidRequest, msg.Code)
	assert.Contains(t, msg.Error, "unknown action")

	bad := request([]vision.RawPixelBuffer{{Width: 2, Height: 2, Data: []byte{1}}}, nil)
	ch, err = w.Submit(context.Background(), bad)
	require.NoError(t, err)
	_, msg = collect(t, ch)
	assert.Equal(t, CodeInvalidRequest, msg.Code)

	// invalid requests never reach the runtime
	assert.Zero(t, loader.calls.Load())
}

func blockingRegistry(t *testing.T, entered chan<- struct{}, release <-chan struct{}) *stages.Registry {
	t.Helper()
	r := stages.NewRegistry()
	require.NoError(t, r.Register(stages.Stage{Name: "slow", Apply: func(f *stages.Frame) (gocv.Mat, error) {
		entered <- struct{}{}
		<-release
		return f.Arena.Clone(f.Image), nil
	}}))
	require.NoError(t, r.Register(stages.Stage{Name: stages.NameSharpen, Apply: stages.Sharpen}))
	return r
}

func TestWorkerRejectsSecondJob(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	w := startWorker(t, Options{Registry: blockingRegistry(t, entered, release)})

	ch, err := w.Submit(context.Background(), request(burst(1), stages.Choices{"slow": true}))
	require.NoError(t, err)
	<-entered
	assert.Equal(t, StateProcessing, w.State())

	_, err = w.Submit(context.Background(), request(burst(1), stages.Choices{"slow": true}))
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	_, msg := collect(t, ch)
	assert.Equal(t, ActionComplete, msg.Action, msg.Error)

	// terminal message means the worker accepts work again
	ch, err = w.Submit(context.Background(), request(burst(1), stages.Choices{stages.NameSharpen: true}))
	require.NoError(t, err)
	_, msg = collect(t, ch)
	assert.Equal(t, ActionComplete, msg.Action, msg.Error)
}

func TestWorkerCancellationReleasesBuffers(t *testing.T) {
	loader := &countingLoader{}
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	w := startWorker(t, Options{Loader: loader.Load, Registry: blockingRegistry(t, entered, release)})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := w.Submit(ctx, request(burst(3), stages.Choices{"slow": true, stages.NameSharpen: true}))
	require.NoError(t, err)

	<-entered
	cancel()
	close(release)

	progress, msg := collect(t, ch)
	assert.Empty(t, progress)
	assert.Equal(t, ActionError, msg.Action)
	assert.Equal(t, CodeCancelled, msg.Code)
	assert.Empty(t, msg.ProcessedImages)
	assert.Zero(t, loader.rt.Stats.Live())
	assert.Equal(t, StateReady, w.State())
}

func TestWorkerStageFailureAbortsJob(t *testing.T) {
	loader := &countingLoader{}
	r := stages.NewRegistry()
	require.NoError(t, r.Register(stages.Stage{Name: stages.NameSharpen, Apply: stages.Sharpen}))
	require.NoError(t, r.Register(stages.Stage{Name: "broken", Apply: func(f *stages.Frame) (gocv.Mat, error) {
		if f.Index == 1 {
			f.Arena.NewMat()
			return gocv.Mat{}, errors.New("kernel exploded")
		}
		return f.Image, nil
	}}))
	w := startWorker(t, Options{Loader: loader.Load, Registry: r})

	ch, err := w.Submit(context.Background(), request(burst(3), stages.Choices{stages.NameSharpen: true, "broken": true}))
	require.NoError(t, err)

	progress, msg := collect(t, ch)
	assert.Equal(t, []float64{100.0 / 3}, progress)
	assert.Equal(t, ActionError, msg.Action)
	assert.Equal(t, CodeStageFailed, msg.Code)
	assert.Contains(t, msg.Error, "stage broken failed on frame 1")
	assert.Contains(t, msg.Stack, "worker.go")
	assert.Nil(t, msg.ProcessedImages)
	assert.Zero(t, loader.rt.Stats.Live())
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	loader := &countingLoader{}
	r := stages.NewRegistry()
	require.NoError(t, r.Register(stages.Stage{Name: "panicky", Apply: func(f *stages.Frame) (gocv.Mat, error) {
		panic("index out of range")
	}}))
	w := startWorker(t, Options{Loader: loader.Load, Registry: r})

	ch, err := w.Submit(context.Background(), request(burst(2), stages.Choices{"panicky": true}))
	require.NoError(t, err)

	_, msg := collect(t, ch)
	assert.Equal(t, CodeStageFailed, msg.Code)
	assert.Contains(t, msg.Error, "index out of range")
	assert.NotEmpty(t, msg.Stack)
	assert.Zero(t, loader.rt.Stats.Live())
	assert.Equal(t, StateReady, w.State())
}

func TestWorkerStageReturningPreviousFrame(t *testing.T) {
	loader := &countingLoader{}
	r := stages.NewRegistry()
	require.NoError(t, r.Register(stages.Stage{Name: "hold", Temporal: true, Apply: func(f *stages.Frame) (gocv.Mat, error) {
		return f.Previous, nil
	}}))
	w := startWorker(t, Options{Loader: loader.Load, Registry: r})

	ch, err := w.Submit(context.Background(), request(burst(3), stages.Choices{"hold": true}))
	require.NoError(t, err)

	progress, msg := collect(t, ch)
	require.Equal(t, ActionComplete, msg.Action, msg.Error)
	assert.Len(t, progress, 3)
	require.Len(t, msg.ProcessedImages, 3)
	assert.Equal(t, msg.ProcessedImages[0].Data, msg.ProcessedImages[1].Data)
	assert.Equal(t, msg.ProcessedImages[0].Data, msg.ProcessedImages[2].Data)
	assert.Zero(t, loader.rt.Stats.Live())
	assert.Equal(t, loader.rt.Stats.Allocated(), loader.rt.Stats.Released())
}

func TestWorkerStageReturningZeroMat(t *testing.T) {
	loader := &countingLoader{}
	r := stages.NewRegistry()
	require.NoError(t, r.Register(stages.Stage{Name: "hollow", Apply: func(f *stages.Frame) (gocv.Mat, error) {
		return gocv.Mat{}, nil
	}}))
	w := startWorker(t, Options{Loader: loader.Load, Registry: r})

	ch, err := w.Submit(context.Background(), request(burst(2), stages.Choices{"hollow": true}))
	require.NoError(t, err)

	_, msg := collect(t, ch)
	assert.Equal(t, ActionError, msg.Action)
	assert.Equal(t, CodeStageFailed, msg.Code)
	assert.Contains(t, msg.Error, "stage hollow returned no image on frame 0")
	assert.Zero(t, loader.rt.Stats.Live())
	assert.Equal(t, StateReady, w.State())
}

func TestWorkerMetrics(t *testing.T) {
	w := startWorker(t, Options{Metrics: true})

	ch, err := w.Submit(context.Background(), request(burst(1), stages.Choices{stages.NameSharpen: true}))
	require.NoError(t, err)

	_, msg := collect(t, ch)
	require.Equal(t, ActionComplete, msg.Action, msg.Error)
	m := msg.FrameStats[0].Metrics
	assert.Contains(t, m, "psnr")
	assert.Greater(t, m["sharpness"], 1.0)
	assert.Greater(t, m["mse"], 0.0)
	assert.Contains(t, m, "ssim")
	assert.LessOrEqual(t, m["ssim"], 1.0)
}

func TestWorkerStopped(t *testing.T) {
	w := New(Options{})
	_, err := w.Submit(context.Background(), request(burst(1), nil))
	assert.ErrorIs(t, err, ErrStopped)

	w.Start(context.Background())
	w.Stop()
	w.Stop()
	_, err = w.Submit(context.Background(), request(burst(1), nil))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitCopiesImages(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	w := startWorker(t, Options{Registry: blockingRegistry(t, entered, release)})

	images := burst(1)
	want := append([]byte(nil), images[0].Data...)
	ch, err := w.Submit(context.Background(), request(images, stages.Choices{"slow": true}))
	require.NoError(t, err)

	<-entered
	for i := range images[0].Data {
		images[0].Data[i] = 0
	}
	close(release)

	_, msg := collect(t, ch)
	require.Equal(t, ActionComplete, msg.Action, msg.Error)
	assert.Equal(t, want, msg.ProcessedImages[0].Data)
}
