// Pipeline worker: owns the vision runtime and runs one burst at a time
package worker

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"loopcam/internal/metrics"
	"loopcam/internal/stages"
	"loopcam/internal/vision"
)

var (
	ErrFaulted   = errors.New("vision runtime unavailable")
	ErrCancelled = errors.New("job cancelled")
	ErrBusy      = errors.New("a job is already in progress")
	ErrStopped   = errors.New("worker is not running")
)

type State int

const (
	StateUninitialized State = iota
	StateRuntimeLoading
	StateReady
	StateProcessing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRuntimeLoading:
		return "runtime_loading"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Worker. Zero values select the defaults.
type Options struct {
	Loader   vision.Loader
	Registry *stages.Registry
	Logger   logrus.FieldLogger

	// Metrics enables per-frame quality metrics in FrameStats.
	Metrics bool
}

type job struct {
	ctx context.Context
	req Request
	out chan Message
}

// Worker processes jobs sequentially on its own goroutine. The runtime is
// loaded lazily by the first job; if loading fails the worker is faulted for
// the rest of its lifetime.
type Worker struct {
	loader    vision.Loader
	registry  *stages.Registry
	log       logrus.FieldLogger
	evaluator *metrics.Evaluator

	mu      sync.Mutex
	state   State
	busy    bool
	running bool
	loadErr error
	rt      *vision.Runtime

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	done   chan struct{}
}

func New(opts Options) *Worker {
	w := &Worker{
		loader:   opts.Loader,
		registry: opts.Registry,
		log:      opts.Logger,
	}
	if w.loader == nil {
		w.loader = vision.Load
	}
	if w.registry == nil {
		w.registry = stages.Default()
	}
	if w.log == nil {
		l := logrus.New()
		l.Out = io.Discard
		w.log = l
	}
	if opts.Metrics {
		w.evaluator = metrics.NewEvaluator()
	}
	return w
}

// Start launches the worker goroutine. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.jobs = make(chan job)
	w.done = make(chan struct{})
	w.running = true
	go w.run(w.ctx, w.jobs, w.done)

	w.log.Debug("WORKER: Started")
}

// Stop cancels any running job and waits for the goroutine to exit. The loaded
// runtime is dropped; a restarted worker loads it again.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	w.rt = nil
	if w.state != StateFaulted {
		w.state = StateUninitialized
	}
	w.mu.Unlock()

	w.log.Debug("WORKER: Stopped")
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the runtime load failure of a faulted worker.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadErr
}

// Submit hands a request to the worker. The returned channel receives zero or
// more progress messages and exactly one terminal message, then is closed.
// ctx scopes the job: cancelling it aborts processing between frames or stages.
func (w *Worker) Submit(ctx context.Context, req Request) (<-chan Message, error) {
	w.mu.Lock()
	switch {
	case !w.running:
		w.mu.Unlock()
		return nil, ErrStopped
	case w.state == StateFaulted:
		err := w.loadErr
		w.mu.Unlock()
		return nil, errors.Wrap(ErrFaulted, err.Error())
	case w.busy:
		w.mu.Unlock()
		return nil, ErrBusy
	}
	w.busy = true
	lifetime, jobs := w.ctx, w.jobs
	w.mu.Unlock()

	if req.JobID == uuid.Nil {
		req.JobID = uuid.New()
	}
	req.Images = copyImages(req.Images)
	req.ProcessingChoices = req.ProcessingChoices.Clone()

	j := job{ctx: ctx, req: req, out: make(chan Message, len(req.Images)+2)}
	select {
	case jobs <- j:
		return j.out, nil
	case <-ctx.Done():
		w.setIdle()
		return nil, ctx.Err()
	case <-lifetime.Done():
		w.setIdle()
		return nil, ErrStopped
	}
}

func (w *Worker) run(ctx context.Context, jobs <-chan job, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			w.handle(ctx, j)
		}
	}
}

func (w *Worker) handle(lifetime context.Context, j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	log := w.log.WithField("job_id", j.req.JobID)
	start := time.Now()

	msg := w.execute(ctx, log, j.req, j.out)
	msg.JobID = j.req.JobID

	entry := log.WithField("duration_ms", time.Since(start).Milliseconds())
	if msg.Action == ActionError {
		entry.WithField("code", msg.Code).Errorf("WORKER: Job failed: %s", msg.Error)
	} else {
		entry.Info("WORKER: Job completed")
	}

	// the caller may submit again as soon as it sees the terminal message
	w.setIdle()
	j.out <- msg
	close(j.out)
}

func (w *Worker) execute(ctx context.Context, log logrus.FieldLogger, req Request, out chan<- Message) (msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("WORKER: Recovered from panic")
			msg = Message{
				Action: ActionError,
				Error:  fmt.Sprintf("panic during processing: %v", r),
				Stack:  string(debug.Stack()),
				Code:   CodeStageFailed,
			}
		}
	}()

	if err := validateRequest(req); err != nil {
		return errorMessage(CodeInvalidRequest, err)
	}

	rt, err := w.ensureRuntime(ctx, log)
	if err != nil {
		if ctx.Err() != nil {
			return errorMessage(CodeCancelled, cancelled(ctx))
		}
		return errorMessage(CodeRuntimeUnavailable, err)
	}

	w.setState(StateProcessing)
	images, frameStats, err := w.processImages(ctx, log, rt, req, out)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return errorMessage(CodeCancelled, err)
		}
		return errorMessage(CodeStageFailed, err)
	}

	return Message{
		Action:          ActionComplete,
		ProcessedImages: images,
		FrameStats:      frameStats,
	}
}

func validateRequest(req Request) error {
	if req.Action != ActionProcessImages {
		return errors.Errorf("unknown action: %s", req.Action)
	}
	if len(req.Images) == 0 {
		return errors.New("no images received")
	}
	for i, img := range req.Images {
		if err := img.Validate(); err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
	}
	return nil
}

func (w *Worker) ensureRuntime(ctx context.Context, log logrus.FieldLogger) (*vision.Runtime, error) {
	w.mu.Lock()
	if w.rt != nil {
		rt := w.rt
		w.mu.Unlock()
		return rt, nil
	}
	w.state = StateRuntimeLoading
	w.mu.Unlock()

	log.Info("WORKER: Loading vision runtime")
	start := time.Now()
	rt, err := w.loader(ctx)
	if err == nil && rt == nil {
		err = errors.New("loader returned no runtime")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			// interrupted, not broken: the next job tries again
			w.state = StateUninitialized
			return nil, err
		}
		w.state = StateFaulted
		w.loadErr = err
		log.WithError(err).Error("WORKER: Vision runtime failed to load")
		return nil, errors.Wrap(ErrFaulted, err.Error())
	}
	if rt.Stats == nil {
		rt.Stats = &vision.Stats{}
	}
	w.rt = rt
	w.state = StateReady
	log.WithFields(logrus.Fields{
		"opencv":      rt.OpenCVVersion,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("WORKER: Vision runtime ready")
	return rt, nil
}

func (w *Worker) processImages(ctx context.Context, log logrus.FieldLogger, rt *vision.Runtime, req Request, out chan<- Message) ([]vision.RawPixelBuffer, []FrameStats, error) {
	total := len(req.Images)
	enabled := w.registry.Enabled(req.ProcessingChoices)
	log.WithFields(logrus.Fields{
		"frames": total,
		"stages": req.ProcessingChoices.String(),
	}).Info("WORKER: Processing burst")

	// jobArena holds the previous processed frame across iterations
	jobArena := vision.NewArena("job", rt.Stats)
	defer func() {
		jobArena.Close()
		log.WithField("live_buffers", rt.Stats.Live()).Debug("WORKER: Job buffers released")
	}()

	var previous gocv.Mat
	hasPrevious := false

	results := make([]vision.RawPixelBuffer, 0, total)
	allStats := make([]FrameStats, 0, total)

	for i, img := range req.Images {
		if ctx.Err() != nil {
			return nil, nil, cancelled(ctx)
		}

		fr := frameRun{
			worker:      w,
			ctx:         ctx,
			log:         log.WithField("frame", i),
			stats:       rt.Stats,
			enabled:     enabled,
			previous:    previous,
			hasPrevious: hasPrevious,
			index:       i,
			total:       total,
		}
		buf, processed, frameStats, err := fr.process(img, jobArena)
		if err != nil {
			return nil, nil, err
		}

		if hasPrevious {
			if err := jobArena.Release(previous); err != nil {
				return nil, nil, errors.Wrap(err, "release previous frame")
			}
		}
		previous, hasPrevious = processed, true

		results = append(results, buf)
		allStats = append(allStats, frameStats)

		progress := float64(i+1) * 100 / float64(total)
		out <- Message{JobID: req.JobID, Action: ActionProgress, Progress: progress}
		log.WithFields(logrus.Fields{
			"frame":    i,
			"progress": progress,
		}).Debug("WORKER: Frame complete")
	}

	return results, allStats, nil
}

// frameRun processes one frame inside its own arena.
type frameRun struct {
	worker      *Worker
	ctx         context.Context
	log         logrus.FieldLogger
	stats       *vision.Stats
	enabled     []stages.Stage
	previous    gocv.Mat
	hasPrevious bool
	index       int
	total       int
}

// process returns the encoded output and the BGR result, whose ownership moves
// to keep so it can serve as the next frame's previous frame.
func (fr *frameRun) process(input vision.RawPixelBuffer, keep *vision.Arena) (vision.RawPixelBuffer, gocv.Mat, FrameStats, error) {
	start := time.Now()
	arena := vision.NewArena(fmt.Sprintf("frame-%d", fr.index), fr.stats)
	defer arena.Close()

	src, err := input.ToMat(arena)
	if err != nil {
		return vision.RawPixelBuffer{}, gocv.Mat{}, FrameStats{}, errors.Wrapf(err, "decode frame %d", fr.index)
	}

	var original gocv.Mat
	if fr.worker.evaluator != nil {
		original = arena.Clone(src)
	}

	f := &stages.Frame{
		Image:       src,
		Previous:    fr.previous,
		HasPrevious: fr.hasPrevious,
		Index:       fr.index,
		Total:       fr.total,
		Arena:       arena,
	}
	frameStats := FrameStats{Index: fr.index, Stages: make([]StageTiming, 0, len(fr.enabled))}

	for _, s := range fr.enabled {
		if fr.ctx.Err() != nil {
			return vision.RawPixelBuffer{}, gocv.Mat{}, FrameStats{}, cancelled(fr.ctx)
		}
		timing, err := fr.apply(f, s)
		if err != nil {
			return vision.RawPixelBuffer{}, gocv.Mat{}, FrameStats{}, err
		}
		frameStats.Stages = append(frameStats.Stages, timing)
	}

	out, err := vision.FromMat(arena, f.Image)
	if err != nil {
		return vision.RawPixelBuffer{}, gocv.Mat{}, FrameStats{}, errors.Wrapf(err, "encode frame %d", fr.index)
	}

	if fr.worker.evaluator != nil {
		frameStats.Metrics = fr.worker.evaluator.CalculateAll(arena, original, f.Image)
		fr.log.WithFields(logrus.Fields(toFields(frameStats.Metrics))).Debug("WORKER: Frame metrics")
	}

	if err := arena.MoveTo(f.Image, keep); err != nil {
		return vision.RawPixelBuffer{}, gocv.Mat{}, FrameStats{}, errors.Wrap(err, "retain processed frame")
	}
	frameStats.Duration = time.Since(start)
	return out, f.Image, frameStats, nil
}

// apply runs one stage and swaps its result into f.Image.
func (fr *frameRun) apply(f *stages.Frame, s stages.Stage) (StageTiming, error) {
	timing := StageTiming{Stage: s.Name}
	log := fr.log.WithField("stage", s.Name)

	if s.Temporal && !f.HasPrevious {
		timing.Skipped = "no previous frame"
		return timing, nil
	}

	start := time.Now()
	result, err := s.Apply(f)
	timing.Duration = time.Since(start)

	if err != nil {
		if errors.Is(err, stages.ErrDegenerate) {
			timing.Skipped = err.Error()
			log.WithField("reason", err.Error()).Info("WORKER: Stage passed frame through")
			return timing, nil
		}
		return timing, errors.Wrapf(err, "stage %s failed on frame %d", s.Name, fr.index)
	}

	if result.Ptr() == nil {
		return timing, errors.Errorf("stage %s returned no image on frame %d", s.Name, fr.index)
	}
	if result.Ptr() == f.Image.Ptr() {
		return timing, nil
	}
	switch {
	case f.Arena.OwnedElsewhere(result):
		// the previous frame belongs to the job; the frame gets its own copy
		result = f.Arena.Clone(result)
	case !f.Arena.Owns(result):
		f.Arena.Track(result)
	}
	if result.Empty() {
		return timing, errors.Errorf("stage %s produced an empty image on frame %d", s.Name, fr.index)
	}

	if err := f.Arena.Release(f.Image); err != nil {
		return timing, errors.Wrapf(err, "stage %s: release input", s.Name)
	}
	f.Image = result

	log.WithField("duration_ms", timing.Duration.Milliseconds()).Debug("WORKER: Stage applied")
	return timing, nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// setIdle ends the in-flight job. A faulted or unloaded worker keeps its state.
func (w *Worker) setIdle() {
	w.mu.Lock()
	w.busy = false
	if w.state == StateProcessing || w.state == StateRuntimeLoading {
		w.state = StateReady
		if w.rt == nil {
			w.state = StateUninitialized
		}
	}
	w.mu.Unlock()
}

func errorMessage(code ErrorCode, err error) Message {
	return Message{
		Action: ActionError,
		Error:  err.Error(),
		Stack:  fmt.Sprintf("%+v", err),
		Code:   code,
	}
}

func cancelled(ctx context.Context) error {
	return errors.WithStack(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
}

func copyImages(images []vision.RawPixelBuffer) []vision.RawPixelBuffer {
	out := make([]vision.RawPixelBuffer, len(images))
	for i := range images {
		out[i] = images[i].Clone()
	}
	return out
}

func toFields(m map[string]float64) map[string]interface{} {
	fields := make(map[string]interface{}, len(m))
	for k, v := range m {
		fields[k] = v
	}
	return fields
}
