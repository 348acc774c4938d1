package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"loopcam/internal/stages"
	"loopcam/internal/vision"
	"loopcam/internal/worker"
)

// Session is the handle returned by Initialize. It owns one worker and runs at
// most one job at a time.
type Session struct {
	id        uuid.UUID
	worker    *worker.Worker
	onMessage Handler
	opts      Options
	log       logrus.FieldLogger

	mu         sync.Mutex
	inFlight   bool
	terminated bool
}

// Result is a completed job.
type Result struct {
	JobID      uuid.UUID
	Images     [][]byte
	FrameStats []worker.FrameStats
}

func (s *Session) ID() uuid.UUID { return s.id }

// Codec returns the codec used to encode results.
func (s *Session) Codec() Codec { return s.opts.Codec }

func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Terminate stops the worker. Later calls on the session fail with ErrUninitialized.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	s.worker.Stop()
	s.log.WithField("session_id", s.id).Info("COORDINATOR: Worker terminated")
}

// WorkerState reports the state of the session's worker.
func (s *Session) WorkerState() worker.State {
	return s.worker.State()
}

// ProcessImages decodes images, runs them through the worker with the given
// stage choices and returns the re-encoded results in input order.
func (s *Session) ProcessImages(ctx context.Context, images [][]byte, choices stages.Choices) ([][]byte, error) {
	res, err := s.Process(ctx, images, choices)
	if err != nil {
		return nil, err
	}
	return res.Images, nil
}

// Process is ProcessImages with the job id and per-frame statistics.
func (s *Session) Process(ctx context.Context, images [][]byte, choices stages.Choices) (*Result, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if len(images) > s.opts.MaxFrames {
		return nil, fmt.Errorf("%w: %d images, limit is %d", ErrTooManyImages, len(images), s.opts.MaxFrames)
	}
	if s.worker.State() == worker.StateFaulted {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, s.worker.Err())
	}

	buffers := make([]vision.RawPixelBuffer, len(images))
	for i, data := range images {
		buf, err := s.opts.Codec.Decode(data)
		if err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
		buffers[i] = buf
	}

	req := worker.Request{
		JobID:             uuid.New(),
		Action:            worker.ActionProcessImages,
		Images:            buffers,
		ProcessingChoices: choices,
	}
	log := s.log.WithField("job_id", req.JobID)

	jobCtx, cancel := context.WithTimeoutCause(ctx, s.opts.Timeout, ErrTimeout)
	defer cancel()

	start := time.Now()
	ch, err := s.worker.Submit(jobCtx, req)
	if err != nil {
		return nil, s.submitError(err)
	}
	log.WithFields(logrus.Fields{
		"frames": len(buffers),
		"stages": choices.String(),
	}).Info("COORDINATOR: Job submitted")

	msg, err := s.await(jobCtx, log, req.JobID, ch)
	if err != nil {
		return nil, err
	}

	if len(msg.ProcessedImages) != len(images) {
		return nil, fmt.Errorf("worker returned %d frames for %d inputs", len(msg.ProcessedImages), len(images))
	}
	out := make([][]byte, len(msg.ProcessedImages))
	for i, buf := range msg.ProcessedImages {
		data, err := s.opts.Codec.Encode(buf)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		out[i] = data
	}

	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("COORDINATOR: Job completed")
	return &Result{JobID: req.JobID, Images: out, FrameStats: msg.FrameStats}, nil
}

// await relays progress until the terminal message, the timeout or caller cancellation.
func (s *Session) await(ctx context.Context, log logrus.FieldLogger, jobID uuid.UUID, ch <-chan worker.Message) (worker.Message, error) {
	last := 0.0
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return worker.Message{}, errors.New("worker closed the job without a result")
			}
			if msg.JobID != jobID {
				log.WithField("stray_job_id", msg.JobID).Debug("COORDINATOR: Discarding message for another job")
				continue
			}

			switch msg.Action {
			case worker.ActionProgress:
				if msg.Progress < last {
					log.WithField("progress", msg.Progress).Debug("COORDINATOR: Ignoring out-of-order progress")
					continue
				}
				last = msg.Progress
				s.emit(Event{JobID: jobID, Progress: msg.Progress})
			case worker.ActionComplete:
				return msg, nil
			case worker.ActionError:
				if ctx.Err() != nil {
					// the worker saw our cancellation first
					return worker.Message{}, s.abandoned(ctx, jobID)
				}
				werr := &WorkerError{Message: msg.Error, Stack: msg.Stack, Code: msg.Code}
				s.emit(Event{JobID: jobID, Error: werr.Message})
				return worker.Message{}, werr
			default:
				log.WithField("action", msg.Action).Debug("COORDINATOR: Ignoring unknown message")
			}

		case <-ctx.Done():
			go s.drain(log, ch)
			return worker.Message{}, s.abandoned(ctx, jobID)
		}
	}
}

// abandoned classifies a job given up on: our own timeout, or the caller's context.
func (s *Session) abandoned(ctx context.Context, jobID uuid.UUID) error {
	if !errors.Is(context.Cause(ctx), ErrTimeout) {
		return ctx.Err()
	}
	err := fmt.Errorf("%w after %s", ErrTimeout, s.opts.Timeout)
	s.emit(Event{JobID: jobID, Error: err.Error()})
	return err
}

// drain consumes what the abandoned job still sends so its late messages are logged.
func (s *Session) drain(log logrus.FieldLogger, ch <-chan worker.Message) {
	for msg := range ch {
		log.WithFields(logrus.Fields{
			"action": msg.Action,
			"code":   msg.Code,
		}).Debug("COORDINATOR: Discarding late message")
	}
}

func (s *Session) submitError(err error) error {
	switch {
	case errors.Is(err, worker.ErrFaulted):
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	case errors.Is(err, worker.ErrStopped):
		return ErrUninitialized
	case errors.Is(err, worker.ErrBusy):
		return ErrBusy
	default:
		return err
	}
}

func (s *Session) emit(e Event) {
	if s.onMessage != nil {
		s.onMessage(e)
	}
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrUninitialized
	}
	if s.inFlight {
		return ErrBusy
	}
	s.inFlight = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}
