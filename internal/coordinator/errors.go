package coordinator

import (
	"errors"
	"fmt"

	"loopcam/internal/worker"
)

var (
	ErrUninitialized      = errors.New("pipeline is not initialized")
	ErrTimeout            = errors.New("processing timed out")
	ErrBusy               = worker.ErrBusy
	ErrNoImages           = errors.New("no images to process")
	ErrTooManyImages      = errors.New("too many images in burst")
	ErrRuntimeUnavailable = errors.New("processing unavailable, please retry")
)

// DecodeError reports an input image that could not be decoded. The job is
// rejected before anything reaches the worker.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// WorkerError is a failure reported by the worker in its terminal message.
type WorkerError struct {
	Message string
	Stack   string
	Code    worker.ErrorCode
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker: %s", e.Message)
}

func (e *WorkerError) Unwrap() error {
	switch e.Code {
	case worker.CodeRuntimeUnavailable:
		return ErrRuntimeUnavailable
	case worker.CodeCancelled:
		return worker.ErrCancelled
	default:
		return nil
	}
}
