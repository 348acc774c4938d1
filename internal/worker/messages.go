// Message protocol between the coordinator and the pipeline worker
package worker

import (
	"time"

	"github.com/google/uuid"

	"loopcam/internal/stages"
	"loopcam/internal/vision"
)

type Action string

const (
	ActionProcessImages Action = "processImages"
	ActionProgress      Action = "progress"
	ActionComplete      Action = "processImagesComplete"
	ActionError         Action = "error"
)

// ErrorCode classifies a terminal error message.
type ErrorCode string

const (
	CodeRuntimeUnavailable ErrorCode = "runtime_unavailable"
	CodeStageFailed        ErrorCode = "stage_failed"
	CodeCancelled          ErrorCode = "cancelled"
	CodeInvalidRequest     ErrorCode = "invalid_request"
)

// Request asks the worker to process one burst. Images are copied on submit.
type Request struct {
	JobID             uuid.UUID               `json:"jobId"`
	Action            Action                  `json:"action"`
	Images            []vision.RawPixelBuffer `json:"images"`
	ProcessingChoices stages.Choices          `json:"processingChoices"`
}

// Message is sent from the worker for one job: zero or more progress messages,
// then exactly one terminal message (complete or error).
type Message struct {
	JobID  uuid.UUID `json:"jobId"`
	Action Action    `json:"action"`

	Progress float64 `json:"progress,omitempty"`

	ProcessedImages []vision.RawPixelBuffer `json:"processedImages,omitempty"`
	FrameStats      []FrameStats            `json:"frameStats,omitempty"`

	Error string    `json:"error,omitempty"`
	Stack string    `json:"stack,omitempty"`
	Code  ErrorCode `json:"code,omitempty"`
}

// Terminal reports whether m ends its job.
func (m Message) Terminal() bool {
	return m.Action == ActionComplete || m.Action == ActionError
}

// StageTiming records one stage run on one frame. Skipped holds the reason a
// stage left the frame unchanged.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Skipped  string        `json:"skipped,omitempty"`
}

// FrameStats summarises one processed frame.
type FrameStats struct {
	Index    int           `json:"index"`
	Stages   []StageTiming `json:"stages"`
	Duration time.Duration `json:"duration"`

	// set only when quality metrics are enabled
	Metrics map[string]float64 `json:"metrics,omitempty"`
}
