// Per-frame quality metrics comparing a pipeline input with its output
package metrics

import (
	"fmt"
	"sort"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

// Metric compares an original frame with its processed counterpart. Scratch
// buffers are allocated from the given arena.
type Metric interface {
	Calculate(a *vision.Arena, original, processed gocv.Mat) (float64, error)

	// GetName returns the metric name
	GetName() string

	// GetRange returns the practical value range (min, max)
	GetRange() (float64, float64)

	// IsHigherBetter returns true if higher values indicate better quality
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates an evaluator with the default metrics registered
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
	}
	e.Register("psnr", NewPSNR())
	e.Register("sharpness", NewSharpness())
	e.Register("contrast_ratio", NewContrastRatio())
	e.Register("ssim", NewSSIM())
	e.Register("mse", NewMSE())
	return e
}

func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names returns the registered metric names, sorted.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Evaluator) Calculate(name string, a *vision.Arena, original, processed gocv.Mat) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(a, original, processed)
}

// CalculateAll calculates every registered metric, skipping those that fail.
func (e *Evaluator) CalculateAll(a *vision.Arena, original, processed gocv.Mat) map[string]float64 {
	results := make(map[string]float64, len(e.metrics))
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(a, original, processed); err == nil {
			results[name] = value
		}
	}
	return results
}
