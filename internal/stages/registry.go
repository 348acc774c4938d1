package stages

import (
	"fmt"
)

// Stage names, in default execution order.
const (
	NameAlign        = "align"
	NameWarp         = "warp"
	NameBlend        = "blend"
	NameColorCorrect = "colorCorrect"
	NameStabilize    = "stabilize"
	NameEnhance      = "enhance"
	NameSharpen      = "sharpen"
	NameDenoise      = "denoise"
	NameVignette     = "vignette"

	// NameColorGrade is accepted as an alias of NameColorCorrect.
	NameColorGrade = "colorGrade"
)

// Registry is an ordered list of stages. Registration order is execution order.
type Registry struct {
	stages []Stage
	index  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Default returns the registry used for every job unless a caller supplies its own.
func Default() *Registry {
	r := NewRegistry()
	for _, s := range []Stage{
		{Name: NameAlign, Temporal: true, Apply: Align},
		{Name: NameWarp, Apply: Warp},
		{Name: NameBlend, Temporal: true, Apply: Blend},
		{Name: NameColorCorrect, Apply: ColorCorrect},
		{Name: NameStabilize, Temporal: true, Apply: Stabilize},
		{Name: NameEnhance, Apply: Enhance},
		{Name: NameSharpen, Apply: Sharpen},
		{Name: NameDenoise, Apply: Denoise},
		{Name: NameVignette, Apply: Vignette},
	} {
		// names above are unique
		_ = r.Register(s)
	}
	return r
}

// Register appends a stage. Names must be unique and Apply non-nil.
func (r *Registry) Register(s Stage) error {
	if s.Name == "" {
		return fmt.Errorf("stage name is empty")
	}
	if s.Apply == nil {
		return fmt.Errorf("stage %s has no function", s.Name)
	}
	if _, exists := r.index[s.Name]; exists {
		return fmt.Errorf("stage already registered: %s", s.Name)
	}
	r.index[s.Name] = len(r.stages)
	r.stages = append(r.stages, s)
	return nil
}

func (r *Registry) Get(name string) (Stage, bool) {
	i, exists := r.index[canonical(name)]
	if !exists {
		return Stage{}, false
	}
	return r.stages[i], true
}

// Names returns every registered stage name in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name
	}
	return names
}

// Enabled returns the stages switched on by c, in registry order.
func (r *Registry) Enabled(c Choices) []Stage {
	result := make([]Stage, 0, len(r.stages))
	for _, s := range r.stages {
		if c.Enabled(s.Name) {
			result = append(result, s)
		}
	}
	return result
}
