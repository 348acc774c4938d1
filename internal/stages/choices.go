package stages

import (
	"fmt"
	"sort"
	"strings"
)

// Choices is the ProcessingConfiguration of one job: stage name to toggle.
// Unknown and absent keys are disabled.
type Choices map[string]bool

// DefaultChoices mirrors the capture screen defaults.
func DefaultChoices() Choices {
	return Choices{
		NameAlign:      true,
		NameEnhance:    true,
		NameColorGrade: true,
		NameSharpen:    true,
		NameDenoise:    true,
		NameVignette:   true,
	}
}

// Enabled reports whether the named stage is on, honouring the colorGrade alias.
func (c Choices) Enabled(name string) bool {
	if c == nil {
		return false
	}
	if canonical(name) == NameColorCorrect {
		return c[NameColorCorrect] || c[NameColorGrade]
	}
	return c[name]
}

// Clone returns an independent copy so a job never observes later edits.
func (c Choices) Clone() Choices {
	out := make(Choices, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// String lists enabled stages sorted by name.
func (c Choices) String() string {
	on := make([]string, 0, len(c))
	for k, v := range c {
		if v {
			on = append(on, k)
		}
	}
	sort.Strings(on)
	return strings.Join(on, ",")
}

// ParseChoices parses a comma-separated list of stage names against r. "none"
// and the empty string enable nothing.
func ParseChoices(r *Registry, list string) (Choices, error) {
	c := Choices{}
	list = strings.TrimSpace(list)
	if list == "" || list == "none" {
		return c, nil
	}
	for _, raw := range strings.Split(list, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, ok := r.Get(name); !ok {
			return nil, fmt.Errorf("unknown stage: %s (available: %s)", name, strings.Join(r.Names(), ", "))
		}
		c[name] = true
	}
	return c, nil
}

func canonical(name string) string {
	if name == NameColorGrade {
		return NameColorCorrect
	}
	return name
}
