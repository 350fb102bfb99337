package stage

import "fmt"

// Features toggles optional stages. The plan is computed once at intake and
// is not affected by later flag changes.
type Features struct {
	Deduplication bool `mapstructure:"deduplication" yaml:"deduplication" json:"deduplication"`
	OCR           bool `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
}

// DefaultFeatures returns the out-of-the-box flag values.
func DefaultFeatures() Features {
	return Features{Deduplication: false, OCR: true}
}

// Plan is the ordered list of stages included for one document.
type Plan struct {
	stages []string
}

// NewPlan computes the included stages for the given flags and upload targets.
// Duplicate targets are collapsed; target order is preserved.
func NewPlan(features Features, targets []string) Plan {
	stages := make([]string, 0, len(core)+len(targets))
	for _, name := range core {
		switch name {
		case DedupCheck:
			if !features.Deduplication {
				continue
			}
		case OCR:
			if !features.OCR {
				continue
			}
		}
		stages = append(stages, name)
	}

	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		stages = append(stages, Distribution(t))
	}
	return Plan{stages: stages}
}

// FromStages rebuilds a plan from persisted step names in position order.
func FromStages(names []string) (Plan, error) {
	stages := make([]string, 0, len(names))
	for _, n := range names {
		if err := Validate(n); err != nil {
			return Plan{}, err
		}
		stages = append(stages, n)
	}
	return Plan{stages: stages}, nil
}

// Stages returns a copy of the included stage names.
func (p Plan) Stages() []string {
	out := make([]string, len(p.stages))
	copy(out, p.stages)
	return out
}

// Len returns the number of included stages.
func (p Plan) Len() int { return len(p.stages) }

// Contains reports whether name is part of the plan.
func (p Plan) Contains(name string) bool {
	return p.Index(name) >= 0
}

// Index returns the position of name in the plan, or -1.
func (p Plan) Index(name string) int {
	for i, s := range p.stages {
		if s == name {
			return i
		}
	}
	return -1
}

// Distributions returns the distribution sub-steps of the plan.
func (p Plan) Distributions() []string {
	var out []string
	for _, s := range p.stages {
		if IsDistribution(s) {
			out = append(out, s)
		}
	}
	return out
}

// Entry returns the stages runnable when a document enters the pipeline.
func (p Plan) Entry() []string {
	if len(p.stages) == 0 {
		return nil
	}
	if IsDistribution(p.stages[0]) {
		return p.Distributions()
	}
	return []string{p.stages[0]}
}

// Next returns the stages to enqueue once completed has succeeded.
//
// A core stage is followed by the next core stage; the last core stage fans
// out to every distribution sub-step. Distribution sub-steps are leaves.
func (p Plan) Next(completed string) ([]string, error) {
	idx := p.Index(completed)
	if idx < 0 {
		return nil, fmt.Errorf("stage %q is not part of the plan", completed)
	}
	if IsDistribution(completed) {
		return nil, nil
	}
	if idx+1 >= len(p.stages) {
		return nil, nil
	}
	next := p.stages[idx+1]
	if IsDistribution(next) {
		return p.Distributions(), nil
	}
	return []string{next}, nil
}
