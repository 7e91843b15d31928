package scheduler

import (
	"errors"
	"fmt"
)

// ErrEmptyPlan is returned for a nil plan or a plan without tasks.
var ErrEmptyPlan = errors.New("plan has no tasks")

// JobContext is the description a plan is produced from.
type JobContext struct {
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	TechStack   []string `yaml:"tech_stack,omitempty" json:"tech_stack,omitempty"`
	Domain      string   `yaml:"domain,omitempty" json:"domain,omitempty"`
}

// Plan is an ordered task list plus metadata, produced by an external planner.
type Plan struct {
	Name       string         `yaml:"name" json:"name"`
	WorkDir    string         `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	TechStack  []string       `yaml:"tech_stack,omitempty" json:"tech_stack,omitempty"`
	Difficulty string         `yaml:"difficulty,omitempty" json:"difficulty,omitempty"`
	Metadata   map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Tasks      []*Task        `yaml:"tasks" json:"tasks"`
}

// Validate rejects plans the engine cannot run: no tasks, blank or duplicate
// ids, unknown task types. Dependency problems are left to ValidateGraph.
func (p *Plan) Validate() error {
	if p == nil || len(p.Tasks) == 0 {
		return ErrEmptyPlan
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t == nil {
			return fmt.Errorf("task %d is nil", i)
		}
		if t.ID == "" {
			return fmt.Errorf("task %d has no id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("task with ID %q already exists", t.ID)
		}
		seen[t.ID] = true
		if !t.Type.Valid() {
			return fmt.Errorf("task %q has unknown type %q", t.ID, t.Type)
		}
	}
	return nil
}

// DataOriented reports whether the plan acquires a dataset.
func (p *Plan) DataOriented() bool {
	if p == nil {
		return false
	}
	if v, ok := p.Metadata["requires_dataset"].(bool); ok && v {
		return true
	}
	for _, t := range p.Tasks {
		if t.Type == TypeFetchDataset {
			return true
		}
	}
	return false
}
