// Package planner supplies plans to the orchestrator. Plan generation itself
// happens elsewhere; this package loads what a planner produced.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/forge/internal/scheduler"
)

// Producer turns a job description into a plan.
type Producer interface {
	Plan(ctx context.Context, job scheduler.JobContext) (*scheduler.Plan, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, job scheduler.JobContext) (*scheduler.Plan, error)

// Plan calls f.
func (f ProducerFunc) Plan(ctx context.Context, job scheduler.JobContext) (*scheduler.Plan, error) {
	return f(ctx, job)
}

// FileProducer reads a plan written ahead of time to a YAML or JSON file.
type FileProducer struct {
	Path string
}

// NewFileProducer creates a producer for the plan file at path.
func NewFileProducer(path string) *FileProducer {
	return &FileProducer{Path: path}
}

// Plan loads the file. The job's tech stack fills in a plan that names none.
func (p *FileProducer) Plan(ctx context.Context, job scheduler.JobContext) (*scheduler.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := Load(p.Path)
	if err != nil {
		return nil, err
	}
	if len(plan.TechStack) == 0 {
		plan.TechStack = job.TechStack
	}
	if plan.Name == "" {
		plan.Name = job.Title
	}
	return plan, nil
}

// Load reads and parses a plan file.
func Load(path string) (*scheduler.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	plan, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	return plan, nil
}

// Parse decodes a plan. JSON is detected by the flag or a leading brace;
// everything else is read as YAML.
func Parse(data []byte, isJSON bool) (*scheduler.Plan, error) {
	var plan scheduler.Plan
	if isJSON || bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, err
		}
		return &plan, nil
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
