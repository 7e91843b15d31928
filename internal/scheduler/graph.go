package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// ErrGraph marks dependency-graph problems found before execution.
var ErrGraph = errors.New("invalid task graph")

// GraphReport describes the dependency structure of a plan.
type GraphReport struct {
	Order   []string            // topological order; empty when a cycle exists
	Missing map[string][]string // task id -> dependency ids that are not in the plan
	Cycle   error               // non-nil when the dependencies contain a cycle
}

// OK reports whether every dependency resolves and the graph is acyclic.
func (r GraphReport) OK() bool {
	return len(r.Missing) == 0 && r.Cycle == nil
}

// Err folds the report into a single error wrapping ErrGraph, or nil.
func (r GraphReport) Err() error {
	if r.OK() {
		return nil
	}

	var parts []string
	ids := make([]string, 0, len(r.Missing))
	for id := range r.Missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, dep := range r.Missing[id] {
			parts = append(parts, fmt.Sprintf("task %q depends on non-existent task %q", id, dep))
		}
	}
	if r.Cycle != nil {
		parts = append(parts, r.Cycle.Error())
	}
	return fmt.Errorf("%w: %s", ErrGraph, strings.Join(parts, "; "))
}

// ValidateGraph checks a plan's dependency edges with a topological sort.
// Missing ids are collected rather than aborting so the caller sees all of them;
// edges to missing ids are left out of the sort.
func ValidateGraph(p *Plan) GraphReport {
	report := GraphReport{Missing: map[string][]string{}}
	if p == nil {
		return report
	}

	known := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		known[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range p.Tasks {
		linked := false
		for _, dep := range t.DependsOn {
			if !known[dep] {
				report.Missing[t.ID] = append(report.Missing[t.ID], dep)
				continue
			}
			// Edge (dep, task) means dep must come before task
			edges = append(edges, toposort.Edge{dep, t.ID})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		report.Cycle = fmt.Errorf("DAG contains cycle: %w", err)
		return report
	}

	for _, id := range sorted {
		if id != nil {
			report.Order = append(report.Order, id.(string))
		}
	}
	return report
}
