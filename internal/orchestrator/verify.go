package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/scheduler"
)

// VerifyConfig lists what the verification pass looks for.
type VerifyConfig struct {
	ExpectedPaths []string `json:"expectedPaths"` // relative to the work dir
	DatasetGlobs  []string `json:"datasetGlobs"`  // checked only for data-oriented plans
	Concurrency   int      `json:"concurrency"`
}

// DefaultVerifyConfig returns the stock checks.
func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{
		ExpectedPaths: []string{"ASSESSMENT.md", "README.md", "src"},
		DatasetGlobs:  []string{"data/**/*.csv", "data/**/*.json", "*.csv"},
		Concurrency:   4,
	}
}

// Check is one verification result.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// VerificationReport summarises a verification pass.
type VerificationReport struct {
	Checks   []Check
	Passed   int
	Total    int
	PassRate float64
}

// Verifier checks a finished run for expected outputs. It never fails the
// session; a low pass rate is only reported.
type Verifier struct {
	cfg VerifyConfig
}

// NewVerifier creates a verifier. Empty fields fall back to DefaultVerifyConfig.
func NewVerifier(cfg VerifyConfig) *Verifier {
	def := DefaultVerifyConfig()
	if cfg.ExpectedPaths == nil {
		cfg.ExpectedPaths = def.ExpectedPaths
	}
	if cfg.DatasetGlobs == nil {
		cfg.DatasetGlobs = def.DatasetGlobs
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Verifier{cfg: cfg}
}

// Verify runs the checks concurrently against workDir.
func (v *Verifier) Verify(ctx context.Context, plan *scheduler.Plan, workDir string) VerificationReport {
	type check func() Check
	var checks []check
	for _, p := range v.cfg.ExpectedPaths {
		checks = append(checks, func() Check { return checkPath(workDir, p) })
	}
	if plan.DataOriented() && len(v.cfg.DatasetGlobs) > 0 {
		checks = append(checks, func() Check { return checkDataset(workDir, v.cfg.DatasetGlobs) })
	}

	results := make([]Check, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	for i, c := range checks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Check{Name: "cancelled", Detail: err.Error()}
				return nil
			}
			results[i] = c()
			return nil
		})
	}
	_ = g.Wait()

	rep := VerificationReport{Checks: results, Total: len(results)}
	for _, c := range results {
		if c.Passed {
			rep.Passed++
		} else {
			logging.Debug("verification check failed", "check", c.Name, "detail", c.Detail)
		}
	}
	if rep.Total > 0 {
		rep.PassRate = float64(rep.Passed) / float64(rep.Total)
	}
	return rep
}

func checkPath(workDir, rel string) Check {
	c := Check{Name: "exists: " + rel}
	if _, err := os.Stat(filepath.Join(workDir, rel)); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.Passed = true
	return c
}

func checkDataset(workDir string, globs []string) Check {
	c := Check{Name: "dataset: " + strings.Join(globs, ", ")}
	fsys := os.DirFS(workDir)
	for _, pattern := range globs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			c.Detail = fmt.Sprintf("bad pattern %q: %v", pattern, err)
			continue
		}
		if len(matches) > 0 {
			c.Passed = true
			c.Detail = matches[0]
			return c
		}
	}
	if c.Detail == "" {
		c.Detail = "no dataset file found"
	}
	return c
}
