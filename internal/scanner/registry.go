package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
)

// Constructor builds a fresh checker.
type Constructor func() Checker

// Registry is a fixed set of named checks. Runs execute checks in name order
// so reports are stable.
type Registry struct {
	checks map[string]Constructor
}

// NewRegistry creates a registry over the given constructors.
func NewRegistry(checks map[string]Constructor) *Registry {
	r := &Registry{checks: make(map[string]Constructor, len(checks))}
	for name, c := range checks {
		r.checks[name] = c
	}
	return r
}

// DefaultRegistry holds every check shipped with counteragent.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Constructor{
		"tool_poisoning": func() Checker { return NewToolPoisoning() },
		"token_exposure": func() Checker { return NewTokenExposure() },
	})
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get instantiates the named check.
func (r *Registry) Get(name string) (Checker, error) {
	c, ok := r.checks[name]
	if !ok {
		return nil, fmt.Errorf("unknown check %q, available: %s", name, strings.Join(r.Names(), ", "))
	}
	return c(), nil
}

// All instantiates every check in name order.
func (r *Registry) All() []Checker {
	names := r.Names()
	out := make([]Checker, 0, len(names))
	for _, name := range names {
		out = append(out, r.checks[name]())
	}
	return out
}

// ScanError records a check that failed to run.
type ScanError struct {
	Scanner string `json:"scanner"`
	Error   string `json:"error"`
}

// ScanResult is the outcome of one audit run.
type ScanResult struct {
	Findings     []Finding
	ScannersRun  []string
	Errors       []ScanError
	ToolsScanned int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Run executes the named checks, or all checks when names is empty. Unknown
// names fail the run before any check starts. A failing check is recorded
// and the run continues.
func (r *Registry) Run(ctx context.Context, sc *ScanContext, names []string, logger *slog.Logger) (*ScanResult, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var checks []Checker
	if len(names) == 0 {
		checks = r.All()
	} else {
		seen := make(map[string]bool)
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			c, err := r.Get(name)
			if err != nil {
				return nil, err
			}
			checks = append(checks, c)
		}
	}

	result := &ScanResult{StartedAt: time.Now().UTC()}
	if sc.Server != nil {
		result.ToolsScanned = len(sc.Server.Tools)
	}

	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			result.FinishedAt = time.Now().UTC()
			return result, err
		}
		logger.Debug("running check", "check", c.Name(), "owasp", c.OWASPID())

		findings, err := c.Scan(ctx, sc)
		result.ScannersRun = append(result.ScannersRun, c.Name())
		if err != nil {
			logger.Warn("check failed", "check", c.Name(), "err", err)
			result.Errors = append(result.Errors, ScanError{Scanner: c.Name(), Error: err.Error()})
			continue
		}
		result.Findings = append(result.Findings, findings...)
	}

	slices.SortStableFunc(result.Findings, func(a, b Finding) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})
	result.FinishedAt = time.Now().UTC()
	return result, nil
}

// CountBySeverity tallies findings per severity.
func (r *ScanResult) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range r.Findings {
		counts[f.Severity]++
	}
	return counts
}
