// Package config loads and validates director.yaml: the mood profiles,
// verifier allowlist, namespace constant, and default budgets that
// parameterize a Director process. Loading follows runtime.Options's
// struct-of-dependencies shape — a single Document is built from YAML,
// validated once at startup, and handed to the rest of the process as
// already-trusted configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/choiros/director/mood"
	"github.com/choiros/director/verifier"
)

// ErrInvalidConfig is wrapped by every parse, schema or validation failure
// Parse, Load or ValidateSchema returns (Load's file-read error is not
// wrapped), mirroring runtime.ErrInvalidConfig's role as a single
// errors.Is-checkable sentinel for "this document cannot be used."
var ErrInvalidConfig = errors.New("config: invalid configuration")

type (
	// Document is the parsed, not-yet-validated shape of director.yaml.
	Document struct {
		Version   string                   `yaml:"version"`
		Namespace string                   `yaml:"namespace"`
		Budgets   BudgetsDoc               `yaml:"budgets"`
		Moods     map[string]MoodDoc       `yaml:"moods"`
		Verifiers []VerifierDoc            `yaml:"verifiers"`
		MoodGuards MoodGuardsDoc           `yaml:"mood_guards"`
	}

	// BudgetsDoc is the process-wide default budget, overridden per-mood by
	// MoodDoc.Budgets when present.
	BudgetsDoc struct {
		Tokens     int64 `yaml:"tokens"`
		TimeMS     int64 `yaml:"time_ms"`
		Iterations int   `yaml:"iterations"`
		DiffBytes  int64 `yaml:"diff_bytes"`
	}

	// MoodDoc is one mood's capability profile as written in director.yaml.
	MoodDoc struct {
		ToolAllowlist      []string         `yaml:"tool_allowlist"`
		DataScope          []string         `yaml:"data_scope"`
		ModelTier          string           `yaml:"model_tier"`
		Budgets            *BudgetsDoc      `yaml:"budgets"`
		StopRules          []string         `yaml:"stop_rules"`
		VerifierStrictness VerifierStrictnessDoc `yaml:"verifier_strictness"`
		Sandbox            SandboxDoc       `yaml:"sandbox"`
	}

	// VerifierStrictnessDoc configures whether inconclusive results block
	// commit for a mood, and which verifier types it requires.
	VerifierStrictnessDoc struct {
		BlockOnInconclusive     bool     `yaml:"block_on_inconclusive"`
		MinCoverage             []string `yaml:"min_coverage"`
		RequireIndependentRerun bool     `yaml:"require_independent_rerun"`
	}

	// SandboxDoc configures the sandbox.Policy a mood's runs get.
	SandboxDoc struct {
		Egress          string   `yaml:"egress"`
		EgressAllowlist []string `yaml:"egress_allowlist"`
		ReadPaths       []string `yaml:"read_paths"`
		WritePaths      []string `yaml:"write_paths"`
		ExecPermitted   bool     `yaml:"exec_permitted"`
		CPULimitMillis  int64    `yaml:"cpu_limit_millis"`
		MemLimitBytes   int64    `yaml:"mem_limit_bytes"`
		WallTimeSeconds int64    `yaml:"wall_time_seconds"`
	}

	// MoodGuardsDoc configures the reactive-guard thresholds guards.go
	// consults.
	MoodGuardsDoc struct {
		NonMonotonicSignalThreshold    int `yaml:"non_monotonic_signal_threshold"`
		VerifierRegressionHistoryDepth int `yaml:"verifier_regression_history_depth"`
	}

	// VerifierDoc is one verifier.AllowlistEntry as written in director.yaml.
	VerifierDoc struct {
		ID                   string   `yaml:"id"`
		Type                 string   `yaml:"type"`
		CommandTemplate      []string `yaml:"command_template"`
		RequiredCapabilities []string `yaml:"required_capabilities"`
		DeclaredIndependent  bool     `yaml:"declared_independent"`
		Priority             int      `yaml:"priority"`
		PathGlobs            []string `yaml:"path_globs"`
	}
)

// requiredMoodNames is every mood name director.yaml must configure a
// profile for; mood.NewEngine enforces the same completeness check on the
// converted Config, but checking here too gives the caller an error
// grounded in the YAML's own mood name strings.
var requiredMoodNames = []string{
	"CALM", "CURIOUS", "SKEPTICAL", "PARANOID", "BOLD", "CONTRITE", "PETTY", "DEFERENTIAL",
}

// Load reads, parses, validates, and converts path into a Result ready for
// the rest of the process to consume.
func Load(path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses and validates raw YAML bytes into a Result, without touching
// the filesystem. Load is a thin wrapper around Parse for the common case.
func Parse(raw []byte) (*Result, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	if err := ValidateSchema(raw); err != nil {
		return nil, err
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc.toResult(), nil
}

func (d Document) validate() error {
	if d.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	}
	if d.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidConfig)
	}
	for _, name := range requiredMoodNames {
		if _, ok := d.Moods[name]; !ok {
			return fmt.Errorf("%w: missing mood profile for %s", ErrInvalidConfig, name)
		}
	}
	seen := make(map[string]struct{}, len(d.Verifiers))
	for _, v := range d.Verifiers {
		if v.ID == "" {
			return fmt.Errorf("%w: verifier entry missing id", ErrInvalidConfig)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate verifier id %q", ErrInvalidConfig, v.ID)
		}
		seen[v.ID] = struct{}{}
		if v.Type == "" {
			return fmt.Errorf("%w: verifier %q missing type", ErrInvalidConfig, v.ID)
		}
	}
	return nil
}

// Result is the validated configuration, converted into the shapes the
// mood and verifier packages consume directly.
type Result struct {
	Namespace string
	Mood      mood.Config
	Verifiers []verifier.AllowlistEntry
}

func (d Document) toResult() *Result {
	defaultBudgets := mood.BudgetCaps{
		Tokens:     d.Budgets.Tokens,
		TimeMS:     d.Budgets.TimeMS,
		Iterations: d.Budgets.Iterations,
		DiffBytes:  d.Budgets.DiffBytes,
	}

	profiles := make(map[mood.Name]mood.Profile, len(d.Moods))
	for name, md := range d.Moods {
		profiles[mood.Name(name)] = md.toProfile(mood.Name(name), defaultBudgets)
	}

	verifiers := make([]verifier.AllowlistEntry, 0, len(d.Verifiers))
	for _, v := range d.Verifiers {
		verifiers = append(verifiers, verifier.AllowlistEntry{
			ID:                   v.ID,
			Type:                 v.Type,
			CommandTemplate:      append([]string(nil), v.CommandTemplate...),
			RequiredCapabilities: append([]string(nil), v.RequiredCapabilities...),
			DeclaredIndependent:  v.DeclaredIndependent,
			Priority:             v.Priority,
			PathGlobs:            append([]string(nil), v.PathGlobs...),
		})
	}

	return &Result{
		Namespace: d.Namespace,
		Mood: mood.Config{
			Version:                        d.Version,
			Profiles:                       profiles,
			NonMonotonicSignalThreshold:    d.MoodGuards.NonMonotonicSignalThreshold,
			VerifierRegressionHistoryDepth: d.MoodGuards.VerifierRegressionHistoryDepth,
		},
		Verifiers: verifiers,
	}
}

func (md MoodDoc) toProfile(name mood.Name, defaultBudgets mood.BudgetCaps) mood.Profile {
	budgets := defaultBudgets
	if md.Budgets != nil {
		budgets = mood.BudgetCaps{
			Tokens:     md.Budgets.Tokens,
			TimeMS:     md.Budgets.TimeMS,
			Iterations: md.Budgets.Iterations,
			DiffBytes:  md.Budgets.DiffBytes,
		}
	}
	stopRules := make([]mood.StopRule, 0, len(md.StopRules))
	for _, r := range md.StopRules {
		stopRules = append(stopRules, mood.StopRule(r))
	}
	return mood.Profile{
		Mood:          name,
		ToolAllowlist: append([]string(nil), md.ToolAllowlist...),
		DataScope:     append([]string(nil), md.DataScope...),
		ModelTier:     md.ModelTier,
		Budgets:       budgets,
		StopRules:     stopRules,
		VerifierStrictness: mood.VerifierStrictness{
			BlockOnInconclusive:     md.VerifierStrictness.BlockOnInconclusive,
			MinCoverage:             append([]string(nil), md.VerifierStrictness.MinCoverage...),
			RequireIndependentRerun: md.VerifierStrictness.RequireIndependentRerun,
		},
		Sandbox: mood.SandboxLimits{
			Egress:          md.Sandbox.Egress,
			EgressAllowlist: append([]string(nil), md.Sandbox.EgressAllowlist...),
			ReadPaths:       append([]string(nil), md.Sandbox.ReadPaths...),
			WritePaths:      append([]string(nil), md.Sandbox.WritePaths...),
			ExecPermitted:   md.Sandbox.ExecPermitted,
			CPULimitMillis:  md.Sandbox.CPULimitMillis,
			MemLimitBytes:   md.Sandbox.MemLimitBytes,
			WallTimeBudget:  time.Duration(md.Sandbox.WallTimeSeconds) * time.Second,
		},
	}
}
