// Package verifier selects, executes, and reports on allowlisted verifier
// commands: deterministic plan selection (verifier/planner), isolated
// execution in a sandbox (verifier/runner), and LLM-backed structured
// reporting (verifier/oracle). The execution shape follows a
// bounded-parallelism tool-call dispatch pattern, with a sentinel-based
// error taxonomy checkable via errors.Is.
package verifier

import (
	"time"
)

type (
	// Result is the outcome of a single verifier execution.
	Result string

	// Mood names the mood the plan was selected under. Declared here rather
	// than imported from package mood to avoid a dependency cycle (mood
	// configures sandboxes that verifiers run in, not the other way around).
	Mood string
)

// Verifier results.
const (
	ResultPass         Result = "pass"
	ResultFail         Result = "fail"
	ResultFlaky        Result = "flaky"
	ResultInconclusive Result = "inconclusive"
)

type (
	// AllowlistEntry is one allowlisted verifier command definition loaded
	// from director.yaml.
	AllowlistEntry struct {
		ID                   string
		Type                 string // e.g. "lint", "type_check", "unit_test", "integration_test", "security_scan"
		CommandTemplate       []string
		RequiredCapabilities []string
		DeclaredIndependent  bool
		Priority             int
		PathGlobs            []string // touched_paths -> verifier_globs mapping
	}

	// Plan is the deterministically-selected, ordered set of verifiers to
	// run for one run.
	Plan struct {
		PlanID  string // sha256 of the ordered verifier-id list
		Entries []AllowlistEntry
	}

	// Report is the structured-report producer's output for one verifier
	// execution.
	Report struct {
		Result            Result
		FailureSignatures []string
		Summary           string
		NextActions       []string
		Confidence        float64
	}

	// Attestation binds a verifier outcome to its inputs, referencing
	// (command, config, artifact_hash, report_hash, verifier_version,
	// result).
	Attestation struct {
		AttestationID   string
		VerifierID      string
		TargetAtomHash  string
		Command         []string
		ConfigHash      string
		ArtifactHash    string
		ReportHash      string
		VerifierVersion string
		Result          Result
		Report          Report
		CreatedAt       time.Time
	}
)

// MaxNextActions bounds Report.NextActions to at most 3 entries.
const MaxNextActions = 3
