// Package runner executes a verifier.Plan's entries against a sandbox,
// producing one verifier.Attestation per entry. Declared-independent
// verifiers are dispatched concurrently through a bounded worker pool;
// everything else runs sequentially in plan order. Regardless of completion
// order, results are reassembled deterministically by plan order before
// being returned.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/choiros/director/sandbox"
	"github.com/choiros/director/verifier"
)

// Summarizer turns one verifier's raw exec output into a structured report.
// verifier/oracle.Producer satisfies this; tests use a fake.
type Summarizer interface {
	Summarize(ctx context.Context, verifierID string, exitCode int, stdout, stderr []byte) (verifier.Report, error)
}

// Runner executes verifier plans.
type Runner struct {
	Sandboxes sandbox.Provider
	Oracle    Summarizer

	// VerifierVersion is stamped into every attestation produced.
	VerifierVersion string

	// MaxParallel bounds concurrent execution of declared-independent
	// verifiers. Zero means DefaultMaxParallel.
	MaxParallel int
}

// DefaultMaxParallel bounds independent-verifier concurrency when
// Runner.MaxParallel is unset.
const DefaultMaxParallel = 4

// New builds a Runner over a sandbox.Provider and a report Summarizer.
func New(provider sandbox.Provider, oracle Summarizer, verifierVersion string) *Runner {
	return &Runner{Sandboxes: provider, Oracle: oracle, VerifierVersion: verifierVersion}
}

// Run executes every entry in plan against sandboxID and returns their
// attestations in plan order. targetAtomHash identifies the atom under
// verification and is stamped into every attestation produced. If any entry
// fails to execute (as opposed to reporting a verifier.ResultFail), Run
// returns the first such error alongside whatever attestations could be
// produced for the other entries.
func (r *Runner) Run(ctx context.Context, sandboxID string, plan verifier.Plan, targetAtomHash, configHash string) ([]verifier.Attestation, error) {
	results := make(map[string]verifier.Attestation, len(plan.Entries))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	sem := make(chan struct{}, r.maxParallel())

	record := func(entry verifier.AllowlistEntry, att verifier.Attestation, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("runner: verifier %q: %w", entry.ID, err)
			}
			return
		}
		results[entry.ID] = att
	}

	for _, entry := range plan.Entries {
		entry := entry
		if !entry.DeclaredIndependent {
			// A sequential verifier may observe state mutated by any
			// in-flight independent one, so drain the pool before it runs.
			wg.Wait()
			att, err := r.runEntry(ctx, sandboxID, entry, targetAtomHash, configHash)
			record(entry, att, err)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			att, err := r.runEntry(ctx, sandboxID, entry, targetAtomHash, configHash)
			record(entry, att, err)
		}()
	}
	wg.Wait()

	out := make([]verifier.Attestation, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		if att, ok := results[entry.ID]; ok {
			out = append(out, att)
		}
	}
	return out, firstErr
}

func (r *Runner) maxParallel() int {
	if r.MaxParallel > 0 {
		return r.MaxParallel
	}
	return DefaultMaxParallel
}

// runEntry executes one allowlist entry, applying the flakiness policy: a
// fail or flaky report gets exactly one deterministic re-run from a clean
// checkpoint. Agreement across both runs keeps the original classification;
// disagreement downgrades the result to inconclusive with a note describing
// the discrepancy, rather than silently picking one of the two answers.
func (r *Runner) runEntry(ctx context.Context, sandboxID string, entry verifier.AllowlistEntry, targetAtomHash, configHash string) (verifier.Attestation, error) {
	runID := fmt.Sprintf("%s:%s:%d", sandboxID, entry.ID, time.Now().UnixNano())

	checkpointRef, err := r.Sandboxes.Checkpoint(ctx, runID+":pre", sandboxID)
	if err != nil {
		return verifier.Attestation{}, fmt.Errorf("checkpoint before run: %w", err)
	}

	report, execRes, err := r.exec(ctx, sandboxID, entry, runID+":run1")
	if err != nil {
		return verifier.Attestation{}, err
	}

	if report.Result == verifier.ResultFail || report.Result == verifier.ResultFlaky {
		if err := r.Sandboxes.Restore(ctx, runID+":restore", sandboxID, checkpointRef); err != nil {
			return verifier.Attestation{}, fmt.Errorf("restore before rerun: %w", err)
		}
		rerun, rerunExec, err := r.exec(ctx, sandboxID, entry, runID+":run2")
		if err != nil {
			return verifier.Attestation{}, err
		}
		if rerun.Result == report.Result {
			// Deterministic reproduction: keep the first classification.
		} else {
			report = verifier.Report{
				Result:            verifier.ResultInconclusive,
				FailureSignatures: append(append([]string{}, report.FailureSignatures...), rerun.FailureSignatures...),
				Summary:           fmt.Sprintf("non-deterministic across reruns: first=%s second=%s", report.Result, rerun.Result),
				NextActions:       mergeNextActions(report.NextActions, rerun.NextActions),
				Confidence:        min(report.Confidence, rerun.Confidence),
			}
			execRes = rerunExec
		}
	}

	return r.attest(entry, report, execRes, targetAtomHash, configHash), nil
}

func (r *Runner) exec(ctx context.Context, sandboxID string, entry verifier.AllowlistEntry, operationID string) (verifier.Report, sandbox.ExecResult, error) {
	stdout := &collectingArtifact{}
	stderr := &collectingArtifact{}

	execRes, err := r.Sandboxes.Exec(ctx, operationID, sandboxID, entry.CommandTemplate, sandbox.Streams{Stdout: stdout, Stderr: stderr})
	if err != nil {
		return verifier.Report{}, sandbox.ExecResult{}, fmt.Errorf("exec: %w", err)
	}
	report, err := r.Oracle.Summarize(ctx, entry.ID, execRes.ExitCode, stdout.bytes, stderr.bytes)
	if err != nil {
		return verifier.Report{}, sandbox.ExecResult{}, fmt.Errorf("summarize: %w", err)
	}
	return report, execRes, nil
}

func (r *Runner) attest(entry verifier.AllowlistEntry, report verifier.Report, execRes sandbox.ExecResult, targetAtomHash, configHash string) verifier.Attestation {
	artifactHash := hashStrings(execRes.StdoutRef, execRes.StderrRef)
	reportHash := hashReport(report)
	attestationID := hashStrings(entry.ID, targetAtomHash, configHash, artifactHash, reportHash)

	return verifier.Attestation{
		AttestationID:   attestationID,
		VerifierID:      entry.ID,
		TargetAtomHash:  targetAtomHash,
		Command:         entry.CommandTemplate,
		ConfigHash:      configHash,
		ArtifactHash:    artifactHash,
		ReportHash:      reportHash,
		VerifierVersion: r.VerifierVersion,
		Result:          report.Result,
		Report:          report,
		CreatedAt:       time.Now().UTC(),
	}
}

func mergeNextActions(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, verifier.MaxNextActions)
	for _, action := range append(append([]string{}, a...), b...) {
		if _, ok := seen[action]; ok {
			continue
		}
		seen[action] = struct{}{}
		out = append(out, action)
		if len(out) == verifier.MaxNextActions {
			break
		}
	}
	return out
}

func hashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func hashReport(report verifier.Report) string {
	// Reports are produced by an LLM oracle, not hand-built, so marshal
	// rather than string-join to avoid ambiguity across fields containing
	// the separator byte.
	raw, err := json.Marshal(report)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// collectingArtifact is a minimal sandbox.ArtifactWriter that buffers bytes
// in memory for immediate consumption by the oracle. Its Hash is the sha256
// of the buffered bytes; providers such as sandbox/inmem report it as the
// exec result's StdoutRef/StderrRef, which attest hashes into ArtifactHash.
type collectingArtifact struct {
	bytes []byte
}

func (c *collectingArtifact) Write(p []byte) (int, error) {
	c.bytes = append(c.bytes, p...)
	return len(p), nil
}

func (c *collectingArtifact) Hash() string {
	sum := sha256.Sum256(c.bytes)
	return "sha256:" + hex.EncodeToString(sum[:])
}
