package mood

import "github.com/choiros/director/sandbox"

// SandboxPolicy derives a sandbox.Policy from p's SandboxLimits, giving the
// orchestrator a single deterministic mapping from "which mood is active"
// to "what the sandbox may do" rather than ad hoc per-call checks.
func (p Profile) SandboxPolicy() sandbox.Policy {
	return sandbox.Policy{
		Egress:          sandbox.EgressMode(p.Sandbox.Egress),
		EgressAllowlist: append([]string(nil), p.Sandbox.EgressAllowlist...),
		ReadPaths:       append([]string(nil), p.Sandbox.ReadPaths...),
		WritePaths:      append([]string(nil), p.Sandbox.WritePaths...),
		ExecPermitted:   p.Sandbox.ExecPermitted,
		CPULimitMillis:  p.Sandbox.CPULimitMillis,
		MemLimitBytes:   p.Sandbox.MemLimitBytes,
		WallTimeBudget:  p.Sandbox.WallTimeBudget,
	}
}
