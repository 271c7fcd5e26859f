package adapter

// Package adapter turns scan configuration into concrete tool
// invocations and raw tool output into normalized findings.
//
// Every supported tool is one Adapter. The set is closed: adapters are
// registered in a static Registry built at startup, and the coordinator
// never dispatches on a tool name outside of it. Options are typed
// per tool and allow-listed; anything unknown is rejected before a
// process is spawned, so no free-form string ever reaches an argv.
//
// Parsing is tolerant by contract: an adapter given truncated or
// malformed output returns whatever findings are extractable plus
// warnings, never an error that would fail the run.

import (
	"context"

	"github.com/google/uuid"

	"github.com/redconsec/redcon/internal/model"
)

// RawOutput is what a completed (or killed) invocation left behind.
type RawOutput struct {
	Stdout []byte
	// WorkDir is the per-run scratch directory. Adapters whose tools
	// write report files read them back from here.
	WorkDir string
	// Truncated marks output of a run that was killed or timed out.
	Truncated bool
}

// Adapter is the uniform contract every tool implements.
type Adapter interface {
	Tool() model.ToolName
	Phase() model.Phase
	// CostHint weights this tool's share of scan progress relative to
	// the others. 1 is the baseline.
	CostHint() int
	// Validate rejects bad target syntax and disallowed options. It
	// runs before admission; failures never consume a slot.
	Validate(targets []string, opts map[string]string) error
	// Command builds the invocation actually executed.
	Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error)
	// Parse extracts findings from raw output. Returned warnings are
	// recorded on the ToolRun; Parse never fails the run.
	Parse(ctx context.Context, raw RawOutput, targets []string) ([]model.Finding, []string)
}

// ArtifactProducer is an optional capability: adapters whose tools
// leave evidence files on disk report them for the evidence store.
type ArtifactProducer interface {
	Artifacts(workDir string) []string
}

func newFinding(tool model.ToolName, sev model.Severity, title, target string) model.Finding {
	return model.Finding{
		ID:       uuid.New(),
		Tool:     tool,
		Severity: sev,
		Title:    title,
		Target:   target,
	}
}
