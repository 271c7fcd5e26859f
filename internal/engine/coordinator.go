package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/model"
)

// runScan drives one scan from queued to terminal. It owns the scan's
// admission slot, its work directory and its single terminal
// transition.
func (e *Engine) runScan(ctx context.Context, as *activeScan, plan []adapter.Adapter) {
	defer e.wg.Done()

	id := as.scan.ID
	if !e.admit.TryAdmit(id) {
		slog.InfoContext(ctx, "scan queued", "in_use", e.admit.InUse())
		grant := e.admit.Enqueue(id)
		select {
		case <-grant:
		case <-ctx.Done():
			if !e.admit.CancelQueued(id) {
				// the grant fired concurrently with the cancel
				e.admit.Release(id)
			}
			e.finalize(ctx, as, model.StatusCancelled, "cancelled while queued")
			return
		}
	}
	defer e.admit.Release(id)

	budget := e.cfg.Engine.ScanBudget()
	if as.req.MaxDuration > 0 && as.req.MaxDuration < budget {
		budget = as.req.MaxDuration
	}
	runCtx, cancelBudget := context.WithTimeout(ctx, budget)
	defer cancelBudget()

	now := time.Now().UTC()
	as.mx.Lock()
	as.scan.Status = model.StatusRunning
	as.scan.StartedAt = &now
	as.mx.Unlock()
	e.saveSnapshot(ctx, as)
	slog.InfoContext(ctx, "scan running", "budget", budget.String())

	stopPersist := make(chan struct{})
	go e.persistLoop(ctx, as, stopPersist)

	workDir := filepath.Join(e.workDir, id.String())

	for _, group := range phaseGroups(plan, as.req) {
		if runCtx.Err() != nil {
			break
		}
		var g errgroup.Group
		g.SetLimit(e.cfg.Engine.ToolParallelism)
		for _, ad := range group {
			g.Go(func() error {
				e.executeRun(runCtx, as, ad, workDir)
				return nil
			})
		}
		_ = g.Wait()
	}

	close(stopPersist)

	as.mx.Lock()
	cancelled := as.cancelled
	as.mx.Unlock()
	// runCtx reports DeadlineExceeded only when the budget expired
	// before any cancel, so the first event decides the terminal reason
	// even when a cancel arrives while killed runs drain.
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	var successes, failures int
	as.mx.Lock()
	for i := range as.scan.Runs {
		r := &as.scan.Runs[i]
		switch r.Status {
		case model.RunSuccess:
			successes++
		case model.RunFailed:
			failures++
		case model.RunPending, model.RunRunning:
			// never started or interrupted mid flight
			r.Status = model.RunKilled
		}
	}
	as.mx.Unlock()

	switch {
	case timedOut:
		e.finalize(ctx, as, model.StatusTimedOut, fmt.Sprintf("scan exceeded its %s budget", budget))
	case cancelled:
		e.finalize(ctx, as, model.StatusCancelled, "")
	case successes > 0:
		// partial failure tolerance: one useful tool result is a result
		e.finalize(ctx, as, model.StatusCompleted, "")
	default:
		e.finalize(ctx, as, model.StatusFailed, "all tool runs failed")
	}

	if err := os.RemoveAll(workDir); err != nil {
		slog.WarnContext(ctx, "removing scan work dir", "error", err)
	}
}

// phaseGroups orders the plan for execution. An explicit tool list
// runs one tool at a time in the order given; typed scans group by
// phase, lower phases first.
func phaseGroups(plan []adapter.Adapter, req model.ScanRequest) [][]adapter.Adapter {
	if len(req.Tools) > 0 {
		out := make([][]adapter.Adapter, 0, len(plan))
		for _, ad := range plan {
			out = append(out, []adapter.Adapter{ad})
		}
		return out
	}

	byPhase := make(map[model.Phase][]adapter.Adapter)
	for _, ad := range plan {
		byPhase[ad.Phase()] = append(byPhase[ad.Phase()], ad)
	}
	phases := make([]model.Phase, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })

	out := make([][]adapter.Adapter, 0, len(phases))
	for _, p := range phases {
		out = append(out, byPhase[p])
	}
	return out
}

// executeRun performs one supervised tool run and folds its results
// into the scan.
func (e *Engine) executeRun(ctx context.Context, as *activeScan, ad adapter.Adapter, scanDir string) {
	tool := ad.Tool()
	runIdx := -1
	var runID uuid.UUID
	as.mx.Lock()
	for i := range as.scan.Runs {
		if as.scan.Runs[i].Tool == tool && as.scan.Runs[i].Status == model.RunPending {
			runIdx = i
			runID = as.scan.Runs[i].ID
			break
		}
	}
	as.mx.Unlock()
	if runIdx < 0 {
		return
	}

	setRun := func(fn func(r *model.ToolRun)) {
		as.mx.Lock()
		fn(&as.scan.Runs[runIdx])
		as.mx.Unlock()
	}

	failRun := func(err error) {
		stopped := time.Now().UTC()
		setRun(func(r *model.ToolRun) {
			r.Status = model.RunFailed
			r.StoppedAt = &stopped
			r.Error = err.Error()
		})
		e.hub.Append(as.scan.ID, tool, "system", "run failed: "+err.Error())
	}

	workDir := filepath.Join(scanDir, string(tool))
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		failRun(fmt.Errorf("creating work dir: %w", err))
		e.advanceProgress(as)
		return
	}

	inv, err := ad.Command(as.req.Targets, as.req.Options[tool], workDir)
	if err != nil {
		failRun(err)
		e.advanceProgress(as)
		return
	}

	started := time.Now().UTC()
	setRun(func(r *model.ToolRun) {
		r.Status = model.RunRunning
		r.StartedAt = &started
		r.Command = inv.Argv()
	})
	e.saveSnapshot(ctx, as)
	slog.InfoContext(ctx, "tool run started", "tool", tool, "phase", ad.Phase().String())

	timeout := e.cfg.Engine.ScanBudget()
	if tc, ok := e.cfg.Tools[string(tool)]; ok {
		timeout = tc.RunTimeout(timeout)
	}
	out := e.sup.Execute(ctx, inv, timeout, func(_ context.Context, stream, line string) {
		e.hub.Append(as.scan.ID, tool, stream, line)
	})

	if out.Err != nil && out.ExitCode < 0 {
		// never ran: missing binary, bad work dir
		failRun(out.Err)
		e.advanceProgress(as)
		return
	}

	raw := adapter.RawOutput{
		Stdout:    out.Stdout,
		WorkDir:   workDir,
		Truncated: out.Truncated() || out.Clipped,
	}
	findings, warnings := ad.Parse(ctx, raw, as.req.Targets)
	evidenceRef := e.storeEvidence(ctx, as.scan.ID, ad, out.Stdout, workDir)

	now := time.Now().UTC()
	for i := range findings {
		findings[i].ScanID = as.scan.ID
		findings[i].ToolRunID = runID
		findings[i].CreatedAt = now
		if findings[i].Evidence == "" {
			findings[i].Evidence = evidenceRef
		}
	}
	if len(findings) > 0 {
		if err := e.findings.SaveFindings(ctx, as.scan.ID, findings); err != nil {
			slog.ErrorContext(ctx, "persisting findings", "tool", tool, "error", err)
		}
	}

	setRun(func(r *model.ToolRun) {
		r.StoppedAt = &now
		r.ExitCode = out.ExitCode
		r.FindingCount = len(findings)
		r.EvidenceRef = evidenceRef
		r.Warnings = warnings
		switch {
		case out.TimedOut:
			r.Status = model.RunTimedOut
		case out.Cancelled:
			r.Status = model.RunKilled
		case out.Err != nil || out.ExitCode != 0:
			r.Status = model.RunFailed
			r.Error = fmt.Sprintf("exit code %d", out.ExitCode)
		default:
			r.Status = model.RunSuccess
		}
	})

	as.mx.Lock()
	as.scan.FindingsCount += len(findings)
	if len(findings) > 0 && as.scan.SeverityCounts == nil {
		as.scan.SeverityCounts = make(map[model.Severity]int)
	}
	for _, f := range findings {
		as.scan.SeverityCounts[f.Severity]++
	}
	as.mx.Unlock()

	e.advanceProgress(as)
	e.saveSnapshot(ctx, as)
	slog.InfoContext(ctx, "tool run finished",
		"tool", tool, "exit_code", out.ExitCode, "findings", len(findings),
		"duration", out.Stopped.Sub(out.Started).String())
}

// storeEvidence archives the run's stdout and any report artifacts the
// adapter produced. The stdout ref is returned; artifact refs are
// logged only, the files themselves are content addressed and shared.
func (e *Engine) storeEvidence(ctx context.Context, scanID uuid.UUID, ad adapter.Adapter, stdout []byte, workDir string) string {
	if e.evidence == nil {
		return ""
	}
	var ref string
	if len(stdout) > 0 {
		var err error
		ref, err = e.evidence.Put(ctx, fmt.Sprintf("%s-%s-stdout", scanID, ad.Tool()), bytes.NewReader(stdout))
		if err != nil {
			slog.ErrorContext(ctx, "storing stdout evidence", "tool", ad.Tool(), "error", err)
		}
	}
	if producer, ok := ad.(adapter.ArtifactProducer); ok {
		for _, path := range producer.Artifacts(workDir) {
			f, err := os.Open(path)
			if err != nil {
				slog.ErrorContext(ctx, "opening artifact", "path", path, "error", err)
				continue
			}
			aref, err := e.evidence.Put(ctx, filepath.Base(path), f)
			_ = f.Close()
			if err != nil {
				slog.ErrorContext(ctx, "storing artifact", "path", path, "error", err)
				continue
			}
			slog.InfoContext(ctx, "artifact archived", "tool", ad.Tool(), "ref", aref)
		}
	}
	return ref
}

// advanceProgress recomputes weighted progress from finished runs.
// While the scan is live it tops out at 99; only the completed
// transition writes 100.
func (e *Engine) advanceProgress(as *activeScan) {
	as.mx.Lock()
	total, done := 0, 0
	for _, r := range as.scan.Runs {
		w := e.costOf(r.Tool)
		total += w
		if r.Status.Terminal() {
			done += w
		}
	}
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	if pct > 99 {
		pct = 99
	}
	if pct > as.scan.Progress {
		as.scan.Progress = pct
	}
	id := as.scan.ID
	progress := as.scan.Progress
	as.mx.Unlock()
	e.hub.SetProgress(id, progress)
}

func (e *Engine) costOf(tool model.ToolName) int {
	if ad, err := e.registry.Lookup(tool); err == nil {
		return ad.CostHint()
	}
	return 1
}

// persistLoop saves live snapshots at the configured interval so a
// watcher polling the store never lags far behind the engine.
func (e *Engine) persistLoop(ctx context.Context, as *activeScan, stop <-chan struct{}) {
	t := time.NewTicker(e.cfg.Engine.PersistEvery())
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.saveSnapshot(ctx, as)
		case <-stop:
			return
		}
	}
}

func (e *Engine) saveSnapshot(ctx context.Context, as *activeScan) {
	if err := e.scans.SaveScan(ctx, as.snapshot()); err != nil {
		slog.ErrorContext(ctx, "persisting scan snapshot", "error", err)
	}
}

// finalize performs the scan's single terminal transition and hands
// the record to the store.
func (e *Engine) finalize(ctx context.Context, as *activeScan, status model.ScanStatus, reason string) {
	as.mx.Lock()
	if as.done {
		as.mx.Unlock()
		return
	}
	as.done = true
	now := time.Now().UTC()
	as.scan.Status = status
	as.scan.CompletedAt = &now
	if as.scan.StartedAt != nil {
		as.scan.DurationSeconds = int(now.Sub(*as.scan.StartedAt) / time.Second)
	}
	if reason != "" {
		as.scan.Error = reason
	}
	if status == model.StatusCompleted {
		as.scan.Progress = 100
	}
	id := as.scan.ID
	as.mx.Unlock()

	if status == model.StatusCompleted {
		e.hub.SetProgress(id, 100)
	}
	e.hub.Append(id, "", "system", "scan "+string(status))
	e.hub.Close(id)

	final := as.snapshot()
	if err := e.scans.SaveScan(ctx, final); err != nil {
		slog.ErrorContext(ctx, "persisting terminal scan", "error", err)
	}

	e.mx.Lock()
	delete(e.active, id)
	e.mx.Unlock()

	slog.InfoContext(ctx, "scan finished",
		"status", status, "findings", final.FindingsCount,
		"duration_seconds", final.DurationSeconds)

	if e.mirror != nil {
		findings, err := e.findings.Findings(ctx, id)
		if err == nil {
			if err := e.mirror.Push(ctx, final, findings); err != nil {
				slog.ErrorContext(ctx, "mirroring scan to repository", "error", err)
			}
		}
	}
}
