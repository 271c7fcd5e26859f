// Package engine owns the scan lifecycle. It validates requests before
// they cost anything, bounds how many scans run at once, drives tool
// execution phase by phase and performs exactly one terminal
// transition per scan.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/admit"
	"github.com/redconsec/redcon/internal/log"
	"github.com/redconsec/redcon/internal/model"
	"github.com/redconsec/redcon/internal/store"
	"github.com/redconsec/redcon/internal/stream"
	"github.com/redconsec/redcon/internal/supervise"
)

type Engine struct {
	cfg      model.Config
	registry *adapter.Registry
	guard    *adapter.Guard
	sup      *supervise.Supervisor
	admit    *admit.Controller
	hub      *stream.Hub
	scans    store.ScanStore
	findings store.FindingStore
	evidence store.EvidenceStore
	mirror   *store.RepoMirror
	workDir  string

	mx     sync.Mutex
	active map[uuid.UUID]*activeScan
	wg     sync.WaitGroup
}

// activeScan is the engine-owned state of a non-terminal scan. All
// access to scan goes through the mutex; once done is set the record
// belongs to the store and is never written again.
type activeScan struct {
	mx        sync.Mutex
	scan      model.Scan
	req       model.ScanRequest
	cancel    context.CancelFunc
	cancelled bool
	done      bool
}

func (a *activeScan) snapshot() model.Scan {
	a.mx.Lock()
	defer a.mx.Unlock()
	s := a.scan
	s.Targets = append([]string(nil), a.scan.Targets...)
	s.Runs = append([]model.ToolRun(nil), a.scan.Runs...)
	if a.scan.SeverityCounts != nil {
		s.SeverityCounts = make(map[model.Severity]int, len(a.scan.SeverityCounts))
		for k, v := range a.scan.SeverityCounts {
			s.SeverityCounts[k] = v
		}
	}
	return s
}

// New wires an Engine from configuration. Stores and the adapter set
// can be replaced afterwards through the With methods.
func New(ctx context.Context, cfg model.Config) (*Engine, error) {
	guard, err := adapter.NewGuard(cfg.Safety)
	if err != nil {
		return nil, fmt.Errorf("initializing safety guard: %w", err)
	}

	workDir := cfg.Engine.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "redcon-work-")
		if err != nil {
			return nil, fmt.Errorf("creating work dir: %w", err)
		}
	} else if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	mem := store.NewMemory()
	e := &Engine{
		cfg:      cfg,
		registry: adapter.Builtin(cfg),
		guard:    guard,
		sup:      supervise.New(cfg.Engine.Grace()),
		admit:    admit.New(cfg.Engine.MaxConcurrentScans),
		hub:      stream.NewHub(cfg.Engine.LogBufferBytes),
		scans:    mem,
		findings: mem,
		workDir:  workDir,
		active:   make(map[uuid.UUID]*activeScan),
	}

	if cfg.Evidence != nil && cfg.Evidence.Dir != "" {
		ev, err := store.NewFSEvidence(cfg.Evidence.Dir)
		if err != nil {
			return nil, fmt.Errorf("initializing evidence store: %w", err)
		}
		e.evidence = ev
	}
	if repo := cfg.Service.Repository; repo != nil && repo.Enabled {
		m, err := store.NewRepoMirror(repo.URL)
		if err != nil {
			return nil, fmt.Errorf("initializing repository mirror: %w", err)
		}
		e.mirror = m
	}

	slog.DebugContext(ctx, "engine initialized",
		"max_concurrent_scans", cfg.Engine.MaxConcurrentScans,
		"tools", e.registry.Names())
	return e, nil
}

// WithRegistry replaces the adapter set. This method exists for unit
// testing only.
func (e *Engine) WithRegistry(reg *adapter.Registry) *Engine {
	e.registry = reg
	return e
}

// WithSupervisor replaces the process supervisor. This method exists
// for unit testing only.
func (e *Engine) WithSupervisor(sup *supervise.Supervisor) *Engine {
	e.sup = sup
	return e
}

// Hub exposes the log stream for the transport layer.
func (e *Engine) Hub() *stream.Hub { return e.hub }

// CreateScan validates the request and, when it is acceptable, starts
// the scan lifecycle. Rejections happen before admission, so a refused
// request never consumes a slot or a queue position.
func (e *Engine) CreateScan(ctx context.Context, req model.ScanRequest) (model.Scan, error) {
	if !req.Authorized {
		return model.Scan{}, fmt.Errorf("request lacks authorization confirmation: %w", model.ErrValidation)
	}
	if len(req.Targets) == 0 {
		return model.Scan{}, fmt.Errorf("no targets: %w", model.ErrValidation)
	}

	plan, err := e.registry.Plan(req)
	if err != nil {
		return model.Scan{}, err
	}
	if err := e.guard.Check(req.Targets); err != nil {
		return model.Scan{}, err
	}
	for _, ad := range plan {
		if err := ad.Validate(req.Targets, req.Options[ad.Tool()]); err != nil {
			return model.Scan{}, fmt.Errorf("tool %s: %w", ad.Tool(), err)
		}
	}

	now := time.Now().UTC()
	scan := model.Scan{
		ID:          uuid.New(),
		Name:        req.Name,
		Type:        req.Type,
		Status:      model.StatusQueued,
		Targets:     append([]string(nil), req.Targets...),
		Runs:        make([]model.ToolRun, 0, len(plan)),
		CreatedAt:   now,
		RequestedBy: req.RequestedBy,
		ScheduleID:  req.ScheduleID,
	}
	for _, ad := range plan {
		scan.Runs = append(scan.Runs, model.ToolRun{
			ID:     uuid.New(),
			Tool:   ad.Tool(),
			Phase:  ad.Phase(),
			Status: model.RunPending,
		})
	}

	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	scanCtx = log.ContextAttrs(scanCtx, slog.String("scan_id", scan.ID.String()))
	as := &activeScan{scan: scan, req: req, cancel: cancel}

	e.mx.Lock()
	e.active[scan.ID] = as
	e.mx.Unlock()

	e.hub.Open(scan.ID)
	if err := e.scans.SaveScan(ctx, as.snapshot()); err != nil {
		slog.ErrorContext(ctx, "persisting new scan", "error", err)
	}

	slog.InfoContext(scanCtx, "scan accepted",
		"name", scan.Name, "type", scan.Type, "tools", len(plan))

	e.wg.Add(1)
	go e.runScan(scanCtx, as, plan)

	return as.snapshot(), nil
}

// CancelScan requests cancellation. Cancelling is idempotent: repeated
// cancels of an active scan and cancels of an already terminal scan are
// no-ops. Only an unknown scan is an error.
func (e *Engine) CancelScan(ctx context.Context, id uuid.UUID) error {
	e.mx.Lock()
	as, ok := e.active[id]
	e.mx.Unlock()
	if !ok {
		// terminal scans keep their status and reason
		_, err := e.scans.Scan(ctx, id)
		return err
	}

	as.mx.Lock()
	already := as.cancelled
	as.cancelled = true
	as.mx.Unlock()
	if !already {
		slog.InfoContext(ctx, "scan cancellation requested", "scan_id", id.String())
		as.cancel()
	}
	return nil
}

// Scan returns the current state of a scan, live or stored.
func (e *Engine) Scan(ctx context.Context, id uuid.UUID) (model.Scan, error) {
	e.mx.Lock()
	as, ok := e.active[id]
	e.mx.Unlock()
	if ok {
		return as.snapshot(), nil
	}
	return e.scans.Scan(ctx, id)
}

// Scans lists all scans, newest first.
func (e *Engine) Scans(ctx context.Context) ([]model.Scan, error) {
	all, err := e.scans.Scans(ctx)
	if err != nil {
		return nil, err
	}
	// live state beats the last persisted snapshot
	e.mx.Lock()
	defer e.mx.Unlock()
	for i, s := range all {
		if as, ok := e.active[s.ID]; ok {
			all[i] = as.snapshot()
		}
	}
	return all, nil
}

// Findings returns all findings recorded for a scan so far.
func (e *Engine) Findings(ctx context.Context, id uuid.UUID) ([]model.Finding, error) {
	if _, err := e.Scan(ctx, id); err != nil {
		return nil, err
	}
	return e.findings.Findings(ctx, id)
}

// Evidence opens a stored evidence blob.
func (e *Engine) Evidence(ctx context.Context, ref string) (io.ReadCloser, error) {
	if e.evidence == nil {
		return nil, fmt.Errorf("no evidence store configured")
	}
	return e.evidence.Open(ctx, ref)
}

// Close cancels every active scan, waits for their terminal
// transitions and releases the retained log buffers.
func (e *Engine) Close(ctx context.Context) error {
	e.mx.Lock()
	for _, as := range e.active {
		as.mx.Lock()
		as.cancelled = true
		as.mx.Unlock()
		as.cancel()
	}
	e.mx.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// terminal scans keep their replay buffer so logs stay readable;
	// shutdown is the retention boundary
	if all, err := e.scans.Scans(ctx); err == nil {
		for _, s := range all {
			e.hub.Remove(s.ID)
		}
	}

	if c, ok := e.evidence.(io.Closer); ok && e.evidence != nil {
		return c.Close()
	}
	return nil
}
