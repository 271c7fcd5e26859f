package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/redconsec/redcon/internal/model"
)

// Memory holds scans and findings in process memory. It satisfies both
// ScanStore and FindingStore and is the default backend; the optional
// repository mirror runs next to it, never instead of it.
type Memory struct {
	mx       sync.RWMutex
	scans    map[uuid.UUID]model.Scan
	findings map[uuid.UUID][]model.Finding
}

func NewMemory() *Memory {
	return &Memory{
		scans:    make(map[uuid.UUID]model.Scan),
		findings: make(map[uuid.UUID][]model.Finding),
	}
}

func (m *Memory) SaveScan(_ context.Context, scan model.Scan) error {
	if scan.ID == uuid.Nil {
		return fmt.Errorf("scan without id: %w", model.ErrValidation)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	m.scans[scan.ID] = copyScan(scan)
	return nil
}

func (m *Memory) Scan(_ context.Context, id uuid.UUID) (model.Scan, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	s, ok := m.scans[id]
	if !ok {
		return model.Scan{}, fmt.Errorf("scan %s: %w", id, model.ErrScanNotFound)
	}
	return copyScan(s), nil
}

func (m *Memory) Scans(_ context.Context) ([]model.Scan, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	out := make([]model.Scan, 0, len(m.scans))
	for _, s := range m.scans {
		out = append(out, copyScan(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) SaveFindings(_ context.Context, scanID uuid.UUID, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	m.findings[scanID] = append(m.findings[scanID], findings...)
	return nil
}

func (m *Memory) Findings(_ context.Context, scanID uuid.UUID) ([]model.Finding, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return append([]model.Finding(nil), m.findings[scanID]...), nil
}

func copyScan(s model.Scan) model.Scan {
	out := s
	out.Targets = append([]string(nil), s.Targets...)
	out.Runs = make([]model.ToolRun, len(s.Runs))
	for i, r := range s.Runs {
		cr := r
		cr.Command = append([]string(nil), r.Command...)
		cr.Warnings = append([]string(nil), r.Warnings...)
		out.Runs[i] = cr
	}
	if s.SeverityCounts != nil {
		out.SeverityCounts = make(map[model.Severity]int, len(s.SeverityCounts))
		for k, v := range s.SeverityCounts {
			out.SeverityCounts[k] = v
		}
	}
	return out
}
