// Package store keeps scan records, findings and raw tool evidence.
// The engine owns a scan while it is active and hands snapshots here;
// readers only ever see copies.
package store

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/redconsec/redcon/internal/model"
)

type ScanStore interface {
	// SaveScan upserts a snapshot of the scan.
	SaveScan(ctx context.Context, scan model.Scan) error
	Scan(ctx context.Context, id uuid.UUID) (model.Scan, error)
	// Scans lists all known scans, newest first.
	Scans(ctx context.Context) ([]model.Scan, error)
}

type FindingStore interface {
	// SaveFindings appends findings for a scan.
	SaveFindings(ctx context.Context, scanID uuid.UUID, findings []model.Finding) error
	Findings(ctx context.Context, scanID uuid.UUID) ([]model.Finding, error)
}

// EvidenceStore archives raw tool output. Content is addressed by
// digest; the returned ref is what findings and tool runs carry.
type EvidenceStore interface {
	Put(ctx context.Context, name string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}
