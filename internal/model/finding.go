package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity of a Finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is a normalized vulnerability or observation record produced
// by a tool adapter from one ToolRun's output. Findings are append-only
// while the scan runs; any later editing (status, notes) belongs to the
// storage collaborator.
type Finding struct {
	ID        uuid.UUID `json:"id"`
	ScanID    uuid.UUID `json:"scan_id"`
	ToolRunID uuid.UUID `json:"tool_run_id"`
	Tool      ToolName  `json:"tool"`

	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`

	Target   string `json:"target"`
	Port     string `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Service  string `json:"service,omitempty"`

	CVE        string `json:"cve_id,omitempty"`
	CVSSScore  string `json:"cvss_score,omitempty"`
	CVSSVector string `json:"cvss_vector,omitempty"`

	// Evidence is a reference into the evidence store, never the
	// content itself.
	Evidence    string `json:"evidence,omitempty"`
	Remediation string `json:"remediation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
