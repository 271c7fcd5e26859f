package model

import (
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the lifecycle state of a Scan.
//
//	pending -> queued -> running -> {completed, failed, cancelled, timed_out}
//
// Terminal states never transition further.
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusQueued    ScanStatus = "queued"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
	StatusCancelled ScanStatus = "cancelled"
	StatusTimedOut  ScanStatus = "timed_out"
)

func (s ScanStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// ScanType maps to an ordered set of tools.
type ScanType string

const (
	ScanTypeNetwork ScanType = "network"
	ScanTypeWeb     ScanType = "web"
	ScanTypeAD      ScanType = "ad"
	ScanTypeFull    ScanType = "full"
	// ScanTypeCustom runs an explicit tool list in the order given,
	// without phase ordering.
	ScanTypeCustom ScanType = "custom"
)

// ToolName identifies one supported external tool. The set is closed:
// the adapter registry is built from these at startup and never resolved
// by free-form string lookup at execution time.
type ToolName string

const (
	ToolMasscan    ToolName = "masscan"
	ToolNmap       ToolName = "nmap"
	ToolNikto      ToolName = "nikto"
	ToolSQLMap     ToolName = "sqlmap"
	ToolBloodHound ToolName = "bloodhound"
	ToolHydra      ToolName = "hydra"
)

// Phase is a declared ordering group for tool runs within a scan.
// Lower phases complete before higher phases start, because later-phase
// tools depend on earlier-phase discovery.
type Phase int

const (
	PhaseDiscovery Phase = iota
	PhaseWeb
	PhaseAD
	PhaseCredential
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovery:
		return "discovery"
	case PhaseWeb:
		return "web"
	case PhaseAD:
		return "ad"
	case PhaseCredential:
		return "credential"
	}
	return "unknown"
}

// ScanRequest is the immutable input creating a Scan. It is consumed
// exactly once by the engine.
type ScanRequest struct {
	Name    string   `json:"name"`
	Type    ScanType `json:"scan_type"`
	Targets []string `json:"targets"`
	// Tools, when non empty, overrides the scan-type tool set and
	// disables phase ordering (runs in the order given).
	Tools   []ToolName                     `json:"tools,omitempty"`
	Options map[ToolName]map[string]string `json:"options,omitempty"`
	// Authorized confirms the requester holds authorization to test
	// the targets. Requests without it are rejected.
	Authorized  bool          `json:"authorized"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	RequestedBy string        `json:"requested_by,omitempty"`
	ScheduleID  string        `json:"schedule_id,omitempty"`
}

// RunStatus is the terminal or live state of a single ToolRun.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunTimedOut RunStatus = "timed_out"
	RunKilled   RunStatus = "killed"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunTimedOut, RunKilled:
		return true
	}
	return false
}

// ToolRun is one supervised execution of an external tool within a Scan.
type ToolRun struct {
	ID     uuid.UUID `json:"id"`
	Tool   ToolName  `json:"tool"`
	Phase  Phase     `json:"phase"`
	Status RunStatus `json:"status"`
	// Command records binary and argv actually executed, for audit.
	Command      []string   `json:"command,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	ExitCode     int        `json:"exit_code"`
	FindingCount int        `json:"finding_count"`
	EvidenceRef  string     `json:"evidence_ref,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Scan is the aggregate root owned by the engine while active. After a
// terminal transition it is handed to the scan store and becomes
// read-only for the engine.
type Scan struct {
	ID       uuid.UUID  `json:"id"`
	Name     string     `json:"name"`
	Type     ScanType   `json:"scan_type"`
	Status   ScanStatus `json:"status"`
	Targets  []string   `json:"targets"`
	Runs     []ToolRun  `json:"runs"`
	Progress int        `json:"progress_percent"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`

	FindingsCount  int              `json:"findings_count"`
	SeverityCounts map[Severity]int `json:"severity_counts,omitempty"`

	RequestedBy string `json:"requested_by,omitempty"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Invocation is a fully resolved external command: what the supervisor
// executes. Adapters build these; nothing else does.
type Invocation struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (i Invocation) Argv() []string {
	return append([]string{i.Path}, i.Args...)
}
