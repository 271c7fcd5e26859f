package model

import (
	"time"
)

// ScheduleType selects how a schedule's expression is interpreted.
type ScheduleType string

const (
	ScheduleOneTime  ScheduleType = "one_time" // Expression is an RFC 3339 time
	ScheduleInterval ScheduleType = "interval" // Expression is a duration, e.g. "12h" or "1d"
	ScheduleCron     ScheduleType = "cron"     // Expression is a 5-field cron spec or @macro
)

// Schedule produces ScanRequests at due times from a template.
type Schedule struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Type       ScheduleType `json:"type"`
	Expression string       `json:"expression"`
	Enabled    bool         `json:"enabled"`
	Template   ScanRequest  `json:"template"`

	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	RunCount     int        `json:"run_count"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
}
