package model

import (
	"errors"
)

var (
	// ErrValidation marks a scan request rejected before any process
	// was spawned or any concurrency slot consumed.
	ErrValidation = errors.New("validation failed")

	ErrScanNotFound = errors.New("scan not found")
	ErrToolDisabled = errors.New("tool is disabled")
	ErrUnknownTool  = errors.New("unknown tool")
)
