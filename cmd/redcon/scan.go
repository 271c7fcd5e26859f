package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/redconsec/redcon/internal/engine"
	"github.com/redconsec/redcon/internal/log"
	"github.com/redconsec/redcon/internal/model"
)

var (
	flagScanType    string
	flagScanTargets []string
	flagScanTools   []string
	flagAuthorized  bool
)

// scanResult is the one-shot output printed to stdout.
type scanResult struct {
	Scan     model.Scan      `json:"scan"`
	Findings []model.Finding `json:"findings"`
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("redcon",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	eng, err := engine.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := eng.Close(closeCtx); cerr != nil {
			slog.ErrorContext(ctx, "engine shutdown failed", "error", cerr)
		}
	}()

	req := model.ScanRequest{
		Name:        "cli scan",
		Type:        model.ScanType(flagScanType),
		Targets:     flagScanTargets,
		Authorized:  flagAuthorized,
		RequestedBy: "cli",
	}
	for _, t := range flagScanTools {
		req.Tools = append(req.Tools, model.ToolName(t))
	}

	scan, err := eng.CreateScan(ctx, req)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "scan submitted", "scan_id", scan.ID, "tools", len(scan.Runs))

	// mirror tool output to stderr while the scan runs
	sub, cancelSub, ok := eng.Hub().Subscribe(scan.ID)
	if ok {
		defer cancelSub()
		go func() {
			for e := range sub {
				fmt.Fprintf(os.Stderr, "[%s/%s] %s\n", e.Tool, e.Stream, e.Line)
			}
		}()
	}

	final, err := waitTerminal(ctx, eng, scan.ID)
	if err != nil {
		// interrupted; cancel the scan and report whatever state it
		// reached before the deadline below
		slog.WarnContext(ctx, "wait interrupted, cancelling scan", "error", err)
		_ = eng.CancelScan(context.Background(), scan.ID)
		grace, cancel := context.WithTimeout(context.Background(), config.Engine.Grace()+5*time.Second)
		final, _ = waitTerminal(grace, eng, scan.ID)
		cancel()
	}

	findings, err := eng.Findings(context.Background(), scan.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(scanResult{Scan: final, Findings: findings}); err != nil {
		return err
	}

	if final.Status != model.StatusCompleted {
		return fmt.Errorf("scan finished %s: %s", final.Status, final.Error)
	}
	return nil
}

func waitTerminal(ctx context.Context, eng *engine.Engine, id uuid.UUID) (model.Scan, error) {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		scan, err := eng.Scan(ctx, id)
		if err != nil {
			return model.Scan{}, err
		}
		if scan.Status.Terminal() {
			return scan, nil
		}
		select {
		case <-ctx.Done():
			return scan, ctx.Err()
		case <-tick.C:
		}
	}
}
