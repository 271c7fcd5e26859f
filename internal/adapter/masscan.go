package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

const defaultMasscanPorts = "1-1000"

// Masscan sweeps large ranges fast, ahead of the slower nmap pass.
// Output is requested as JSON on stdout (-oJ -).
type Masscan struct {
	binary string
}

func NewMasscan(binary string) *Masscan {
	return &Masscan{binary: binary}
}

func (m *Masscan) Tool() model.ToolName { return model.ToolMasscan }
func (m *Masscan) Phase() model.Phase   { return model.PhaseDiscovery }
func (m *Masscan) CostHint() int        { return 1 }

func (m *Masscan) Validate(targets []string, opts map[string]string) error {
	if len(targets) == 0 {
		return fmt.Errorf("no targets: %w", model.ErrValidation)
	}
	// masscan takes addresses and ranges only, no hostnames
	for _, t := range targets {
		if !isAddrOrPrefix(t) {
			return fmt.Errorf("target %q: masscan requires addresses or CIDR ranges: %w", t, model.ErrValidation)
		}
	}
	if err := checkOptions(opts, "ports", "rate"); err != nil {
		return err
	}
	if v, ok := opts["ports"]; ok {
		if err := portSpec(v); err != nil {
			return err
		}
	}
	if v, ok := opts["rate"]; ok {
		if err := intInRange("rate", v, 1, 100000); err != nil {
			return err
		}
	}
	return nil
}

func (m *Masscan) Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error) {
	ports := defaultMasscanPorts
	if v, ok := opts["ports"]; ok {
		ports = v
	}
	args := []string{"-oJ", "-", "-p", ports}
	if v, ok := opts["rate"]; ok {
		args = append(args, "--rate", v)
	}
	args = append(args, targets...)
	return model.Invocation{Path: m.binary, Args: args, Dir: workDir}, nil
}

type masscanRecord struct {
	IP    string `json:"ip"`
	Ports []struct {
		Port   int    `json:"port"`
		Proto  string `json:"proto"`
		Status string `json:"status"`
	} `json:"ports"`
}

// Parse reads the -oJ output line by line rather than as one document.
// A killed masscan leaves the JSON array unterminated, and per-line
// parsing still recovers everything written before the kill.
func (m *Masscan) Parse(_ context.Context, raw RawOutput, _ []string) ([]model.Finding, []string) {
	var findings []model.Finding
	sc := bufio.NewScanner(bytes.NewReader(raw.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sc.Text()), ","))
		if line == "" || line == "[" || line == "]" {
			continue
		}
		var rec masscanRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		for _, p := range rec.Ports {
			if p.Status != "" && p.Status != "open" {
				continue
			}
			f := newFinding(model.ToolMasscan, model.SeverityInfo,
				fmt.Sprintf("Open port %d/%s", p.Port, p.Proto), rec.IP)
			f.Port = fmt.Sprintf("%d", p.Port)
			f.Protocol = p.Proto
			findings = append(findings, f)
		}
	}

	var warnings []string
	if raw.Truncated {
		warnings = append(warnings, "sweep interrupted, results may be incomplete")
	}
	return findings, warnings
}

func isAddrOrPrefix(t string) bool {
	p, ok := targetRange(t)
	return ok && p.IsValid()
}
