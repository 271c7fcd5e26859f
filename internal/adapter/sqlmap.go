package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

// SQLMap probes web targets for SQL injection. Findings come from its
// stdout; the "Parameter: ... Type: ... Payload: ..." blocks it prints
// for each confirmed injection point.
type SQLMap struct {
	binary string
}

func NewSQLMap(binary string) *SQLMap {
	return &SQLMap{binary: binary}
}

func (s *SQLMap) Tool() model.ToolName { return model.ToolSQLMap }
func (s *SQLMap) Phase() model.Phase   { return model.PhaseWeb }
func (s *SQLMap) CostHint() int        { return 3 }

func (s *SQLMap) Validate(targets []string, opts map[string]string) error {
	if err := urlTargets(targets); err != nil {
		return err
	}
	if err := checkOptions(opts, "level", "risk", "forms", "crawl"); err != nil {
		return err
	}
	if v, ok := opts["level"]; ok {
		if err := intInRange("level", v, 1, 5); err != nil {
			return err
		}
	}
	if v, ok := opts["risk"]; ok {
		if err := intInRange("risk", v, 1, 3); err != nil {
			return err
		}
	}
	if v, ok := opts["forms"]; ok {
		if err := boolOpt("forms", v); err != nil {
			return err
		}
	}
	if v, ok := opts["crawl"]; ok {
		if err := intInRange("crawl", v, 1, 5); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLMap) Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error) {
	args := []string{"--batch", "--output-dir", filepath.Join(workDir, "sqlmap")}

	if len(targets) == 1 {
		args = append(args, "-u", asURL(targets[0]))
	} else {
		// sqlmap takes one -u; multiple targets go through a bulk file
		var buf bytes.Buffer
		for _, t := range targets {
			buf.WriteString(asURL(t))
			buf.WriteByte('\n')
		}
		bulk := filepath.Join(workDir, "targets.txt")
		if err := os.WriteFile(bulk, buf.Bytes(), 0o600); err != nil {
			return model.Invocation{}, fmt.Errorf("write bulk target file: %w", err)
		}
		args = append(args, "-m", bulk)
	}

	if v, ok := opts["level"]; ok {
		args = append(args, "--level", v)
	}
	if v, ok := opts["risk"]; ok {
		args = append(args, "--risk", v)
	}
	if opts["forms"] == "true" {
		args = append(args, "--forms")
	}
	if v, ok := opts["crawl"]; ok {
		args = append(args, "--crawl", v)
	}
	return model.Invocation{Path: s.binary, Args: args, Dir: workDir}, nil
}

func (s *SQLMap) Parse(_ context.Context, raw RawOutput, targets []string) ([]model.Finding, []string) {
	target := ""
	if len(targets) > 0 {
		target = asURL(targets[0])
	}

	var findings []model.Finding
	var curURL, curParam, curType string

	emit := func(payload string) {
		t := target
		if curURL != "" {
			t = curURL
		}
		f := newFinding(model.ToolSQLMap, model.SeverityCritical,
			fmt.Sprintf("SQL injection in parameter %q", curParam), t)
		f.Service = "http"
		f.Description = fmt.Sprintf("Injection type: %s", curType)
		if payload != "" {
			f.Description += "\nPayload: " + payload
		}
		findings = append(findings, f)
	}

	sc := bufio.NewScanner(bytes.NewReader(raw.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "URL:"):
			curURL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
		case strings.HasPrefix(line, "Parameter:"):
			curParam = strings.TrimSpace(strings.TrimPrefix(line, "Parameter:"))
		case strings.HasPrefix(line, "Type:"):
			curType = strings.TrimSpace(strings.TrimPrefix(line, "Type:"))
		case strings.HasPrefix(line, "Payload:"):
			if curParam != "" {
				emit(strings.TrimSpace(strings.TrimPrefix(line, "Payload:")))
			}
		}
	}

	var warnings []string
	if raw.Truncated {
		warnings = append(warnings, "probe interrupted, results may be incomplete")
	}
	return findings, warnings
}
