package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

const niktoReportFile = "nikto.json"

// Nikto scans web servers for known misconfigurations and dated
// software. It writes its JSON report into the work directory; stdout
// only carries progress chatter.
type Nikto struct {
	binary string
}

func NewNikto(binary string) *Nikto {
	return &Nikto{binary: binary}
}

func (n *Nikto) Tool() model.ToolName { return model.ToolNikto }
func (n *Nikto) Phase() model.Phase   { return model.PhaseWeb }
func (n *Nikto) CostHint() int        { return 2 }

var tuningRx = regexp.MustCompile(`^[0-9abcdex]+$`)

func (n *Nikto) Validate(targets []string, opts map[string]string) error {
	if err := urlTargets(targets); err != nil {
		return err
	}
	if err := checkOptions(opts, "tuning", "ssl"); err != nil {
		return err
	}
	if v, ok := opts["tuning"]; ok && !tuningRx.MatchString(v) {
		return fmt.Errorf("invalid tuning specification %q: %w", v, model.ErrValidation)
	}
	if v, ok := opts["ssl"]; ok {
		if err := boolOpt("ssl", v); err != nil {
			return err
		}
	}
	return nil
}

func (n *Nikto) Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error) {
	urls := make([]string, len(targets))
	for i, t := range targets {
		urls[i] = asURL(t)
	}
	args := []string{
		"-h", strings.Join(urls, ","),
		"-o", filepath.Join(workDir, niktoReportFile),
		"-Format", "json",
		"-ask", "no",
		"-nointeractive",
	}
	if v, ok := opts["tuning"]; ok {
		args = append(args, "-Tuning", v)
	}
	if opts["ssl"] == "true" {
		args = append(args, "-ssl")
	}
	return model.Invocation{Path: n.binary, Args: args, Dir: workDir}, nil
}

type niktoHostReport struct {
	Host            string `json:"host"`
	IP              string `json:"ip"`
	Port            string `json:"port"`
	Banner          string `json:"banner"`
	Vulnerabilities []struct {
		ID         string `json:"id"`
		References string `json:"references"`
		Method     string `json:"method"`
		URL        string `json:"url"`
		Msg        string `json:"msg"`
	} `json:"vulnerabilities"`
}

func (n *Nikto) Parse(_ context.Context, raw RawOutput, _ []string) ([]model.Finding, []string) {
	data, err := os.ReadFile(filepath.Join(raw.WorkDir, niktoReportFile))
	if err != nil {
		if raw.Truncated {
			return nil, []string{"scan interrupted before the report was written"}
		}
		return nil, []string{fmt.Sprintf("report file missing: %v", err)}
	}

	// nikto emits either a single host object or an array of them
	var hosts []niktoHostReport
	if err := json.Unmarshal(data, &hosts); err != nil {
		var one niktoHostReport
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, []string{fmt.Sprintf("unparseable report: %v", err)}
		}
		hosts = []niktoHostReport{one}
	}

	var findings []model.Finding
	for _, h := range hosts {
		for _, v := range h.Vulnerabilities {
			f := newFinding(model.ToolNikto, niktoSeverity(v.Msg), niktoTitle(v.Msg), h.Host)
			f.Port = h.Port
			f.Service = "http"
			f.Description = strings.TrimSpace(v.Msg)
			if v.URL != "" {
				f.Description += "\nPath: " + v.URL
			}
			if v.References != "" {
				f.Description += "\nReferences: " + v.References
			}
			findings = append(findings, f)
		}
	}

	var warnings []string
	if raw.Truncated {
		warnings = append(warnings, "scan interrupted, report may be incomplete")
	}
	return findings, warnings
}

func niktoTitle(msg string) string {
	s := strings.TrimSpace(msg)
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	if s == "" {
		return "Web server issue"
	}
	return s
}

func niktoSeverity(msg string) model.Severity {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "sql injection"), strings.Contains(m, "remote code"),
		strings.Contains(m, "command execution"):
		return model.SeverityHigh
	case strings.Contains(m, "xss"), strings.Contains(m, "cross-site"),
		strings.Contains(m, "directory indexing"), strings.Contains(m, "traversal"):
		return model.SeverityMedium
	case strings.Contains(m, "outdated"), strings.Contains(m, "appears to be"):
		return model.SeverityLow
	}
	return model.SeverityInfo
}

// Artifacts reports the JSON report for the evidence store.
func (n *Nikto) Artifacts(workDir string) []string {
	p := filepath.Join(workDir, niktoReportFile)
	if _, err := os.Stat(p); err != nil {
		return nil
	}
	return []string{p}
}
