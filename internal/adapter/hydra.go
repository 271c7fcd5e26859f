package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

// Hydra brute-forces service logins. It runs in the credential phase,
// after discovery has mapped the services worth attacking. Every hit
// becomes a critical finding; the full credential pair stays in the
// evidence record, the finding itself redacts the password.
type Hydra struct {
	binary string
}

func NewHydra(binary string) *Hydra {
	return &Hydra{binary: binary}
}

func (h *Hydra) Tool() model.ToolName { return model.ToolHydra }
func (h *Hydra) Phase() model.Phase   { return model.PhaseCredential }
func (h *Hydra) CostHint() int        { return 2 }

var hydraServices = []string{
	"ssh", "ftp", "telnet", "smb", "rdp", "vnc",
	"mysql", "postgres", "http-get", "http-post-form",
}

func (h *Hydra) Validate(targets []string, opts map[string]string) error {
	if err := hostTargets(targets); err != nil {
		return err
	}
	if err := checkOptions(opts, "service", "username", "userlist", "password", "passlist", "port", "threads"); err != nil {
		return err
	}

	svc, ok := opts["service"]
	if !ok {
		return fmt.Errorf("hydra requires a service option: %w", model.ErrValidation)
	}
	if !slices.Contains(hydraServices, svc) {
		return fmt.Errorf("unsupported service %q: %w", svc, model.ErrValidation)
	}

	if opts["username"] == "" && opts["userlist"] == "" {
		return fmt.Errorf("hydra requires username or userlist: %w", model.ErrValidation)
	}
	if opts["password"] == "" && opts["passlist"] == "" {
		return fmt.Errorf("hydra requires password or passlist: %w", model.ErrValidation)
	}
	for _, k := range []string{"userlist", "passlist"} {
		if p, ok := opts[k]; ok {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("option %q: wordlist %q not readable: %w", k, p, model.ErrValidation)
			}
		}
	}
	if v, ok := opts["port"]; ok {
		if err := intInRange("port", v, 1, 65535); err != nil {
			return err
		}
	}
	if v, ok := opts["threads"]; ok {
		if err := intInRange("threads", v, 1, 64); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hydra) Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error) {
	var args []string
	if u, ok := opts["userlist"]; ok {
		args = append(args, "-L", u)
	} else {
		args = append(args, "-l", opts["username"])
	}
	if p, ok := opts["passlist"]; ok {
		args = append(args, "-P", p)
	} else {
		args = append(args, "-p", opts["password"])
	}
	if v, ok := opts["port"]; ok {
		args = append(args, "-s", v)
	}
	if v, ok := opts["threads"]; ok {
		args = append(args, "-t", v)
	}
	args = append(args, "-I", "-f")

	if len(targets) == 1 {
		args = append(args, targets[0])
	} else {
		var buf bytes.Buffer
		for _, t := range targets {
			buf.WriteString(t)
			buf.WriteByte('\n')
		}
		list := filepath.Join(workDir, "targets.txt")
		if err := os.WriteFile(list, buf.Bytes(), 0o600); err != nil {
			return model.Invocation{}, fmt.Errorf("write target file: %w", err)
		}
		args = append(args, "-M", list)
	}
	args = append(args, opts["service"])

	return model.Invocation{Path: h.binary, Args: args, Dir: workDir}, nil
}

// hit lines look like:
//
//	[22][ssh] host: 10.0.0.5   login: root   password: toor
var hydraHitRx = regexp.MustCompile(`^\[(\d+)\]\[([a-z0-9-]+)\]\s+host:\s+(\S+)\s+login:\s+(\S+)(?:\s+password:\s+(\S*))?`)

func (h *Hydra) Parse(_ context.Context, raw RawOutput, _ []string) ([]model.Finding, []string) {
	var findings []model.Finding
	sc := bufio.NewScanner(bytes.NewReader(raw.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := hydraHitRx.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		port, svc, host, login, password := m[1], m[2], m[3], m[4], m[5]
		f := newFinding(model.ToolHydra, model.SeverityCritical,
			fmt.Sprintf("Valid %s credentials for %q", svc, login), host)
		f.Port = port
		f.Service = svc
		f.Protocol = "tcp"
		f.Description = fmt.Sprintf("Login %q authenticated with password %s.", login, redact(password))
		f.Remediation = "Disable or rotate the credential and enforce a lockout policy."
		findings = append(findings, f)
	}

	var warnings []string
	if raw.Truncated {
		warnings = append(warnings, "attack interrupted, results may be incomplete")
	}
	return findings, warnings
}

func redact(p string) string {
	if p == "" {
		return "(empty)"
	}
	if len(p) <= 2 {
		return "**"
	}
	return p[:1] + strings.Repeat("*", len(p)-1)
}
