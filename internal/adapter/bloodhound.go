package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

// BloodHound wraps bloodhound-python, the Active Directory collector.
// Its product is the zipped collection archive, preserved as evidence;
// stdout only yields collection counts for a summary finding.
type BloodHound struct {
	binary string
}

func NewBloodHound(binary string) *BloodHound {
	return &BloodHound{binary: binary}
}

func (b *BloodHound) Tool() model.ToolName { return model.ToolBloodHound }
func (b *BloodHound) Phase() model.Phase   { return model.PhaseAD }
func (b *BloodHound) CostHint() int        { return 3 }

var collectionMethods = []string{
	"Default", "All", "DCOnly", "Group", "LocalAdmin", "Session", "Trusts",
}

func (b *BloodHound) Validate(targets []string, opts map[string]string) error {
	if err := hostTargets(targets); err != nil {
		return err
	}
	if err := checkOptions(opts, "domain", "username", "password", "collection", "nameserver"); err != nil {
		return err
	}
	if opts["domain"] == "" || !hostnameRx.MatchString(opts["domain"]) {
		return fmt.Errorf("bloodhound requires a valid domain option: %w", model.ErrValidation)
	}
	if opts["username"] == "" {
		return fmt.Errorf("bloodhound requires a username option: %w", model.ErrValidation)
	}
	if opts["password"] == "" {
		return fmt.Errorf("bloodhound requires a password option: %w", model.ErrValidation)
	}
	if v, ok := opts["collection"]; ok && !slices.Contains(collectionMethods, v) {
		return fmt.Errorf("unsupported collection method %q: %w", v, model.ErrValidation)
	}
	if v, ok := opts["nameserver"]; ok {
		if _, err := netip.ParseAddr(v); err != nil {
			return fmt.Errorf("option nameserver must be an IP address: %w", model.ErrValidation)
		}
	}
	return nil
}

func (b *BloodHound) Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error) {
	collection := "Default"
	if v, ok := opts["collection"]; ok {
		collection = v
	}
	args := []string{
		"-d", opts["domain"],
		"-u", opts["username"],
		"-p", opts["password"],
		"-c", collection,
		"--zip",
	}
	if len(targets) > 0 {
		args = append(args, "-dc", targets[0])
	}
	if v, ok := opts["nameserver"]; ok {
		args = append(args, "-ns", v)
	}
	// collection files land in the working directory
	return model.Invocation{Path: b.binary, Args: args, Dir: workDir}, nil
}

var bhCountRx = regexp.MustCompile(`Found (\d+) (users|computers|groups|domains|trusts)`)

func (b *BloodHound) Parse(_ context.Context, raw RawOutput, targets []string) ([]model.Finding, []string) {
	target := ""
	if len(targets) > 0 {
		target = targets[0]
	}

	counts := make(map[string]string)
	var warnings []string
	sc := bufio.NewScanner(bytes.NewReader(raw.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := bhCountRx.FindStringSubmatch(line); m != nil {
			counts[m[2]] = m[1]
		}
		if i := strings.Index(line, "ERROR:"); i >= 0 {
			warnings = append(warnings, strings.TrimSpace(line[i+len("ERROR:"):]))
		}
	}

	var findings []model.Finding
	if len(counts) > 0 || len(b.Artifacts(raw.WorkDir)) > 0 {
		f := newFinding(model.ToolBloodHound, model.SeverityInfo,
			"Active Directory data collected", target)
		var parts []string
		for _, kind := range []string{"domains", "users", "computers", "groups", "trusts"} {
			if n, ok := counts[kind]; ok {
				parts = append(parts, n+" "+kind)
			}
		}
		if len(parts) > 0 {
			f.Description = "Collected " + strings.Join(parts, ", ") + "."
		} else {
			f.Description = "Collection archive written."
		}
		findings = append(findings, f)
	}

	if raw.Truncated {
		warnings = append(warnings, "collection interrupted, archive may be incomplete")
	}
	return findings, warnings
}

// Artifacts reports the zipped collection archives.
func (b *BloodHound) Artifacts(workDir string) []string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".zip" {
			out = append(out, filepath.Join(workDir, e.Name()))
		}
	}
	return out
}
