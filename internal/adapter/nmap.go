package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

// Nmap performs service discovery. Output is requested as XML on
// stdout so no report file handling is needed.
type Nmap struct {
	binary string
}

func NewNmap(binary string) *Nmap {
	return &Nmap{binary: binary}
}

func (n *Nmap) Tool() model.ToolName { return model.ToolNmap }
func (n *Nmap) Phase() model.Phase   { return model.PhaseDiscovery }
func (n *Nmap) CostHint() int        { return 2 }

func (n *Nmap) Validate(targets []string, opts map[string]string) error {
	if err := hostTargets(targets); err != nil {
		return err
	}
	if err := checkOptions(opts, "ports", "top_ports", "aggressive", "scripts"); err != nil {
		return err
	}
	if v, ok := opts["ports"]; ok {
		if err := portSpec(v); err != nil {
			return err
		}
	}
	if v, ok := opts["top_ports"]; ok {
		if err := intInRange("top_ports", v, 1, 65535); err != nil {
			return err
		}
	}
	if v, ok := opts["aggressive"]; ok {
		if err := boolOpt("aggressive", v); err != nil {
			return err
		}
	}
	if v, ok := opts["scripts"]; ok && !scriptSpecRx.MatchString(v) {
		return fmt.Errorf("invalid script specification %q: %w", v, model.ErrValidation)
	}
	return nil
}

var scriptSpecRx = regexp.MustCompile(`^[a-zA-Z0-9*,._-]+$`)

func (n *Nmap) Command(targets []string, opts map[string]string, workDir string) (model.Invocation, error) {
	args := []string{"-oX", "-", "-sV", "-Pn"}
	if v, ok := opts["ports"]; ok {
		args = append(args, "-p", v)
	} else if v, ok := opts["top_ports"]; ok {
		args = append(args, "--top-ports", v)
	}
	if opts["aggressive"] == "true" {
		args = append(args, "-A")
	}
	if v, ok := opts["scripts"]; ok {
		args = append(args, "--script", v)
	}
	args = append(args, targets...)
	return model.Invocation{Path: n.binary, Args: args, Dir: workDir}, nil
}

type nmapRun struct {
	Hosts []nmapHost `xml:"host"`
}

type nmapHost struct {
	Addresses []struct {
		Addr string `xml:"addr,attr"`
		Type string `xml:"addrtype,attr"`
	} `xml:"address"`
	Hostnames []struct {
		Name string `xml:"name,attr"`
	} `xml:"hostnames>hostname"`
	Ports []nmapPort `xml:"ports>port"`
}

type nmapPort struct {
	Protocol string `xml:"protocol,attr"`
	PortID   string `xml:"portid,attr"`
	State    struct {
		State string `xml:"state,attr"`
	} `xml:"state"`
	Service struct {
		Name    string `xml:"name,attr"`
		Product string `xml:"product,attr"`
		Version string `xml:"version,attr"`
	} `xml:"service"`
	Scripts []struct {
		ID     string `xml:"id,attr"`
		Output string `xml:"output,attr"`
	} `xml:"script"`
}

// legacy plaintext services that warrant more than an informational note
var riskyServices = map[string]model.Severity{
	"telnet":        model.SeverityMedium,
	"ftp":           model.SeverityLow,
	"rlogin":        model.SeverityMedium,
	"vnc":           model.SeverityLow,
	"ms-wbt-server": model.SeverityLow,
}

func (n *Nmap) Parse(_ context.Context, raw RawOutput, _ []string) ([]model.Finding, []string) {
	var run nmapRun
	if err := xml.Unmarshal(raw.Stdout, &run); err != nil {
		if raw.Truncated {
			return nil, []string{"scan interrupted before any results were written"}
		}
		return nil, []string{fmt.Sprintf("unparseable XML output: %v", err)}
	}

	var findings []model.Finding
	for _, h := range run.Hosts {
		addr := hostAddr(h)
		for _, p := range h.Ports {
			if p.State.State != "open" {
				continue
			}
			sev := model.SeverityInfo
			if s, ok := riskyServices[p.Service.Name]; ok {
				sev = s
			}
			f := newFinding(model.ToolNmap, sev,
				fmt.Sprintf("Open port %s/%s (%s)", p.PortID, p.Protocol, serviceLabel(p)), addr)
			f.Port = p.PortID
			f.Protocol = p.Protocol
			f.Service = p.Service.Name
			f.Description = describePort(p)
			findings = append(findings, f)

			for _, s := range p.Scripts {
				if !strings.Contains(s.ID, "vuln") || strings.Contains(s.Output, "Couldn't find") {
					continue
				}
				sf := newFinding(model.ToolNmap, model.SeverityMedium,
					fmt.Sprintf("Script %s flagged port %s/%s", s.ID, p.PortID, p.Protocol), addr)
				sf.Port = p.PortID
				sf.Protocol = p.Protocol
				sf.Service = p.Service.Name
				sf.Description = s.Output
				findings = append(findings, sf)
			}
		}
	}

	var warnings []string
	if raw.Truncated {
		warnings = append(warnings, "scan interrupted, results may be incomplete")
	}
	return findings, warnings
}

func hostAddr(h nmapHost) string {
	for _, a := range h.Addresses {
		if a.Type == "ipv4" || a.Type == "ipv6" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	if len(h.Hostnames) > 0 {
		return h.Hostnames[0].Name
	}
	return ""
}

func serviceLabel(p nmapPort) string {
	if p.Service.Name == "" {
		return "unknown"
	}
	return p.Service.Name
}

func describePort(p nmapPort) string {
	var b strings.Builder
	b.WriteString("Service detected: ")
	b.WriteString(serviceLabel(p))
	if p.Service.Product != "" {
		b.WriteString(", ")
		b.WriteString(p.Service.Product)
		if p.Service.Version != "" {
			b.WriteString(" ")
			b.WriteString(p.Service.Version)
		}
	}
	return b.String()
}
