package adapter

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

var hostnameRx = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+\.?$`)

// hostTarget accepts an IP address, a CIDR prefix or a DNS name.
func hostTarget(t string) error {
	if t == "" {
		return fmt.Errorf("empty target: %w", model.ErrValidation)
	}
	if _, err := netip.ParseAddr(t); err == nil {
		return nil
	}
	if _, err := netip.ParsePrefix(t); err == nil {
		return nil
	}
	if hostnameRx.MatchString(t) {
		return nil
	}
	return fmt.Errorf("target %q is not an address, CIDR range or hostname: %w", t, model.ErrValidation)
}

func hostTargets(targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("no targets: %w", model.ErrValidation)
	}
	for _, t := range targets {
		if err := hostTarget(t); err != nil {
			return err
		}
	}
	return nil
}

// urlTarget accepts an http(s) URL or a bare host. Bare hosts get an
// http scheme prepended when the command is built.
func urlTarget(t string) error {
	if t == "" {
		return fmt.Errorf("empty target: %w", model.ErrValidation)
	}
	if strings.Contains(t, "://") {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			return fmt.Errorf("target %q is not a valid URL: %w", t, model.ErrValidation)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("target %q has unsupported scheme %q: %w", t, u.Scheme, model.ErrValidation)
		}
		return nil
	}
	return hostTarget(t)
}

func urlTargets(targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("no targets: %w", model.ErrValidation)
	}
	for _, t := range targets {
		if err := urlTarget(t); err != nil {
			return err
		}
	}
	return nil
}

// asURL normalizes a validated web target into a full URL.
func asURL(t string) string {
	if strings.Contains(t, "://") {
		return t
	}
	return "http://" + t
}

// checkOptions rejects any option key outside the adapter's allow-list
// and any value that could smuggle extra arguments into the argv.
func checkOptions(opts map[string]string, allowed ...string) error {
	for k, v := range opts {
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("option %q is not supported: %w", k, model.ErrValidation)
		}
		if strings.ContainsAny(v, "\x00\n\r") {
			return fmt.Errorf("option %q has an invalid value: %w", k, model.ErrValidation)
		}
	}
	return nil
}

var portSpecRx = regexp.MustCompile(`^\d{1,5}(-\d{1,5})?(,\d{1,5}(-\d{1,5})?)*$`)

func portSpec(v string) error {
	if !portSpecRx.MatchString(v) {
		return fmt.Errorf("invalid port specification %q: %w", v, model.ErrValidation)
	}
	return nil
}

func intInRange(name, v string, lo, hi int) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return fmt.Errorf("option %q must be an integer between %d and %d: %w", name, lo, hi, model.ErrValidation)
	}
	return nil
}

func boolOpt(name, v string) error {
	if v != "true" && v != "false" {
		return fmt.Errorf("option %q must be true or false: %w", name, model.ErrValidation)
	}
	return nil
}

// defaultBlockedRanges apply when no safety section is configured.
var defaultBlockedRanges = []string{
	"127.0.0.0/8",
	"169.254.0.0/16",
	"224.0.0.0/4",
	"::1/128",
	"fe80::/10",
}

// Guard enforces the configured target range policy. Literal addresses
// and prefixes are checked against the blocked list, and in whitelist
// mode must additionally fall inside an allowed range. Hostnames pass
// through unresolved; resolving them here would race the tool's own
// resolution anyway.
type Guard struct {
	blocked   []netip.Prefix
	allowed   []netip.Prefix
	whitelist bool
}

// NewGuard builds a Guard from the safety configuration. A nil safety
// section yields the default blocked ranges.
func NewGuard(s *model.Safety) (*Guard, error) {
	g := &Guard{}
	blocked := defaultBlockedRanges
	if s != nil {
		if s.BlockedRanges != nil {
			blocked = s.BlockedRanges
		}
		g.whitelist = s.WhitelistMode
		for _, r := range s.AllowedRanges {
			p, err := parseRange(r)
			if err != nil {
				return nil, fmt.Errorf("allowed range %q: %w", r, err)
			}
			g.allowed = append(g.allowed, p)
		}
	}
	for _, r := range blocked {
		p, err := parseRange(r)
		if err != nil {
			return nil, fmt.Errorf("blocked range %q: %w", r, err)
		}
		g.blocked = append(g.blocked, p)
	}
	if g.whitelist && len(g.allowed) == 0 {
		return nil, fmt.Errorf("whitelist mode requires at least one allowed range")
	}
	return g, nil
}

func parseRange(r string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(r); err == nil {
		return p, nil
	}
	a, err := netip.ParseAddr(r)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Check rejects targets whose address range intersects a blocked range
// or, in whitelist mode, escapes every allowed range.
func (g *Guard) Check(targets []string) error {
	for _, t := range targets {
		p, ok := targetRange(t)
		if !ok {
			continue
		}
		for _, b := range g.blocked {
			if b.Overlaps(p) {
				return fmt.Errorf("target %q is in blocked range %s: %w", t, b, model.ErrValidation)
			}
		}
		if g.whitelist && !containedIn(g.allowed, p) {
			return fmt.Errorf("target %q is outside the allowed ranges: %w", t, model.ErrValidation)
		}
	}
	return nil
}

func targetRange(t string) (netip.Prefix, bool) {
	s := t
	// web targets wrap the host in a URL
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return netip.Prefix{}, false
		}
		s = u.Hostname()
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(a, a.BitLen()), true
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, true
	}
	return netip.Prefix{}, false
}

func containedIn(ranges []netip.Prefix, p netip.Prefix) bool {
	for _, r := range ranges {
		if r.Contains(p.Addr()) && r.Bits() <= p.Bits() {
			return true
		}
	}
	return false
}
