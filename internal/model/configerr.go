package model

import (
	"fmt"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// CueErrDetails renders a CUE validation error into one human readable
// line per problem, suitable for logging before the process exits.
func CueErrDetails(err error) []string {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, e := range cueerrors.Errors(err) {
		raw, _ := e.Msg()
		path := normalizePath(e.Path())
		msg := classify(raw, path)

		pos := position(e)
		line := msg
		if pos != "" {
			line = fmt.Sprintf("%s (%s)", msg, pos)
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

func classify(raw, path string) string {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(raw):
		return fmt.Sprintf("field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return fmt.Sprintf("field %s is required", field)
	case reConflict.MatchString(raw):
		return fmt.Sprintf("conflicting values for %s", field)
	case reExpectedGot.MatchString(raw):
		return fmt.Sprintf("field %s has wrong type or value", field)
	default:
		if path != "" {
			return path + ": " + raw
		}
		return raw
	}
}

func position(err cueerrors.Error) string {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return fmt.Sprintf("%s:%d:%d", r.Filename(), r.Line(), r.Column())
	}
	return ""
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the leading #Config definition
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func last(p string) string {
	if p == "" {
		return p
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
