package adapter

import (
	"fmt"

	"github.com/redconsec/redcon/internal/model"
)

// Registry holds the adapters enabled by configuration, keyed by tool.
type Registry struct {
	adapters map[model.ToolName]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ToolName]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Tool()] = a
	}
	return r
}

// Builtin constructs the full adapter set, honoring per-tool enable
// flags and binary overrides from the configuration.
func Builtin(cfg model.Config) *Registry {
	var as []Adapter
	add := func(name model.ToolName, mk func(binary string) Adapter, defaultBinary string) {
		tc := cfg.Tools[string(name)]
		if !tc.IsEnabled() {
			return
		}
		binary := defaultBinary
		if tc.Binary != "" {
			binary = tc.Binary
		}
		as = append(as, mk(binary))
	}
	add(model.ToolMasscan, func(b string) Adapter { return NewMasscan(b) }, "masscan")
	add(model.ToolNmap, func(b string) Adapter { return NewNmap(b) }, "nmap")
	add(model.ToolNikto, func(b string) Adapter { return NewNikto(b) }, "nikto")
	add(model.ToolSQLMap, func(b string) Adapter { return NewSQLMap(b) }, "sqlmap")
	add(model.ToolBloodHound, func(b string) Adapter { return NewBloodHound(b) }, "bloodhound-python")
	add(model.ToolHydra, func(b string) Adapter { return NewHydra(b) }, "hydra")
	return NewRegistry(as...)
}

var builtinNames = map[model.ToolName]struct{}{
	model.ToolMasscan:    {},
	model.ToolNmap:       {},
	model.ToolNikto:      {},
	model.ToolSQLMap:     {},
	model.ToolBloodHound: {},
	model.ToolHydra:      {},
}

// Lookup resolves one tool. A known but unregistered tool is disabled,
// anything else is unknown.
func (r *Registry) Lookup(name model.ToolName) (Adapter, error) {
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	if _, ok := builtinNames[name]; ok {
		return nil, fmt.Errorf("tool %q: %w", name, model.ErrToolDisabled)
	}
	return nil, fmt.Errorf("tool %q: %w", name, model.ErrUnknownTool)
}

type planEntry struct {
	tool model.ToolName
	// optIn tools join a typed scan only when the request carries
	// options for them; they need credentials or explicit intent.
	optIn bool
}

var scanPlans = map[model.ScanType][]planEntry{
	model.ScanTypeNetwork: {
		{model.ToolMasscan, true},
		{model.ToolNmap, false},
	},
	model.ScanTypeWeb: {
		{model.ToolNikto, false},
		{model.ToolSQLMap, true},
	},
	model.ScanTypeAD: {
		{model.ToolBloodHound, true},
		{model.ToolHydra, true},
	},
	model.ScanTypeFull: {
		{model.ToolMasscan, true},
		{model.ToolNmap, false},
		{model.ToolNikto, false},
		{model.ToolSQLMap, true},
		{model.ToolBloodHound, true},
		{model.ToolHydra, true},
	},
}

// Plan resolves the adapters a request will run, in declaration order.
// An explicit tool list overrides the scan type's set and any unknown
// or disabled entry in it is an error; the typed sets instead skip
// disabled tools silently, failing only when nothing remains.
func (r *Registry) Plan(req model.ScanRequest) ([]Adapter, error) {
	if len(req.Tools) > 0 {
		out := make([]Adapter, 0, len(req.Tools))
		for _, name := range req.Tools {
			a, err := r.Lookup(name)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}

	if req.Type == model.ScanTypeCustom {
		return nil, fmt.Errorf("custom scan without tools: %w", model.ErrValidation)
	}
	entries, ok := scanPlans[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown scan type %q: %w", req.Type, model.ErrValidation)
	}

	var out []Adapter
	for _, e := range entries {
		if e.optIn {
			if _, ok := req.Options[e.tool]; !ok {
				continue
			}
		}
		a, ok := r.adapters[e.tool]
		if !ok {
			if e.optIn {
				// explicitly requested via options
				return nil, fmt.Errorf("tool %q: %w", e.tool, model.ErrToolDisabled)
			}
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tools available for scan type %q: %w", req.Type, model.ErrValidation)
	}
	return out, nil
}

// Names lists the registered tools, for diagnostics.
func (r *Registry) Names() []model.ToolName {
	out := make([]model.ToolName, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
