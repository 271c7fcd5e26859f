package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the engine configuration, loaded once at startup from a YAML
// file validated against the embedded CUE schema.
type Config struct {
	Version   int              `json:"version"` // fixed 0 for now
	Engine    Engine           `json:"engine"`
	Tools     map[string]Tool  `json:"tools,omitempty"`
	Safety    *Safety          `json:"safety,omitempty"`
	Service   Service          `json:"service"`
	Evidence  *Evidence        `json:"evidence,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// Engine holds the execution ceilings. Durations use the compact
// day/hour/minute/second format, e.g. "1h30m".
type Engine struct {
	MaxConcurrentScans int    `json:"max_concurrent_scans"`
	MaxScanDuration    string `json:"max_scan_duration"`
	ToolParallelism    int    `json:"tool_parallelism"`
	GracePeriod        string `json:"grace_period"`
	PersistInterval    string `json:"persist_interval"`
	LogBufferBytes     int    `json:"log_buffer_bytes"`
	WorkDir            string `json:"work_dir,omitempty"`
}

func (e Engine) ScanBudget() time.Duration {
	d, err := ParseDuration(e.MaxScanDuration)
	if err != nil {
		return time.Hour
	}
	return d
}

func (e Engine) Grace() time.Duration {
	d, err := ParseDuration(e.GracePeriod)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (e Engine) PersistEvery() time.Duration {
	d, err := ParseDuration(e.PersistInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Tool enables/disables one tool and optionally overrides its binary.
type Tool struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Binary  string `json:"binary,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

func (t Tool) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

func (t Tool) RunTimeout(fallback time.Duration) time.Duration {
	if t.Timeout == "" {
		return fallback
	}
	d, err := ParseDuration(t.Timeout)
	if err != nil {
		return fallback
	}
	return d
}

// Safety limits which targets may be scanned at all.
type Safety struct {
	BlockedRanges []string `json:"blocked_ranges,omitempty"`
	AllowedRanges []string `json:"allowed_ranges,omitempty"`
	WhitelistMode bool     `json:"whitelist_mode,omitempty"`
}

// Service configures the long-running mode: HTTP listener and logging.
type Service struct {
	Listen  string `json:"listen"`
	Verbose bool   `json:"verbose,omitempty"`
	Log     *Log   `json:"log,omitempty"`
	// Repository, when enabled, mirrors terminal scans and findings to
	// a remote store over HTTP.
	Repository *Repository `json:"repository,omitempty"`
}

type Log struct {
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

type Repository struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// Evidence configures the local content-addressed artifact store.
type Evidence struct {
	Dir string `json:"dir,omitempty"`
}

// ScheduleConfig declares one scheduled scan in the config file.
type ScheduleConfig struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Type       ScheduleType `json:"type"`
	Expression string       `json:"expression"`
	Enabled    *bool        `json:"enabled,omitempty"`
	// LastRun carries restart continuity: a due time missed while the
	// process was down triggers at most one catch-up run.
	LastRun  string       `json:"last_run,omitempty"`
	Template ScanTemplate `json:"template"`
}

func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ScanTemplate is the scan request produced on every schedule tick.
type ScanTemplate struct {
	Name        string                       `json:"name"`
	Type        ScanType                     `json:"scan_type"`
	Targets     []string                     `json:"targets"`
	Tools       []ToolName                   `json:"tools,omitempty"`
	Options     map[string]map[string]string `json:"options,omitempty"`
	MaxDuration string                       `json:"max_duration,omitempty"`
}

// Request materializes the template into a one-shot ScanRequest.
// Scheduled scans are operator-authored, so authorization is implied.
func (t ScanTemplate) Request(scheduleID string) ScanRequest {
	req := ScanRequest{
		Name:        t.Name,
		Type:        t.Type,
		Targets:     append([]string(nil), t.Targets...),
		Tools:       append([]ToolName(nil), t.Tools...),
		Authorized:  true,
		RequestedBy: "scheduler",
		ScheduleID:  scheduleID,
	}
	if len(t.Options) > 0 {
		req.Options = make(map[ToolName]map[string]string, len(t.Options))
		for tool, opts := range t.Options {
			req.Options[ToolName(tool)] = opts
		}
	}
	if t.MaxDuration != "" {
		if d, err := ParseDuration(t.MaxDuration); err == nil {
			req.MaxDuration = d
		}
	}
	return req
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig is what gets written on first run when no config exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Engine: Engine{
			MaxConcurrentScans: 5,
			MaxScanDuration:    "1h",
			ToolParallelism:    1,
			GracePeriod:        "5s",
			PersistInterval:    "5s",
			LogBufferBytes:     256 * 1024,
		},
		Service: Service{
			Listen: ":8000",
		},
	}
}
