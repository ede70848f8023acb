package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"notifier/internal/cooldown"
	"notifier/internal/domain"
	"notifier/internal/throttle"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultNotifyPath         = "/notify"
	defaultStatusPath         = "/status"
	defaultNATSSubject        = "notifier.candidates"
	defaultNATSIngestStream   = "NOTIFIER_CANDIDATES"
	defaultNATSIngestConsumer = "notifier-ingest"
	defaultNATSIngestGroup    = "notifier-workers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultDispatchSubject    = "notifier.dispatch"
	defaultDispatchStream     = "NOTIFIER_DISPATCH"
	defaultStateBucket        = "notifier_state"
	defaultReloadSeconds      = 5
	defaultDrainSeconds       = 1
	defaultSnapshotSeconds    = 60
	defaultSnapshotPath       = "notifier-state.json"
	defaultSweepSeconds       = 300
	defaultMaintenanceSeconds = 60

	// ServiceModeNATS keeps NATS-backed state/ingest/dispatch settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"
)

var (
	legacyRuleArrayPattern        = regexp.MustCompile(`(?m)^\s*\[\[\s*cooldown\.rule\s*\]\]`)
	unsupportedNATSFixedKeys      = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
	unsupportedDispatchURLPattern = regexp.MustCompile(`(?si)\[\s*dispatch\s*\][^\[]*\burl\s*=`)
)

// Config holds service runtime settings and admission policy.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	Ingest   IngestConfig   `toml:"ingest"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Throttle ThrottleConfig `toml:"throttle"`
	Cooldown CooldownConfig `toml:"cooldown"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw cooldown section with rule map keyed by rule name.
type rawConfig struct {
	Service  ServiceConfig     `toml:"service"`
	Log      LogConfig         `toml:"log"`
	Ingest   IngestConfig      `toml:"ingest"`
	Dispatch DispatchConfig    `toml:"dispatch"`
	Throttle ThrottleConfig    `toml:"throttle"`
	Cooldown rawCooldownConfig `toml:"cooldown"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, and background cadence/persistence settings.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                string `toml:"name"`
	Mode                string `toml:"mode"`
	ReloadEnabled       bool   `toml:"reload_enabled"`
	ReloadIntervalSec   int    `toml:"reload_interval_sec"`
	DrainIntervalSec    int    `toml:"drain_interval_sec"`
	SnapshotIntervalSec int    `toml:"snapshot_interval_sec"`
	SnapshotPath        string `toml:"snapshot_path"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound candidate interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP candidate endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	NotifyPath   string `toml:"notify_path"`
	StatusPath   string `toml:"status_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// DispatchConfig defines the outbound dispatch queue.
// Params: ack policy; NATS URL and routing keys are runtime-fixed.
// Returns: dispatch queue behavior.
type DispatchConfig struct {
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// ThrottleConfig defines the throttle gate policy sections.
// Params: global caps, duplicate window, weight table, and scoped limit maps.
// Returns: raw throttle settings converted via BuildThrottleLimits.
type ThrottleConfig struct {
	MaxPerMinute       int                         `toml:"max_per_minute"`
	MaxPerHour         int                         `toml:"max_per_hour"`
	BurstWindowSec     float64                     `toml:"burst_window_sec"`
	BurstLimit         int                         `toml:"burst_limit"`
	DuplicateWindowSec float64                     `toml:"duplicate_window_sec"`
	MaintenanceSec     int                         `toml:"maintenance_interval_sec"`
	PriorityWeights    map[string]float64          `toml:"priority_weights"`
	Channel            map[string]ChannelRateLimit `toml:"channel"`
	Event              map[string]EventRateLimit   `toml:"event"`
}

// ChannelRateLimit bounds one channel in `[throttle.channel.<name>]`.
// Params: per-minute admission cap.
// Returns: channel throttle fragment.
type ChannelRateLimit struct {
	MaxPerMinute int `toml:"max_per_minute"`
}

// EventRateLimit bounds one event type in `[throttle.event.<name>]`.
// Params: send gap and per-minute admission cap.
// Returns: event throttle fragment.
type EventRateLimit struct {
	CooldownSec  float64 `toml:"cooldown_sec"`
	MaxPerMinute int     `toml:"max_per_minute"`
}

// CooldownConfig defines the cooldown gate settings.
// Params: sweep cadence, default-rule toggle, and named custom rules.
// Returns: raw cooldown settings converted via BuildCooldownRules.
type CooldownConfig struct {
	SweepIntervalSec int                `toml:"sweep_interval_sec"`
	DisableDefaults  bool               `toml:"disable_defaults"`
	Rule             []CooldownRuleBody `toml:"-"`
}

// rawCooldownConfig mirrors the cooldown TOML section with `[cooldown.rule.<name>]` tables.
// Params: decoded cooldown section from one TOML source.
// Returns: raw rule map keyed by rule name.
type rawCooldownConfig struct {
	SweepIntervalSec int                         `toml:"sweep_interval_sec"`
	DisableDefaults  bool                        `toml:"disable_defaults"`
	Rule             map[string]CooldownRuleBody `toml:"rule"`
}

// CooldownRuleBody stores one rule body from `[cooldown.rule.<name>]` table.
// Params: rule fields except top-level key-derived name.
// Returns: intermediate rule body converted via BuildCooldownRules.
type CooldownRuleBody struct {
	Name           string   `toml:"name"`
	Scope          string   `toml:"scope"`
	Algorithm      string   `toml:"algorithm"`
	BaseSec        float64  `toml:"base_sec"`
	MinSec         float64  `toml:"min_sec"`
	MaxSec         float64  `toml:"max_sec"`
	Multiplier     float64  `toml:"multiplier"`
	TriggerCount   int      `toml:"trigger_count"`
	WindowSec      float64  `toml:"window_sec"`
	PriorityBypass []string `toml:"priority_bypass"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		Ingest:   raw.Ingest,
		Dispatch: raw.Dispatch,
		Throttle: raw.Throttle,
		Cooldown: CooldownConfig{
			SweepIntervalSec: raw.Cooldown.SweepIntervalSec,
			DisableDefaults:  raw.Cooldown.DisableDefaults,
		},
	}
	if len(raw.Cooldown.Rule) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Cooldown.Rule))
	for name := range raw.Cooldown.Rule {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg.Cooldown.Rule = make([]CooldownRuleBody, 0, len(names))
	for _, name := range names {
		body := raw.Cooldown.Rule[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("cooldown.rule.%s.name is not supported; use [cooldown.rule.%s] key as rule name", name, name)
		}
		body.Name = name
		cfg.Cooldown.Rule = append(cfg.Cooldown.Rule, body)
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks deprecated/forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("legacy [[cooldown.rule]] format is not supported; use [cooldown.rule.<rule_name>] tables")
	}
	if unsupportedNATSFixedKeys.Match(body) {
		return errors.New("ingest.nats.subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	if unsupportedDispatchURLPattern.Match(body) {
		return errors.New("dispatch.url is not supported; dispatch queue NATS URL is derived from ingest.nats.url")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Service  serviceMergeHints  `toml:"service"`
	Log      logMergeHints      `toml:"log"`
	Ingest   ingestMergeHints   `toml:"ingest"`
	Cooldown cooldownMergeHints `toml:"cooldown"`
}

// serviceMergeHints tracks explicit bool fields in the service section.
type serviceMergeHints struct {
	ReloadEnabled *bool `toml:"reload_enabled"`
}

// logMergeHints tracks explicit enabled flags in log sink sections.
type logMergeHints struct {
	Console sinkMergeHints `toml:"console"`
	File    sinkMergeHints `toml:"file"`
}

// sinkMergeHints tracks one sink's explicit enabled flag.
type sinkMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// ingestMergeHints tracks explicit enabled flags in ingest sections.
type ingestMergeHints struct {
	HTTP sinkMergeHints `toml:"http"`
	NATS sinkMergeHints `toml:"nats"`
}

// cooldownMergeHints tracks the explicit default-rule toggle.
type cooldownMergeHints struct {
	DisableDefaults *bool `toml:"disable_defaults"`
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	mergeServiceConfig(&dst.Service, src.Service, hints.Service)
	mergeLogConfig(&dst.Log, src.Log, hints.Log)
	mergeIngestConfig(&dst.Ingest, src.Ingest, hints.Ingest)
	if src.Dispatch.MaxAckPending != 0 {
		dst.Dispatch.MaxAckPending = src.Dispatch.MaxAckPending
	}
	mergeThrottleConfig(&dst.Throttle, src.Throttle)
	mergeCooldownConfig(&dst.Cooldown, src.Cooldown, hints.Cooldown)
}

// mergeServiceConfig overlays one service fragment.
// Params: destination section, source fragment, and explicit-bool hints.
// Returns: merged service settings side-effect in dst.
func mergeServiceConfig(dst *ServiceConfig, src ServiceConfig, hints serviceMergeHints) {
	if strings.TrimSpace(src.Name) != "" {
		dst.Name = src.Name
	}
	if strings.TrimSpace(src.Mode) != "" {
		dst.Mode = src.Mode
	}
	applyBoolMerge(&dst.ReloadEnabled, src.ReloadEnabled, hints.ReloadEnabled)
	if src.ReloadIntervalSec != 0 {
		dst.ReloadIntervalSec = src.ReloadIntervalSec
	}
	if src.DrainIntervalSec != 0 {
		dst.DrainIntervalSec = src.DrainIntervalSec
	}
	if src.SnapshotIntervalSec != 0 {
		dst.SnapshotIntervalSec = src.SnapshotIntervalSec
	}
	if strings.TrimSpace(src.SnapshotPath) != "" {
		dst.SnapshotPath = src.SnapshotPath
	}
}

// mergeLogConfig overlays log sink fragments.
// Params: destination section, source fragment, and explicit-bool hints.
// Returns: merged log settings side-effect in dst.
func mergeLogConfig(dst *LogConfig, src LogConfig, hints logMergeHints) {
	mergeLogSink(&dst.Console, src.Console, hints.Console)
	mergeLogSink(&dst.File, src.File, hints.File)
}

// mergeLogSink overlays one sink fragment.
// Params: destination sink, source fragment, and explicit-bool hints.
// Returns: merged sink settings side-effect in dst.
func mergeLogSink(dst *LogSinkConfig, src LogSinkConfig, hints sinkMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.Level) != "" {
		dst.Level = src.Level
	}
	if strings.TrimSpace(src.Format) != "" {
		dst.Format = src.Format
	}
	if strings.TrimSpace(src.Path) != "" {
		dst.Path = src.Path
	}
}

// mergeIngestConfig overlays ingest fragments.
// Params: destination section, source fragment, and explicit-bool hints.
// Returns: merged ingest settings side-effect in dst.
func mergeIngestConfig(dst *IngestConfig, src IngestConfig, hints ingestMergeHints) {
	applyBoolMerge(&dst.HTTP.Enabled, src.HTTP.Enabled, hints.HTTP.Enabled)
	if strings.TrimSpace(src.HTTP.Listen) != "" {
		dst.HTTP.Listen = src.HTTP.Listen
	}
	if strings.TrimSpace(src.HTTP.HealthPath) != "" {
		dst.HTTP.HealthPath = src.HTTP.HealthPath
	}
	if strings.TrimSpace(src.HTTP.ReadyPath) != "" {
		dst.HTTP.ReadyPath = src.HTTP.ReadyPath
	}
	if strings.TrimSpace(src.HTTP.NotifyPath) != "" {
		dst.HTTP.NotifyPath = src.HTTP.NotifyPath
	}
	if strings.TrimSpace(src.HTTP.StatusPath) != "" {
		dst.HTTP.StatusPath = src.HTTP.StatusPath
	}
	if src.HTTP.MaxBodyBytes != 0 {
		dst.HTTP.MaxBodyBytes = src.HTTP.MaxBodyBytes
	}

	applyBoolMerge(&dst.NATS.Enabled, src.NATS.Enabled, hints.NATS.Enabled)
	if len(src.NATS.URL) > 0 {
		dst.NATS.URL = append([]string(nil), src.NATS.URL...)
	}
	if src.NATS.Workers != 0 {
		dst.NATS.Workers = src.NATS.Workers
	}
	if src.NATS.AckWaitSec != 0 {
		dst.NATS.AckWaitSec = src.NATS.AckWaitSec
	}
	if src.NATS.NackDelayMS != 0 {
		dst.NATS.NackDelayMS = src.NATS.NackDelayMS
	}
	if src.NATS.MaxDeliver != 0 {
		dst.NATS.MaxDeliver = src.NATS.MaxDeliver
	}
	if src.NATS.MaxAckPending != 0 {
		dst.NATS.MaxAckPending = src.NATS.MaxAckPending
	}
}

// mergeThrottleConfig overlays throttle fragments; scoped maps merge by key.
// Params: destination section and source fragment.
// Returns: merged throttle settings side-effect in dst.
func mergeThrottleConfig(dst *ThrottleConfig, src ThrottleConfig) {
	if src.MaxPerMinute != 0 {
		dst.MaxPerMinute = src.MaxPerMinute
	}
	if src.MaxPerHour != 0 {
		dst.MaxPerHour = src.MaxPerHour
	}
	if src.BurstWindowSec != 0 {
		dst.BurstWindowSec = src.BurstWindowSec
	}
	if src.BurstLimit != 0 {
		dst.BurstLimit = src.BurstLimit
	}
	if src.DuplicateWindowSec != 0 {
		dst.DuplicateWindowSec = src.DuplicateWindowSec
	}
	if src.MaintenanceSec != 0 {
		dst.MaintenanceSec = src.MaintenanceSec
	}
	if len(src.PriorityWeights) > 0 {
		if dst.PriorityWeights == nil {
			dst.PriorityWeights = make(map[string]float64, len(src.PriorityWeights))
		}
		for name, weight := range src.PriorityWeights {
			dst.PriorityWeights[name] = weight
		}
	}
	if len(src.Channel) > 0 {
		if dst.Channel == nil {
			dst.Channel = make(map[string]ChannelRateLimit, len(src.Channel))
		}
		for name, limit := range src.Channel {
			dst.Channel[name] = limit
		}
	}
	if len(src.Event) > 0 {
		if dst.Event == nil {
			dst.Event = make(map[string]EventRateLimit, len(src.Event))
		}
		for name, limit := range src.Event {
			dst.Event[name] = limit
		}
	}
}

// mergeCooldownConfig overlays cooldown fragments; rule lists concatenate.
// Params: destination section, source fragment, and explicit-bool hints.
// Returns: merged cooldown settings side-effect in dst.
func mergeCooldownConfig(dst *CooldownConfig, src CooldownConfig, hints cooldownMergeHints) {
	if src.SweepIntervalSec != 0 {
		dst.SweepIntervalSec = src.SweepIntervalSec
	}
	applyBoolMerge(&dst.DisableDefaults, src.DisableDefaults, hints.DisableDefaults)
	if len(src.Rule) > 0 {
		dst.Rule = append(dst.Rule, src.Rule...)
	}
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "notifier"
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.DrainIntervalSec <= 0 {
		cfg.Service.DrainIntervalSec = defaultDrainSeconds
	}
	if cfg.Service.SnapshotIntervalSec <= 0 {
		cfg.Service.SnapshotIntervalSec = defaultSnapshotSeconds
	}
	if strings.TrimSpace(cfg.Service.SnapshotPath) == "" {
		cfg.Service.SnapshotPath = defaultSnapshotPath
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.NotifyPath) == "" {
		cfg.Ingest.HTTP.NotifyPath = defaultNotifyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.StatusPath) == "" {
		cfg.Ingest.HTTP.StatusPath = defaultStatusPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Dispatch.URL = nil
	} else {
		cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		cfg.Ingest.NATS.Subject = defaultNATSSubject
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
		if cfg.Ingest.NATS.Workers == 0 {
			cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
		}
		if cfg.Ingest.NATS.AckWaitSec <= 0 {
			cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Ingest.NATS.NackDelayMS <= 0 {
			cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 {
			cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Ingest.NATS.MaxAckPending <= 0 {
			cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
		}
		if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}
		// Dispatch queue uses the same NATS URL list as ingest/state.
		cfg.Dispatch.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
	}
	cfg.Dispatch.Subject = defaultDispatchSubject
	cfg.Dispatch.Stream = defaultDispatchStream
	if cfg.Dispatch.MaxAckPending <= 0 {
		cfg.Dispatch.MaxAckPending = defaultNATSMaxAckPending
	}

	if cfg.Throttle.MaintenanceSec <= 0 {
		cfg.Throttle.MaintenanceSec = defaultMaintenanceSeconds
	}
	if cfg.Cooldown.SweepIntervalSec <= 0 {
		cfg.Cooldown.SweepIntervalSec = defaultSweepSeconds
	}
}

// NormalizeServiceMode maps free-form mode value to supported runtime mode.
// Params: raw mode string from config.
// Returns: "nats" when explicitly selected, else "single".
func NormalizeServiceMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), ServiceModeNATS) {
		return ServiceModeNATS
	}
	return ServiceModeSingle
}

// normalizeNATSURLs trims and deduplicates NATS URL list.
// Params: raw URL list from config.
// Returns: normalized list preserving first-seen order.
func normalizeNATSURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// DeriveStateNATS resolves the NATS KV coordinates for runtime snapshots.
// Params: config snapshot with defaults applied.
// Returns: connection URL list and fixed bucket name shared by all instances.
func DeriveStateNATS(cfg Config) ([]string, string) {
	return cfg.Ingest.NATS.URL, defaultStateBucket
}

// validateConfig checks config consistency after defaults.
// Params: config snapshot with defaults applied.
// Returns: first validation error or nil.
func validateConfig(cfg Config) error {
	for _, sink := range []struct {
		name string
		cfg  LogSinkConfig
	}{
		{"log.console", cfg.Log.Console},
		{"log.file", cfg.Log.File},
	} {
		switch sink.cfg.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("%s.level %q is not supported", sink.name, sink.cfg.Level)
		}
		switch sink.cfg.Format {
		case "line", "json":
		default:
			return fmt.Errorf("%s.format %q is not supported", sink.name, sink.cfg.Format)
		}
	}
	if cfg.Log.File.Enabled && strings.TrimSpace(cfg.Log.File.Path) == "" {
		return errors.New("log.file.path must be set when file sink is enabled")
	}

	if cfg.Throttle.MaxPerMinute < 0 || cfg.Throttle.MaxPerHour < 0 ||
		cfg.Throttle.BurstWindowSec < 0 || cfg.Throttle.BurstLimit < 0 ||
		cfg.Throttle.DuplicateWindowSec < 0 {
		return errors.New("throttle limits must be >=0")
	}
	for name, weight := range cfg.Throttle.PriorityWeights {
		if _, err := domain.ParsePriority(name); err != nil {
			return fmt.Errorf("throttle.priority_weights: %w", err)
		}
		if weight < 0 || weight > 1 {
			return fmt.Errorf("throttle.priority_weights.%s must be in [0, 1]", name)
		}
	}
	for name, limit := range cfg.Throttle.Channel {
		if limit.MaxPerMinute < 0 {
			return fmt.Errorf("throttle.channel.%s.max_per_minute must be >=0", name)
		}
	}
	for name, limit := range cfg.Throttle.Event {
		if limit.CooldownSec < 0 || limit.MaxPerMinute < 0 {
			return fmt.Errorf("throttle.event.%s limits must be >=0", name)
		}
	}
	return nil
}

// BuildThrottleLimits converts the throttle section into gate policy.
// Params: config snapshot with defaults applied.
// Returns: limits for throttle.NewGate; unset fields fall back to gate defaults.
func BuildThrottleLimits(cfg Config) throttle.Limits {
	limits := throttle.Limits{
		MaxPerMinute:       cfg.Throttle.MaxPerMinute,
		MaxPerHour:         cfg.Throttle.MaxPerHour,
		BurstWindowSec:     cfg.Throttle.BurstWindowSec,
		BurstLimit:         cfg.Throttle.BurstLimit,
		DuplicateWindowSec: cfg.Throttle.DuplicateWindowSec,
	}
	if len(cfg.Throttle.PriorityWeights) > 0 {
		limits.PriorityWeights = throttle.DefaultPriorityWeights()
		for name, weight := range cfg.Throttle.PriorityWeights {
			priority, err := domain.ParsePriority(name)
			if err != nil {
				continue
			}
			limits.PriorityWeights[priority] = weight
		}
	}
	if len(cfg.Throttle.Channel) > 0 {
		limits.Channels = make(map[string]throttle.ChannelLimit, len(cfg.Throttle.Channel))
		for name, limit := range cfg.Throttle.Channel {
			limits.Channels[name] = throttle.ChannelLimit{MaxPerMinute: limit.MaxPerMinute}
		}
	}
	if len(cfg.Throttle.Event) > 0 {
		limits.Events = make(map[string]throttle.EventLimit, len(cfg.Throttle.Event))
		for name, limit := range cfg.Throttle.Event {
			limits.Events[name] = throttle.EventLimit{
				CooldownSec:  limit.CooldownSec,
				MaxPerMinute: limit.MaxPerMinute,
			}
		}
	}
	return limits
}

// BuildCooldownRules converts the cooldown section into gate rules.
// Params: config snapshot with defaults applied.
// Returns: built-in defaults overlaid with custom rules; same-name customs
// replace defaults, new names append in sorted order. Malformed rules are kept
// and left for the gate to log and skip.
func BuildCooldownRules(cfg Config) []cooldown.Rule {
	var rules []cooldown.Rule
	if !cfg.Cooldown.DisableDefaults {
		rules = cooldown.DefaultRules()
	}
	for _, body := range cfg.Cooldown.Rule {
		converted := convertCooldownRule(body)
		replaced := false
		for i := range rules {
			if rules[i].Name == converted.Name {
				rules[i] = converted
				replaced = true
				break
			}
		}
		if !replaced {
			rules = append(rules, converted)
		}
	}
	return rules
}

// convertCooldownRule maps one TOML rule body to a gate rule.
// Params: raw rule body with key-derived name.
// Returns: rule for gate validation; unknown scope/algorithm/priority names
// survive conversion so the gate can report and skip them.
func convertCooldownRule(body CooldownRuleBody) cooldown.Rule {
	rule := cooldown.Rule{
		Name:         body.Name,
		Scope:        cooldown.Scope(strings.TrimSpace(strings.ToLower(body.Scope))),
		Algorithm:    cooldown.Algorithm(strings.TrimSpace(strings.ToLower(body.Algorithm))),
		BaseSec:      body.BaseSec,
		MinSec:       body.MinSec,
		MaxSec:       body.MaxSec,
		Multiplier:   body.Multiplier,
		TriggerCount: body.TriggerCount,
		WindowSec:    body.WindowSec,
	}
	for _, name := range body.PriorityBypass {
		priority, err := domain.ParsePriority(name)
		if err != nil {
			// Invalid ordinal fails rule validation downstream.
			priority = domain.Priority(-1)
		}
		rule.PriorityBypass = append(rule.PriorityBypass, priority)
	}
	return rule
}
