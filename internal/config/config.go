package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"linkroute/internal/domain"
	"linkroute/internal/pattern"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName      = "linkroute"
	defaultHTTPListen       = ":8080"
	defaultHealthPath       = "/healthz"
	defaultReadyPath        = "/readyz"
	defaultResolvePath      = "/v1/resolve"
	defaultRememberPath     = "/v1/remember"
	defaultRulesPath        = "/v1/rules"
	defaultMaxBodyBytes     = 64 << 10
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultSubjectPrefix    = "linkroute"
	defaultQueueGroup       = "linkroute-api"
	defaultSQLitePath       = "linkroute.db"
	defaultNATSBucket       = "linkroute_rules"
	defaultPersistTimeoutMS = 5000

	// StoreBackendMemory keeps rules in process memory only.
	StoreBackendMemory = "memory"
	// StoreBackendSQLite persists rules in a local SQLite database.
	StoreBackendSQLite = "sqlite"
	// StoreBackendNATS persists rules in a JetStream KV bucket shared by instances.
	StoreBackendNATS = "nats"
)

var (
	legacyAccountArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*account\s*\]\]`)
	bucketNamePattern         = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenPattern       = regexp.MustCompile(`^[a-zA-Z0-9_-]+(\.[a-zA-Z0-9_-]+)*$`)
)

// Config holds service runtime settings and seed rules.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Log     LogConfig     `toml:"log"`
	API     APIConfig     `toml:"api"`
	NATS    NATSConfig    `toml:"nats"`
	Store   StoreConfig   `toml:"store"`
	Account []AccountSeed `toml:"-"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw account seed map keyed by account id.
type rawConfig struct {
	Service ServiceConfig                `toml:"service"`
	Log     LogConfig                    `toml:"log"`
	API     APIConfig                    `toml:"api"`
	NATS    NATSConfig                   `toml:"nats"`
	Store   StoreConfig                  `toml:"store"`
	Account map[string]rawAccountSeedCfg `toml:"account"`
}

// rawAccountSeedCfg stores one `[account.<id>]` table.
type rawAccountSeedCfg struct {
	NoMatch *RuleSeed  `toml:"no_match"`
	Domain  []RuleSeed `toml:"domain"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name string `toml:"name"`
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

// APIConfig groups UI-facing transports.
type APIConfig struct {
	HTTP HTTPAPIConfig `toml:"http"`
	NATS NATSAPIConfig `toml:"nats"`
}

// HTTPAPIConfig configures the JSON HTTP endpoint.
// Params: enable flag, listen address, endpoint paths, and body size limit.
// Returns: HTTP API behavior.
type HTTPAPIConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	ResolvePath  string `toml:"resolve_path"`
	RememberPath string `toml:"remember_path"`
	RulesPath    string `toml:"rules_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSAPIConfig configures request/reply responders on core NATS.
// Params: enable flag, subject prefix, and queue group.
// Returns: NATS API behavior.
type NATSAPIConfig struct {
	Enabled       bool   `toml:"enabled"`
	SubjectPrefix string `toml:"subject_prefix"`
	QueueGroup    string `toml:"queue_group"`
}

// NATSConfig holds the shared NATS connection settings.
type NATSConfig struct {
	URL []string `toml:"url"`
}

// StoreConfig selects and tunes the persistence backend.
// Params: backend name, sqlite path, KV bucket controls, and persist timeout.
// Returns: persistence options.
type StoreConfig struct {
	Backend           string `toml:"backend"`
	Path              string `toml:"path"`
	Bucket            string `toml:"bucket"`
	AllowCreateBucket *bool  `toml:"allow_create_bucket"`
	Watch             *bool  `toml:"watch"`
	PersistTimeoutMS  int    `toml:"persist_timeout_ms"`
}

// CreateBucket reports whether the KV bucket may be created on startup.
func (s StoreConfig) CreateBucket() bool {
	return s.AllowCreateBucket == nil || *s.AllowCreateBucket
}

// WatchReplicas reports whether KV updates from other instances are applied.
func (s StoreConfig) WatchReplicas() bool {
	return s.Watch == nil || *s.Watch
}

// PersistTimeout returns the bound for one persistence call.
func (s StoreConfig) PersistTimeout() time.Duration {
	return time.Duration(s.PersistTimeoutMS) * time.Millisecond
}

// RuleSeed is one rule declared in config.
type RuleSeed struct {
	Pattern string `toml:"pattern"`
	Mode    string `toml:"mode"`
	Target  string `toml:"target"`
}

// Decision converts seed into validated route decision.
// Params: none.
// Returns: decision or domain.ErrInvalidDecision.
func (r RuleSeed) Decision() (domain.RouteDecision, error) {
	return domain.NewRouteDecision(r.Mode, r.Target)
}

// AccountSeed lists rules written for an account that has none persisted yet.
type AccountSeed struct {
	AccountID string
	NoMatch   *RuleSeed
	Domain    []RuleSeed
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

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Log struct {
		Console sinkMergeHints `toml:"console"`
		File    sinkMergeHints `toml:"file"`
	} `toml:"log"`
	API struct {
		HTTP sinkMergeHints `toml:"http"`
		NATS sinkMergeHints `toml:"nats"`
	} `toml:"api"`
}

// sinkMergeHints tracks an explicit enabled flag in one section.
type sinkMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config with account seeds sorted by id.
func normalizeRawConfig(raw rawConfig) Config {
	cfg := Config{
		Service: raw.Service,
		Log:     raw.Log,
		API:     raw.API,
		NATS:    raw.NATS,
		Store:   raw.Store,
	}
	if len(raw.Account) == 0 {
		return cfg
	}

	ids := make([]string, 0, len(raw.Account))
	for id := range raw.Account {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cfg.Account = make([]AccountSeed, 0, len(ids))
	for _, id := range ids {
		body := raw.Account[id]
		cfg.Account = append(cfg.Account, AccountSeed{
			AccountID: id,
			NoMatch:   body.NoMatch,
			Domain:    body.Domain,
		})
	}
	return cfg
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyAccountArrayPattern.Match(body) {
		return errors.New("[[account]] arrays are not supported; use [account.<account_id>] tables")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
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
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return normalizeRawConfig(raw), hints, nil
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

// mergeConfig overlays source fragment onto destination.
// Params: destination config, next fragment, and its explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	mergeLogSink(&dst.Log.Console, src.Log.Console, hints.Log.Console.Enabled)
	mergeLogSink(&dst.Log.File, src.Log.File, hints.Log.File.Enabled)
	mergeHTTPAPI(&dst.API.HTTP, src.API.HTTP, hints.API.HTTP.Enabled)

	applyBoolMerge(&dst.API.NATS.Enabled, src.API.NATS.Enabled, hints.API.NATS.Enabled)
	if src.API.NATS.SubjectPrefix != "" {
		dst.API.NATS.SubjectPrefix = src.API.NATS.SubjectPrefix
	}
	if src.API.NATS.QueueGroup != "" {
		dst.API.NATS.QueueGroup = src.API.NATS.QueueGroup
	}
	if len(src.NATS.URL) > 0 {
		dst.NATS.URL = append([]string(nil), src.NATS.URL...)
	}
	mergeStore(&dst.Store, src.Store)
	if len(src.Account) > 0 {
		dst.Account = append(dst.Account, src.Account...)
	}
}

// mergeLogSink overlays one sink fragment.
func mergeLogSink(dst *LogSinkConfig, src LogSinkConfig, explicit *bool) {
	applyBoolMerge(&dst.Enabled, src.Enabled, explicit)
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.Format != "" {
		dst.Format = src.Format
	}
	if src.Path != "" {
		dst.Path = src.Path
	}
}

// mergeHTTPAPI overlays HTTP API fragment preserving sibling fields.
func mergeHTTPAPI(dst *HTTPAPIConfig, src HTTPAPIConfig, explicit *bool) {
	applyBoolMerge(&dst.Enabled, src.Enabled, explicit)
	overlay := func(target *string, value string) {
		if value != "" {
			*target = value
		}
	}
	overlay(&dst.Listen, src.Listen)
	overlay(&dst.HealthPath, src.HealthPath)
	overlay(&dst.ReadyPath, src.ReadyPath)
	overlay(&dst.ResolvePath, src.ResolvePath)
	overlay(&dst.RememberPath, src.RememberPath)
	overlay(&dst.RulesPath, src.RulesPath)
	if src.MaxBodyBytes != 0 {
		dst.MaxBodyBytes = src.MaxBodyBytes
	}
}

// mergeStore overlays store fragment preserving sibling fields.
func mergeStore(dst *StoreConfig, src StoreConfig) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.Path != "" {
		dst.Path = src.Path
	}
	if src.Bucket != "" {
		dst.Bucket = src.Bucket
	}
	if src.AllowCreateBucket != nil {
		dst.AllowCreateBucket = src.AllowCreateBucket
	}
	if src.Watch != nil {
		dst.Watch = src.Watch
	}
	if src.PersistTimeoutMS != 0 {
		dst.PersistTimeoutMS = src.PersistTimeoutMS
	}
}

// applyBoolMerge sets dst from explicit value when present, otherwise only upgrades to true.
// Params: destination flag, decoded value, and explicit-presence marker.
// Returns: merged flag side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

// applyDefaults fills unset fields with runtime defaults.
// Params: config pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
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

	httpCfg := &cfg.API.HTTP
	if strings.TrimSpace(httpCfg.Listen) == "" {
		httpCfg.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(httpCfg.HealthPath) == "" {
		httpCfg.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(httpCfg.ReadyPath) == "" {
		httpCfg.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(httpCfg.ResolvePath) == "" {
		httpCfg.ResolvePath = defaultResolvePath
	}
	if strings.TrimSpace(httpCfg.RememberPath) == "" {
		httpCfg.RememberPath = defaultRememberPath
	}
	if strings.TrimSpace(httpCfg.RulesPath) == "" {
		httpCfg.RulesPath = defaultRulesPath
	}
	if httpCfg.MaxBodyBytes <= 0 {
		httpCfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	if strings.TrimSpace(cfg.API.NATS.SubjectPrefix) == "" {
		cfg.API.NATS.SubjectPrefix = defaultSubjectPrefix
	}
	if strings.TrimSpace(cfg.API.NATS.QueueGroup) == "" {
		cfg.API.NATS.QueueGroup = defaultQueueGroup
	}

	cfg.Store.Backend = NormalizeStoreBackend(cfg.Store.Backend)
	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = defaultSQLitePath
	}
	if strings.TrimSpace(cfg.Store.Bucket) == "" {
		cfg.Store.Bucket = defaultNATSBucket
	}
	if cfg.Store.PersistTimeoutMS <= 0 {
		cfg.Store.PersistTimeoutMS = defaultPersistTimeoutMS
	}

	cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
	if len(cfg.NATS.URL) == 0 && NeedsNATS(*cfg) {
		cfg.NATS.URL = []string{defaultNATSURL}
	}
}

// validateConfig checks runtime config contract.
// Params: config with defaults applied.
// Returns: first validation error naming the offending key.
func validateConfig(cfg Config) error {
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if !cfg.API.HTTP.Enabled && !cfg.API.NATS.Enabled {
		return errors.New("at least one of api.http.enabled or api.nats.enabled must be true")
	}
	paths := map[string]string{
		"api.http.health_path":   cfg.API.HTTP.HealthPath,
		"api.http.ready_path":    cfg.API.HTTP.ReadyPath,
		"api.http.resolve_path":  cfg.API.HTTP.ResolvePath,
		"api.http.remember_path": cfg.API.HTTP.RememberPath,
		"api.http.rules_path":    cfg.API.HTTP.RulesPath,
	}
	keys := make([]string, 0, len(paths))
	for key := range paths {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	seenPaths := make(map[string]string, len(paths))
	for _, key := range keys {
		value := paths[key]
		if !strings.HasPrefix(value, "/") {
			return fmt.Errorf("%s must start with '/'", key)
		}
		if other, dup := seenPaths[value]; dup {
			return fmt.Errorf("%s duplicates %s (%q)", key, other, value)
		}
		seenPaths[value] = key
	}

	if cfg.API.NATS.Enabled && !subjectTokenPattern.MatchString(cfg.API.NATS.SubjectPrefix) {
		return fmt.Errorf("api.nats.subject_prefix has invalid value %q", cfg.API.NATS.SubjectPrefix)
	}

	if !IsSupportedStoreBackend(cfg.Store.Backend) {
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == StoreBackendNATS && !bucketNamePattern.MatchString(cfg.Store.Bucket) {
		return fmt.Errorf("store.bucket has invalid value %q", cfg.Store.Bucket)
	}
	if NeedsNATS(cfg) {
		if len(cfg.NATS.URL) == 0 {
			return errors.New("nats.url is required")
		}
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
	}

	seen := make(map[string]struct{}, len(cfg.Account))
	for _, seed := range cfg.Account {
		if err := validateAccountSeed(seed); err != nil {
			return err
		}
		if _, dup := seen[seed.AccountID]; dup {
			return fmt.Errorf("duplicate account seed %q", seed.AccountID)
		}
		seen[seed.AccountID] = struct{}{}
	}
	return nil
}

// validateAccountSeed checks seed rules with the same validators the rule store uses.
// Params: one account seed.
// Returns: validation error with key path.
func validateAccountSeed(seed AccountSeed) error {
	prefix := "account." + seed.AccountID
	if strings.TrimSpace(seed.AccountID) == "" {
		return errors.New("account table name must not be empty")
	}
	if seed.NoMatch != nil {
		if seed.NoMatch.Pattern != "" {
			return fmt.Errorf("%s.no_match.pattern is not supported", prefix)
		}
		if _, err := seed.NoMatch.Decision(); err != nil {
			return fmt.Errorf("%s.no_match: %w", prefix, err)
		}
	}
	for i, rule := range seed.Domain {
		if _, err := pattern.Normalize(rule.Pattern); err != nil {
			return fmt.Errorf("%s.domain[%d].pattern: %w", prefix, i, err)
		}
		if _, err := rule.Decision(); err != nil {
			return fmt.Errorf("%s.domain[%d]: %w", prefix, i, err)
		}
	}
	return nil
}

// NeedsNATS reports whether any component requires a NATS connection.
// Params: config snapshot.
// Returns: true when NATS backend or NATS API is enabled.
func NeedsNATS(cfg Config) bool {
	return NormalizeStoreBackend(cfg.Store.Backend) == StoreBackendNATS || cfg.API.NATS.Enabled
}

// NormalizeStoreBackend canonicalizes backend name and applies default.
// Params: raw backend value from config.
// Returns: normalized backend (`memory` by default).
func NormalizeStoreBackend(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return StoreBackendMemory
	}
	return normalized
}

// IsSupportedStoreBackend reports whether backend value is supported.
func IsSupportedStoreBackend(backend string) bool {
	switch NormalizeStoreBackend(backend) {
	case StoreBackendMemory, StoreBackendSQLite, StoreBackendNATS:
		return true
	default:
		return false
	}
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
