package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/input/sensor"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "POSEBRIDGE"

// Config is the complete bridge configuration
type Config struct {
	Sensors        []sensor.Endpoint `json:"sensors"`
	ReconnectDelay time.Duration     `json:"reconnect_delay"`
	Pose           PoseConfig        `json:"pose"`
	Avatar         AvatarConfig      `json:"avatar"`
	Viewer         ViewerConfig      `json:"viewer"`
	Metrics        MetricsConfig     `json:"metrics"`
	NATS           NATSConfig        `json:"nats"`
}

// PoseConfig controls how sensor rotations reach the joints and how often frames go out.
type PoseConfig struct {
	Smoothing    float64       `json:"smoothing"`     // slerp factor per message, (0,1]
	FrameRate    float64       `json:"frame_rate"`    // frames per second while joints move
	WarnInterval time.Duration `json:"warn_interval"` // min gap between unmapped-label warnings
}

// AvatarConfig names the rigged model and its presentation.
type AvatarConfig struct {
	Path        string  `json:"path"`
	Environment string  `json:"environment,omitempty"` // HDR lighting texture
	Scale       float64 `json:"scale"`
}

// ViewerConfig is the websocket endpoint renderers attach to.
type ViewerConfig struct {
	Enabled      bool          `json:"enabled"`
	Addr         string        `json:"addr"`
	Path         string        `json:"path"`
	PingInterval time.Duration `json:"ping_interval,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`
}

// MetricsConfig is the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// NATSConfig defines the optional pose bus
type NATSConfig struct {
	Enabled       bool          `json:"enabled"`
	URL           string        `json:"url,omitempty"`
	Subject       string        `json:"subject,omitempty"`
	ClientName    string        `json:"client_name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// Default returns the configuration used when no file or override says otherwise.
func Default() *Config {
	return &Config{
		Sensors: []sensor.Endpoint{
			{Label: "RFA", Address: "192.168.193.195", Port: sensor.DefaultPort},
			{Label: "RA", Address: "192.168.193.85", Port: sensor.DefaultPort},
		},
		ReconnectDelay: sensor.DefaultReconnectDelay,
		Pose: PoseConfig{
			Smoothing:    0.25,
			FrameRate:    30,
			WarnInterval: 10 * time.Second,
		},
		Avatar: AvatarConfig{
			Path:        "ybot.gltf",
			Environment: "textures/park_parking_4k.hdr",
			Scale:       2,
		},
		Viewer: ViewerConfig{
			Enabled:      true,
			Addr:         ":8090",
			Path:         "/pose",
			PingInterval: 30 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			Subject:       "avatar.pose",
			ClientName:    "posebridge",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Labels returns the configured sensor labels in order.
func (c *Config) Labels() []string {
	labels := make([]string, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		labels = append(labels, s.Label)
	}
	return labels
}

// Validate reports every problem at once, classified as invalid.
func (c *Config) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Sensors) == 0 {
		addf("sensors: at least one sensor is required")
	}
	seen := make(map[string]int, len(c.Sensors))
	for i, s := range c.Sensors {
		switch {
		case s.Label == "":
			addf("sensors[%d].label is required", i)
		case strings.ContainsFunc(s.Label, unicode.IsSpace):
			addf("sensors[%d].label %q must not contain whitespace", i, s.Label)
		}
		if first, dup := seen[s.Label]; dup && s.Label != "" {
			addf("sensors[%d].label %q duplicates sensors[%d]", i, s.Label, first)
		} else {
			seen[s.Label] = i
		}
		if err := validateHost(s.Address); err != nil {
			addf("sensors[%d].address: %v", i, err)
		}
		if s.Port < 0 || s.Port > 65535 {
			addf("sensors[%d].port %d out of range", i, s.Port)
		}
	}

	if c.ReconnectDelay <= 0 {
		addf("reconnect_delay must be positive")
	}
	if c.Pose.Smoothing <= 0 || c.Pose.Smoothing > 1 {
		addf("pose.smoothing %v must be in (0,1]", c.Pose.Smoothing)
	}
	if c.Pose.FrameRate <= 0 {
		addf("pose.frame_rate must be positive")
	}
	if c.Pose.WarnInterval < 0 {
		addf("pose.warn_interval must not be negative")
	}

	if c.Avatar.Path == "" {
		addf("avatar.path is required")
	}
	if c.Avatar.Scale <= 0 {
		addf("avatar.scale must be positive")
	}

	if c.Viewer.Enabled {
		if c.Viewer.Addr == "" {
			addf("viewer.addr is required when the viewer is enabled")
		}
		if !strings.HasPrefix(c.Viewer.Path, "/") {
			addf("viewer.path %q must start with /", c.Viewer.Path)
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			addf("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			addf("metrics.path %q must start with /", c.Metrics.Path)
		}
	}
	if c.Viewer.Enabled && c.Metrics.Enabled && c.Viewer.Addr == c.Metrics.Addr && !strings.HasSuffix(c.Viewer.Addr, ":0") {
		addf("viewer.addr and metrics.addr must differ")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			addf("nats.url is required when nats is enabled")
		}
		if !isValidNATSSubject(c.NATS.Subject) {
			addf("nats.subject %q is not a valid publish subject", c.NATS.Subject)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Config", "Validate", "validate configuration")
}

func validateHost(host string) error {
	if host == "" {
		return stderrors.New("is required")
	}
	if strings.Contains(host, "://") {
		return fmt.Errorf("%q must be a bare host, not a URL", host)
	}
	if strings.ContainsAny(host, " /\t") {
		return fmt.Errorf("%q is not a valid host", host)
	}
	return nil
}

// isValidNATSSubject accepts dot separated tokens of letters, digits, dashes and
// underscores. Wildcards are not publishable.
func isValidNATSSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return false
		}
		for _, r := range tok {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return true
}

// String returns an indented JSON rendering with credentials redacted.
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "[REDACTED]"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	envFiles   []string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// AddEnvFile loads KEY=VALUE pairs from path into the environment before overrides
// are applied. Variables already set win. A missing file is ignored.
func (l *Loader) AddEnvFile(path string) {
	l.envFiles = append(l.envFiles, path)
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, in that order.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	for _, path := range l.envFiles {
		if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read env file "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML layer, chosen by extension, as a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationKeys are the fields that accept strings like "3s" in files
var durationKeys = [][]string{
	{"reconnect_delay"},
	{"pose", "warn_interval"},
	{"viewer", "ping_interval"},
	{"viewer", "write_timeout"},
	{"nats", "reconnect_wait"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, path := range durationKeys {
		m := data
		for _, key := range path[:len(path)-1] {
			next, ok := m[key].(map[string]any)
			if !ok {
				m = nil
				break
			}
			m = next
		}
		if m == nil {
			continue
		}

		key := path[len(path)-1]
		s, ok := m[key].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(path, "."), err)
		}
		m[key] = d.Nanoseconds()
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var problems []error
	get := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			problems = append(problems, err)
			return "", false
		}
		return val, true
	}
	parse := func(name string, fn func(string) error) {
		if val, ok := get(name); ok {
			if err := fn(val); err != nil {
				problems = append(problems, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
			}
		}
	}
	str := func(name string, dst *string) {
		if val, ok := get(name); ok {
			*dst = val
		}
	}

	parse("SENSORS", func(v string) error {
		endpoints, err := ParseSensors(v)
		if err == nil {
			cfg.Sensors = endpoints
		}
		return err
	})
	parse("RECONNECT_DELAY", durationInto(&cfg.ReconnectDelay))
	parse("SMOOTHING", floatInto(&cfg.Pose.Smoothing))
	parse("FRAME_RATE", floatInto(&cfg.Pose.FrameRate))

	str("AVATAR_PATH", &cfg.Avatar.Path)
	str("AVATAR_ENVIRONMENT", &cfg.Avatar.Environment)
	parse("AVATAR_SCALE", floatInto(&cfg.Avatar.Scale))

	str("VIEWER_ADDR", &cfg.Viewer.Addr)
	parse("VIEWER_ENABLED", boolInto(&cfg.Viewer.Enabled))
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	parse("METRICS_ENABLED", boolInto(&cfg.Metrics.Enabled))

	parse("NATS_ENABLED", boolInto(&cfg.NATS.Enabled))
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_SUBJECT", &cfg.NATS.Subject)
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("NATS_TOKEN", &cfg.NATS.Token)

	if len(problems) > 0 {
		return errors.WrapInvalid(stderrors.Join(problems...), "Loader", "applyEnvOverrides", "apply environment")
	}
	return nil
}

// ParseSensors reads a comma separated list of label=host or label=host:port.
func ParseSensors(s string) ([]sensor.Endpoint, error) {
	var endpoints []sensor.Endpoint
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		label, addr, ok := strings.Cut(item, "=")
		if !ok || label == "" || addr == "" {
			return nil, fmt.Errorf("%q: want label=host[:port]", item)
		}

		ep := sensor.Endpoint{Label: label, Address: addr, Port: sensor.DefaultPort}
		if host, port, err := net.SplitHostPort(addr); err == nil {
			n, err := strconv.Atoi(port)
			if err != nil {
				return nil, fmt.Errorf("%q: bad port: %w", item, err)
			}
			ep.Address, ep.Port = host, n
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, stderrors.New("no sensors listed")
	}
	return endpoints, nil
}

func durationInto(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
		return err
	}
}

func floatInto(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
		return err
	}
}

func boolInto(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}
