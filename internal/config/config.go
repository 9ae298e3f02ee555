package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models grievline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Scheduler struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"scheduler"`
	SLA        SLA        `yaml:"sla"`
	Classifier Classifier `yaml:"classifier"`
	Metrics    Metrics    `yaml:"metrics"`
	Notify     Notify     `yaml:"notify"`
}

// SLA holds per-status thresholds with optional per-department overrides.
type SLA struct {
	Defaults    map[string]time.Duration            `yaml:"defaults"`
	Departments map[string]map[string]time.Duration `yaml:"departments"`
}

// Threshold returns the SLA for status in department, falling back to the defaults.
func (s SLA) Threshold(department, status string) (time.Duration, bool) {
	if dept, ok := s.Departments[strings.ToLower(department)]; ok {
		if d, ok := dept[status]; ok {
			return d, true
		}
	}
	d, ok := s.Defaults[status]
	return d, ok
}

type Classifier struct {
	Remote RemoteClassifier `yaml:"remote"`
	// Tiers maps department to tier name to text. The default entry must
	// define every tier; departments may override any subset.
	Tiers map[string]map[string]TierText `yaml:"tiers"`
	Rules map[string]KeywordRules        `yaml:"rules"`
}

type RemoteClassifier struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Breaker       struct {
		MaxRequests      uint32        `yaml:"max_requests"`
		Interval         time.Duration `yaml:"interval"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
		FailureThreshold uint32        `yaml:"failure_threshold"`
	} `yaml:"breaker"`
}

type TierText struct {
	Explanation             string `yaml:"explanation"`
	ImpactAssessment        string `yaml:"impact_assessment"`
	RecommendedResponseTime string `yaml:"recommended_response_time"`
}

type KeywordRules struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
}

type Metrics struct {
	Backend      string               `yaml:"backend"`
	RedisURL     string               `yaml:"redis_url"`
	RedisKey     string               `yaml:"redis_key"`
	Buffer       int                  `yaml:"buffer"`
	RecentErrors int                  `yaml:"recent_errors"`
	DefaultRange string               `yaml:"default_range"`
	Ranges       map[string]TimeRange `yaml:"ranges"`
}

type TimeRange struct {
	Window   time.Duration `yaml:"window"`
	Interval time.Duration `yaml:"interval"`
}

type Notify struct {
	Log   bool `yaml:"log"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

var validStatuses = map[string]bool{"pending": true, "assigned": true, "in_progress": true}

var (
	tierNames  = []string{"high", "medium", "low"}
	validTiers = map[string]bool{"high": true, "medium": true, "low": true}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive")
	}
	if len(c.SLA.Defaults) == 0 {
		return fmt.Errorf("config.sla.defaults is required")
	}
	for status, d := range c.SLA.Defaults {
		if !validStatuses[status] {
			return fmt.Errorf("config.sla.defaults has non-open status %s", status)
		}
		if d <= 0 {
			return fmt.Errorf("sla for status %s must be positive", status)
		}
	}
	for dept, overrides := range c.SLA.Departments {
		if dept == "" || dept != strings.ToLower(dept) {
			return fmt.Errorf("config.sla.departments key %q must be lower-case and non-empty", dept)
		}
		for status, d := range overrides {
			if !validStatuses[status] {
				return fmt.Errorf("sla override %s has non-open status %s", dept, status)
			}
			if d <= 0 {
				return fmt.Errorf("sla override %s/%s must be positive", dept, status)
			}
		}
	}
	for _, tier := range tierNames {
		if _, ok := c.Classifier.Tiers["default"][tier]; !ok {
			return fmt.Errorf("config.classifier.tiers.default.%s is required", tier)
		}
	}
	for dept, tiers := range c.Classifier.Tiers {
		if dept == "" || dept != strings.ToLower(dept) {
			return fmt.Errorf("config.classifier.tiers key %q must be lower-case and non-empty", dept)
		}
		for tier, t := range tiers {
			if !validTiers[tier] {
				return fmt.Errorf("config.classifier.tiers.%s has unknown tier %s", dept, tier)
			}
			if t.Explanation == "" || t.ImpactAssessment == "" || t.RecommendedResponseTime == "" {
				return fmt.Errorf("config.classifier.tiers.%s.%s has empty text", dept, tier)
			}
		}
	}
	if _, ok := c.Classifier.Rules["default"]; !ok {
		return fmt.Errorf("config.classifier.rules.default is required")
	}
	for dept, rules := range c.Classifier.Rules {
		for _, kw := range append(append([]string{}, rules.High...), rules.Medium...) {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("classifier rules for %s contain an empty keyword", dept)
			}
		}
	}
	if c.Classifier.Remote.URL != "" && c.Classifier.Remote.Timeout <= 0 {
		return fmt.Errorf("config.classifier.remote.timeout must be positive when url is set")
	}
	switch c.Metrics.Backend {
	case "sqlite":
	case "redis":
		if c.Metrics.RedisURL == "" {
			return fmt.Errorf("config.metrics.redis_url is required for redis backend")
		}
	default:
		return fmt.Errorf("config.metrics.backend must be sqlite or redis")
	}
	if c.Metrics.Buffer <= 0 {
		return fmt.Errorf("config.metrics.buffer must be positive")
	}
	if len(c.Metrics.Ranges) == 0 {
		return fmt.Errorf("config.metrics.ranges is required")
	}
	for name, r := range c.Metrics.Ranges {
		if r.Window <= 0 || r.Interval <= 0 {
			return fmt.Errorf("metrics range %s needs positive window and interval", name)
		}
		if r.Interval > r.Window {
			return fmt.Errorf("metrics range %s interval exceeds window", name)
		}
	}
	if _, ok := c.Metrics.Ranges[c.Metrics.DefaultRange]; !ok {
		return fmt.Errorf("config.metrics.default_range %q is not a configured range", c.Metrics.DefaultRange)
	}
	if len(c.Notify.Kafka.Brokers) > 0 && c.Notify.Kafka.Topic == "" {
		return fmt.Errorf("config.notify.kafka.topic is required when brokers are set")
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "grievline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data
// keep their default values. The keyed tables sla.departments, classifier.tiers,
// classifier.rules and metrics.ranges are replaced as a whole when present;
// sla.defaults merges per status.
func FromYAML(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default()
	if present(raw, "sla", "departments") {
		cfg.SLA.Departments = nil
	}
	if present(raw, "classifier", "tiers") {
		cfg.Classifier.Tiers = nil
	}
	if present(raw, "classifier", "rules") {
		cfg.Classifier.Rules = nil
	}
	if present(raw, "metrics", "ranges") {
		cfg.Metrics.Ranges = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func present(raw map[string]any, section, key string) bool {
	m, ok := raw[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

log:
  level: info
  format: json

scheduler:
  enabled: true
  interval: 1m

sla:
  defaults:
    pending: 48h
    assigned: 72h
    in_progress: 168h
  departments:
    water:
      pending: 24h

classifier:
  remote:
    url: ""
    api_key: ""
    timeout: 10s
    rate_per_second: 2
    burst: 4
    breaker:
      max_requests: 1
      interval: 1m
      open_timeout: 30s
      failure_threshold: 5
  tiers:
    default:
      high:
        explanation: "This grievance requires immediate attention due to potential safety hazards or disruption of essential services."
        impact_assessment: "High impact on public safety and essential services. Immediate action required."
        recommended_response_time: "24-48 hours"
      medium:
        explanation: "This grievance needs attention but is not critical."
        impact_assessment: "Moderate impact on public services. Action required within standard timeframe."
        recommended_response_time: "3-5 working days"
      low:
        explanation: "This is a routine grievance that can be handled through standard procedures."
        impact_assessment: "Limited impact on public services. Can be addressed through regular maintenance."
        recommended_response_time: "7-10 working days"
    water:
      high:
        explanation: "This grievance requires immediate attention due to potential health hazards or critical water supply issues."
        impact_assessment: "High impact on public health and essential water services. Immediate action required."
        recommended_response_time: "24-48 hours"
      medium:
        explanation: "This grievance needs attention but is not critical."
        impact_assessment: "Moderate impact on water services. Action required within standard timeframe."
        recommended_response_time: "3-5 working days"
      low:
        explanation: "This is a routine grievance that can be handled through standard procedures."
        impact_assessment: "Limited impact on water services. Can be addressed through regular maintenance."
        recommended_response_time: "7-10 working days"
  rules:
    default:
      high: [urgent, emergency, immediate, critical, severe, dangerous, unsafe, health hazard]
      medium: [important, moderate, repair, fix, maintenance]
    water:
      high:
        - urgent
        - emergency
        - immediate
        - critical
        - severe
        - dangerous
        - contaminated
        - health hazard
        - unsafe water
        - sewage overflow
        - water pollution
        - toxic
        - no water supply
        - drinking water
        - water quality
        - pipe burst
        - flooding
        - waterborne disease
      medium:
        - important
        - moderate
        - repair
        - fix
        - maintenance
        - leakage
        - irregular supply
        - low pressure
        - water meter
        - billing issue
        - connection problem
        - drainage
        - water testing
        - tank cleaning
        - chlorination

metrics:
  backend: sqlite
  redis_url: ""
  redis_key: grievline:metrics
  buffer: 1024
  recent_errors: 10
  default_range: 24h
  ranges:
    1h:
      window: 1h
      interval: 5m
    24h:
      window: 24h
      interval: 30m
    7d:
      window: 168h
      interval: 3h
    30d:
      window: 720h
      interval: 6h

notify:
  log: true
  kafka:
    brokers: []
    topic: grievance-escalations
  webhooks: []
`
