// Package config loads petri-dish settings from config.yaml and PETRI_*
// environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shiftgig/petri-dish/internal/assign"
	"github.com/shiftgig/petri-dish/internal/connector"
	"github.com/shiftgig/petri-dish/internal/experiment"
	"github.com/shiftgig/petri-dish/internal/resilience"
	"github.com/shiftgig/petri-dish/internal/store"
)

var validate = validator.New()

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Experiment ExperimentConfig `yaml:"experiment" mapstructure:"experiment"`
	Source     connector.Config `yaml:"source" mapstructure:"source"`
	Sink       connector.Config `yaml:"sink" mapstructure:"sink"`
	Store      store.Config     `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// ExperimentConfig configures assignment and the experiment pipeline.
type ExperimentConfig struct {
	Name               string            `yaml:"name" mapstructure:"name"`
	IndexColumn        string            `yaml:"index_column" mapstructure:"index_column"`
	TreatmentColumn    string            `yaml:"treatment_column" mapstructure:"treatment_column"`
	TreatmentIDs       []string          `yaml:"treatment_ids" mapstructure:"treatment_ids"`
	BalancingFeatures  []string          `yaml:"balancing_features" mapstructure:"balancing_features"`
	DiscreteFeatures   []string          `yaml:"discrete_features" mapstructure:"discrete_features"`
	ContinuousFeatures []string          `yaml:"continuous_features" mapstructure:"continuous_features"`
	Trials             int               `yaml:"trials" mapstructure:"trials" validate:"min=1"`
	Seed               uint64            `yaml:"seed" mapstructure:"seed"`
	Concurrency        int               `yaml:"concurrency" mapstructure:"concurrency" validate:"min=0"`
	TimeoutSecs        int               `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"min=0"`
	Stages             []StageConfig     `yaml:"stages" mapstructure:"stages" validate:"dive"`
	Filters            []experiment.Rule `yaml:"filters" mapstructure:"filters"`
}

// StageConfig names a stage and how long it lasts after a subject joins,
// e.g. "36h", "7d" or "2w".
type StageConfig struct {
	Name  string `yaml:"name" mapstructure:"name" validate:"required"`
	Until string `yaml:"until" mapstructure:"until" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	RateLimit      float64  `yaml:"rate_limit" mapstructure:"rate_limit" validate:"min=0"`
	Burst          int      `yaml:"burst" mapstructure:"burst" validate:"min=0"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"min=0"`
}

// RetryConfig configures retries for database and HTTP connectors.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=0"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"min=0"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"min=0"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"min=0,max=1"`
	PartialRateThreshold float64 `yaml:"partial_rate_threshold" mapstructure:"partial_rate_threshold" validate:"min=0,max=1"`
	MinScore             float64 `yaml:"min_score" mapstructure:"min_score" validate:"min=0,max=1"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours" validate:"min=0"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"min=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from ./config.yaml when path
// is empty, then applies the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PETRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("experiment.name", "default")
	v.SetDefault("experiment.index_column", experiment.DefaultIndexColumn)
	v.SetDefault("experiment.treatment_column", experiment.GroupColumn)
	v.SetDefault("experiment.treatment_ids", []string{})
	v.SetDefault("experiment.balancing_features", []string{})
	v.SetDefault("experiment.discrete_features", []string{})
	v.SetDefault("experiment.continuous_features", []string{})
	v.SetDefault("experiment.trials", assign.DefaultTrials)
	v.SetDefault("experiment.seed", 0)
	v.SetDefault("experiment.concurrency", 0)
	v.SetDefault("experiment.timeout_secs", 0)
	for _, side := range []string{"source", "sink"} {
		v.SetDefault(side+".driver", "")
		v.SetDefault(side+".path", "")
		v.SetDefault(side+".sheet", "")
		v.SetDefault(side+".url", "")
		v.SetDefault(side+".database_url", "")
		v.SetDefault(side+".query", "")
		v.SetDefault(side+".table", "")
	}
	v.SetDefault("store.driver", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.partial_rate_threshold", 0.50)
	v.SetDefault("monitoring.min_score", 0.0)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "assign",
// "balance", "score", "run", "runs" or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !eris.As(err, &verrs) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}

	switch mode {
	case "assign", "score", "run":
		if len(c.Experiment.TreatmentIDs) == 0 {
			problems = append(problems, "experiment.treatment_ids is required")
		}
	}
	if mode != "serve" && mode != "runs" && c.Source.Driver == "" {
		problems = append(problems, "source.driver is required")
	}
	if mode == "run" {
		if c.Sink.Driver == "" {
			problems = append(problems, "sink.driver is required")
		}
		if len(c.Experiment.Stages) == 0 {
			problems = append(problems, "experiment.stages is required")
		}
		if _, err := c.Experiment.ParsedStages(); err != nil {
			problems = append(problems, err.Error())
		}
		if _, err := experiment.CompileRules(c.Experiment.Filters); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if mode == "runs" && c.Store.Driver == "" {
		problems = append(problems, "store.driver is required")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Assign returns the distributor config. treatmentColumn overrides the
// configured column when set.
func (e ExperimentConfig) Assign(treatmentColumn string) assign.Config {
	col := e.TreatmentColumn
	if treatmentColumn != "" {
		col = treatmentColumn
	}
	return assign.Config{
		TreatmentColumn:    col,
		TreatmentIDs:       e.TreatmentIDs,
		BalancingFeatures:  e.BalancingFeatures,
		DiscreteFeatures:   e.DiscreteFeatures,
		ContinuousFeatures: e.ContinuousFeatures,
		Trials:             e.Trials,
		Seed:               e.Seed,
		Concurrency:        e.Concurrency,
		Timeout:            time.Duration(e.TimeoutSecs) * time.Second,
	}
}

// ParsedStages converts the configured stages.
func (e ExperimentConfig) ParsedStages() ([]experiment.Stage, error) {
	out := make([]experiment.Stage, 0, len(e.Stages))
	for _, s := range e.Stages {
		d, err := ParseUntil(s.Until)
		if err != nil {
			return nil, eris.Wrapf(err, "config: stage %q", s.Name)
		}
		out = append(out, experiment.Stage{Name: s.Name, Until: d})
	}
	return out, nil
}

// ParseUntil parses a stage length. Besides time.ParseDuration syntax it
// accepts whole days ("7d") and weeks ("2w").
func ParseUntil(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil || v <= 0 {
				return 0, eris.Errorf("config: invalid stage length %q", s)
			}
			return time.Duration(v) * unit, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, eris.Wrapf(err, "config: invalid stage length %q", s)
	}
	return d, nil
}

// Resilience returns the retry policy for connectors and stores.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
