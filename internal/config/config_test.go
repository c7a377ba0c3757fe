package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shiftgig/petri-dish/internal/experiment"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "default", cfg.Experiment.Name)
	assert.Equal(t, "id", cfg.Experiment.IndexColumn)
	assert.Equal(t, experiment.GroupColumn, cfg.Experiment.TreatmentColumn)
	assert.Equal(t, 1000, cfg.Experiment.Trials)
	assert.Equal(t, uint64(0), cfg.Experiment.Seed)
	assert.Empty(t, cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 10.0, cfg.Server.RateLimit, 0.001)
	assert.Equal(t, 20, cfg.Server.Burst)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
experiment:
  name: onboarding
  treatment_ids: [control, treatment]
  balancing_features: [region]
  continuous_features: [age]
  trials: 250
  seed: 7
  timeout_secs: 30
  stages:
    - name: intro
      until: 7d
    - name: main
      until: 2w
  filters:
    - column: region
      op: in
      values: [north, south]
source:
  driver: xlsx
  path: subjects.xlsx
  sheet: Subjects
  data_types:
    age: int
sink:
  driver: sqlite
  path: state.db
  table: subjects
store:
  driver: sqlite
  database_url: runs.db
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "onboarding", cfg.Experiment.Name)
	assert.Equal(t, []string{"control", "treatment"}, cfg.Experiment.TreatmentIDs)
	assert.Equal(t, []string{"region"}, cfg.Experiment.BalancingFeatures)
	assert.Equal(t, 250, cfg.Experiment.Trials)
	assert.Equal(t, uint64(7), cfg.Experiment.Seed)
	require.Len(t, cfg.Experiment.Stages, 2)
	assert.Equal(t, StageConfig{Name: "main", Until: "2w"}, cfg.Experiment.Stages[1])
	require.Len(t, cfg.Experiment.Filters, 1)
	assert.Equal(t, []string{"north", "south"}, cfg.Experiment.Filters[0].Values)
	assert.Equal(t, "xlsx", cfg.Source.Driver)
	assert.Equal(t, "Subjects", cfg.Source.Sheet)
	assert.Equal(t, map[string]string{"age": "int"}, cfg.Source.DataTypes)
	assert.Equal(t, "subjects", cfg.Sink.Table)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, "id", cfg.Experiment.IndexColumn)

	require.NoError(t, cfg.Validate("run"))

	ac := cfg.Experiment.Assign("")
	assert.Equal(t, experiment.GroupColumn, ac.TreatmentColumn)
	assert.Equal(t, 30*time.Second, ac.Timeout)
	assert.Equal(t, "arm", cfg.Experiment.Assign("arm").TreatmentColumn)
	require.NoError(t, ac.Validate())

	stages, err := cfg.Experiment.ParsedStages()
	require.NoError(t, err)
	assert.Equal(t, []experiment.Stage{{Name: "intro", Until: 7 * 24 * time.Hour}, {Name: "main", Until: 14 * 24 * time.Hour}}, stages)
}

func TestLoadFile_ExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "petri.yaml")
	require.NoError(t, os.WriteFile(path, []byte("experiment:\n  name: custom\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Experiment.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("PETRI_STORE_DRIVER", "postgres")
	t.Setenv("PETRI_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PETRI_SERVER_PORT", "3000")
	t.Setenv("PETRI_EXPERIMENT_TRIALS", "50")
	t.Setenv("PETRI_SOURCE_PATH", "/data/in.csv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Experiment.Trials)
	assert.Equal(t, "/data/in.csv", cfg.Source.Path)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Experiment.Trials = 1000
	cfg.Experiment.TreatmentIDs = []string{"A", "B"}
	cfg.Source.Driver = "csv"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateAssign_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("assign"))
}

func TestValidateAssign_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Experiment.TreatmentIDs = nil
	cfg.Source.Driver = ""

	err := cfg.Validate("assign")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "experiment.treatment_ids is required")
	assert.Contains(t, err.Error(), "source.driver is required")
}

func TestValidateBalance_NoTreatmentIDs(t *testing.T) {
	cfg := validDefaults()
	cfg.Experiment.TreatmentIDs = nil
	assert.NoError(t, cfg.Validate("balance"))
}

func TestValidateRun(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink.driver is required")
	assert.Contains(t, err.Error(), "experiment.stages is required")

	cfg.Sink.Driver = "memory"
	cfg.Experiment.Stages = []StageConfig{{Name: "only", Until: "forever"}}
	cfg.Experiment.Filters = []experiment.Rule{{Column: "a", Op: "like"}}
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stage length")
	assert.Contains(t, err.Error(), "unknown rule op")

	cfg.Experiment.Stages[0].Until = "36h"
	cfg.Experiment.Filters = nil
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRuns_NeedsStore(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver is required")

	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate("runs"))
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 9090
	cfg.Source.Driver = ""

	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Port")
}

func TestValidate_Ranges(t *testing.T) {
	cfg := validDefaults()
	cfg.Experiment.Trials = 0
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"

	err := cfg.Validate("assign")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Trials")
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "Format")
}

func TestValidate_Monitoring(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.FailureRateThreshold = 1.5
	cfg.Monitoring.WebhookURL = "not a url"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FailureRateThreshold")
	assert.Contains(t, err.Error(), "WebhookURL")

	cfg.Monitoring.FailureRateThreshold = 0.2
	cfg.Monitoring.WebhookURL = "https://hooks.example.com/petri"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestParseUntil(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"36h", 36 * time.Hour},
		{" 90m ", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseUntil(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "xd", "0d", "-1w", "soon"} {
		_, err := ParseUntil(bad)
		assert.Error(t, err, bad)
	}
}

func TestRetryConfig_Resilience(t *testing.T) {
	rc := RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 1000}.Resilience()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, time.Second, rc.MaxBackoff)
}
