package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvParseErrors(t *testing.T) {
	tests := []struct {
		key, value, want string
		parse            func(string) error
	}{
		{"TEST_INT_BAD", "abc", `TEST_INT_BAD="abc" is not a valid integer`, func(k string) error { _, err := envInt(k, 0); return err }},
		{"TEST_BOOL_BAD", "maybe", `TEST_BOOL_BAD="maybe" is not a valid boolean`, func(k string) error { _, err := envBool(k, false); return err }},
		{"TEST_DUR_BAD", "five-seconds", `TEST_DUR_BAD="five-seconds" is not a valid duration`, func(k string) error { _, err := envDuration(k, 0); return err }},
		{"TEST_FLOAT_BAD", "high", `TEST_FLOAT_BAD="high" is not a valid number`, func(k string) error { _, err := envFloat(k, 0); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := tt.parse(tt.key)
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestEnvValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DUR", "5s")
	t.Setenv("TEST_FLOAT", "0.65")

	b, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	f, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, f, 1e-12)
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " PreciseTestMatcher, ,CrashSignatureMatcher ")
	assert.Equal(t, []string{"PreciseTestMatcher", "CrashSignatureMatcher"}, envList("TEST_LIST"))
	assert.Nil(t, envList("TEST_LIST_MISSING"))
}

func TestLoadFailsOnInvalidWorkers(t *testing.T) {
	t.Setenv("TH_LOG_WORKERS", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TH_LOG_WORKERS")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("TH_LOG_WORKERS", "abc")
	t.Setenv("TH_SETA_RESET_DELTA", "daily")
	_, err := Load()
	require.Error(t, err)
	got := err.Error()
	assert.True(t, strings.Contains(got, "TH_LOG_WORKERS"), got)
	assert.True(t, strings.Contains(got, "TH_SETA_RESET_DELTA"), got)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.LogWorkers)
	assert.Equal(t, 3, cfg.FetchAttempts)
	assert.Equal(t, 35, cfg.FailureLinesCutoff)
	assert.Equal(t, 2*time.Second, cfg.MatcherBudget)
	assert.InDelta(t, 0.8, cfg.AutoclassifyThreshold, 1e-12)
	assert.Equal(t, "welch", cfg.PerfVariant)
	assert.Equal(t, 24*time.Hour, cfg.SetaResetDelta)
	assert.Equal(t, "log", cfg.EventTransport)
	assert.Equal(t, "treeherder", cfg.ServiceName)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"amqp without url", func(c *Config) { c.EventTransport = "amqp" }, "TH_PULSE_URL is required"},
		{"unknown transport", func(c *Config) { c.EventTransport = "kafka" }, `got "kafka"`},
		{"threshold above one", func(c *Config) { c.AutoclassifyThreshold = 1.5 }, "TH_AUTOCLASSIFY_THRESHOLD"},
		{"queue without url", func(c *Config) { c.PulseQueue = "ingest" }, "TH_PULSE_QUEUE"},
		{"job channel without notify url", func(c *Config) { c.NotifyJobChannel = "treeherder_jobs" }, "TH_NOTIFY_JOB_CHANNEL"},
		{"zero workers", func(c *Config) { c.LogWorkers = 0 }, "TH_LOG_WORKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
