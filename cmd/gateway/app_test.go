package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/awgw/internal/config"
	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/retry"
)

func TestClassMapper(t *testing.T) {
	mapper := classMapper(map[string]string{
		"etl-":       "batch",
		"etl-prio-":  "interactive",
		"dashboard-": "interactive",
	})
	require.NotNil(t, mapper)

	assert.Equal(t, "batch", mapper("etl-nightly"))
	assert.Equal(t, "interactive", mapper("etl-prio-refresh"))
	assert.Equal(t, "interactive", mapper("dashboard-7"))
	assert.Equal(t, "", mapper("unknown-client"))
}

func TestClassMapper_NoClasses(t *testing.T) {
	assert.Nil(t, classMapper(nil))
	assert.Nil(t, classMapper(map[string]string{}))
}

func TestGatewayConfigMapsSections(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pool.MinSize = 3
	cfg.Pool.MaxSize = 7
	cfg.Fairness.Weights = map[string]int{"batch": 2}
	cfg.Retry.MaxAttempts = 5

	gwCfg, err := gatewayConfig(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, gwCfg.Pool.MinSize)
	assert.Equal(t, 7, gwCfg.Pool.MaxSize)
	assert.Equal(t, map[string]int{"batch": 2}, gwCfg.Fairness.Weights)
	assert.Equal(t, 5, gwCfg.ExecRetry.MaxAttempts)
	assert.Equal(t, retry.StrategyExponential, gwCfg.ExecRetry.Strategy)
	assert.NotNil(t, gwCfg.ExecRetry.RetryOn)
	assert.NotNil(t, gwCfg.Pool.DialRetry)
	assert.Nil(t, gwCfg.Pool.DialRetry.RetryOn)
}

func TestGatewayConfigRejectsInvalid(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pool.MaxSize = 0

	_, err := gatewayConfig(cfg, nil)
	assert.Error(t, err)
}

func TestBuildDialer(t *testing.T) {
	logger := observability.NopLogger()

	_, err := buildDialer(cliFlags{stubBackend: false}, logger)
	assert.Error(t, err)

	dialer, err := buildDialer(cliFlags{stubBackend: true}, logger)
	require.NoError(t, err)
	assert.NotNil(t, dialer)
}

func TestBuildQuotaStore(t *testing.T) {
	logger := observability.NopLogger()

	cfg := config.DefaultConfig()
	cfg.Admission.Quota = 0
	s, err := buildQuotaStore(cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Admission.Quota = 100
	s, err = buildQuotaStore(cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, s)
	defer func() { _ = s.Close() }()
}

func TestTraceConfigOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Observability.Tracing.Enabled = true
	cfg.Observability.Tracing.ServiceName = "awgw-test"
	cfg.Observability.Tracing.Endpoint = "collector:4317"
	cfg.Observability.Tracing.SampleRate = 0.25

	tc := traceConfig(cfg)
	assert.True(t, tc.Enabled)
	assert.Equal(t, "awgw-test", tc.ServiceName)
	assert.Equal(t, "collector:4317", tc.Endpoint)
	assert.Equal(t, 0.25, tc.SampleRate)
}

func TestNewApplication(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  maxSize: 4\nadmin:\n  enabled: false\n"), 0o600))

	app, err := newApplication(cliFlags{
		configPath:  path,
		stubBackend: true,
	}, observability.NopLogger())
	require.NoError(t, err)

	assert.Equal(t, 4, app.config.Pool.MaxSize)
	assert.NotNil(t, app.gateway)
	assert.NotNil(t, app.checker)
}
