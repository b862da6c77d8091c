package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_LoadsInitialConfig(t *testing.T) {
	path := writeConfigFile(t, `
pool:
  maxSize: 7
`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 7, cfg.Pool.MaxSize)
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, `
fairness:
  weights:
    batch: 1
`)

	var mu sync.Mutex
	var reloaded *Config
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		reloaded = cfg
		mu.Unlock()
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`
fairness:
  weights:
    batch: 5
`), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloaded != nil && reloaded.Fairness.Weights["batch"] == 5
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 5, w.LastConfig().Fairness.Weights["batch"])
}

func TestWatcher_BadReloadKeepsLastConfig(t *testing.T) {
	path := writeConfigFile(t, `
pool:
  maxSize: 6
`)

	errCh := make(chan error, 1)
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(err error) {
			select {
			case errCh <- err:
			default:
			}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("pool: [broken"), 0o600))

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("error callback was not invoked")
	}

	assert.Equal(t, 6, w.LastConfig().Pool.MaxSize)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	path := writeConfigFile(t, "")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
