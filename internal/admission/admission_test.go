package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/awgw/internal/admission/store"
)

func TestController_Disabled(t *testing.T) {
	c, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 100; i++ {
		assert.NoError(t, c.Admit(context.Background(), "client", 1))
	}
}

// A burst of capacity requests is admitted and request capacity+1 is
// rejected without blocking.
func TestController_RejectsBeyondBurst(t *testing.T) {
	c, err := New(&Config{
		Enabled:        true,
		PerClientRate:  1,
		PerClientBurst: 5,
	})
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Admit(context.Background(), "client", 1))
	}

	err = c.Admit(context.Background(), "client", 1)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "rejection must not block")
}

func TestController_ClientsAreIsolated(t *testing.T) {
	c, err := New(&Config{
		Enabled:        true,
		PerClientRate:  1,
		PerClientBurst: 2,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Admit(context.Background(), "alpha", 1))
	require.NoError(t, c.Admit(context.Background(), "alpha", 1))
	require.ErrorIs(t, c.Admit(context.Background(), "alpha", 1), ErrRateLimited)

	// A different client has its own bucket.
	assert.NoError(t, c.Admit(context.Background(), "beta", 1))
}

func TestController_GlobalBucketCapsAllClients(t *testing.T) {
	c, err := New(&Config{
		Enabled:     true,
		GlobalRate:  1,
		GlobalBurst: 3,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Admit(context.Background(), "alpha", 1))
	require.NoError(t, c.Admit(context.Background(), "beta", 1))
	require.NoError(t, c.Admit(context.Background(), "gamma", 1))

	assert.ErrorIs(t, c.Admit(context.Background(), "delta", 1), ErrRateLimited)
}

func TestController_CostWeighting(t *testing.T) {
	c, err := New(&Config{
		Enabled:        true,
		PerClientRate:  1,
		PerClientBurst: 10,
	})
	require.NoError(t, err)
	defer c.Close()

	// One expensive request drains what ten cheap ones would.
	require.NoError(t, c.Admit(context.Background(), "client", 10))
	assert.ErrorIs(t, c.Admit(context.Background(), "client", 1), ErrRateLimited)
}

func TestController_CostAboveBurstChargesFullBucket(t *testing.T) {
	c, err := New(&Config{
		Enabled:        true,
		PerClientRate:  1,
		PerClientBurst: 5,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Admit(context.Background(), "client", 50))
	assert.ErrorIs(t, c.Admit(context.Background(), "client", 1), ErrRateLimited)
}

func TestController_QuotaExceeded(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	c, err := New(&Config{
		Enabled:        true,
		PerClientRate:  1000,
		PerClientBurst: 1000,
		Quota:          10,
		QuotaWindow:    time.Minute,
		Store:          s,
	})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Admit(context.Background(), "client", 1))
	}

	err = c.Admit(context.Background(), "client", 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	used, err := c.QuotaUsed(context.Background(), "client")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, int64(10))
}

func TestController_QuotaRequiresStore(t *testing.T) {
	_, err := New(&Config{
		Enabled: true,
		Quota:   10,
	})
	assert.Error(t, err)
}

func TestController_QuotaStoreFailureAdmits(t *testing.T) {
	c, err := New(&Config{
		Enabled:     true,
		Quota:       10,
		QuotaWindow: time.Minute,
		Store:       failingStore{},
	})
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Admit(context.Background(), "client", 1))
}

func TestController_IdleClientCleanup(t *testing.T) {
	c, err := New(&Config{
		Enabled:         true,
		PerClientRate:   100,
		PerClientBurst:  100,
		ClientTTL:       20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Admit(context.Background(), "alpha", 1))
	require.NoError(t, c.Admit(context.Background(), "beta", 1))
	assert.Equal(t, 2, c.ClientCount())

	assert.Eventually(t, func() bool {
		return c.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (int64, error) {
	return 0, assert.AnError
}

func (failingStore) Set(context.Context, string, int64, time.Duration) error {
	return assert.AnError
}

func (failingStore) Increment(context.Context, string, int64) (int64, error) {
	return 0, assert.AnError
}

func (failingStore) IncrementWithExpiry(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, assert.AnError
}

func (failingStore) Delete(context.Context, string) error {
	return assert.AnError
}

func (failingStore) Close() error {
	return nil
}

func TestController_UpdateLimits(t *testing.T) {
	c, err := New(&Config{
		Enabled:        true,
		PerClientRate:  1,
		PerClientBurst: 1,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Admit(context.Background(), "alpha", 1))
	require.ErrorIs(t, c.Admit(context.Background(), "alpha", 1), ErrRateLimited)

	c.UpdateLimits(Limits{
		PerClientRate:  1000,
		PerClientBurst: 100,
	})

	// A new client starts with the raised burst.
	assert.NoError(t, c.Admit(context.Background(), "beta", 50))
}
