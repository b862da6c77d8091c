package fairness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/awgw/internal/session"
)

func testSession(class string) *session.Session {
	m := session.NewManager(&session.ManagerConfig{DefaultClass: class})
	return m.GetOrCreate(uuid.NewString())
}

func TestAllocator_GrantsImmediatelyBelowCapacity(t *testing.T) {
	a := New(&Config{MaxConcurrent: 2, MaxWait: time.Second})
	defer a.Close()

	t1, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)
	t2, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.InService["default"])
	assert.Empty(t, stats.Queued)

	t1.Done()
	t2.Done()
	assert.Equal(t, 0, a.Stats().Total)
}

func TestAllocator_QueuesAtCapacityAndGrantsOnDone(t *testing.T) {
	a := New(&Config{MaxConcurrent: 1, MaxWait: time.Second})
	defer a.Close()

	holder, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)

	queued, err := a.Enqueue(testSession("default"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Stats().Queued["default"])

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- queued.Wait(context.Background())
	}()

	select {
	case err := <-waitErr:
		t.Fatalf("ticket granted past capacity: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	holder.Done()
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued ticket was not granted after release")
	}
	queued.Done()
}

func TestAllocator_PerClassFIFOOrdering(t *testing.T) {
	a := New(&Config{Strategy: StrategyFIFO, MaxConcurrent: 1, MaxWait: 5 * time.Second})
	defer a.Close()

	holder, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)

	s := testSession("default")
	const n = 5
	tickets := make([]*Ticket, n)
	for i := 0; i < n; i++ {
		tickets[i], err = a.Enqueue(s, 0)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, tk := range tickets {
		wg.Add(1)
		go func(tk *Ticket) {
			defer wg.Done()
			if !assert.NoError(t, tk.Wait(context.Background())) {
				return
			}
			mu.Lock()
			order = append(order, tk.ID())
			mu.Unlock()
			tk.Done()
		}(tk)
	}

	holder.Done()
	wg.Wait()

	require.Len(t, order, n)
	for i, tk := range tickets {
		assert.Equal(t, tk.ID(), order[i], "grant order diverged from issue order at %d", i)
	}
}

func TestAllocator_QueueTimeout(t *testing.T) {
	a := New(&Config{MaxConcurrent: 1, MaxWait: 30 * time.Millisecond})
	defer a.Close()

	holder, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)
	defer holder.Done()

	_, err = a.Acquire(context.Background(), testSession("default"), 0)
	assert.ErrorIs(t, err, ErrQueueTimeout)

	stats := a.Stats()
	assert.Empty(t, stats.Queued)
	assert.Equal(t, 1, stats.Total)
}

func TestAllocator_CancellationLeavesNoResidue(t *testing.T) {
	a := New(&Config{MaxConcurrent: 1, MaxWait: 5 * time.Second})
	defer a.Close()

	holder, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	queued, err := a.Enqueue(testSession("default"), 0)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- queued.Wait(ctx)
	}()
	cancel()

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
	assert.Empty(t, a.Stats().Queued)

	holder.Done()

	// The cancelled ticket must not have consumed the freed slot.
	next, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)
	next.Done()
}

func TestAllocator_RoundRobinAlternatesClasses(t *testing.T) {
	a := New(&Config{Strategy: StrategyRoundRobin, MaxConcurrent: 1, MaxWait: 5 * time.Second})
	defer a.Close()

	holder, err := a.Acquire(context.Background(), testSession("alpha"), 0)
	require.NoError(t, err)

	alpha := testSession("alpha")
	beta := testSession("beta")
	var tickets []*Ticket
	for _, s := range []*session.Session{alpha, alpha, beta, beta} {
		tk, err := a.Enqueue(s, 0)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, tk := range tickets {
		wg.Add(1)
		go func(tk *Ticket) {
			defer wg.Done()
			if !assert.NoError(t, tk.Wait(context.Background())) {
				return
			}
			mu.Lock()
			order = append(order, tk.Class())
			mu.Unlock()
			tk.Done()
		}(tk)
	}

	holder.Done()
	wg.Wait()

	assert.Equal(t, []string{"alpha", "beta", "alpha", "beta"}, order)
}

func TestAllocator_PrioritySelectsHighestFirst(t *testing.T) {
	a := New(&Config{Strategy: StrategyPriority, MaxConcurrent: 1, MaxWait: 5 * time.Second})
	defer a.Close()

	holder, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)

	s := testSession("default")
	low, err := a.Enqueue(s, 1)
	require.NoError(t, err)
	high, err := a.Enqueue(s, 5)
	require.NoError(t, err)
	mid, err := a.Enqueue(s, 3)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for name, tk := range map[string]*Ticket{"low": low, "high": high, "mid": mid} {
		wg.Add(1)
		go func(name string, tk *Ticket) {
			defer wg.Done()
			if !assert.NoError(t, tk.Wait(context.Background())) {
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			tk.Done()
		}(name, tk)
	}

	holder.Done()
	wg.Wait()

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestAllocator_WeightedFairRespectsWeights(t *testing.T) {
	a := New(&Config{
		Strategy:      StrategyWeightedFair,
		MaxConcurrent: 4,
		MaxWait:       5 * time.Second,
		Weights:       map[string]int{"heavy": 3, "light": 1},
	})
	defer a.Close()

	heavy := testSession("heavy")
	light := testSession("light")
	for i := 0; i < 4; i++ {
		_, err := a.Enqueue(heavy, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := a.Enqueue(light, 0)
		require.NoError(t, err)
	}

	stats := a.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.InService["heavy"])
	assert.Equal(t, 1, stats.InService["light"])
}

// Two classes of equal weight issue the same number of requests, with one
// class enqueueing all of its requests first. Weighted-fair grants must
// interleave the classes so neither one's average position in the grant
// order drifts far from the other's.
func TestAllocator_WeightedFairNoStarvation(t *testing.T) {
	a := New(&Config{
		Strategy:      StrategyWeightedFair,
		MaxConcurrent: 2,
		MaxWait:       10 * time.Second,
	})
	defer a.Close()

	const perClass = 10
	alpha := testSession("alpha")
	beta := testSession("beta")

	type grant struct {
		class   string
		release chan struct{}
	}
	grants := make(chan grant, 2*perClass)

	var tickets []*Ticket
	for i := 0; i < perClass; i++ {
		tk, err := a.Enqueue(alpha, 0)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	for i := 0; i < perClass; i++ {
		tk, err := a.Enqueue(beta, 0)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	var wg sync.WaitGroup
	for _, tk := range tickets {
		wg.Add(1)
		go func(tk *Ticket) {
			defer wg.Done()
			if !assert.NoError(t, tk.Wait(context.Background())) {
				return
			}
			release := make(chan struct{})
			grants <- grant{class: tk.Class(), release: release}
			<-release
			tk.Done()
		}(tk)
	}

	// Drain grants in order, keeping both slots occupied and releasing
	// the oldest holder once the allocator is saturated.
	posSum := map[string]int{}
	var holding []grant
	for pos := 1; pos <= 2*perClass; pos++ {
		select {
		case g := <-grants:
			posSum[g.class] += pos
			holding = append(holding, g)
		case <-time.After(5 * time.Second):
			t.Fatalf("grant %d never arrived", pos)
		}
		if len(holding) == 2 || pos > 2*perClass-2 {
			close(holding[0].release)
			holding = holding[1:]
		}
	}
	for _, g := range holding {
		close(g.release)
	}
	wg.Wait()

	avgAlpha := float64(posSum["alpha"]) / perClass
	avgBeta := float64(posSum["beta"]) / perClass
	ratio := avgAlpha / avgBeta
	if ratio < 1 {
		ratio = 1 / ratio
	}
	assert.LessOrEqual(t, ratio, 1.5,
		"average grant position diverged: alpha=%.1f beta=%.1f", avgAlpha, avgBeta)
}

func TestAllocator_CloseFailsQueuedWaiters(t *testing.T) {
	a := New(&Config{MaxConcurrent: 1, MaxWait: 5 * time.Second})

	holder, err := a.Acquire(context.Background(), testSession("default"), 0)
	require.NoError(t, err)
	defer holder.Done()

	queued, err := a.Enqueue(testSession("default"), 0)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- queued.Wait(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrAllocatorClosed)
	case <-time.After(time.Second):
		t.Fatal("queued waiter did not fail on close")
	}

	_, err = a.Enqueue(testSession("default"), 0)
	assert.ErrorIs(t, err, ErrAllocatorClosed)
}

func TestAllocator_SetWeightsAppliesToNextDispatch(t *testing.T) {
	a := New(&Config{
		Strategy:      StrategyWeightedFair,
		MaxConcurrent: 4,
		MaxWait:       5 * time.Second,
	})
	defer a.Close()

	hold := testSession("hold")
	var holders []*Ticket
	for i := 0; i < 4; i++ {
		tk, err := a.Enqueue(hold, 0)
		require.NoError(t, err)
		holders = append(holders, tk)
	}
	require.Equal(t, 4, a.Stats().InService["hold"])

	heavy := testSession("heavy")
	light := testSession("light")
	for i := 0; i < 4; i++ {
		_, err := a.Enqueue(heavy, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := a.Enqueue(light, 0)
		require.NoError(t, err)
	}

	a.SetWeights(map[string]int{"heavy": 3, "light": 1}, 1)

	for _, tk := range holders {
		tk.Done()
	}

	stats := a.Stats()
	assert.Equal(t, 3, stats.InService["heavy"])
	assert.Equal(t, 1, stats.InService["light"])
}
