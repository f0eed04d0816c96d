package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(action string) domain.ActivityEntry {
	return domain.ActivityEntry{Action: action, Severity: domain.SeverityLow, Date: time.Now()}
}

func TestBatcher_SizeTrigger(t *testing.T) {
	st := store.NewMemory()
	b := NewBatcher(st, testLogger(), WithThresholds(3, time.Hour))
	defer b.Close(context.Background())

	b.Append(entry("a"))
	b.Append(entry("b"))
	assert.Equal(t, 2, b.Pending(), "below threshold nothing should flush")

	b.Append(entry("c"))
	assert.Eventually(t, func() bool {
		got, err := st.RecentActivity(context.Background(), 10)
		return err == nil && len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Pending())
}

func TestBatcher_FlushEmpty(t *testing.T) {
	b := NewBatcher(store.NewMemory(), testLogger(), WithThresholds(10, time.Hour))
	defer b.Close(context.Background())
	require.NoError(t, b.Flush(context.Background()))
}

func TestBatcher_TimeTrigger(t *testing.T) {
	st := store.NewMemory()
	now := time.Now()
	b := NewBatcher(st, testLogger(),
		WithThresholds(100, 5*time.Minute),
		WithClock(func() time.Time { return now }))
	defer b.Close(context.Background())

	b.Append(entry("a"))
	assert.Equal(t, 1, b.Pending())

	// Advancing past the interval makes the next append trigger a flush even
	// though the size threshold is far away.
	now = now.Add(6 * time.Minute)
	b.Append(entry("b"))
	assert.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)

	got, err := st.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// recordStore captures each flushed batch in submission order.
type recordStore struct {
	*store.Memory
	mu      sync.Mutex
	batches [][]domain.ActivityEntry
	fail    error
}

func (r *recordStore) AppendActivityBatch(ctx context.Context, entries []domain.ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, append([]domain.ActivityEntry(nil), entries...))
	return r.Memory.AppendActivityBatch(ctx, entries)
}

func TestBatcher_FailedFlushRetains(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	b := NewBatcher(rs, testLogger(), WithThresholds(100, time.Hour))
	defer b.Close(context.Background())

	for i := 0; i < 5; i++ {
		b.Append(entry(fmt.Sprintf("e%d", i)))
	}

	rs.fail = errors.New("store down")
	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 5, b.Pending(), "failed batch must be retained")

	b.Append(entry("e5"))

	rs.fail = nil
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Pending())

	require.Len(t, rs.batches, 1)
	batch := rs.batches[0]
	require.Len(t, batch, 6)
	// Retained entries stay ahead of ones appended after the failure.
	assert.Equal(t, "e0", batch[0].Action)
	assert.Equal(t, "e5", batch[5].Action)
}

func TestBatcher_BufferCapDropsOldest(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory(), fail: errors.New("store down")}
	b := NewBatcher(rs, testLogger(), WithThresholds(1000, time.Hour), WithBufferCap(5))
	defer b.Close(context.Background())

	for i := 0; i < 8; i++ {
		b.Append(entry(fmt.Sprintf("e%d", i)))
	}
	assert.Equal(t, 5, b.Pending())

	rs.fail = nil
	require.NoError(t, b.Flush(context.Background()))

	require.Len(t, rs.batches, 1)
	batch := rs.batches[0]
	require.Len(t, batch, 5)
	assert.Equal(t, "e3", batch[0].Action, "oldest entries should have been dropped")
	assert.Equal(t, "e7", batch[4].Action)
}

// gateStore blocks AppendActivityBatch until released, to hold a flush open.
type gateStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) AppendActivityBatch(ctx context.Context, entries []domain.ActivityEntry) error {
	select {
	case g.entered <- struct{}{}:
	case <-g.release:
	}
	<-g.release
	return g.Memory.AppendActivityBatch(ctx, entries)
}

func TestBatcher_AppendDuringFlush(t *testing.T) {
	gs := &gateStore{
		Memory:  store.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b := NewBatcher(gs, testLogger(), WithThresholds(1000, time.Hour))

	for i := 0; i < 10; i++ {
		b.Append(entry(fmt.Sprintf("before%d", i)))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Flush(context.Background())
	}()

	<-gs.entered
	// The first flush owns its snapshot; these land in the fresh buffer.
	for i := 0; i < 10; i++ {
		b.Append(entry(fmt.Sprintf("during%d", i)))
	}
	close(gs.release)
	wg.Wait()

	require.NoError(t, b.Flush(context.Background()))
	_ = b.Close(context.Background())

	got, err := gs.Memory.RecentActivity(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, got, 20, "no entry may be lost or written twice")

	seen := make(map[string]int)
	for _, e := range got {
		seen[e.Action]++
	}
	for action, n := range seen {
		assert.Equal(t, 1, n, "entry %s written %d times", action, n)
	}
}

func TestBatcher_CloseFlushes(t *testing.T) {
	st := store.NewMemory()
	b := NewBatcher(st, testLogger(), WithThresholds(1000, time.Hour))

	b.Append(entry("last"))
	require.NoError(t, b.Close(context.Background()))

	got, err := st.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
