package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKeysAreNamespaced(t *testing.T) {
	assert.Equal(t, "dep:requests-2.31.0", DependencyKey("requests", "2.31.0"))
	assert.Equal(t, "vuln:GHSA-xxxx", VulnerabilityKey("GHSA-xxxx"))
	assert.NotEqual(t, DependencyKey("x", "1"), VulnerabilityKey("x-1"))
}

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory().WithClock(clk.Now)

	require.NoError(t, m.Set(ctx, "vuln:A", []byte(`{"id":"A"}`), 3600*time.Second))
	got, ok, err := m.Get(ctx, "vuln:A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"A"}`, string(got))

	clk.Advance(3599 * time.Second)
	_, ok, _ = m.Get(ctx, "vuln:A")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok, err = m.Get(ctx, "vuln:A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'z'

	got, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

func TestMemoryEvictExpired(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory().WithClock(clk.Now)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Hour))
	clk.Advance(2 * time.Second)
	m.evictExpired()
	assert.Equal(t, 1, m.Len())
}

func TestBadgerRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Set(ctx, "dep:flask-2.0.0", []byte("payload"), 3600*time.Second))
	got, ok, err := b.Get(ctx, "dep:flask-2.0.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))

	_, ok, err = b.Get(ctx, "dep:missing-1.0")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "vuln:short", []byte("x"), time.Second))
	time.Sleep(2100 * time.Millisecond)
	_, ok, err = b.Get(ctx, "vuln:short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	require.Error(t, err)
}

type record struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

func TestFetchReadsThrough(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory(), time.Hour, nil)

	var calls int32
	load := func(context.Context) (record, error) {
		atomic.AddInt32(&calls, 1)
		return record{ID: "PYSEC-1", Summary: "bad"}, nil
	}

	got, err := Fetch(ctx, l, VulnerabilityKey("PYSEC-1"), load)
	require.NoError(t, err)
	assert.Equal(t, "bad", got.Summary)

	got, err = Fetch(ctx, l, VulnerabilityKey("PYSEC-1"), load)
	require.NoError(t, err)
	assert.Equal(t, "PYSEC-1", got.ID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	raw, ok, err := l.cache.Get(ctx, VulnerabilityKey("PYSEC-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"PYSEC-1","summary":"bad"}`, string(raw))
}

func TestFetchDoesNotStoreErrors(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory(), time.Hour, nil)
	boom := errors.New("upstream down")

	_, err := Fetch(ctx, l, "vuln:X", func(context.Context) (record, error) { return record{}, boom })
	require.ErrorIs(t, err, boom)

	_, ok, _ := l.cache.Get(ctx, "vuln:X")
	assert.False(t, ok)
}

func TestFetchOutlivesCancelledCaller(t *testing.T) {
	l := NewLoader(NewMemory(), time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := Fetch(ctx, l, VulnerabilityKey("PYSEC-2"), func(ctx context.Context) (record, error) {
		if err := ctx.Err(); err != nil {
			return record{}, err
		}
		return record{ID: "PYSEC-2"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "PYSEC-2", got.ID)

	_, ok, _ := l.cache.Get(context.Background(), VulnerabilityKey("PYSEC-2"))
	assert.True(t, ok)
}

func TestFetchCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory(), time.Hour, nil)

	var calls int32
	release := make(chan struct{})
	load := func(context.Context) (record, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return record{ID: "GHSA-1"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := Fetch(ctx, l, "vuln:GHSA-1", load)
			assert.NoError(t, err)
			assert.Equal(t, "GHSA-1", got.ID)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
