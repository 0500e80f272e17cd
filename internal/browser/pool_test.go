package browser

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/auth"
	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/types"
)

// fakePage scripts in-page fetch outcomes.
type fakePage struct {
	mu      sync.Mutex
	bodies  []any // []byte or error, consumed in order
	last    any
	dead    bool
	closed  bool
	fetches int

	// busy flags overlapping fetches on the same page.
	busy    atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
}

func (f *fakePage) fetch(ctx context.Context, url string, opt FetchOptions) ([]byte, error) {
	if f.busy.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.busy.Add(-1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.fetches++
	next := f.last
	if len(f.bodies) > 0 {
		next = f.bodies[0]
		f.bodies = f.bodies[1:]
	}
	f.mu.Unlock()

	switch v := next.(type) {
	case error:
		return nil, v
	case []byte:
		return v, nil
	default:
		return okEnvelope(map[string]any{"ok": true}), nil
	}
}

func (f *fakePage) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead && !f.closed
}

func (f *fakePage) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// fakeFactory hands out scripted pages in order.
type fakeFactory struct {
	mu       sync.Mutex
	pages    []*fakePage
	created  int
	recycles int
	createNo []error // per-creation error script, nil entries succeed
}

func (f *fakeFactory) newPage(ctx context.Context, key Key) (page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.created
	f.created++
	if i < len(f.createNo) && f.createNo[i] != nil {
		return nil, f.createNo[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	pg := &fakePage{}
	f.pages = append(f.pages, pg)
	return pg, nil
}

func (f *fakeFactory) recycle() {
	f.mu.Lock()
	f.recycles++
	f.mu.Unlock()
}

func (f *fakeFactory) close() {}

func (f *fakeFactory) stats() (created, recycles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.recycles
}

func okEnvelope(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{"ret": "0", "data": data})
	return b
}

func jimengKey(token string) Key {
	return Key{
		Platform:   platform.Jimeng(),
		Credential: auth.Credential{Token: token},
	}
}

func newTestPool(t *testing.T, f *fakeFactory, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append([]PoolOption{WithFactory(f)}, opts...)
	p := NewPool(DefaultConfig(), zap.NewNop(), opts...)
	t.Cleanup(p.Close)
	return p
}

func TestPool_FetchClassifiesEnvelope(t *testing.T) {
	f := &fakeFactory{pages: []*fakePage{
		{last: okEnvelope(map[string]any{"draft_id": "d1"})},
	}}
	p := newTestPool(t, f)

	data, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "d1", data["draft_id"])
}

func TestPool_HTMLBodyBecomesCredentialError(t *testing.T) {
	f := &fakeFactory{pages: []*fakePage{
		{last: []byte("<!DOCTYPE html><html><body>verify</body></html>")},
	}}
	p := newTestPool(t, f)

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "sessionid")
}

func TestPool_CallObserverRecordsOutcomes(t *testing.T) {
	f := &fakeFactory{pages: []*fakePage{
		{bodies: []any{
			okEnvelope(map[string]any{"ok": true}),
			[]byte("<!DOCTYPE html><html><body>verify</body></html>"),
		}},
	}}

	var mu sync.Mutex
	var outcomes []string
	p := newTestPool(t, f, WithCallObserver(func(platformKey, outcome string) {
		mu.Lock()
		outcomes = append(outcomes, platformKey+":"+outcome)
		mu.Unlock()
	}))

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.NoError(t, err)
	_, err = p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.Error(t, err)

	assert.Equal(t, []string{
		"jimeng:ok",
		"jimeng:" + string(types.ErrAuthentication),
	}, outcomes)
}

func TestPool_SessionReusedForSameKey(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f)
	key := jimengKey("tok")

	for i := 0; i < 3; i++ {
		_, err := p.Fetch(context.Background(), key, "https://x/api", FetchOptions{})
		require.NoError(t, err)
	}
	created, _ := f.stats()
	assert.Equal(t, 1, created)
}

func TestPool_DistinctCredentialsGetDistinctSessions(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f)

	_, err := p.Fetch(context.Background(), jimengKey("alice"), "https://x/api", FetchOptions{})
	require.NoError(t, err)
	_, err = p.Fetch(context.Background(), jimengKey("bob"), "https://x/api", FetchOptions{})
	require.NoError(t, err)

	created, _ := f.stats()
	assert.Equal(t, 2, created)
}

func TestPool_SameKeyCallsAreSerialized(t *testing.T) {
	pg := &fakePage{delay: 10 * time.Millisecond}
	f := &fakeFactory{pages: []*fakePage{pg}}
	p := newTestPool(t, f)
	key := jimengKey("tok")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Fetch(context.Background(), key, "https://x/api", FetchOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, pg.overlap.Load(), "two fetches ran concurrently on one session")
	assert.Equal(t, 8, pg.fetches)
}

func TestPool_BrowserCrashRecreatesOnce(t *testing.T) {
	crashed := &fakePage{last: errors.New("target closed")}
	healthy := &fakePage{last: okEnvelope(map[string]any{"ok": true})}
	f := &fakeFactory{pages: []*fakePage{crashed, healthy}}
	p := newTestPool(t, f)

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.NoError(t, err)

	created, recycles := f.stats()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, recycles)
	assert.True(t, crashed.closed)
}

func TestPool_SecondCrashPropagates(t *testing.T) {
	f := &fakeFactory{pages: []*fakePage{
		{last: errors.New("target closed")},
		{last: errors.New("target closed")},
	}}
	p := newTestPool(t, f)

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target closed")

	created, _ := f.stats()
	assert.Equal(t, 2, created, "exactly one recreation attempt")
}

func TestPool_NonCrashErrorDoesNotRecreate(t *testing.T) {
	f := &fakeFactory{pages: []*fakePage{
		{last: types.NewError(types.ErrUpstreamError, "upstream returned HTTP 502").WithRetryable(true)},
	}}
	p := newTestPool(t, f)

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.Error(t, err)

	created, recycles := f.stats()
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, recycles)
}

func TestPool_RefreshForcesNewSession(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f)
	key := jimengKey("tok")

	_, err := p.Fetch(context.Background(), key, "https://x/api", FetchOptions{})
	require.NoError(t, err)

	p.Refresh(key)

	_, err = p.Fetch(context.Background(), key, "https://x/api", FetchOptions{})
	require.NoError(t, err)

	created, _ := f.stats()
	assert.Equal(t, 2, created)
	assert.True(t, f.pages[0].closed)
}

func TestPool_IdleSessionEvicted(t *testing.T) {
	f := &fakeFactory{}
	cfg := DefaultConfig()
	cfg.IdleTimeout = 20 * time.Millisecond

	var gaugeMu sync.Mutex
	var live int
	p := NewPool(cfg, zap.NewNop(), WithFactory(f), WithSessionGauge(func(n int) {
		gaugeMu.Lock()
		live = n
		gaugeMu.Unlock()
	}))
	t.Cleanup(p.Close)

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		gaugeMu.Lock()
		defer gaugeMu.Unlock()
		return live == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.pages[0].closed)
}

func TestPool_CreationFailurePropagates(t *testing.T) {
	f := &fakeFactory{createNo: []error{errors.New("chrome not found")}}
	p := newTestPool(t, f)

	_, err := p.Fetch(context.Background(), jimengKey("tok"), "https://x/api", FetchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
}
