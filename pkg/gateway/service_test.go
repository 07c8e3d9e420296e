package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/newsfeed-gateway/pkg/cache"
	"github.com/abdhe/newsfeed-gateway/pkg/metrics"
	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

const upstreamPage = `{
  "status": "success",
  "totalResults": 1,
  "results": [
    {
      "article_id": "a1",
      "title": "Headline",
      "link": "https://example.com/a1",
      "creator": ["Jane Doe"],
      "category": ["top"],
      "country": ["india"]
    }
  ],
  "nextPage": "next-token"
}`

// fakeUpstream answers like the news API. Keys listed in limited get 429s.
type fakeUpstream struct {
	mu      sync.Mutex
	status  int
	body    string
	limited map[string]bool
	hits    int
	keys    []string
	queries []string
}

func newFakeUpstream(t *testing.T) (*fakeUpstream, *httptest.Server) {
	f := &fakeUpstream{status: http.StatusOK, body: upstreamPage, limited: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.URL.Query().Get("apikey")
	f.hits++
	f.keys = append(f.keys, key)
	f.queries = append(f.queries, r.URL.Path+"?"+r.URL.RawQuery)

	if f.limited[key] {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeUpstream) set(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

func (f *fakeUpstream) limit(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.limited[k] = true
	}
}

func (f *fakeUpstream) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

type serviceFixture struct {
	svc      *Service
	pool     *resilience.KeyPool
	upstream *fakeUpstream
	breaker  *resilience.CircuitBreaker
}

type fixtureOption func(*Config)

func withCache(c ResponseCache) fixtureOption {
	return func(cfg *Config) { cfg.Cache = c }
}

func newServiceFixture(t *testing.T, keys []string, opts ...fixtureOption) *serviceFixture {
	upstream, srv := newFakeUpstream(t)
	pool := resilience.NewKeyPool(keys)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		IsFailure:        newsapi.IsUpstreamFailure,
	})

	cfg := Config{
		Client:      newsapi.NewClient(newsapi.Config{Keys: pool}),
		Pool:        pool,
		Breaker:     breaker,
		BaseURL:     srv.URL + "/api/1",
		MaxAttempts: 4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &serviceFixture{
		svc:      NewService(cfg),
		pool:     pool,
		upstream: upstream,
		breaker:  breaker,
	}
}

func TestService_Fetch(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one"})

	res, err := f.svc.Fetch(context.Background(), newsapi.Query{Q: "go", Category: "top"})
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, 1, res.Page.TotalResults)
	assert.Equal(t, "next-token", res.Page.NextPage)
	require.Len(t, res.Page.Articles, 1)
	assert.Equal(t, "Headline", res.Page.Articles[0].Title)
	assert.Equal(t, []string{"/api/1/latest?category=top&q=go&apikey=key-one"}, f.upstream.queries)
}

func TestService_FetchRotatesKeys(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one", "key-two", "key-three"})
	f.upstream.limit("key-one", "key-two")

	res, err := f.svc.Fetch(context.Background(), newsapi.Query{})
	require.NoError(t, err)

	assert.Len(t, res.Page.Articles, 1)
	assert.Equal(t, []string{"key-one", "key-two", "key-three"}, f.upstream.keys)

	status := f.svc.KeyStatus()
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.Available)
	assert.True(t, status.Keys[0].Exhausted)
	require.NotNil(t, status.Keys[0].ExhaustedUntil)
	assert.False(t, status.Keys[2].Exhausted)
	assert.Nil(t, status.Keys[2].ExhaustedUntil)
	require.NotNil(t, status.NextReset)
	assert.Equal(t, *status.Keys[0].ExhaustedUntil, *status.NextReset)
	assert.Equal(t, "closed", status.Breaker)
}

func TestService_FetchAllKeysRateLimited(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one", "key-two"})
	f.upstream.limit("key-one", "key-two")

	_, err := f.svc.Fetch(context.Background(), newsapi.Query{})
	assert.ErrorIs(t, err, newsapi.ErrAllKeysRateLimited)
	assert.False(t, f.svc.Healthy())
	assert.Greater(t, f.svc.RetryAfter(), 59*time.Minute)

	// Exhaustion is not an upstream outage.
	assert.Equal(t, resilience.StateClosed, f.breaker.State())

	_, err = f.svc.Fetch(context.Background(), newsapi.Query{})
	assert.ErrorIs(t, err, resilience.ErrAllKeysExhausted)
	assert.Equal(t, 2, f.upstream.hitCount())
}

func TestService_FetchBreakerOpensOnUpstreamFailures(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one"})
	f.upstream.set(http.StatusBadGateway, `oops`)

	for i := 0; i < 2; i++ {
		_, err := f.svc.Fetch(context.Background(), newsapi.Query{})
		var statusErr *newsapi.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	}

	_, err := f.svc.Fetch(context.Background(), newsapi.Query{})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, f.upstream.hitCount())
	assert.Equal(t, 1, f.pool.Available(), "5xx must not exhaust keys")
}

func TestService_FetchClientErrorsDoNotTripBreaker(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one"})
	f.upstream.set(http.StatusUnauthorized, `{"status":"error","results":{"code":"Unauthorized","message":"invalid key"}}`)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Fetch(context.Background(), newsapi.Query{})
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateClosed, f.breaker.State())
}

func TestService_FetchUpstreamApplicationError(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one"})
	f.upstream.set(http.StatusOK, `{"status":"error","results":{"code":"UnsupportedFilter","message":"bad filter"}}`)

	_, err := f.svc.Fetch(context.Background(), newsapi.Query{})

	var upstreamErr *newsapi.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "bad filter", upstreamErr.Message)
}

func TestService_FetchInvalidQuery(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one"})

	_, err := f.svc.Fetch(context.Background(), newsapi.Query{Country: "us;drop"})
	assert.ErrorIs(t, err, newsapi.ErrInvalidQuery)
	assert.Equal(t, 0, f.upstream.hitCount())
}

func TestService_FetchUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCache(mr.Addr(), "", 0, time.Minute)
	t.Cleanup(func() { _ = rc.Close() })

	f := newServiceFixture(t, []string{"key-one"}, withCache(rc))
	ctx := context.Background()

	first, err := f.svc.Fetch(ctx, newsapi.Query{Q: "go"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.Fetch(ctx, newsapi.Query{Q: "go"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Page, second.Page)
	assert.Equal(t, 1, f.upstream.hitCount())

	// A different query misses.
	_, err = f.svc.Fetch(ctx, newsapi.Query{Q: "rust"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.upstream.hitCount())
}

func TestService_FetchCacheDownIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCache(mr.Addr(), "", 0, time.Minute)
	t.Cleanup(func() { _ = rc.Close() })
	mr.Close()

	f := newServiceFixture(t, []string{"key-one"}, withCache(rc))

	res, err := f.svc.Fetch(context.Background(), newsapi.Query{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, f.upstream.hitCount())
}

func TestService_ErrorPagesAreNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCache(mr.Addr(), "", 0, time.Minute)
	t.Cleanup(func() { _ = rc.Close() })

	f := newServiceFixture(t, []string{"key-one"}, withCache(rc))
	f.upstream.set(http.StatusOK, `{"status":"error","results":{"code":"X","message":"y"}}`)

	_, err := f.svc.Fetch(context.Background(), newsapi.Query{})
	require.Error(t, err)
	assert.Empty(t, mr.Keys())
}

func TestService_OnlySuccessPagesAreCached(t *testing.T) {
	for _, body := range []string{`{"results":[]}`, `{"status":"partial","results":[]}`} {
		t.Run(body, func(t *testing.T) {
			mr := miniredis.RunT(t)
			rc := cache.NewRedisCache(mr.Addr(), "", 0, time.Minute)
			t.Cleanup(func() { _ = rc.Close() })

			f := newServiceFixture(t, []string{"key-one"}, withCache(rc))
			f.upstream.set(http.StatusOK, body)

			res, err := f.svc.Fetch(context.Background(), newsapi.Query{})
			require.NoError(t, err)
			assert.False(t, res.Cached)
			assert.Empty(t, mr.Keys())

			_, err = f.svc.Fetch(context.Background(), newsapi.Query{})
			require.NoError(t, err)
			assert.Equal(t, 2, f.upstream.hitCount())
		})
	}
}

func TestService_RetryAfterUsesPoolClock(t *testing.T) {
	// Far from the wall clock, so time.Until would give a nonsense value.
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := resilience.NewKeyPool([]string{"key-one"},
		resilience.WithClock(func() time.Time { return now }),
		resilience.WithCooldown(30*time.Minute),
	)
	svc := NewService(Config{
		Client: newsapi.NewClient(newsapi.Config{Keys: pool}),
		Pool:   pool,
	})

	assert.Zero(t, svc.RetryAfter())

	pool.MarkExhausted("key-one")
	assert.Equal(t, 30*time.Minute, svc.RetryAfter())

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 20*time.Minute, svc.RetryAfter())
}

func TestNewService_SeedsKeysAvailable(t *testing.T) {
	pool := resilience.NewKeyPool([]string{"key-one", "key-two", "key-three"})
	pool.MarkExhausted("key-two")

	NewService(Config{
		Client: newsapi.NewClient(newsapi.Config{Keys: pool}),
		Pool:   pool,
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.KeysAvailable))
}

func TestService_KeyStatusBreakerStats(t *testing.T) {
	f := newServiceFixture(t, []string{"key-one"})

	_, err := f.svc.Fetch(context.Background(), newsapi.Query{})
	require.NoError(t, err)

	f.upstream.set(http.StatusBadGateway, `oops`)
	for i := 0; i < 3; i++ {
		_, _ = f.svc.Fetch(context.Background(), newsapi.Query{})
	}

	status := f.svc.KeyStatus()
	assert.Equal(t, "open", status.Breaker)
	assert.Equal(t, BreakerStats{Successes: 1, Failures: 2, Rejected: 1}, status.BreakerStats)
}
