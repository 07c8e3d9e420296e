// Package gateway exposes the news feed over REST and gRPC.
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/newsfeed-gateway/pkg/metrics"
	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

// ResponseCache stores upstream responses by target URL. *cache.RedisCache
// satisfies it.
type ResponseCache interface {
	Get(ctx context.Context, target string) (newsapi.Response, bool, error)
	Set(ctx context.Context, target string, resp newsapi.Response) error
}

// Config holds the service configuration.
type Config struct {
	Client      *newsapi.Client
	Pool        *resilience.KeyPool
	Cache       ResponseCache // Optional
	Breaker     *resilience.CircuitBreaker
	BaseURL     string
	MaxAttempts int
	Logger      *zap.Logger
}

// Service fetches article pages, shared by the REST and gRPC surfaces.
type Service struct {
	client      *newsapi.Client
	pool        *resilience.KeyPool
	cache       ResponseCache
	breaker     *resilience.CircuitBreaker
	baseURL     string
	maxAttempts int
	logger      *zap.Logger
}

// FetchResult is one page of articles.
type FetchResult struct {
	Page   newsapi.ArticlesPage
	Cached bool
}

// KeyStatus summarizes the API key pool.
type KeyStatus struct {
	Total        int          `json:"total"`
	Available    int          `json:"available"`
	Keys         []KeyView    `json:"keys"`
	NextReset    *time.Time   `json:"nextReset,omitempty"`
	Breaker      string       `json:"breaker"`
	BreakerStats BreakerStats `json:"breakerStats"`
}

// BreakerStats counts upstream calls seen by the circuit breaker.
type BreakerStats struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
}

// KeyView is the public form of one pooled key.
type KeyView struct {
	ID             string     `json:"id"`
	Exhausted      bool       `json:"exhausted"`
	ExhaustedUntil *time.Time `json:"exhaustedUntil,omitempty"`
}

// NewService creates a new Service. A breaker that only counts upstream
// failures is created when none is given. The keys-available gauge is
// seeded from the pool.
func NewService(cfg Config) *Service {
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			IsFailure: newsapi.IsUpstreamFailure,
		})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Pool != nil {
		metrics.KeysAvailable.Set(float64(cfg.Pool.Available()))
	}
	return &Service{
		client:      cfg.Client,
		pool:        cfg.Pool,
		cache:       cfg.Cache,
		breaker:     cfg.Breaker,
		baseURL:     cfg.BaseURL,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
	}
}

// Fetch returns one page of articles for q, from the cache when possible.
func (s *Service) Fetch(ctx context.Context, q newsapi.Query) (FetchResult, error) {
	if err := q.Validate(); err != nil {
		return FetchResult{}, err
	}
	target, err := q.Target(s.baseURL)
	if err != nil {
		return FetchResult{}, err
	}

	// -------------------------------------------------------------------------
	// Step 1: Cache lookup
	// -------------------------------------------------------------------------
	if s.cache != nil {
		cached, found, err := s.cache.Get(ctx, target)
		if err != nil {
			s.logger.Warn("cache lookup failed, treating as miss", zap.Error(err))
		}
		metrics.RecordCacheLookup(found)

		if found {
			page, err := newsapi.DecodeArticles(cached.Body)
			if err == nil {
				return FetchResult{Page: page, Cached: true}, nil
			}
			s.logger.Warn("discarding undecodable cache entry", zap.Error(err))
		}
	}

	// -------------------------------------------------------------------------
	// Step 2: Upstream through the circuit breaker
	// -------------------------------------------------------------------------
	var resp *newsapi.Response
	err = s.breaker.Execute(func() error {
		var reqErr error
		resp, reqErr = s.client.Request(ctx, target, s.maxAttempts)
		return reqErr
	})
	metrics.CircuitBreakerState.Set(float64(s.breaker.State()))
	metrics.KeysAvailable.Set(float64(s.pool.Available()))
	if err != nil {
		return FetchResult{}, err
	}

	page, err := newsapi.DecodeArticles(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}

	// -------------------------------------------------------------------------
	// Step 3: Store successful pages
	// -------------------------------------------------------------------------
	if s.cache != nil && resp.StatusCode < 300 && page.Status == newsapi.StatusSuccess {
		if err := s.cache.Set(ctx, target, *resp); err != nil {
			s.logger.Warn("cache store failed", zap.Error(err))
		}
	}

	return FetchResult{Page: page}, nil
}

// KeyStatus returns the pool and breaker state.
func (s *Service) KeyStatus() KeyStatus {
	states := s.pool.Snapshot()
	views := make([]KeyView, len(states))
	available := 0
	for i, st := range states {
		views[i] = KeyView{ID: st.ID, Exhausted: st.Exhausted}
		if st.Exhausted {
			until := st.ExhaustedUntil
			views[i].ExhaustedUntil = &until
		} else {
			available++
		}
	}

	stats := s.breaker.Stats()
	status := KeyStatus{
		Total:     len(states),
		Available: available,
		Keys:      views,
		Breaker:   stats.State.String(),
		BreakerStats: BreakerStats{
			Successes: stats.Successes,
			Failures:  stats.Failures,
			Rejected:  stats.Rejected,
		},
	}
	if reset, ok := s.pool.NextReset(); ok {
		status.NextReset = &reset
	}
	return status
}

// Healthy reports whether at least one key can be used.
func (s *Service) Healthy() bool {
	return s.pool.Available() > 0
}

// RetryAfter is how long until a key comes back, zero when unknown.
func (s *Service) RetryAfter() time.Duration {
	return s.pool.NextResetIn()
}
