package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"github.com/cartscout/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultSourceTimeout = 4 * time.Second
	defaultRetryBackoff  = 250 * time.Millisecond
	defaultCacheTTL      = 5 * time.Minute
	deadlineSlack        = 500 * time.Millisecond
	maxFetchAttempts     = 2
)

// AggregatorConfig holds configuration for the aggregation service
type AggregatorConfig struct {
	SourceTimeout  time.Duration // per attempt
	GlobalDeadline time.Duration // 0 derives it from SourceTimeout and RetryBackoff
	RetryBackoff   time.Duration
	CacheTTL       time.Duration
	Dedupe         DedupeConfig
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = defaultSourceTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	} else if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.GlobalDeadline <= 0 {
		// room for a timed-out first attempt, the backoff and a full retry
		c.GlobalDeadline = maxFetchAttempts*c.SourceTimeout + c.RetryBackoff + deadlineSlack
	}
	c.Dedupe = c.Dedupe.withDefaults()
	return c
}

// AggregationService fans a query out to every requested source, through the
// result cache, and merges whatever comes back before the global deadline.
type AggregationService struct {
	adapters map[string]domain.SourceAdapter
	ids      []string
	cache    domain.ResultCache
	config   AggregatorConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAggregationService creates a new aggregation service.
// cache and m may be nil.
func NewAggregationService(
	adapters []domain.SourceAdapter,
	cache domain.ResultCache,
	config AggregatorConfig,
	m *metrics.Metrics,
	log *zap.Logger,
) *AggregationService {
	s := &AggregationService{
		adapters: make(map[string]domain.SourceAdapter, len(adapters)),
		cache:    cache,
		config:   config.withDefaults(),
		metrics:  m,
		logger:   logger.OrNop(log),
	}
	for _, a := range adapters {
		if _, dup := s.adapters[a.ID()]; dup {
			s.logger.Warn("duplicate source id ignored", zap.String("source", a.ID()))
			continue
		}
		s.adapters[a.ID()] = a
		s.ids = append(s.ids, a.ID())
	}
	sort.Strings(s.ids)
	return s
}

// Sources returns the sorted ids of every configured source.
func (s *AggregationService) Sources() []string {
	return append([]string(nil), s.ids...)
}

// sourceOutcome is what one per-source task reports back
type sourceOutcome struct {
	sourceID string
	items    []domain.ProductRecord
	cacheHit bool
	err      error
}

// Aggregate queries every requested source concurrently and merges the results.
// Source failures never fail the call: they are recorded in SourcesFailed.
// When no item survives, the result is returned together with ErrNoDataAvailable.
func (s *AggregationService) Aggregate(ctx context.Context, query domain.Query) (*domain.AggregatedResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	sources, err := s.resolveSources(query.RequestedSources)
	if err != nil {
		return nil, err
	}
	query.RequestedSources = sources

	result := domain.NewAggregatedResult(query)
	start := time.Now()

	deadlineCtx, cancel := context.WithTimeout(ctx, s.config.GlobalDeadline)
	defer cancel()

	// buffered so abandoned tasks never block on send
	outcomes := make(chan sourceOutcome, len(sources))
	for _, id := range sources {
		go s.runSource(deadlineCtx, s.adapters[id], query, outcomes)
	}

	collected := make(map[string]sourceOutcome, len(sources))
collect:
	for len(collected) < len(sources) {
		select {
		case o := <-outcomes:
			collected[o.sourceID] = o
		case <-deadlineCtx.Done():
			break collect
		}
	}

	var merged []domain.ProductRecord
	for _, id := range sources {
		o, reported := collected[id]
		switch {
		case !reported:
			s.logger.Warn("source abandoned at global deadline",
				zap.String("source", id),
				zap.Duration("deadline", s.config.GlobalDeadline))
			result.SourcesFailed[id] = domain.ReasonTimeout
		case o.err != nil:
			reason := failureReason(o.err)
			s.logger.Warn("source failed",
				zap.String("source", id),
				zap.String("reason", string(reason)),
				zap.Error(o.err))
			result.SourcesFailed[id] = reason
		case o.cacheHit:
			result.CacheHit = append(result.CacheHit, id)
			merged = append(merged, o.items...)
		default:
			result.SourcesSucceeded = append(result.SourcesSucceeded, id)
			merged = append(merged, o.items...)
			s.storeInCache(ctx, id, query, o.items)
		}
	}

	merged = filterByPrice(merged, query.MaxPrice)
	sortRecords(merged)
	result.Items = deduplicate(merged, s.config.Dedupe)
	result.AssignMissingIDs()

	status := result.Status()
	s.metrics.ObserveAggregation(string(status))
	s.logger.Info("aggregation finished",
		zap.String("query", query.Signature()),
		zap.String("status", string(status)),
		zap.Int("items", len(result.Items)),
		zap.Strings("succeeded", result.SourcesSucceeded),
		zap.Strings("cache_hit", result.CacheHit),
		zap.Int("failed", len(result.SourcesFailed)),
		zap.Duration("duration", time.Since(start)))

	if status == domain.StatusNoData {
		return result, domain.ErrNoDataAvailable
	}
	return result, nil
}

// resolveSources returns the sorted, de-duplicated source ids a query targets.
func (s *AggregationService) resolveSources(requested []string) ([]string, error) {
	if len(requested) == 0 {
		if len(s.ids) == 0 {
			return nil, fmt.Errorf("%w: no sources configured", domain.ErrInvalidQuery)
		}
		return s.Sources(), nil
	}

	seen := make(map[string]bool, len(requested))
	var out []string
	for _, id := range requested {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if _, ok := s.adapters[id]; !ok {
			return nil, fmt.Errorf("%w: unknown source %q", domain.ErrInvalidQuery, id)
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no sources requested", domain.ErrInvalidQuery)
	}
	sort.Strings(out)
	return out, nil
}

// runSource serves one source from the cache or the adapter and reports exactly once.
func (s *AggregationService) runSource(ctx context.Context, adapter domain.SourceAdapter, query domain.Query, out chan<- sourceOutcome) {
	id := adapter.ID()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("source adapter panicked", zap.String("source", id), zap.Any("panic", r))
			out <- sourceOutcome{sourceID: id, err: fmt.Errorf("%w: adapter panic: %v", domain.ErrSourceUnavailable, r)}
		}
	}()

	if items, ok := s.lookupCache(ctx, id, query); ok {
		out <- sourceOutcome{sourceID: id, items: items, cacheHit: true}
		return
	}

	items, err := s.fetchWithRetry(ctx, adapter, query)
	out <- sourceOutcome{sourceID: id, items: items, err: err}
}

func (s *AggregationService) lookupCache(ctx context.Context, id string, query domain.Query) ([]domain.ProductRecord, bool) {
	if s.cache == nil {
		return nil, false
	}
	items, err := s.cache.Get(ctx, id, query)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			s.logger.Warn("cache lookup failed, treating as miss", zap.String("source", id), zap.Error(err))
		}
		s.metrics.ObserveCache(id, false)
		return nil, false
	}
	s.metrics.ObserveCache(id, true)
	return items, true
}

func (s *AggregationService) storeInCache(ctx context.Context, id string, query domain.Query, items []domain.ProductRecord) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, id, query, items, s.config.CacheTTL); err != nil {
		s.logger.Warn("cache store failed", zap.String("source", id), zap.Error(err))
	}
}

// fetchWithRetry calls the adapter with a per-attempt timeout and retries once
// on timeout or transient failure. ErrSourceEmpty is a success with no items.
func (s *AggregationService) fetchWithRetry(ctx context.Context, adapter domain.SourceAdapter, query domain.Query) ([]domain.ProductRecord, error) {
	id := adapter.ID()
	var lastErr error

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.SourceTimeout)
		start := time.Now()
		items, err := adapter.Fetch(attemptCtx, query)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil:
			s.metrics.ObserveFetch(id, "success", time.Since(start))
			return normalizeRecords(id, items), nil
		case errors.Is(err, domain.ErrSourceEmpty):
			s.metrics.ObserveFetch(id, "empty", time.Since(start))
			return []domain.ProductRecord{}, nil
		case errors.Is(err, domain.ErrInvalidQuery):
			s.metrics.ObserveFetch(id, "invalid_query", time.Since(start))
			return nil, err
		}

		if timedOut && !errors.Is(err, domain.ErrSourceTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrSourceTimeout, err)
		}
		lastErr = err
		s.metrics.ObserveFetch(id, strings.ToLower(string(failureReason(err))), time.Since(start))
		s.logger.Debug("source attempt failed",
			zap.String("source", id),
			zap.Int("attempt", attempt),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))

		if attempt == maxFetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceTimeout, ctx.Err())
		case <-time.After(s.config.RetryBackoff):
		}
	}

	return nil, lastErr
}

// normalizeRecords stamps the source id and drops records with an unusable price.
func normalizeRecords(sourceID string, items []domain.ProductRecord) []domain.ProductRecord {
	out := make([]domain.ProductRecord, 0, len(items))
	for _, item := range items {
		if item.Price < 0 || math.IsNaN(item.Price) || math.IsInf(item.Price, 0) {
			continue
		}
		item.SourceID = sourceID
		out = append(out, item)
	}
	return out
}

func failureReason(err error) domain.FailureReason {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		return domain.ReasonInvalidQuery
	case errors.Is(err, domain.ErrSourceTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonTimeout
	default:
		return domain.ReasonUnavailable
	}
}

func filterByPrice(items []domain.ProductRecord, maxPrice *float64) []domain.ProductRecord {
	if maxPrice == nil {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.Price <= *maxPrice {
			out = append(out, item)
		}
	}
	return out
}

// sortRecords orders by price ascending, then rating descending (unrated last),
// then source id, external id and title so equal inputs always sort the same.
func sortRecords(items []domain.ProductRecord) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		ra, rb := ratingOrDefault(a.Rating), ratingOrDefault(b.Rating)
		if ra != rb {
			return ra > rb
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		return a.Title < b.Title
	})
}

func ratingOrDefault(r *float64) float64 {
	if r == nil {
		return -1
	}
	return *r
}
