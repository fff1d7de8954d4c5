package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"webinteract/internal/domain"
	"webinteract/internal/infra/hashutil"
	"webinteract/internal/infra/telemetry"
)

// Settings are the fetcher knobs that may change on config reload.
type Settings struct {
	CacheEnabled      bool
	TTL               time.Duration
	FetchTimeout      time.Duration
	ServeStaleOnError bool
}

func DefaultSettings() Settings {
	return Settings{
		CacheEnabled: domain.DefaultCatalogCacheEnabled,
		TTL:          time.Duration(domain.DefaultCatalogCacheTTLSeconds) * time.Second,
		FetchTimeout: time.Duration(domain.DefaultCatalogFetchTimeoutSeconds) * time.Second,
	}
}

type FetcherOptions struct {
	Client       *http.Client
	Cache        Cache
	Settings     Settings
	ToolsPath    string
	MaxBodyBytes int64
	Metrics      domain.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

// Fetcher retrieves tool catalogs from remote origins and keeps them in a
// Cache. Concurrent misses for the same origin share one HTTP request.
type Fetcher struct {
	client    *http.Client
	cache     Cache
	toolsPath string
	maxBody   int64
	metrics   domain.Metrics
	logger    *zap.Logger
	now       func() time.Time
	group     singleflight.Group

	mu       sync.RWMutex
	settings Settings
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	toolsPath := opts.ToolsPath
	if toolsPath == "" {
		toolsPath = domain.DefaultCatalogToolsPath
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = domain.DefaultCatalogMaxBodyBytes
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		client:    client,
		cache:     cache,
		toolsPath: toolsPath,
		maxBody:   maxBody,
		metrics:   metrics,
		logger:    logger.Named("catalog"),
		now:       now,
		settings:  normalizeSettings(opts.Settings),
	}
}

func normalizeSettings(s Settings) Settings {
	defaults := DefaultSettings()
	if s.TTL <= 0 {
		s.TTL = defaults.TTL
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = defaults.FetchTimeout
	}
	return s
}

func (f *Fetcher) Settings() Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// UpdateSettings applies reloaded knobs to subsequent requests.
func (f *Fetcher) UpdateSettings(s Settings) {
	f.mu.Lock()
	f.settings = normalizeSettings(s)
	f.mu.Unlock()
}

// GetCatalog returns the tools published by origin. A fresh cached entry is
// returned without I/O unless forceRefresh is set.
func (f *Fetcher) GetCatalog(ctx context.Context, origin string, forceRefresh bool) ([]domain.ToolDescriptor, error) {
	key, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	settings := f.Settings()

	var (
		stale    domain.CatalogEntry
		hasStale bool
	)
	if settings.CacheEnabled || settings.ServeStaleOnError {
		entry, ok, err := f.cache.Get(ctx, key)
		if err != nil {
			f.logger.Warn("catalog cache read failed", telemetry.OriginField(key), zap.Error(err))
		}
		if ok && settings.CacheEnabled && !forceRefresh && entry.Fresh(f.now(), settings.TTL) {
			f.metrics.ObserveCatalogRequest(domain.CatalogResultHit)
			f.logger.Debug("catalog cache hit", telemetry.EventField(telemetry.EventCatalogHit), telemetry.OriginField(key))
			return entry.Tools, nil
		}
		stale, hasStale = entry, ok
	}
	if forceRefresh {
		f.metrics.ObserveCatalogRequest(domain.CatalogResultForced)
	} else {
		f.metrics.ObserveCatalogRequest(domain.CatalogResultMiss)
	}

	tools, err := f.fetchShared(ctx, key, settings)
	if err == nil {
		return tools, nil
	}
	if hasStale && settings.ServeStaleOnError && len(stale.Tools) > 0 {
		f.metrics.ObserveCatalogRequest(domain.CatalogResultStaleServed)
		f.logger.Warn("serving stale catalog after fetch failure",
			telemetry.EventField(telemetry.EventCatalogStale),
			telemetry.OriginField(key),
			zap.Time("fetchedAt", stale.FetchedAt),
			zap.Error(err),
		)
		return stale.Tools, nil
	}
	if hasStale && !stale.Fresh(f.now(), settings.TTL) {
		if delErr := f.cache.Delete(ctx, key); delErr != nil {
			f.logger.Warn("catalog cache evict failed", telemetry.OriginField(key), zap.Error(delErr))
		}
	}
	return nil, err
}

// fetchShared coalesces concurrent fetches of one origin. Each caller still
// gets its own copy of the result.
func (f *Fetcher) fetchShared(ctx context.Context, key string, settings Settings) ([]domain.ToolDescriptor, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		// Detached from any single caller so one canceled agent does not fail
		// the others waiting on the same origin.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.FetchTimeout)
		defer cancel()
		return f.fetchAndStore(fetchCtx, key, settings)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return domain.CloneToolDescriptors(res.Val.([]domain.ToolDescriptor)), nil
	case <-ctx.Done():
		return nil, contextError("catalog.fetch", ctx.Err())
	}
}

func (f *Fetcher) fetchAndStore(ctx context.Context, key string, settings Settings) ([]domain.ToolDescriptor, error) {
	start := f.now()
	tools, err := f.fetch(ctx, key)
	duration := f.now().Sub(start)
	f.metrics.ObserveCatalogFetch(duration, err)
	if err != nil {
		f.logger.Warn("catalog fetch failed",
			telemetry.EventField(telemetry.EventCatalogFetch),
			telemetry.OriginField(key),
			telemetry.DurationField(duration),
			zap.Error(err),
		)
		return nil, err
	}
	f.logger.Info("catalog fetched",
		telemetry.EventField(telemetry.EventCatalogFetch),
		telemetry.OriginField(key),
		zap.Int("tools", len(tools)),
		zap.String("etag", hashutil.CatalogETag(f.logger, tools)),
		telemetry.DurationField(duration),
	)
	if settings.CacheEnabled || settings.ServeStaleOnError {
		entry := domain.CatalogEntry{Origin: key, Tools: tools, FetchedAt: f.now()}
		if err := f.cache.Set(ctx, entry); err != nil {
			f.logger.Warn("catalog cache write failed", telemetry.OriginField(key), zap.Error(err))
		}
	}
	return tools, nil
}

func (f *Fetcher) fetch(ctx context.Context, key string) ([]domain.ToolDescriptor, error) {
	target := CatalogURL(key, f.toolsPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, "catalog.fetch", fmt.Sprintf("build request for %s", target), fmt.Errorf("%w: %w", domain.ErrFetch, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError("catalog.fetch", ctx.Err())
		}
		return nil, domain.E(domain.CodeUnavailable, "catalog.fetch", fmt.Sprintf("get %s", target), fmt.Errorf("%w: %w", domain.ErrFetch, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, invalidCatalog(fmt.Sprintf("get %s: unexpected status %d", target, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError("catalog.fetch", ctx.Err())
		}
		return nil, domain.E(domain.CodeUnavailable, "catalog.fetch", fmt.Sprintf("read %s", target), fmt.Errorf("%w: %w", domain.ErrFetch, err))
	}
	if int64(len(body)) > f.maxBody {
		return nil, invalidCatalog(fmt.Sprintf("catalog exceeds %d bytes", f.maxBody), nil)
	}
	return DecodeCatalog(body)
}

func contextError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.E(domain.CodeCanceled, op, "request canceled", fmt.Errorf("%w: %w", domain.ErrCanceled, err))
	}
	return domain.E(domain.CodeDeadlineExceeded, op, "request timed out", fmt.Errorf("%w: %w", domain.ErrTimeout, err))
}
