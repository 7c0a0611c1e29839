package infrastructure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"attribgo/internal/domain"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"
	"attribgo/pkg/retry"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

const (
	reportsPath          = "/reports/campaigns"
	reportCacheKeyPrefix = "report:"
	reportAPI            = "reports"
	maxErrorBodyLen      = 512
	defaultFetchTimeout  = 2 * time.Minute
)

type ReportClientConfig struct {
	BaseURL          string
	CacheTTL         time.Duration
	DefaultPageLimit int
	// FetchTimeout bounds one shared fetch including its retries. The fetch
	// outlives any single caller's context.
	FetchTimeout time.Duration
	Retry        retry.Policy
}

// ReportClient fetches campaign reports with caching, retry and a shared
// outbound rate limit. It implements domain.ReportClient.
type ReportClient struct {
	client    *http.Client
	baseURL   string
	tokens    domain.TokenSource
	cache     domain.KVStore
	limiter   *RateLimiter
	breaker   *gobreaker.CircuitBreaker[[]byte]
	cacheTTL  time.Duration
	timeout   time.Duration
	pageLimit int
	policy    retry.Policy
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// collapses concurrent fetches of the same query
	inflight singleflight.Group
}

func NewReportClient(
	cfg ReportClientConfig,
	client *http.Client,
	tokens domain.TokenSource,
	cache domain.KVStore,
	limiter *RateLimiter,
	breaker *gobreaker.CircuitBreaker[[]byte],
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *ReportClient {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	pageLimit := cfg.DefaultPageLimit
	if pageLimit <= 0 {
		pageLimit = 1000
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &ReportClient{
		client:    client,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		tokens:    tokens,
		cache:     cache,
		limiter:   limiter,
		breaker:   breaker,
		cacheTTL:  cfg.CacheTTL,
		timeout:   timeout,
		pageLimit: pageLimit,
		policy:    cfg.Retry,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("reporting API returned status %d: %s", e.StatusCode, e.Body)
}

// GetCampaignReports returns the report for opts, served from cache when an
// identical query was answered within the cache TTL. Concurrent callers of
// the same query share one fetch; each caller stops waiting when its own
// ctx is done without cancelling the fetch for the others.
func (c *ReportClient) GetCampaignReports(ctx context.Context, opts domain.ReportOptions, orgID string) (*domain.ReportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ReportFetchError{OrgID: orgID, Err: err}
	}
	opts = opts.Normalize(c.pageLimit)
	log := c.logger.WithContext(ctx).WithField("org_id", orgID)

	query, err := encodeReportQuery(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report query: %w", err)
	}
	key := reportCacheKey(orgID, query)

	if result, ok := c.lookup(ctx, key, orgID); ok {
		log.WithField("records", len(result.Records)).Debug("Serving campaign report from cache")
		return result, nil
	}

	ch := c.inflight.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fetchCtx, query, key, orgID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		log.WithError(ctx.Err()).Debug("Stopped waiting for campaign report")
		return nil, &domain.ReportFetchError{OrgID: orgID, Err: ctx.Err()}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	result := res.Val.(*domain.ReportResult)
	if res.Shared {
		records := make([]domain.CampaignRecord, len(result.Records))
		copy(records, result.Records)
		return &domain.ReportResult{Records: records, Raw: result.Raw}, nil
	}
	return result, nil
}

// fetch runs the retry loop for a cache miss and caches a successful result.
func (c *ReportClient) fetch(ctx context.Context, query, key, orgID string) (*domain.ReportResult, error) {
	log := c.logger.WithContext(ctx).WithField("org_id", orgID)

	var attempts, lastStatus int
	result, err := retry.Do(ctx, c.policy, func(attempt int) (*domain.ReportResult, error) {
		attempts = attempt + 1
		result, status, err := c.fetchOnce(ctx, query, orgID)
		lastStatus = status
		return result, err
	}, func(err error, next time.Duration) {
		log.WithError(err).WithFields(map[string]any{
			"attempt":  attempts,
			"retry_in": next,
		}).Warn("Campaign report fetch failed, retrying")
	})
	if err != nil {
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			return nil, err
		}
		log.WithError(err).WithField("attempts", attempts).Error("Campaign report fetch failed")
		return nil, &domain.ReportFetchError{OrgID: orgID, StatusCode: lastStatus, Attempts: attempts, Err: err}
	}

	c.save(ctx, key, result.Raw)
	return result, nil
}

// fetchOnce performs a single rate-limited request. Errors wrapped with
// retry.Permanent are not retried.
func (c *ReportClient) fetchOnce(ctx context.Context, query, orgID string) (*domain.ReportResult, int, error) {
	log := c.logger.WithContext(ctx).WithField("org_id", orgID)

	if err := c.limiter.Acquire(ctx); err != nil {
		c.metrics.RecordExternalAPIFailure(reportAPI, "rate_limit")
		return nil, 0, retry.Permanent(err)
	}

	headers, err := c.tokens.GetRequestHeaders(ctx, orgID)
	if err != nil {
		c.metrics.RecordExternalAPIFailure(reportAPI, "auth")
		return nil, 0, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+reportsPath+"?"+query, nil)
	if err != nil {
		c.metrics.RecordExternalAPIFailure(reportAPI, "request_creation")
		return nil, 0, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(req)
	})
	duration := time.Since(start)

	var statusErr *httpStatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		c.metrics.RecordExternalAPIFailure(reportAPI, "circuit_open")
		return nil, 0, retry.Permanent(fmt.Errorf("reporting API unavailable: %w", err))
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		// half-open with a trial request in flight; retry once it settles
		c.metrics.RecordExternalAPIFailure(reportAPI, "circuit_half_open")
		return nil, 0, fmt.Errorf("reporting API recovering: %w", err)
	case errors.As(err, &statusErr):
		c.metrics.RecordExternalAPICall(reportAPI, fmt.Sprintf("error_%d", statusErr.StatusCode), duration)
		if statusErr.StatusCode == http.StatusUnauthorized {
			// the cached token was rejected; the next attempt re-issues one
			if clearErr := c.tokens.ClearToken(ctx); clearErr != nil {
				log.WithError(clearErr).Warn("Failed to clear rejected token")
			}
		}
		return nil, statusErr.StatusCode, err
	case err != nil:
		c.metrics.RecordExternalAPIFailure(reportAPI, "network_error")
		return nil, 0, fmt.Errorf("failed to fetch campaign report: %w", err)
	}

	records, err := c.parseReport(ctx, body, orgID)
	if err != nil {
		c.metrics.RecordExternalAPIFailure(reportAPI, "json_parse")
		return nil, http.StatusOK, retry.Permanent(err)
	}

	c.metrics.RecordExternalAPICall(reportAPI, "success", duration)
	log.WithFields(map[string]any{
		"url":      c.baseURL + reportsPath,
		"duration": duration,
		"records":  len(records),
	}).Info("Successfully fetched campaign report")

	return &domain.ReportResult{Records: records, Raw: body}, http.StatusOK, nil
}

func (c *ReportClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(body)
		if len(text) > maxErrorBodyLen {
			text = text[:maxErrorBodyLen]
		}
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Body: text}
	}
	return body, nil
}

func (c *ReportClient) lookup(ctx context.Context, key, orgID string) (*domain.ReportResult, bool) {
	log := c.logger.WithContext(ctx)

	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			log.WithError(err).Warn("Report cache read failed")
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	var cached domain.CachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.Expired(c.now()) {
		if delErr := c.cache.Delete(ctx, key); delErr != nil {
			log.WithError(delErr).Warn("Failed to evict report cache entry")
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	records, err := c.parseReport(ctx, cached.Payload, orgID)
	if err != nil {
		_ = c.cache.Delete(ctx, key)
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	c.metrics.RecordCacheLookup(true)
	return &domain.ReportResult{Records: records, Raw: cached.Payload, Cached: true}, true
}

func (c *ReportClient) save(ctx context.Context, key string, payload []byte) {
	entry, err := json.Marshal(domain.CachedResponse{
		Payload: payload,
		Expiry:  c.now().Add(c.cacheTTL).UnixMilli(),
	})
	if err == nil {
		err = c.cache.Set(ctx, key, string(entry), c.cacheTTL)
	}
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Failed to cache campaign report")
	}
}

// encodeReportQuery renders opts as the endpoint's query string. url.Values
// sorts by key, so equal options always encode identically.
func encodeReportQuery(opts domain.ReportOptions) (string, error) {
	q := url.Values{}
	q.Set("startTime", opts.StartTime.UTC().Format(time.DateOnly))
	q.Set("endTime", opts.EndTime.UTC().Format(time.DateOnly))
	q.Set("granularity", string(opts.Granularity))
	q.Set("groupBy", strings.Join(opts.GroupBy, ","))
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("offset", strconv.Itoa(opts.Offset))

	if opts.Selector != nil {
		selector, err := json.Marshal(opts.Selector)
		if err != nil {
			return "", err
		}
		q.Set("selector", string(selector))
	}
	return q.Encode(), nil
}

func reportCacheKey(orgID, query string) string {
	sum := sha256.Sum256([]byte(orgID + "|" + query))
	return reportCacheKeyPrefix + hex.EncodeToString(sum[:])
}
