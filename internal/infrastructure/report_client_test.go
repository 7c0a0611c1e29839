package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attribgo/internal/domain"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"
	"attribgo/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nestedReport = `{"data":[{"metadata":{"campaignId":123,"campaignName":"Spring Launch","countryOrRegion":"US","date":"2024-01-10"},"total":{"installs":10,"impressions":100,"taps":20}}]}`

type stubTokens struct {
	err     error
	cleared atomic.Int32
}

func (s *stubTokens) GetValidToken(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "test-token", nil
}

func (s *stubTokens) GetRequestHeaders(ctx context.Context, orgID string) (map[string]string, error) {
	token, err := s.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "Bearer " + token,
		"X-AP-Context":  "orgId=" + orgID,
		"Accept":        "application/json",
	}, nil
}

func (s *stubTokens) ClearToken(ctx context.Context) error {
	s.cleared.Add(1)
	return nil
}

type reportServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newReportServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, call int32)) *reportServer {
	t.Helper()
	rs := &reportServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := rs.calls.Add(1)
		handler(w, r, call)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func respond(body string) func(w http.ResponseWriter, r *http.Request, call int32) {
	return func(w http.ResponseWriter, r *http.Request, call int32) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

type reportClientOption func(*ReportClientConfig, *BreakerConfig)

func withBreakerThreshold(n uint32) reportClientOption {
	return func(_ *ReportClientConfig, b *BreakerConfig) { b.FailureThreshold = n }
}

func withMaxRetries(n int) reportClientOption {
	return func(c *ReportClientConfig, _ *BreakerConfig) { c.Retry.MaxRetries = n }
}

func withRetryDelay(d time.Duration) reportClientOption {
	return func(c *ReportClientConfig, _ *BreakerConfig) { c.Retry.BaseDelay = d }
}

func withBreakerTimeout(d time.Duration) reportClientOption {
	return func(_ *ReportClientConfig, b *BreakerConfig) { b.Timeout = d }
}

func newTestReportClient(t *testing.T, baseURL string, tokens domain.TokenSource, opts ...reportClientOption) *ReportClient {
	t.Helper()
	cfg := ReportClientConfig{
		BaseURL:          baseURL,
		CacheTTL:         15 * time.Minute,
		DefaultPageLimit: 1000,
		Retry:            retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond},
	}
	breakerCfg := BreakerConfig{FailureThreshold: 10, Timeout: time.Minute}
	for _, opt := range opts {
		opt(&cfg, &breakerCfg)
	}

	log := logger.Discard()
	m := metrics.New(prometheus.NewRegistry())
	return NewReportClient(
		cfg,
		nil,
		tokens,
		NewMemoryStore(log),
		NewRateLimiter(0),
		NewCircuitBreaker("test", breakerCfg, log, m),
		log,
		m,
	)
}

func reportWindow() domain.ReportOptions {
	return domain.ReportOptions{
		StartTime: time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func TestGetCampaignReportsCachesRepeatedQuery(t *testing.T) {
	server := newReportServer(t, respond(nestedReport))
	client := newTestReportClient(t, server.URL, &stubTokens{})
	ctx := context.Background()

	first, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Len(t, first.Records, 1)

	record := first.Records[0]
	assert.Equal(t, "123", record.CampaignID)
	assert.Equal(t, "Spring Launch", record.CampaignName)
	assert.Equal(t, "org-1", record.OrgID)
	assert.Equal(t, "US", record.CountryOrRegion)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), record.Date)
	assert.Equal(t, 10, record.Installs)
	assert.Equal(t, 100, record.Impressions)
	assert.Equal(t, 20, record.Taps)

	second, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Records, second.Records)
	assert.EqualValues(t, 1, server.calls.Load())

	// a different org is a different query
	_, err = client.GetCampaignReports(ctx, reportWindow(), "org-2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, server.calls.Load())
}

func TestGetCampaignReportsRefetchesExpiredEntry(t *testing.T) {
	server := newReportServer(t, respond(nestedReport))
	client := newTestReportClient(t, server.URL, &stubTokens{})

	now := time.Now()
	client.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	result, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.EqualValues(t, 2, server.calls.Load())
}

func TestGetCampaignReportsQueryAndHeaders(t *testing.T) {
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/reports/campaigns", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "2024-01-07", q.Get("startTime"))
		assert.Equal(t, "2024-01-15", q.Get("endTime"))
		assert.Equal(t, "DAY", q.Get("granularity"))
		assert.Equal(t, "countryOrRegion", q.Get("groupBy"))
		assert.Equal(t, "1000", q.Get("limit"))
		assert.Equal(t, "0", q.Get("offset"))
		assert.JSONEq(t, `{"conditions":[{"field":"countryOrRegion","operator":"EQUALS","values":["US"]}]}`, q.Get("selector"))

		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "orgId=org-1", r.Header.Get("X-AP-Context"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[]}`)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{})

	opts := reportWindow()
	opts.Selector = domain.CountrySelector("US")
	result, err := client.GetCampaignReports(context.Background(), opts, "org-1")
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.EqualValues(t, 1, server.calls.Load())
}

func TestGetCampaignReportsFlatRows(t *testing.T) {
	server := newReportServer(t, respond(`{"data":[
		{"campaignId":"c-1","orgId":77,"countryOrRegion":"gb","date":"2024-01-10T00:00:00Z","installs":5,"impressions":50,"taps":9},
		{"campaignId":"c-2","countryOrRegion":"GLOBAL","date":"not-a-date","installs":3}
	]}`))
	client := newTestReportClient(t, server.URL, &stubTokens{})

	result, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	assert.Equal(t, "77", result.Records[0].OrgID)
	assert.Equal(t, "GB", result.Records[0].CountryOrRegion)
	assert.Equal(t, 9, result.Records[0].Taps)

	assert.Equal(t, "org-1", result.Records[1].OrgID)
	assert.True(t, result.Records[1].IsGlobal())
	assert.True(t, result.Records[1].Date.IsZero())
}

func TestGetCampaignReportsRetriesThenSucceeds(t *testing.T) {
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		if call < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, nestedReport)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{})

	result, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")
	require.NoError(t, err)
	assert.Len(t, result.Records, 1)
	assert.EqualValues(t, 3, server.calls.Load())
}

func TestGetCampaignReportsExhaustsRetries(t *testing.T) {
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"maintenance"}`)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{})

	_, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")
	require.Error(t, err)

	var fetchErr *domain.ReportFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "org-1", fetchErr.OrgID)
	assert.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	assert.Equal(t, 4, fetchErr.Attempts)
	assert.EqualValues(t, 4, server.calls.Load())
}

func TestGetCampaignReportsMalformedNotRetried(t *testing.T) {
	bodies := map[string]string{
		"invalid json": `not json`,
		"missing data": `{"pagination":{}}`,
		"null data":    `{"data":null}`,
		"bad rows":     `{"data":{"campaignId":1}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := newReportServer(t, respond(body))
			client := newTestReportClient(t, server.URL, &stubTokens{})

			_, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")

			var fetchErr *domain.ReportFetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Equal(t, 1, fetchErr.Attempts)
			assert.EqualValues(t, 1, server.calls.Load())
		})
	}
}

func TestGetCampaignReportsClearsRejectedToken(t *testing.T) {
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, nestedReport)
	})
	tokens := &stubTokens{}
	client := newTestReportClient(t, server.URL, tokens)

	_, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tokens.cleared.Load())
	assert.EqualValues(t, 2, server.calls.Load())
}

func TestGetCampaignReportsAuthenticationFailure(t *testing.T) {
	server := newReportServer(t, respond(nestedReport))
	tokens := &stubTokens{err: &domain.AuthenticationError{StatusCode: http.StatusUnauthorized, Body: "invalid_client"}}
	client := newTestReportClient(t, server.URL, tokens)

	_, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")

	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.EqualValues(t, 0, server.calls.Load())
}

func TestGetCampaignReportsCircuitOpens(t *testing.T) {
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{}, withBreakerThreshold(2), withMaxRetries(0))
	ctx := context.Background()

	for range 2 {
		_, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
		require.Error(t, err)
	}

	_, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, server.calls.Load())
}

func TestGetCampaignReportsContextCancelled(t *testing.T) {
	server := newReportServer(t, respond(nestedReport))
	client := newTestReportClient(t, server.URL, &stubTokens{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, server.calls.Load())
}

func TestGetCampaignReportsConcurrentIdenticalQueries(t *testing.T) {
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, nestedReport)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{})

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			result, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")
			if assert.NoError(t, err) {
				assert.Len(t, result.Records, 1)
			}
		})
	}
	wg.Wait()

	assert.EqualValues(t, 1, server.calls.Load())
}

func TestGetCampaignReportsSharedFetchOutlivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		if call == 1 {
			close(started)
		}
		<-release
		fmt.Fprint(w, nestedReport)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
		firstErr <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	type outcome struct {
		result *domain.ReportResult
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		result, err := client.GetCampaignReports(context.Background(), reportWindow(), "org-1")
		second <- outcome{result, err}
	}()
	close(release)

	got := <-second
	require.NoError(t, got.err)
	assert.Len(t, got.result.Records, 1)
	assert.EqualValues(t, 1, server.calls.Load())
}

func TestGetCampaignReportsRetriesWhileBreakerHalfOpen(t *testing.T) {
	halfOpenCall := make(chan struct{})
	release := make(chan struct{})
	server := newReportServer(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		switch call {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		case 2:
			close(halfOpenCall)
			<-release
		}
		fmt.Fprint(w, nestedReport)
	})
	client := newTestReportClient(t, server.URL, &stubTokens{},
		withBreakerThreshold(1),
		withBreakerTimeout(50*time.Millisecond),
		withMaxRetries(4),
		withRetryDelay(10*time.Millisecond),
	)
	ctx := context.Background()

	_, err := client.GetCampaignReports(ctx, reportWindow(), "org-0")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	time.Sleep(70 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Go(func() {
		_, err := client.GetCampaignReports(ctx, reportWindow(), "org-1")
		assert.NoError(t, err)
	})
	<-halfOpenCall

	// org-2 is turned away while org-1 holds the half-open slot, then retries
	wg.Go(func() {
		_, err := client.GetCampaignReports(ctx, reportWindow(), "org-2")
		assert.NoError(t, err)
	})
	time.Sleep(15 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 3, server.calls.Load())
}
