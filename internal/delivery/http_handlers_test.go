package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"attribgo/internal/domain"
	"attribgo/internal/infrastructure"
	"attribgo/internal/usecase"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReports struct {
	records []domain.CampaignRecord
	err     error
}

func (s *stubReports) GetCampaignReports(ctx context.Context, opts domain.ReportOptions, orgID string) (*domain.ReportResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ReportResult{Records: s.records}, nil
}

type stubTokens struct {
	cleared int
}

func (s *stubTokens) GetValidToken(ctx context.Context) (string, error) { return "token", nil }

func (s *stubTokens) GetRequestHeaders(ctx context.Context, orgID string) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer token"}, nil
}

func (s *stubTokens) ClearToken(ctx context.Context) error {
	s.cleared++
	return nil
}

type testServer struct {
	handler http.Handler
	reports *stubReports
	tokens  *stubTokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ts := &testServer{reports: &stubReports{}, tokens: &stubTokens{}}
	installs := usecase.NewInstallsService(ts.reports, []string{"org-1"}, log, m)
	attribution := usecase.NewAttributionService(
		installs,
		usecase.NewCandidateFilter(7, log, m),
		infrastructure.NewAttributionRepository(log),
		nil,
		usecase.AttributionConfig{WindowDays: 7, FetchBufferDays: 1, MinConfidence: 0.6},
		log,
		m,
	)

	handlers := NewHTTPHandlers(attribution, installs, ts.tokens, log, m)
	ts.handler = NewHTTPRouter(handlers, log, m, reg, 5*time.Second).SetupRoutes()
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestResolveAttribution(t *testing.T) {
	ts := newTestServer(t)
	ts.reports.records = []domain.CampaignRecord{{
		CampaignID:      "c-1",
		CampaignName:    "Launch",
		OrgID:           "org-1",
		CountryOrRegion: "US",
		Date:            time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC),
		Installs:        20,
	}}

	rec := ts.do(http.MethodPost, "/api/v1/attribution",
		`{"user_id":"u1","install_date":"2024-03-14T10:00:00Z","country":"US","platform":"iOS"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	attribution, ok := decode(t, rec)["attribution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-1", attribution["campaign_id"])
	assert.Equal(t, "Launch", attribution["utm_campaign"])
	assert.Equal(t, 1.0, attribution["attribution_confidence"])

	stored := ts.do(http.MethodGet, "/api/v1/attribution/u1", "")
	require.Equal(t, http.StatusOK, stored.Code)

	list := ts.do(http.MethodGet, "/api/v1/attribution?campaign_id=c-1", "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, 1.0, decode(t, list)["total"])
}

func TestResolveAttributionNoMatch(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/attribution", `{"user_id":"u1","install_date":"2024-03-14"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	value, present := body["attribution"]
	assert.True(t, present)
	assert.Nil(t, value)
}

func TestResolveAttributionErrors(t *testing.T) {
	tests := map[string]struct {
		body   string
		err    error
		status int
	}{
		"missing user id":   {body: `{"install_date":"2024-03-14"}`, status: http.StatusBadRequest},
		"bad install date":  {body: `{"user_id":"u1","install_date":"14/03/2024"}`, status: http.StatusBadRequest},
		"malformed body":    {body: `{"user_id":`, status: http.StatusBadRequest},
		"auth failure":      {body: `{"user_id":"u1","install_date":"2024-03-14"}`, err: &domain.AuthenticationError{StatusCode: 401}, status: http.StatusBadGateway},
		"fetch failure":     {body: `{"user_id":"u1","install_date":"2024-03-14"}`, err: &domain.ReportFetchError{OrgID: "org-1", Attempts: 4}, status: http.StatusBadGateway},
		"deadline exceeded": {body: `{"user_id":"u1","install_date":"2024-03-14"}`, err: &domain.ReportFetchError{OrgID: "org-1", Err: context.DeadlineExceeded}, status: http.StatusGatewayTimeout},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.reports.err = tc.err

			rec := ts.do(http.MethodPost, "/api/v1/attribution", tc.body)
			assert.Equal(t, tc.status, rec.Code)

			body := decode(t, rec)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestGetAttributionNotFound(t *testing.T) {
	rec := newTestServer(t).do(http.MethodGet, "/api/v1/attribution/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetInstalls(t *testing.T) {
	ts := newTestServer(t)
	ts.reports.records = []domain.CampaignRecord{
		{CampaignID: "c-1", CountryOrRegion: "US", Installs: 7, Impressions: 70, Taps: 14},
	}

	rec := ts.do(http.MethodGet, "/api/v1/installs?days=14&country=US&org_ids=org-1,org-2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	summary, ok := decode(t, rec)["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 14.0, summary["total_installs"])
	assert.Equal(t, 2.0, summary["org_count"])

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/installs?days=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/installs?days=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/installs?days=365", "").Code)
}

func TestClearToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodDelete, "/api/v1/auth/token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.tokens.cleared)
}

func TestHealthAndInfo(t *testing.T) {
	ts := newTestServer(t)

	health := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, health.Code)
	assert.Equal(t, "healthy", decode(t, health)["status"])

	info := ts.do(http.MethodGet, "/api/v1", "")
	require.Equal(t, http.StatusOK, info.Code)
	assert.Equal(t, "v1", decode(t, info)["api_version"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/health", "")

	rec := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
