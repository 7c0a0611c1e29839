package infrastructure

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"attribgo/internal/domain"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"

	"github.com/goccy/go-json"
)

const (
	sinkAPI         = "sink"
	signatureHeader = "X-Signature"
)

var ErrSinkNotConfigured = errors.New("sink URL not configured")

// SinkExporter pushes attribution results to an analytics sink. Payloads are
// signed with HMAC-SHA256 when a secret is configured. It implements
// domain.ExportClient.
type SinkExporter struct {
	client  *http.Client
	sinkURL string
	secret  string
	limiter *RateLimiter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewSinkExporter(sinkURL, secret string, timeout time.Duration, limiter *RateLimiter, logger *logger.Logger, metrics *metrics.Metrics) *SinkExporter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SinkExporter{
		client:  &http.Client{Timeout: timeout},
		sinkURL: sinkURL,
		secret:  secret,
		limiter: limiter,
		logger:  logger,
		metrics: metrics,
	}
}

func (e *SinkExporter) Export(ctx context.Context, results []domain.AttributionResult) error {
	if e.sinkURL == "" {
		return ErrSinkNotConfigured
	}

	start := time.Now()

	if err := e.limiter.Acquire(ctx); err != nil {
		e.metrics.RecordExternalAPIFailure(sinkAPI, "rate_limit")
		return err
	}

	payload, err := json.Marshal(results)
	if err != nil {
		e.metrics.RecordExternalAPIFailure(sinkAPI, "json_marshal")
		return fmt.Errorf("failed to marshal export data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sinkURL, bytes.NewReader(payload))
	if err != nil {
		e.metrics.RecordExternalAPIFailure(sinkAPI, "request_creation")
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.secret != "" {
		req.Header.Set(signatureHeader, Sign(e.secret, payload))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.metrics.RecordExternalAPIFailure(sinkAPI, "network_error")
		return fmt.Errorf("failed to export attributions: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.metrics.RecordExternalAPICall(sinkAPI, fmt.Sprintf("error_%d", resp.StatusCode), duration)
		return fmt.Errorf("sink API returned status %d", resp.StatusCode)
	}

	e.metrics.RecordExternalAPICall(sinkAPI, "success", duration)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"url":      e.sinkURL,
		"duration": duration,
		"records":  len(results),
	}).Info("Successfully exported attributions")

	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
