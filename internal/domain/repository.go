package domain

import (
	"context"
	"time"
)

// string-valued key-value store backing the token and report caches
type KVStore interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key; a zero ttl never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// interface for reporting API credentials
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	GetRequestHeaders(ctx context.Context, orgID string) (map[string]string, error)
	ClearToken(ctx context.Context) error
}

// interface for campaign report retrieval
type ReportClient interface {
	GetCampaignReports(ctx context.Context, opts ReportOptions, orgID string) (*ReportResult, error)
}

// interface for persisted attribution results
type AttributionRepository interface {
	Save(ctx context.Context, result AttributionResult) error
	GetByUser(ctx context.Context, userID string) (*AttributionResult, error)
	List(ctx context.Context, filter AttributionFilter) (*AttributionList, error)
}

// interface for pushing attributions to an analytics sink
type ExportClient interface {
	Export(ctx context.Context, results []AttributionResult) error
}
