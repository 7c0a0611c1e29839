package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"attribgo/internal/domain"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	tokenKey       = "searchads:token"
	tokenTypeKey   = "searchads:tokenType"
	tokenExpiryKey = "searchads:tokenExpiry"

	// used when the token endpoint omits expires_in
	defaultTokenLifetime = time.Hour

	orgContextHeader = "X-AP-Context"
)

type TokenConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	ExpiryBuffer time.Duration
}

// TokenProvider issues client-credentials bearer tokens for the reporting
// API and persists them in a KVStore until shortly before they expire.
// It implements domain.TokenSource.
type TokenProvider struct {
	oauth   clientcredentials.Config
	store   domain.KVStore
	client  *http.Client
	buffer  time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// at most one exchange in flight
	mu sync.Mutex
}

func NewTokenProvider(cfg TokenConfig, store domain.KVStore, client *http.Client, logger *logger.Logger, metrics *metrics.Metrics) *TokenProvider {
	var scopes []string
	if cfg.Scope != "" {
		scopes = []string{cfg.Scope}
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &TokenProvider{
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		store:   store,
		client:  client,
		buffer:  cfg.ExpiryBuffer,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// GetValidToken returns the cached token while it is still valid and
// otherwise performs a single token exchange.
func (p *TokenProvider) GetValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token, ok := p.cachedToken(ctx); ok {
		return token, nil
	}
	return p.issueToken(ctx)
}

func (p *TokenProvider) GetRequestHeaders(ctx context.Context, orgID string) (map[string]string, error) {
	token, err := p.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	if orgID != "" {
		headers[orgContextHeader] = "orgId=" + orgID
	}
	return headers, nil
}

// ClearToken drops the persisted token so the next call re-issues one.
func (p *TokenProvider) ClearToken(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, key := range []string{tokenKey, tokenTypeKey, tokenExpiryKey} {
		if err := p.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}

	p.logger.WithContext(ctx).Info("Cleared cached access token")
	return nil
}

func (p *TokenProvider) cachedToken(ctx context.Context) (string, bool) {
	log := p.logger.WithContext(ctx)

	token, err := p.store.Get(ctx, tokenKey)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			log.WithError(err).Warn("Failed to read cached token")
		}
		return "", false
	}

	rawExpiry, err := p.store.Get(ctx, tokenExpiryKey)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			log.WithError(err).Warn("Failed to read cached token expiry")
		}
		return "", false
	}

	expiry, err := strconv.ParseInt(rawExpiry, 10, 64)
	if err != nil {
		log.WithError(err).WithField("expiry", rawExpiry).Warn("Malformed cached token expiry")
		return "", false
	}

	if !p.now().Before(time.UnixMilli(expiry)) {
		log.Debug("Cached access token expired")
		return "", false
	}

	return token, true
}

func (p *TokenProvider) issueToken(ctx context.Context) (string, error) {
	log := p.logger.WithContext(ctx)
	start := time.Now()

	tok, err := p.oauth.Token(context.WithValue(ctx, oauth2.HTTPClient, p.client))
	duration := time.Since(start)

	if err != nil {
		authErr := &domain.AuthenticationError{Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.Response != nil {
				authErr.StatusCode = retrieveErr.Response.StatusCode
			}
			authErr.Body = string(retrieveErr.Body)
		}

		p.metrics.RecordTokenIssuance("failure")
		p.metrics.RecordExternalAPICall("token", statusLabel(authErr.StatusCode), duration)
		log.WithError(err).WithField("status", authErr.StatusCode).Error("Token exchange failed")
		return "", authErr
	}

	lifetime := defaultTokenLifetime
	if !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry)
	}
	expiry := p.now().Add(lifetime - p.buffer)

	p.persist(ctx, tok.AccessToken, tok.Type(), expiry)

	p.metrics.RecordTokenIssuance("success")
	p.metrics.RecordExternalAPICall("token", "success", duration)
	log.WithFields(map[string]any{
		"duration":   duration,
		"expires_at": expiry.UTC().Format(time.RFC3339),
	}).Info("Issued new access token")

	return tok.AccessToken, nil
}

// persist failures are logged only; the token is still usable for this call
func (p *TokenProvider) persist(ctx context.Context, token, tokenType string, expiry time.Time) {
	values := map[string]string{
		tokenKey:       token,
		tokenTypeKey:   tokenType,
		tokenExpiryKey: strconv.FormatInt(expiry.UnixMilli(), 10),
	}
	for key, value := range values {
		if err := p.store.Set(ctx, key, value, 0); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Failed to persist token")
		}
	}
}

func statusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return fmt.Sprintf("error_%d", code)
}
