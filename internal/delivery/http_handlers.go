package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"attribgo/internal/domain"
	"attribgo/internal/usecase"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"

	"github.com/gin-gonic/gin"
)

const (
	defaultInstallsDays = 7
	maxInstallsDays     = 90
)

// handles HTTP requests
type HTTPHandlers struct {
	attribution *usecase.AttributionService
	installs    *usecase.InstallsService
	tokens      domain.TokenSource
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewHTTPHandlers(
	attribution *usecase.AttributionService,
	installs *usecase.InstallsService,
	tokens domain.TokenSource,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *HTTPHandlers {
	return &HTTPHandlers{
		attribution: attribution,
		installs:    installs,
		tokens:      tokens,
		logger:      logger,
		metrics:     metrics,
	}
}

type attributionRequest struct {
	UserID      string   `json:"user_id"`
	InstallDate string   `json:"install_date"`
	Country     string   `json:"country"`
	Platform    string   `json:"platform"`
	OrgIDs      []string `json:"org_ids"`
}

func (r attributionRequest) toContext() (domain.UserInstallContext, error) {
	user := domain.UserInstallContext{
		UserID:   strings.TrimSpace(r.UserID),
		Country:  strings.TrimSpace(r.Country),
		Platform: strings.TrimSpace(r.Platform),
		OrgIDs:   r.OrgIDs,
	}
	if r.InstallDate != "" {
		date, err := parseDate(r.InstallDate)
		if err != nil {
			return user, &domain.InvalidInputError{Field: "install_date", Reason: "must be RFC3339 or YYYY-MM-DD"}
		}
		user.InstallDate = date
	}
	return user, nil
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// ResolveAttribution runs attribution for one install. A request that
// resolves to no campaign answers 200 with a null attribution.
func (h *HTTPHandlers) ResolveAttribution(c *gin.Context) {
	var req attributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, &domain.InvalidInputError{Field: "body", Reason: "must be a JSON object"})
		return
	}

	user, err := req.toContext()
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.attribution.GetAttributionForUser(c.Request.Context(), user)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attribution": result,
		"request_id":  c.GetString("request_id"),
	})
}

func (h *HTTPHandlers) GetAttribution(c *gin.Context) {
	result, err := h.attribution.GetStoredAttribution(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attribution": result,
		"request_id":  c.GetString("request_id"),
	})
}

func (h *HTTPHandlers) ListAttributions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.respondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		h.respondError(c, err)
		return
	}

	list, err := h.attribution.ListAttributions(c.Request.Context(), domain.AttributionFilter{
		CampaignID: c.Query("campaign_id"),
		OrgID:      c.Query("org_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       list.Data,
		"total":      list.Total,
		"limit":      list.Limit,
		"offset":     list.Offset,
		"has_more":   list.HasMore,
		"request_id": c.GetString("request_id"),
	})
}

func (h *HTTPHandlers) GetInstalls(c *gin.Context) {
	days, err := queryInt(c, "days", defaultInstallsDays)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if days > maxInstallsDays {
		h.respondError(c, &domain.InvalidInputError{Field: "days", Reason: fmt.Sprintf("must be at most %d", maxInstallsDays)})
		return
	}

	var orgIDs []string
	for _, id := range strings.Split(c.Query("org_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			orgIDs = append(orgIDs, id)
		}
	}

	data, err := h.installs.GetInstallsData(c.Request.Context(), days, c.Query("country"), orgIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":    data.Records,
		"summary":    data.Summary,
		"errors":     data.Errors,
		"request_id": c.GetString("request_id"),
	})
}

// ClearToken drops the cached reporting API token.
func (h *HTTPHandlers) ClearToken(c *gin.Context) {
	if err := h.tokens.ClearToken(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Access token cleared",
		"request_id": c.GetString("request_id"),
	})
}

// GetAPIInfo returns API v1 information and available endpoints
func (h *HTTPHandlers) GetAPIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"api_version": "v1",
		"service":     "Search Ads Attribution Service",
		"version":     "1.0.0",
		"description": "Attributes app installs to Apple Search Ads campaigns using a weighted confidence model",
		"endpoints": gin.H{
			"attribution": gin.H{
				"resolve": gin.H{
					"path":        "/api/v1/attribution",
					"method":      "POST",
					"description": "Resolve the campaign that drove an install",
					"body": gin.H{
						"user_id":      "Required: user identifier",
						"install_date": "Required: install time (RFC3339 or YYYY-MM-DD)",
						"country":      "Optional: storefront country code",
						"platform":     "Optional: device platform (e.g. iOS)",
						"org_ids":      "Optional: reporting accounts to search",
					},
				},
				"get": gin.H{
					"path":        "/api/v1/attribution/:user_id",
					"method":      "GET",
					"description": "Last stored attribution for a user",
				},
				"list": gin.H{
					"path":        "/api/v1/attribution",
					"method":      "GET",
					"description": "List stored attributions",
					"parameters": gin.H{
						"campaign_id": "Optional: campaign filter",
						"org_id":      "Optional: account filter",
						"limit":       "Optional: number of results (default: 100)",
						"offset":      "Optional: pagination offset (default: 0)",
					},
				},
			},
			"installs": gin.H{
				"path":        "/api/v1/installs",
				"method":      "GET",
				"description": "Campaign install data merged across reporting accounts",
				"parameters": gin.H{
					"days":    fmt.Sprintf("Optional: lookback in days (default: %d, max: %d)", defaultInstallsDays, maxInstallsDays),
					"country": "Optional: storefront country code",
					"org_ids": "Optional: comma-separated reporting accounts",
				},
				"example": "/api/v1/installs?days=14&country=US",
			},
			"auth": gin.H{
				"path":        "/api/v1/auth/token",
				"method":      "DELETE",
				"description": "Clear the cached reporting API token",
			},
		},
		"confidence_model": gin.H{
			"date":      "Exponential decay by days between campaign activity and install (weight 0.40)",
			"geography": "Exact country 1.0, same region 0.8, otherwise 0.3 (weight 0.30)",
			"volume":    "Share of candidate installs times 10, capped at 1 (weight 0.20)",
			"platform":  "iOS 1.0, otherwise 0.5 (weight 0.10)",
		},
		"request_id": c.GetString("request_id"),
	})
}

// HealthCheck returns the health status of the service
func (h *HTTPHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"service":    "attribgo",
		"version":    "1.0.0",
		"request_id": c.GetString("request_id"),
	})
}

func (h *HTTPHandlers) respondError(c *gin.Context, err error) {
	status, title := classifyError(err)
	requestID := c.GetString("request_id")

	log := h.logger.WithContext(c.Request.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error(title)
	} else {
		log.Warn(title)
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error":      title,
		"message":    err.Error(),
		"request_id": requestID,
	})
}

func classifyError(err error) (int, string) {
	var invalid *domain.InvalidInputError
	var authErr *domain.AuthenticationError
	var fetchErr *domain.ReportFetchError

	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "Invalid input"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timeout"
	case errors.As(err, &authErr):
		return http.StatusBadGateway, "Reporting API authentication failed"
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, "Failed to fetch campaign reports"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &domain.InvalidInputError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}
