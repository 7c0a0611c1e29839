package infrastructure

import (
	"context"
	"sort"
	"sync"

	"attribgo/internal/domain"
	"attribgo/pkg/logger"
)

const defaultListLimit = 100

// implements domain.AttributionRepository, keeping the latest result per user
type AttributionRepository struct {
	data   map[string]domain.AttributionResult
	mutex  sync.RWMutex
	logger *logger.Logger
}

func NewAttributionRepository(logger *logger.Logger) *AttributionRepository {
	return &AttributionRepository{
		data:   make(map[string]domain.AttributionResult),
		logger: logger,
	}
}

func (r *AttributionRepository) Save(ctx context.Context, result domain.AttributionResult) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.data[result.UserID] = result

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":     result.UserID,
		"campaign_id": result.CampaignID,
		"org_id":      result.OrgID,
		"confidence":  result.AttributionConfidence,
	}).Debug("Stored attribution")
	return nil
}

func (r *AttributionRepository) GetByUser(ctx context.Context, userID string) (*domain.AttributionResult, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result, ok := r.data[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &result, nil
}

// List returns stored results newest first.
func (r *AttributionRepository) List(ctx context.Context, filter domain.AttributionFilter) (*domain.AttributionList, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var filtered []domain.AttributionResult
	for _, result := range r.data {
		if matchesAttributionFilter(result, filter) {
			filtered = append(filtered, result)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].AttributedAt.Equal(filtered[j].AttributedAt) {
			return filtered[i].AttributedAt.After(filtered[j].AttributedAt)
		}
		return filtered[i].UserID < filtered[j].UserID
	})

	limit := defaultListLimit
	offset := 0
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	if filter.Offset > 0 {
		offset = filter.Offset
	}

	total := len(filtered)
	start := min(offset, total)
	end := min(offset+limit, total)

	page := []domain.AttributionResult{}
	if start < end {
		page = filtered[start:end]
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"total":    total,
		"returned": len(page),
		"limit":    limit,
		"offset":   offset,
	}).Debug("Listed attributions")

	return &domain.AttributionList{
		Data:    page,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	}, nil
}

func matchesAttributionFilter(result domain.AttributionResult, filter domain.AttributionFilter) bool {
	if filter.CampaignID != "" && result.CampaignID != filter.CampaignID {
		return false
	}
	if filter.OrgID != "" && result.OrgID != filter.OrgID {
		return false
	}
	return true
}
