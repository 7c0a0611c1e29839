package usecase

import (
	"context"
	"errors"
	"fmt"

	"attribgo/internal/domain"
	"attribgo/internal/scoring"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"
)

var errMissingDate = errors.New("record has no date")

// CandidateFilter narrows fetched records to campaigns that could plausibly
// have driven one install.
type CandidateFilter struct {
	windowDays int
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewCandidateFilter(windowDays int, logger *logger.Logger, metrics *metrics.Metrics) *CandidateFilter {
	return &CandidateFilter{
		windowDays: windowDays,
		logger:     logger,
		metrics:    metrics,
	}
}

// FilterRelevant keeps records with installs, dated within
// [installDate - windowDays, installDate], and either GLOBAL or in the
// user's country when it is known. A record that fails
// evaluation is dropped on its own.
func (f *CandidateFilter) FilterRelevant(ctx context.Context, records []domain.CampaignRecord, user domain.UserInstallContext) []domain.CampaignRecord {
	log := f.logger.WithContext(ctx)

	kept := make([]domain.CampaignRecord, 0, len(records))
	for _, record := range records {
		ok, reason, err := f.evaluate(record, user)
		if err != nil {
			log.WithError(err).WithField("campaign_id", record.CampaignID).Warn("Excluding malformed campaign record")
			f.metrics.RecordRecordRejected("malformed")
			continue
		}
		if !ok {
			f.metrics.RecordRecordRejected(reason)
			continue
		}
		kept = append(kept, record)
	}

	log.WithFields(map[string]any{
		"fetched":    len(records),
		"candidates": len(kept),
	}).Debug("Filtered campaign records")

	return kept
}

func (f *CandidateFilter) evaluate(record domain.CampaignRecord, user domain.UserInstallContext) (ok bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason, err = false, "", fmt.Errorf("evaluate record: %v", r)
		}
	}()

	if record.Installs <= 0 {
		return false, "zero_installs", nil
	}
	if record.Date.IsZero() {
		return false, "", errMissingDate
	}

	start := user.InstallDate.AddDate(0, 0, -f.windowDays)
	if record.Date.Before(start) || record.Date.After(user.InstallDate) {
		return false, "outside_window", nil
	}

	if user.Country != "" && !record.IsGlobal() && !scoring.SameRegion(user.Country, record.CountryOrRegion) {
		return false, "country_mismatch", nil
	}

	return true, "", nil
}
