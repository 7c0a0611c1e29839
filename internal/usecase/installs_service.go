package usecase

import (
	"context"
	"sync"
	"time"

	"attribgo/internal/domain"
	"attribgo/internal/scoring"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"
)

// InstallsService merges campaign reports across reporting accounts.
type InstallsService struct {
	reports domain.ReportClient
	orgIDs  []string
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewInstallsService(reports domain.ReportClient, defaultOrgIDs []string, logger *logger.Logger, metrics *metrics.Metrics) *InstallsService {
	return &InstallsService{
		reports: reports,
		orgIDs:  defaultOrgIDs,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// GetInstallsData returns install data for the last days days, optionally
// scoped to one country and a subset of accounts.
func (s *InstallsService) GetInstallsData(ctx context.Context, days int, country string, orgIDs []string) (*domain.InstallsData, error) {
	if days <= 0 {
		return nil, &domain.InvalidInputError{Field: "days", Reason: "must be positive"}
	}
	to := s.now().UTC()
	return s.FetchWindow(ctx, to.AddDate(0, 0, -days), to, country, orgIDs)
}

// FetchWindow fetches [from, to] for every account concurrently. Failed
// accounts are reported in Errors alongside the others' records; only when
// every account fails is the first failure returned.
func (s *InstallsService) FetchWindow(ctx context.Context, from, to time.Time, country string, orgIDs []string) (*domain.InstallsData, error) {
	log := s.logger.WithContext(ctx)

	if len(orgIDs) == 0 {
		orgIDs = s.orgIDs
	}
	if len(orgIDs) == 0 {
		// no account context header; the credentials' default account
		orgIDs = []string{""}
	}

	opts := domain.ReportOptions{StartTime: from, EndTime: to}
	if c := scoring.NormalizeCountry(country); c != "" {
		opts.Selector = domain.CountrySelector(c)
	}

	log.WithFields(map[string]any{
		"from":    from.Format(time.DateOnly),
		"to":      to.Format(time.DateOnly),
		"country": country,
		"orgs":    len(orgIDs),
	}).Info("Fetching campaign reports")

	results := make([]*domain.ReportResult, len(orgIDs))
	errs := make([]error, len(orgIDs))

	var wg sync.WaitGroup
	for i, orgID := range orgIDs {
		wg.Go(func() {
			results[i], errs[i] = s.reports.GetCampaignReports(ctx, opts, orgID)
			if errs[i] != nil {
				log.WithError(errs[i]).WithField("org_id", orgID).Error("Failed to fetch campaign reports for org")
			}
		})
	}
	wg.Wait()

	data := &domain.InstallsData{
		Records: []domain.CampaignRecord{},
		Errors:  []domain.OrgError{},
	}
	var firstErr error
	for i, orgID := range orgIDs {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			data.Errors = append(data.Errors, domain.OrgError{OrgID: orgID, Message: errs[i].Error(), Err: errs[i]})
			continue
		}
		for _, record := range results[i].Records {
			if record.OrgID == "" {
				record.OrgID = orgID
			}
			data.Records = append(data.Records, record)
		}
	}

	if len(data.Errors) == len(orgIDs) {
		return nil, firstErr
	}

	data.Summary = summarize(data.Records, from, to, len(orgIDs)-len(data.Errors))

	log.WithFields(map[string]any{
		"records":        len(data.Records),
		"failed_orgs":    len(data.Errors),
		"total_installs": data.Summary.TotalInstalls,
	}).Info("Fetched campaign reports")

	return data, nil
}

func summarize(records []domain.CampaignRecord, from, to time.Time, orgCount int) domain.InstallsSummary {
	summary := domain.InstallsSummary{
		From:              from,
		To:                to,
		OrgCount:          orgCount,
		RecordCount:       len(records),
		InstallsByCountry: make(map[string]int),
	}

	campaigns := make(map[string]struct{})
	for _, r := range records {
		campaigns[r.OrgID+"/"+r.CampaignID] = struct{}{}
		summary.TotalInstalls += r.Installs
		summary.TotalImpressions += r.Impressions
		summary.TotalTaps += r.Taps

		country := r.CountryOrRegion
		if country == "" {
			country = "UNKNOWN"
		}
		summary.InstallsByCountry[country] += r.Installs
	}
	summary.CampaignCount = len(campaigns)

	if summary.TotalImpressions > 0 {
		summary.TapThroughRate = float64(summary.TotalTaps) / float64(summary.TotalImpressions)
	}
	if summary.TotalTaps > 0 {
		summary.ConversionRate = float64(summary.TotalInstalls) / float64(summary.TotalTaps)
	}
	return summary
}
