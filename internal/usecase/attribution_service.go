package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"attribgo/internal/domain"
	"attribgo/internal/scoring"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"
)

// attribution outcomes recorded in metrics
const (
	OutcomeAttributed     = "attributed"
	OutcomeNoData         = "no_data"
	OutcomeNoCandidates   = "no_candidates"
	OutcomeBelowThreshold = "below_threshold"
	OutcomeInvalidInput   = "invalid_input"
	OutcomeError          = "error"
)

type AttributionConfig struct {
	WindowDays      int
	FetchBufferDays int
	MinConfidence   float64
}

type candidate struct {
	record domain.CampaignRecord
	score  domain.ConfidenceScore
}

// AttributionService resolves which campaign, if any, drove an install.
type AttributionService struct {
	installs *InstallsService
	filter   *CandidateFilter
	repo     domain.AttributionRepository
	exporter domain.ExportClient
	cfg      AttributionConfig
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewAttributionService builds the resolver. repo and exporter may be nil.
func NewAttributionService(
	installs *InstallsService,
	filter *CandidateFilter,
	repo domain.AttributionRepository,
	exporter domain.ExportClient,
	cfg AttributionConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *AttributionService {
	return &AttributionService{
		installs: installs,
		filter:   filter,
		repo:     repo,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// GetAttributionForUser returns the best-scoring campaign for the install.
// A nil result with a nil error means no campaign was attributed; an error
// means attribution could not be determined.
func (s *AttributionService) GetAttributionForUser(ctx context.Context, user domain.UserInstallContext) (*domain.AttributionResult, error) {
	start := time.Now()
	ctx = logger.WithUserID(ctx, user.UserID)
	log := s.logger.WithContext(ctx)

	if err := user.Validate(); err != nil {
		s.metrics.RecordAttribution(OutcomeInvalidInput, nil, time.Since(start))
		return nil, err
	}

	to := user.InstallDate
	from := to.AddDate(0, 0, -(s.cfg.WindowDays + s.cfg.FetchBufferDays))

	data, err := s.installs.FetchWindow(ctx, from, to, user.Country, user.OrgIDs)
	if err != nil {
		s.metrics.RecordAttribution(OutcomeError, nil, time.Since(start))
		log.WithError(err).Error("Attribution could not be determined")
		return nil, fmt.Errorf("fetch campaign reports: %w", err)
	}
	if len(data.Errors) > 0 {
		log.WithField("failed_orgs", len(data.Errors)).Warn("Resolving with partial campaign data")
	}

	if len(data.Records) == 0 {
		return s.none(ctx, OutcomeNoData, start)
	}

	records := s.filter.FilterRelevant(ctx, data.Records, user)
	if len(records) == 0 {
		return s.none(ctx, OutcomeNoCandidates, start)
	}

	ranked := s.rank(ctx, user, records)
	if len(ranked) == 0 {
		return s.none(ctx, OutcomeNoCandidates, start)
	}

	best := ranked[0]
	if best.score.Total < s.cfg.MinConfidence {
		log.WithFields(map[string]any{
			"campaign_id": best.record.CampaignID,
			"confidence":  best.score.Total,
			"threshold":   s.cfg.MinConfidence,
		}).Info("Best candidate below confidence threshold")
		return s.none(ctx, OutcomeBelowThreshold, start)
	}

	result := s.buildResult(user, best, len(ranked))
	s.metrics.RecordAttribution(OutcomeAttributed, &result.AttributionConfidence, time.Since(start))

	log.WithFields(map[string]any{
		"campaign_id": result.CampaignID,
		"org_id":      result.OrgID,
		"confidence":  result.AttributionConfidence,
		"candidates":  len(ranked),
	}).Info("Attributed install to campaign")

	s.publish(ctx, result)
	return &result, nil
}

func (s *AttributionService) none(ctx context.Context, outcome string, start time.Time) (*domain.AttributionResult, error) {
	s.metrics.RecordAttribution(outcome, nil, time.Since(start))
	s.logger.WithContext(ctx).WithField("outcome", outcome).Info("No attribution")
	return nil, nil
}

// rank scores every candidate and orders them best first. Ties go to the
// record with more installs, then the lower campaign id.
func (s *AttributionService) rank(ctx context.Context, user domain.UserInstallContext, records []domain.CampaignRecord) []candidate {
	total := 0
	for _, r := range records {
		total += r.Installs
	}

	ranked := make([]candidate, 0, len(records))
	for _, r := range records {
		score, err := safeScore(user, r, total)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("campaign_id", r.CampaignID).Warn("Dropping unscorable candidate")
			s.metrics.RecordRecordRejected("score_error")
			continue
		}
		ranked = append(ranked, candidate{record: r, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score.Total != b.score.Total {
			return a.score.Total > b.score.Total
		}
		if a.record.Installs != b.record.Installs {
			return a.record.Installs > b.record.Installs
		}
		return a.record.CampaignID < b.record.CampaignID
	})
	return ranked
}

func safeScore(user domain.UserInstallContext, record domain.CampaignRecord, total int) (score domain.ConfidenceScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("score record: %v", r)
		}
	}()
	score = scoring.Score(user, record, total)
	if math.IsNaN(score.Total) {
		return score, fmt.Errorf("score record: non-numeric total")
	}
	return score, nil
}

func (s *AttributionService) buildResult(user domain.UserInstallContext, best candidate, candidates int) domain.AttributionResult {
	r := best.record
	utmCampaign := r.CampaignName
	if utmCampaign == "" {
		utmCampaign = r.CampaignID
	}

	return domain.AttributionResult{
		UserID:                user.UserID,
		CampaignID:            r.CampaignID,
		OrgID:                 r.OrgID,
		CountryOrRegion:       r.CountryOrRegion,
		UTMSource:             domain.UTMSourceSearchAds,
		UTMMedium:             domain.UTMMediumCPC,
		UTMCampaign:           utmCampaign,
		AttributionConfidence: round2(best.score.Total),
		AttributionSource:     domain.AttributionSourceSearchAds,
		AttributedAt:          s.now().UTC(),
		Details: domain.AttributionDetails{
			DateConfidence:      best.score.Date,
			GeographyConfidence: best.score.Geography,
			VolumeConfidence:    best.score.Volume,
			PlatformConfidence:  best.score.Platform,
			CampaignName:        r.CampaignName,
			CampaignDate:        r.Date,
			Installs:            r.Installs,
			Impressions:         r.Impressions,
			Taps:                r.Taps,
			CandidateCount:      candidates,
		},
	}
}

// publish stores and exports a result. Failures are logged only.
func (s *AttributionService) publish(ctx context.Context, result domain.AttributionResult) {
	log := s.logger.WithContext(ctx)

	if s.repo != nil {
		if err := s.repo.Save(ctx, result); err != nil {
			log.WithError(err).Error("Failed to store attribution")
		}
	}
	if s.exporter != nil {
		if err := s.exporter.Export(ctx, []domain.AttributionResult{result}); err != nil {
			log.WithError(err).Warn("Failed to export attribution")
		}
	}
}

// GetStoredAttribution returns the last result recorded for a user.
func (s *AttributionService) GetStoredAttribution(ctx context.Context, userID string) (*domain.AttributionResult, error) {
	if s.repo == nil {
		return nil, domain.ErrNotFound
	}
	return s.repo.GetByUser(ctx, userID)
}

func (s *AttributionService) ListAttributions(ctx context.Context, filter domain.AttributionFilter) (*domain.AttributionList, error) {
	if s.repo == nil {
		return &domain.AttributionList{Data: []domain.AttributionResult{}, Limit: filter.Limit, Offset: filter.Offset}, nil
	}
	list, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributions: %w", err)
	}
	return list, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
