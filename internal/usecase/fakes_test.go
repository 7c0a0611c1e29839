package usecase

import (
	"context"
	"sync"

	"attribgo/internal/domain"
)

type fakeReports struct {
	mu      sync.Mutex
	records map[string][]domain.CampaignRecord
	errs    map[string]error
	calls   map[string]domain.ReportOptions
}

func newFakeReports() *fakeReports {
	return &fakeReports{
		records: make(map[string][]domain.CampaignRecord),
		errs:    make(map[string]error),
		calls:   make(map[string]domain.ReportOptions),
	}
}

func (f *fakeReports) GetCampaignReports(ctx context.Context, opts domain.ReportOptions, orgID string) (*domain.ReportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[orgID] = opts
	if err := f.errs[orgID]; err != nil {
		return nil, err
	}
	return &domain.ReportResult{Records: append([]domain.CampaignRecord(nil), f.records[orgID]...)}, nil
}

func (f *fakeReports) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeExporter struct {
	exported []domain.AttributionResult
	err      error
}

func (f *fakeExporter) Export(ctx context.Context, results []domain.AttributionResult) error {
	f.exported = append(f.exported, results...)
	return f.err
}

type fakeRepository struct {
	saved map[string]domain.AttributionResult
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{saved: make(map[string]domain.AttributionResult)}
}

func (f *fakeRepository) Save(ctx context.Context, result domain.AttributionResult) error {
	f.saved[result.UserID] = result
	return nil
}

func (f *fakeRepository) GetByUser(ctx context.Context, userID string) (*domain.AttributionResult, error) {
	r, ok := f.saved[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (f *fakeRepository) List(ctx context.Context, filter domain.AttributionFilter) (*domain.AttributionList, error) {
	list := &domain.AttributionList{Limit: filter.Limit, Offset: filter.Offset}
	for _, r := range f.saved {
		list.Data = append(list.Data, r)
	}
	list.Total = len(list.Data)
	return list, nil
}
