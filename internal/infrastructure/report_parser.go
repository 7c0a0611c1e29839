package infrastructure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"attribgo/internal/domain"

	"github.com/goccy/go-json"
)

var errMissingData = errors.New("malformed report response: missing data field")

// accepted date layouts for report rows
var reportDateFormats = []string{
	time.DateOnly,
	time.RFC3339,
	"2006/01/02",
	time.DateTime,
}

// flexString decodes identifiers the API sends either as numbers or strings.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*s = flexString(num.String())
	return nil
}

type reportEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// Rows arrive either flat or with identifiers under metadata and counts
// under total.
type reportRow struct {
	CampaignID      flexString `json:"campaignId"`
	CampaignName    string     `json:"campaignName"`
	OrgID           flexString `json:"orgId"`
	CountryOrRegion string     `json:"countryOrRegion"`
	Date            string     `json:"date"`
	Installs        int        `json:"installs"`
	Impressions     int        `json:"impressions"`
	Taps            int        `json:"taps"`

	Metadata *reportRow `json:"metadata,omitempty"`
	Total    *reportRow `json:"total,omitempty"`
}

func (r reportRow) flatten() reportRow {
	if m := r.Metadata; m != nil {
		if r.CampaignID == "" {
			r.CampaignID = m.CampaignID
		}
		if r.CampaignName == "" {
			r.CampaignName = m.CampaignName
		}
		if r.OrgID == "" {
			r.OrgID = m.OrgID
		}
		if r.CountryOrRegion == "" {
			r.CountryOrRegion = m.CountryOrRegion
		}
		if r.Date == "" {
			r.Date = m.Date
		}
	}
	if t := r.Total; t != nil {
		if r.Installs == 0 {
			r.Installs = t.Installs
		}
		if r.Impressions == 0 {
			r.Impressions = t.Impressions
		}
		if r.Taps == 0 {
			r.Taps = t.Taps
		}
	}
	return r
}

func parseReportDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, format := range reportDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// parseReport decodes a report body into campaign records. Records without
// an org id are tagged with orgID. A row whose date cannot be parsed is kept
// with a zero date and is excluded later by candidate filtering.
func (c *ReportClient) parseReport(ctx context.Context, body []byte, orgID string) ([]domain.CampaignRecord, error) {
	var envelope reportEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed report response: %w", err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, errMissingData
	}

	var rows []reportRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("malformed report data: %w", err)
	}

	records := make([]domain.CampaignRecord, 0, len(rows))
	for _, raw := range rows {
		row := raw.flatten()

		record := domain.CampaignRecord{
			CampaignID:      string(row.CampaignID),
			CampaignName:    row.CampaignName,
			OrgID:           string(row.OrgID),
			CountryOrRegion: strings.ToUpper(strings.TrimSpace(row.CountryOrRegion)),
			Installs:        nonNegative(row.Installs),
			Impressions:     nonNegative(row.Impressions),
			Taps:            nonNegative(row.Taps),
		}
		if record.OrgID == "" {
			record.OrgID = orgID
		}

		date, err := parseReportDate(row.Date)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("campaign_id", record.CampaignID).Warn("Skipping date on report row")
			c.metrics.RecordRecordRejected("date_parse")
		} else {
			record.Date = date
		}

		records = append(records, record)
	}
	return records, nil
}
