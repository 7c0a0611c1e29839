package domain

import "time"

// GlobalRegion marks a campaign record aggregated across all storefronts.
const GlobalRegion = "GLOBAL"

// one reporting-period observation for one campaign
type CampaignRecord struct {
	CampaignID      string    `json:"campaign_id"`
	CampaignName    string    `json:"campaign_name"`
	OrgID           string    `json:"org_id"`
	CountryOrRegion string    `json:"country_or_region"`
	Date            time.Time `json:"date"`
	Installs        int       `json:"installs"`
	Impressions     int       `json:"impressions"`
	Taps            int       `json:"taps"`
}

// IsGlobal reports whether the record is not scoped to a single country.
func (r CampaignRecord) IsGlobal() bool {
	return r.CountryOrRegion == GlobalRegion
}

type Granularity string

const (
	GranularityDay   Granularity = "DAY"
	GranularityWeek  Granularity = "WEEK"
	GranularityMonth Granularity = "MONTH"
)

func (g Granularity) Valid() bool {
	switch g {
	case GranularityDay, GranularityWeek, GranularityMonth:
		return true
	}
	return false
}

// single field/operator/values filter on a report query
type Condition struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

const (
	OperatorEquals = "EQUALS"
	OperatorIn     = "IN"
)

type Selector struct {
	Conditions []Condition `json:"conditions"`
}

func (s *Selector) IsEmpty() bool {
	return s == nil || len(s.Conditions) == 0
}

// CountrySelector scopes a report query to a single storefront.
func CountrySelector(country string) *Selector {
	return &Selector{Conditions: []Condition{{
		Field:    "countryOrRegion",
		Operator: OperatorEquals,
		Values:   []string{country},
	}}}
}

// query parameters for the campaign reports endpoint
type ReportOptions struct {
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time"`
	Granularity Granularity `json:"granularity"`
	GroupBy     []string    `json:"group_by"`
	Limit       int         `json:"limit"`
	Offset      int         `json:"offset"`
	Selector    *Selector   `json:"selector,omitempty"`
}

// Normalize fills unset options with their defaults.
func (o ReportOptions) Normalize(defaultLimit int) ReportOptions {
	if !o.Granularity.Valid() {
		o.Granularity = GranularityDay
	}
	if len(o.GroupBy) == 0 {
		o.GroupBy = []string{"countryOrRegion"}
	}
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Selector.IsEmpty() {
		o.Selector = nil
	}
	return o
}

type ReportResult struct {
	Records []CampaignRecord `json:"records"`
	Raw     []byte           `json:"-"`
	Cached  bool             `json:"cached"`
}

// expiring cache entry for a report payload
type CachedResponse struct {
	Payload []byte `json:"payload"`
	Expiry  int64  `json:"expiry"`
}

func (c CachedResponse) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.Expiry
}

type OrgError struct {
	OrgID   string `json:"org_id"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

type InstallsSummary struct {
	From              time.Time      `json:"from"`
	To                time.Time      `json:"to"`
	OrgCount          int            `json:"org_count"`
	RecordCount       int            `json:"record_count"`
	CampaignCount     int            `json:"campaign_count"`
	TotalInstalls     int            `json:"total_installs"`
	TotalImpressions  int            `json:"total_impressions"`
	TotalTaps         int            `json:"total_taps"`
	InstallsByCountry map[string]int `json:"installs_by_country"`
	TapThroughRate    float64        `json:"tap_through_rate"`
	ConversionRate    float64        `json:"conversion_rate"`
}

// merged multi-account report data
type InstallsData struct {
	Records []CampaignRecord `json:"records"`
	Summary InstallsSummary  `json:"summary"`
	Errors  []OrgError       `json:"errors"`
}
