package domain

import (
	"strings"
	"time"
)

const (
	UTMSourceSearchAds         = "apple_search_ads"
	UTMMediumCPC               = "cpc"
	AttributionSourceSearchAds = "apple_search_ads_api"
)

// the install event to attribute
type UserInstallContext struct {
	UserID      string    `json:"user_id"`
	InstallDate time.Time `json:"install_date"`
	Country     string    `json:"country,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	OrgIDs      []string  `json:"org_ids,omitempty"`
}

// Validate checks the fields required to run a resolution.
func (u UserInstallContext) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return &InvalidInputError{Field: "user_id", Reason: "is required"}
	}
	if u.InstallDate.IsZero() {
		return &InvalidInputError{Field: "install_date", Reason: "is required"}
	}
	return nil
}

// per-candidate factor breakdown, every field in [0,1]
type ConfidenceScore struct {
	Date      float64 `json:"date"`
	Geography float64 `json:"geography"`
	Volume    float64 `json:"volume"`
	Platform  float64 `json:"platform"`
	Total     float64 `json:"total"`
}

type AttributionDetails struct {
	DateConfidence      float64   `json:"date_confidence"`
	GeographyConfidence float64   `json:"geography_confidence"`
	VolumeConfidence    float64   `json:"volume_confidence"`
	PlatformConfidence  float64   `json:"platform_confidence"`
	CampaignName        string    `json:"campaign_name"`
	CampaignDate        time.Time `json:"campaign_date"`
	Installs            int       `json:"installs"`
	Impressions         int       `json:"impressions"`
	Taps                int       `json:"taps"`
	CandidateCount      int       `json:"candidate_count"`
}

// resolved campaign for one install
type AttributionResult struct {
	UserID                string             `json:"user_id"`
	CampaignID            string             `json:"campaign_id"`
	OrgID                 string             `json:"org_id"`
	CountryOrRegion       string             `json:"country_or_region"`
	UTMSource             string             `json:"utm_source"`
	UTMMedium             string             `json:"utm_medium"`
	UTMCampaign           string             `json:"utm_campaign"`
	AttributionConfidence float64            `json:"attribution_confidence"`
	AttributionSource     string             `json:"attribution_source"`
	AttributedAt          time.Time          `json:"attributed_at"`
	Details               AttributionDetails `json:"details"`
}

// represents filters for listing stored attributions
type AttributionFilter struct {
	CampaignID string `json:"campaign_id,omitempty"`
	OrgID      string `json:"org_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

type AttributionList struct {
	Data    []AttributionResult `json:"data"`
	Total   int                 `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
	HasMore bool                `json:"has_more"`
}
