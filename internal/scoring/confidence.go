// Package scoring implements the weighted multi-factor model used to rank
// candidate campaigns for an install. Every function is pure.
package scoring

import (
	"math"
	"strings"
	"time"

	"attribgo/internal/domain"
)

// Factor weights. They sum to 1.
const (
	DateWeight      = 0.40
	GeographyWeight = 0.30
	VolumeWeight    = 0.20
	PlatformWeight  = 0.10
)

const (
	GeographyExactMatch  = 1.0
	GeographyRegionMatch = 0.8
	GeographyDefault     = 0.3

	PlatformMatch = 1.0
	PlatformOther = 0.5

	// share of total installs that already earns full volume confidence is 1/VolumeMultiplier
	VolumeMultiplier = 10.0

	dateDecayDays = 2.0
)

// country synonyms treated as the same region
var regionGroups = [][]string{
	{"US", "USA", "UNITED STATES"},
	{"MX", "MEXICO"},
	{"GB", "UK", "UNITED KINGDOM"},
	{"CA", "CANADA"},
	{"DE", "GERMANY"},
	{"ES", "SPAIN"},
	{"FR", "FRANCE"},
	{"BR", "BRAZIL"},
	{"JP", "JAPAN"},
	{"AU", "AUSTRALIA"},
}

var regionOf = func() map[string]int {
	m := make(map[string]int)
	for i, group := range regionGroups {
		for _, name := range group {
			m[name] = i
		}
	}
	return m
}()

// NormalizeCountry upper-cases and trims a country code or name.
func NormalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// DayDiff returns the signed number of UTC calendar days from b to a.
// Report rows are dated in UTC, so an install is placed on its UTC day
// whatever offset it was submitted with.
func DayDiff(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(math.Round(da.Sub(db).Hours() / 24))
}

// DateConfidence is 1 for the same calendar day and decays exponentially
// with the number of days between install and campaign activity.
func DateConfidence(installDate, campaignDate time.Time) float64 {
	diff := DayDiff(installDate, campaignDate)
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		return 1
	}
	return clamp(math.Exp(-float64(diff) / dateDecayDays))
}

func GeographyConfidence(userCountry, campaignCountry string) float64 {
	user := NormalizeCountry(userCountry)
	campaign := NormalizeCountry(campaignCountry)
	if user == "" || campaign == "" {
		return GeographyDefault
	}
	if user == campaign {
		return GeographyExactMatch
	}
	if SameRegion(user, campaign) {
		return GeographyRegionMatch
	}
	return GeographyDefault
}

// SameRegion reports whether two countries are equal or synonyms in the
// region table.
func SameRegion(a, b string) bool {
	a, b = NormalizeCountry(a), NormalizeCountry(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	ar, aok := regionOf[a]
	br, bok := regionOf[b]
	return aok && bok && ar == br
}

// VolumeConfidence rewards campaigns holding a large share of the observed
// installs: min(1, installs/total*10).
func VolumeConfidence(campaignInstalls, totalInstalls int) float64 {
	if totalInstalls <= 0 || campaignInstalls <= 0 {
		return 0
	}
	share := float64(campaignInstalls) / float64(totalInstalls)
	return clamp(math.Min(1, share*VolumeMultiplier))
}

// PlatformConfidence only fully trusts iOS installs; the ad network reports
// on nothing else.
func PlatformConfidence(platform string) float64 {
	if strings.Contains(strings.ToLower(platform), "ios") {
		return PlatformMatch
	}
	return PlatformOther
}

func TotalConfidence(date, geography, volume, platform float64) float64 {
	return clamp(DateWeight*date + GeographyWeight*geography + VolumeWeight*volume + PlatformWeight*platform)
}

// Score computes the full breakdown for one candidate record.
func Score(user domain.UserInstallContext, record domain.CampaignRecord, totalInstalls int) domain.ConfidenceScore {
	s := domain.ConfidenceScore{
		Date:      DateConfidence(user.InstallDate, record.Date),
		Geography: GeographyConfidence(user.Country, record.CountryOrRegion),
		Volume:    VolumeConfidence(record.Installs, totalInstalls),
		Platform:  PlatformConfidence(user.Platform),
	}
	s.Total = TotalConfidence(s.Date, s.Geography, s.Volume, s.Platform)
	return s
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
