package discovery

import (
	"sort"
	"strings"

	"github.com/directorybolt/submitd/internal/config"
	"github.com/directorybolt/submitd/internal/pipeline"
)

// trafficCeiling normalizes traffic potential into [0,1]. Directories above
// it all score 1.0.
const trafficCeiling = 100000

// maxAntiBotLevel is the top of the anti-bot scale used by the catalog.
const maxAntiBotLevel = 5

// fieldCountPenaltyStart is the field count above which form size starts to
// drag the score.
const fieldCountPenaltyStart = 10

type scored struct {
	record pipeline.DirectoryRecord
	score  float64
}

// rank orders candidates most valuable first. Ties break on ID so repeated
// runs return the same order.
func rank(records []pipeline.DirectoryRecord, criteria pipeline.DiscoveryCriteria, weights config.RankingWeights) []pipeline.DirectoryRecord {
	items := make([]scored, 0, len(records))
	for _, r := range records {
		items = append(items, scored{record: r, score: score(r, criteria, weights)})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].record.ID < items[j].record.ID
	})
	out := make([]pipeline.DirectoryRecord, len(items))
	for i, item := range items {
		out[i] = item.record
	}
	return out
}

func score(r pipeline.DirectoryRecord, criteria pipeline.DiscoveryCriteria, w config.RankingWeights) float64 {
	da := clamp01(float64(r.DomainAuthority) / 100)
	traffic := clamp01(float64(r.TrafficPotential) / trafficCeiling)
	category := categoryMatch(r, criteria)

	// Unproven directories sit at a neutral 0.5 rather than 0, so a new
	// catalog entry is not buried under anything with a single success.
	success := r.SuccessRate
	if success == 0 {
		success = 0.5
	}

	s := w.DomainAuthority*da +
		w.TrafficPotential*traffic +
		w.CategoryMatch*category +
		w.SuccessRate*success
	s -= w.ComplexityPenalty * complexity(r)
	return s
}

func categoryMatch(r pipeline.DirectoryRecord, criteria pipeline.DiscoveryCriteria) float64 {
	if criteria.Industry == "" {
		return 0.5
	}
	cat := strings.ToLower(r.Category)
	industry := strings.ToLower(criteria.Industry)
	switch {
	case cat == industry:
		return 1.0
	case strings.Contains(cat, industry) || strings.Contains(industry, cat):
		return 0.8
	case cat == "general-directory" || cat == "general":
		return 0.4
	default:
		return 0.0
	}
}

// complexity grows with form size, anti-bot hardening, and access barriers,
// normalized to roughly [0,1].
func complexity(r pipeline.DirectoryRecord) float64 {
	c := 0.0
	if r.FormFieldCount > fieldCountPenaltyStart {
		c += clamp01(float64(r.FormFieldCount-fieldCountPenaltyStart) / 20)
	}
	c += clamp01(float64(r.AntiBotLevel) / maxAntiBotLevel)
	if r.HasCaptcha {
		c += 0.3
	}
	if r.RequiresLogin {
		c += 0.5
	}
	return clamp01(c / 2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
