package repo

import (
	"time"

	"github.com/forgeflow/forgeflow/internal/ident"
)

// freshnessWindow is the age beyond which a map's freshness reaches zero.
const freshnessWindow = 90 * 24 * time.Hour

// SemanticScorer rates how semantically close a map is to a hint, in
// [0, 1]. The default implementation is [NeutralScorer]; deployments with
// an embedding backend plug their own in.
type SemanticScorer interface {
	Score(m Map, hint Hint) float64
}

// NeutralScorer scores every map 0.5: no semantic signal either way.
type NeutralScorer struct{}

// Score implements [SemanticScorer].
func (NeutralScorer) Score(Map, Hint) float64 {
	return 0.5
}

// Hint describes what the caller is looking for.
type Hint struct {
	Tags []string `json:"tags,omitempty"`
}

// Scored pairs a map with its relevance breakdown.
type Scored struct {
	Map       Map     `json:"map"`
	Freshness float64 `json:"freshness"`
	TagsMatch float64 `json:"tags_match"`
	Semantic  float64 `json:"semantic"`
	Total     float64 `json:"total"`
}

// score computes the relevance of m against hint at time now.
//
// Freshness decays linearly over the 90-day window. Tag match is the
// fraction of hint tags the map carries, or 0.5 when the hint has none.
// Maps requiring a playbook get a 0.15 boost; totals are capped at 1.
func score(m Map, hint Hint, semantic SemanticScorer, now time.Time) Scored {
	scored := Scored{
		Map:       m,
		Freshness: freshness(m.UpdatedAt, m.CreatedAt, now),
		TagsMatch: tagsMatch(m.Tags, hint.Tags),
		Semantic:  clamp01(semantic.Score(m, hint)),
	}

	total := 0.4*scored.Freshness + 0.2*scored.TagsMatch + 0.4*scored.Semantic
	if m.PlaybookRequired {
		total += 0.15
	}

	scored.Total = clamp01(total)

	return scored
}

// freshness ages the record from updated_at, falling back to created_at
// when updated_at is absent or unparseable.
func freshness(updatedAt, createdAt string, now time.Time) float64 {
	t, err := ident.ParseTimestamp(updatedAt)
	if err != nil {
		t, err = ident.ParseTimestamp(createdAt)
	}

	if err != nil {
		return 0 // no usable timestamp scores as stale
	}

	age := now.Sub(t)
	if age <= 0 {
		return 1
	}

	return clamp01(1 - age.Seconds()/freshnessWindow.Seconds())
}

func tagsMatch(mapTags, hintTags []string) float64 {
	if len(hintTags) == 0 {
		return 0.5
	}

	have := make(map[string]bool, len(mapTags))
	for _, tag := range mapTags {
		have[tag] = true
	}

	matched := 0

	for _, tag := range hintTags {
		if have[tag] {
			matched++
		}
	}

	return float64(matched) / float64(len(hintTags))
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
