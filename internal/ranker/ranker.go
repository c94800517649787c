// Package ranker turns an unranked candidate set into the ordered, scored
// match list that is the shape of a completed result. It performs no I/O and
// never mutates its inputs, so identical inputs always produce identical
// output.
package ranker

import (
	"math"
	"sort"
	"strings"

	"github.com/example/commatch/internal/match"
)

type Weights struct {
	Similarity float64 `yaml:"similarity"`
	Locality   float64 `yaml:"locality"`
	Recency    float64 `yaml:"recency"`
	Population float64 `yaml:"population"`
}

type Options struct {
	Weights Weights
	// MaxResults truncates the ranked list. Defaults to DefaultMaxResults.
	MaxResults int
	// ActivityScale is where the recency factor saturates.
	ActivityScale int
	// MemberScale is where the population penalty saturates.
	MemberScale int
}

const (
	DefaultMaxResults    = 20
	DefaultActivityScale = 500
	DefaultMemberScale   = 1_000_000
)

func DefaultWeights() Weights {
	return Weights{Similarity: 0.60, Locality: 0.15, Recency: 0.15, Population: 0.10}
}

func (o Options) withDefaults() Options {
	if o.Weights == (Weights{}) {
		o.Weights = DefaultWeights()
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.ActivityScale <= 0 {
		o.ActivityScale = DefaultActivityScale
	}
	if o.MemberScale <= 0 {
		o.MemberScale = DefaultMemberScale
	}
	return o
}

// Rank scores and orders candidates for a request. Ties break on higher
// recent activity, then on community ID ascending, so the ordering is total.
func Rank(req match.Request, candidates []match.Candidate, opts Options) []match.RankedMatch {
	opts = opts.withDefaults()

	out := make([]match.RankedMatch, 0, len(candidates))
	for _, c := range candidates {
		locality := localityBonus(req, c)
		recency := dampen(c.RecentEvents, opts.ActivityScale)
		penalty := dampen(c.MemberCount, opts.MemberScale)
		score := opts.Weights.Similarity*clamp01(c.Similarity) +
			opts.Weights.Locality*locality +
			opts.Weights.Recency*recency -
			opts.Weights.Population*penalty
		out = append(out, match.RankedMatch{
			Candidate:     c,
			Score:         score,
			LocalityBonus: locality,
			RecencyBonus:  recency,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].RecentEvents != out[j].RecentEvents {
			return out[i].RecentEvents > out[j].RecentEvents
		}
		return out[i].CommunityID < out[j].CommunityID
	})

	if len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return injectDiversity(out)
}

// injectDiversity promotes the first differently-categorized match to rank 3
// when the top three all share one category, so a single topic cannot
// monopolize the visible result.
func injectDiversity(matches []match.RankedMatch) []match.RankedMatch {
	if len(matches) < 4 {
		return matches
	}
	dominant := matches[0].Category
	if matches[1].Category != dominant || matches[2].Category != dominant {
		return matches
	}
	for i := 3; i < len(matches); i++ {
		if matches[i].Category == dominant {
			continue
		}
		diverse := matches[i]
		copy(matches[3:i+1], matches[2:i])
		matches[2] = diverse
		return matches
	}
	return matches
}

func localityBonus(req match.Request, c match.Candidate) float64 {
	city := strings.TrimSpace(req.City)
	tz := strings.TrimSpace(req.Timezone)
	sameCity := city != "" && strings.EqualFold(city, strings.TrimSpace(c.City))
	sameTZ := tz != "" && strings.EqualFold(tz, strings.TrimSpace(c.Timezone))
	switch {
	case sameCity && sameTZ:
		return 1.0
	case sameTZ:
		return 0.5
	default:
		return 0
	}
}

// dampen maps a non-negative count onto [0,1] with logarithmic diminishing
// returns, saturating at scale.
func dampen(n, scale int) float64 {
	if n <= 0 {
		return 0
	}
	v := math.Log1p(float64(n)) / math.Log1p(float64(scale))
	return clamp01(v)
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
