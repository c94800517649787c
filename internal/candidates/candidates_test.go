package candidates

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/commatch/internal/match"
)

func community(id, city, tz string, members int, embedding ...float64) Community {
	return Community{
		Candidate: match.Candidate{
			CommunityID:   id,
			CommunityName: id,
			City:          city,
			Timezone:      tz,
			MemberCount:   members,
		},
		Embedding: embedding,
	}
}

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	require.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	require.InDelta(t, math.Sqrt2/2, Cosine([]float64{1, 0}, []float64{1, 1}), 1e-9)
}

func TestCosineDegenerateInputs(t *testing.T) {
	require.Zero(t, Cosine(nil, nil))
	require.Zero(t, Cosine([]float64{1}, []float64{1, 2}))
	require.Zero(t, Cosine([]float64{0, 0}, []float64{1, 2}))
	// Opposed vectors clamp to zero instead of going negative.
	require.Zero(t, Cosine([]float64{1, 0}, []float64{-1, 0}))
}

func TestMemorySourceFiltersByLocation(t *testing.T) {
	src := NewMemorySource(
		community("berlin-go", "Berlin", "Europe/Berlin", 100, 1, 0),
		community("berlin-art", "Berlin", "Europe/Berlin", 50, 0, 1),
		community("paris-go", "Paris", "Europe/Paris", 500, 1, 0),
	)
	req := match.Request{City: "berlin", Timezone: "europe/berlin"}

	got, err := src.Candidates(context.Background(), req, []float64{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := map[string]float64{}
	for _, c := range got {
		ids[c.CommunityID] = c.Similarity
	}
	require.InDelta(t, 1.0, ids["berlin-go"], 1e-9)
	require.InDelta(t, 0.0, ids["berlin-art"], 1e-9)
}

func TestMemorySourceEmptyResultIsValid(t *testing.T) {
	src := NewMemorySource()
	got, err := src.Candidates(context.Background(), match.Request{City: "Nowhere", Timezone: "UTC"}, []float64{1})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPopularOrdersByMembersThenActivity(t *testing.T) {
	big := community("big", "Berlin", "Europe/Berlin", 900)
	busy := community("busy", "Berlin", "Europe/Berlin", 300)
	busy.RecentEvents = 40
	quiet := community("quiet", "Berlin", "Europe/Berlin", 300)
	quiet.RecentEvents = 2
	small := community("small", "Berlin", "Europe/Berlin", 10)
	src := NewMemorySource(quiet, small, big, busy)

	got, err := src.Popular(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "big", got[0].CommunityID)
	require.Equal(t, "busy", got[1].CommunityID)
	require.Equal(t, "quiet", got[2].CommunityID)
}
