// Package candidates supplies the communities a match computation considers.
// Sources narrow by the requester's city and timezone first, then attach a
// cosine similarity against each community's stored profile vector.
package candidates

import (
	"context"
	"math"

	"github.com/example/commatch/internal/match"
)

// Source is the candidate collaborator the worker and the popular-communities
// endpoint read from.
type Source interface {
	// Candidates returns location-filtered communities with Similarity set
	// against the request vector. An empty result is valid.
	Candidates(ctx context.Context, req match.Request, vector []float64) ([]match.Candidate, error)
	// Popular returns the most popular active communities, for the fallback
	// tier and the public popularity endpoint.
	Popular(ctx context.Context, limit int) ([]match.Candidate, error)
}

const (
	// DefaultFilterLimit bounds the location pre-filter, mirroring the
	// narrow-then-rank shape: SQL cuts the space, similarity orders it.
	DefaultFilterLimit  = 1000
	DefaultPopularLimit = 5
)

// Cosine returns the cosine similarity of two vectors clamped to [0, 1].
// Mismatched lengths and zero vectors read as no similarity.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
