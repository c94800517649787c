package candidates

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/example/commatch/internal/match"
)

// Community is one entry in the in-memory source: the candidate fields plus
// its profile vector.
type Community struct {
	match.Candidate
	Embedding []float64
}

// MemorySource serves candidates from a fixed community set. It backs tests
// and local single-process runs.
type MemorySource struct {
	mu          sync.RWMutex
	communities []Community
}

func NewMemorySource(communities ...Community) *MemorySource {
	s := &MemorySource{}
	s.Load(communities...)
	return s
}

// Load replaces the community set.
func (s *MemorySource) Load(communities ...Community) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities = append([]Community(nil), communities...)
}

func (s *MemorySource) Candidates(_ context.Context, req match.Request, vector []float64) ([]match.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]match.Candidate, 0)
	for _, c := range s.communities {
		if !strings.EqualFold(c.City, req.City) || !strings.EqualFold(c.Timezone, req.Timezone) {
			continue
		}
		cand := c.Candidate
		cand.Similarity = Cosine(vector, c.Embedding)
		out = append(out, cand)
		if len(out) == DefaultFilterLimit {
			break
		}
	}
	return out, nil
}

func (s *MemorySource) Popular(_ context.Context, limit int) ([]match.Candidate, error) {
	if limit <= 0 {
		limit = DefaultPopularLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]match.Candidate, 0, len(s.communities))
	for _, c := range s.communities {
		out = append(out, c.Candidate)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemberCount != out[j].MemberCount {
			return out[i].MemberCount > out[j].MemberCount
		}
		if out[i].RecentEvents != out[j].RecentEvents {
			return out[i].RecentEvents > out[j].RecentEvents
		}
		return out[i].CommunityID < out[j].CommunityID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
