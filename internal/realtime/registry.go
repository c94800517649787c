package realtime

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Registry tracks active sessions per user, sharded by fnv-32a of the user id
// so broadcasts for different users contend on different locks. A user may
// hold several sessions at once; a broadcast reaches all of them.
type Registry struct {
	shards [shardCount]registryShard
}

type registryShard struct {
	mu     sync.Mutex
	byUser map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].byUser = make(map[string]map[*Session]struct{})
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Add registers an activated session under its user. Pending sessions have no
// user yet and must not be added.
func (r *Registry) Add(s *Session) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.byUser[userID]
	if set == nil {
		set = make(map[*Session]struct{})
		sh.byUser[userID] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) Remove(s *Session) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.byUser[userID]
	if set == nil {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(sh.byUser, userID)
	}
}

// Sessions returns a snapshot of the user's sessions. The slice is safe to
// iterate without the shard lock held.
func (r *Registry) Sessions(userID string) []*Session {
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Broadcast sends one event to every session of the user and reports how many
// sends succeeded. Failed sends close the offending session.
func (r *Registry) Broadcast(userID, event string, data any) int {
	delivered := 0
	for _, s := range r.Sessions(userID) {
		if err := s.Send(event, data); err != nil {
			s.Close()
			r.Remove(s)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, set := range sh.byUser {
			n += len(set)
		}
		sh.mu.Unlock()
	}
	return n
}

// ForEach visits a snapshot of all registered sessions.
func (r *Registry) ForEach(fn func(*Session)) {
	var all []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, set := range sh.byUser {
			for s := range set {
				all = append(all, s)
			}
		}
		sh.mu.Unlock()
	}
	for _, s := range all {
		fn(s)
	}
}
