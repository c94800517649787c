package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// submitLimiter throttles match submissions per user plus a global ceiling.
// Per-user limiters are created lazily and dropped once idle for an hour.
type submitLimiter struct {
	mu        sync.Mutex
	perUser   rate.Limit
	burst     int
	global    *rate.Limiter
	users     map[string]*userLimiter
	lastPrune time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perMin := getenvIntRL("COMMATCH_SUBMIT_RATE_LIMIT_PER_MIN", 30)
	globalPerMin := getenvIntRL("COMMATCH_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 3000)
	l := &submitLimiter{
		users:     map[string]*userLimiter{},
		lastPrune: time.Now(),
	}
	if perMin > 0 {
		l.perUser = rate.Limit(float64(perMin) / 60.0)
		l.burst = perMin
	}
	if globalPerMin > 0 {
		l.global = rate.NewLimiter(rate.Limit(float64(globalPerMin)/60.0), globalPerMin)
	}
	return l
}

func (l *submitLimiter) allow(userID string) bool {
	if l == nil || (l.perUser == 0 && l.global == nil) {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.perUser == 0 {
		return true
	}
	if userID == "" {
		userID = "anonymous"
	}

	l.mu.Lock()
	now := time.Now()
	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(l.perUser, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	if now.Sub(l.lastPrune) > time.Hour {
		for id, entry := range l.users {
			if now.Sub(entry.lastSeen) > time.Hour {
				delete(l.users, id)
			}
		}
		l.lastPrune = now
	}
	l.mu.Unlock()

	return u.limiter.Allow()
}

func getenvIntRL(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
