package notifier

import (
	"sort"
	"sync"
	"time"

	"github.com/heartline/alertd/internal/config"
)

// RateLimiter enforces per channel hour and day ceilings over rolling
// windows. Each channel keeps the timestamps of its sends of the last day,
// which is bounded by the day ceiling (or 24 times the hour ceiling).
type RateLimiter struct {
	mu      sync.Mutex
	budgets map[string]*budget
	now     func() time.Time
}

type budget struct {
	limits config.RateLimit
	sent   []time.Time
}

// Budget is a snapshot of a channel's rate budget
type Budget struct {
	MaxPerHour int `json:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day"`
	LastHour   int `json:"last_hour"`
	LastDay    int `json:"last_day"`
}

// NewRateLimiter creates a limiter without channels
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{budgets: make(map[string]*budget), now: time.Now}
}

// SetLimits installs or updates the ceilings of channel. Sends already
// counted are kept so that a reload does not reset the budget.
func (r *RateLimiter) SetLimits(channel string, limits config.RateLimit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.budgets[channel]
	if !ok {
		b = &budget{}
		r.budgets[channel] = b
	}
	b.limits = limits
}

// Remove forgets channel
func (r *RateLimiter) Remove(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.budgets, channel)
}

// Allow reports whether one more send fits both ceilings and, if so,
// counts it. Unknown channels and channels without ceilings always pass.
func (r *RateLimiter) Allow(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.budgets[channel]
	if !ok || (b.limits.MaxPerHour <= 0 && b.limits.MaxPerDay <= 0) {
		return true
	}
	now := r.now()
	b.prune(now)
	if b.limits.MaxPerHour > 0 && b.countSince(now.Add(-time.Hour)) >= b.limits.MaxPerHour {
		return false
	}
	if b.limits.MaxPerDay > 0 && len(b.sent) >= b.limits.MaxPerDay {
		return false
	}
	b.sent = append(b.sent, now)
	return true
}

// Budgets returns a snapshot of every channel
func (r *RateLimiter) Budgets() map[string]Budget {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make(map[string]Budget, len(r.budgets))
	for name, b := range r.budgets {
		b.prune(now)
		out[name] = Budget{
			MaxPerHour: b.limits.MaxPerHour,
			MaxPerDay:  b.limits.MaxPerDay,
			LastHour:   b.countSince(now.Add(-time.Hour)),
			LastDay:    len(b.sent),
		}
	}
	return out
}

// prune drops sends older than a day
func (b *budget) prune(now time.Time) {
	cut := b.firstAfter(now.Add(-24 * time.Hour))
	if cut > 0 {
		b.sent = append(b.sent[:0], b.sent[cut:]...)
	}
}

func (b *budget) countSince(t time.Time) int {
	return len(b.sent) - b.firstAfter(t)
}

// firstAfter returns the index of the first send strictly after t
func (b *budget) firstAfter(t time.Time) int {
	return sort.Search(len(b.sent), func(i int) bool { return b.sent[i].After(t) })
}
