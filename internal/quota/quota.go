// Package quota is the limit collaborator the dispatcher consults before
// creating a turn. Billing and durable usage accounting live elsewhere.
package quota

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
}

type Limiter interface {
	Allow(ctx context.Context, workspaceID, userID string) (Decision, error)
}

// Unlimited permits every dispatch.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// FixedWindow counts dispatches per workspace/user in a rolling window.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]*windowCount
}

type windowCount struct {
	start time.Time
	used  int
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]*windowCount),
	}
}

// WithClock overrides the time source, for tests.
func (l *FixedWindow) WithClock(now func() time.Time) *FixedWindow {
	l.now = now
	return l
}

func (l *FixedWindow) Allow(_ context.Context, workspaceID, userID string) (Decision, error) {
	key := workspaceID + ":" + userID
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	count, ok := l.counts[key]
	if !ok || now.Sub(count.start) >= l.window {
		count = &windowCount{start: now}
		l.counts[key] = count
	}
	if count.used >= l.limit {
		return Decision{Allowed: false, Used: count.used, Limit: l.limit}, nil
	}
	count.used++
	return Decision{Allowed: true, Used: count.used, Limit: l.limit}, nil
}
