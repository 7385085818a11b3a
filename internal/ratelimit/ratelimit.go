package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. rate is tokens refilled per second, burst
// the bucket capacity.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Registry hands out one limiter per participant so a reconnect does not
// reset the bucket. Entries idle past the prune age are dropped by a
// background sweep.
type Registry struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	mu       sync.RWMutex

	pruneInterval time.Duration
	pruneAge      time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewRegistry(rate float64, burst int) *Registry {
	r := &Registry{
		limiters:      make(map[string]*Limiter),
		rate:          rate,
		burst:         burst,
		pruneInterval: 5 * time.Minute,
		pruneAge:      15 * time.Minute,
		stop:          make(chan struct{}),
	}
	go r.prune()
	return r
}

func (r *Registry) Get(participantID string) *Limiter {
	r.mu.RLock()
	limiter, ok := r.limiters[participantID]
	r.mu.RUnlock()

	if ok {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters[participantID]; ok {
		return limiter
	}

	limiter = NewLimiter(r.rate, r.burst)
	r.limiters[participantID] = limiter
	return limiter
}

func (r *Registry) Remove(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, participantID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) prune() {
	ticker := time.NewTicker(r.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.pruneAge)
			r.mu.Lock()
			for id, limiter := range r.limiters {
				if limiter.idleSince().Before(cutoff) {
					delete(r.limiters, id)
				}
			}
			r.mu.Unlock()
		}
	}
}
