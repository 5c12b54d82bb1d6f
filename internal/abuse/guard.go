// Package abuse tracks sustained violators and enforces temporary bans.
// All state is in-process: a ban on this replica does not exist on its
// peers, and none of it survives a restart.
package abuse

import (
	"sync"
	"time"
)

// sweepInterval is how often the background sweep evicts dead records.
const sweepInterval = 120 * time.Second

type violation struct {
	count int
	first time.Time
}

// Guard is the process-wide ban index and violation tracker. One instance
// is constructed at startup and shared by reference; only Guard methods
// mutate its maps.
type Guard struct {
	mu         sync.Mutex
	violations map[string]*violation
	bans       map[string]time.Time // principal -> ban expiry

	threshold int
	window    time.Duration
	banFor    time.Duration

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewGuard starts the guard and its background sweeper.
func NewGuard(threshold int, window, banFor time.Duration) *Guard {
	g := &Guard{
		violations: make(map[string]*violation),
		bans:       make(map[string]time.Time),
		threshold:  threshold,
		window:     window,
		banFor:     banFor,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// IsBanned reports whether the principal is currently banned and, if so,
// how long until the ban lifts. Expired bans (and their violation records)
// are evicted lazily here, so a ban never outlives its expiry even between
// sweeps. A request arriving exactly at expiry is admitted.
func (g *Guard) IsBanned(principal string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expires, ok := g.bans[principal]
	if !ok {
		return false, 0
	}
	now := g.now()
	if !now.Before(expires) {
		delete(g.bans, principal)
		delete(g.violations, principal)
		return false, 0
	}
	return true, expires.Sub(now)
}

// TrackViolation records one denial for the principal and reports whether
// this denial tipped it into a ban. A denial arriving after the window
// elapsed starts a fresh window of count 1.
func (g *Guard) TrackViolation(principal string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.violations[principal]
	if !ok || now.Sub(rec.first) >= g.window {
		rec = &violation{count: 1, first: now}
		g.violations[principal] = rec
	} else {
		rec.count++
	}

	if rec.count >= g.threshold {
		g.bans[principal] = now.Add(g.banFor)
		return true
	}
	return false
}

// Violations returns the live violation count for the principal.
func (g *Guard) Violations(principal string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.violations[principal]; ok {
		return rec.count
	}
	return 0
}

// BannedCount is the number of live bans, fed to the banned_clients gauge.
func (g *Guard) BannedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for _, expires := range g.bans {
		if now.Before(expires) {
			n++
		}
	}
	return n
}

// BanDuration is the configured ban length.
func (g *Guard) BanDuration() time.Duration { return g.banFor }

func (g *Guard) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stop:
			return
		}
	}
}

// sweep drops expired bans and violation records whose window is twice
// over. It takes the same lock as the foreground writers.
func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for principal, expires := range g.bans {
		if !now.Before(expires) {
			delete(g.bans, principal)
			delete(g.violations, principal)
		}
	}
	for principal, rec := range g.violations {
		if now.Sub(rec.first) >= 2*g.window {
			delete(g.violations, principal)
		}
	}
}

// Stop terminates the background sweeper.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}
