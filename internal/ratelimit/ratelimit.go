// Package ratelimit implements per-key sliding-window admission control.
//
// Each key (user id or client address) carries an independent window of
// admission timestamps. A request is admitted while fewer than quota
// admissions fall inside the window; a denied request does not consume
// quota. Counts are exact under concurrent checks for the same key.
package ratelimit

import (
	"sync"
	"time"
)

const (
	cleanupInterval = 5 * time.Minute
	staleThreshold  = 10 * time.Minute
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	// Reset is when the oldest admission leaves the window, i.e. the
	// earliest time a denied caller could be admitted again.
	Reset time.Time
}

// Limiter answers whether a request for a given key is admitted.
// The api package consumes this seam; tests substitute fakes.
type Limiter interface {
	Check(key string) Decision
}

// SlidingWindow is an in-memory Limiter: at most quota admissions per key
// within a moving window. Safe for concurrent use.
type SlidingWindow struct {
	mu       sync.Mutex
	quota    int
	window   time.Duration
	visitors map[string]*visitor

	lastCleanup time.Time

	// now is swappable for window-expiry tests.
	now func() time.Time
}

// visitor holds the admission log and last-seen time for a single key.
type visitor struct {
	admissions []time.Time
	lastSeen   time.Time
}

// NewSlidingWindow creates a limiter admitting at most quota requests per
// key within the given window.
func NewSlidingWindow(quota int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		quota:       quota,
		window:      window,
		visitors:    make(map[string]*visitor),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check reports whether a request for key is admitted. An admitted call
// records its timestamp; a denied call leaves the window untouched.
func (sw *SlidingWindow) Check(key string) Decision {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.cleanupLocked(now)

	v, exists := sw.visitors[key]
	if !exists {
		v = &visitor{}
		sw.visitors[key] = v
	}
	v.lastSeen = now

	// Drop admissions that have left the window.
	cutoff := now.Add(-sw.window)
	kept := v.admissions[:0]
	for _, ts := range v.admissions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	v.admissions = kept

	if len(v.admissions) >= sw.quota {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			Reset:     v.admissions[0].Add(sw.window),
		}
	}

	v.admissions = append(v.admissions, now)
	reset := v.admissions[0].Add(sw.window)
	return Decision{
		Allowed:   true,
		Remaining: sw.quota - len(v.admissions),
		Reset:     reset,
	}
}

// cleanupLocked periodically drops keys idle past staleThreshold so the map
// does not grow without bound. Caller must hold sw.mu.
func (sw *SlidingWindow) cleanupLocked(now time.Time) {
	if now.Sub(sw.lastCleanup) <= cleanupInterval {
		return
	}
	for k, v := range sw.visitors {
		if now.Sub(v.lastSeen) > staleThreshold && now.Sub(v.lastSeen) > sw.window {
			delete(sw.visitors, k)
		}
	}
	sw.lastCleanup = now
}
