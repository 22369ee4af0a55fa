package app

import "time"

// HealthMonitor tracks whether the call has at least one working
// connection and decides when a full refresh is due. All connections down
// while peers exist, past the grace period, means signaling drifted out of
// sync and incremental recovery is not trusted. Confined to the call loop.
type HealthMonitor struct {
	firstGrace  time.Duration
	steadyGrace time.Duration

	firstCheck bool
	hasActive  bool
	lastGood   time.Time
}

func NewHealthMonitor(firstGrace, steadyGrace time.Duration) *HealthMonitor {
	return &HealthMonitor{
		firstGrace:  firstGrace,
		steadyGrace: steadyGrace,
		firstCheck:  true,
		lastGood:    time.Now(),
	}
}

// Observe records the current aggregate and reports whether it changed.
// Both directions of the transition are interesting: the caller forces and
// persists a mute on either one.
func (h *HealthMonitor) Observe(active bool, now time.Time) (changed bool) {
	if active {
		h.lastGood = now
	}
	if active == h.hasActive {
		return false
	}
	h.hasActive = active
	return true
}

func (h *HealthMonitor) HasActive() bool { return h.hasActive }

// MarkEstablished restarts the grace window, used right after a refresh or
// rejoin so the monitor does not immediately re-trigger.
func (h *HealthMonitor) MarkEstablished(now time.Time) { h.lastGood = now }

// ShouldRefresh is the periodic-check decision. The very first check after
// call start uses the short grace so a completely failed join recovers
// fast; every later check uses the long one.
func (h *HealthMonitor) ShouldRefresh(linkCount int, now time.Time) bool {
	grace := h.steadyGrace
	if h.firstCheck {
		grace = h.firstGrace
	}
	h.firstCheck = false

	if h.hasActive || linkCount == 0 {
		return false
	}
	return now.Sub(h.lastGood) >= grace
}
