package netmon

import (
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
)

// StaticMonitor is driven by the host: platforms with their own
// connectivity signal (mobile reachability APIs, desktop NM events)
// push it in via SetOnline. Tests drive it the same way.
type StaticMonitor struct {
	*debouncer
}

// NewStaticMonitor creates a monitor with the given initial state.
// Pushed flips still debounce through the window; pass 0 to commit
// immediately.
func NewStaticMonitor(online bool, window time.Duration, clk clock.Clock) *StaticMonitor {
	return &StaticMonitor{debouncer: newDebouncer(online, window, clk)}
}

// SetOnline pushes a raw connectivity reading.
func (m *StaticMonitor) SetOnline(online bool) {
	m.observe(online)
}

// Close releases subscribers.
func (m *StaticMonitor) Close() error {
	m.debouncer.close()
	return nil
}

// Nop returns a monitor pinned online. It is the fail-open default when
// no connectivity source is configured: the engine will try to sync and
// let executor errors speak for the network.
func Nop() *StaticMonitor {
	return NewStaticMonitor(true, 0, clock.New())
}
