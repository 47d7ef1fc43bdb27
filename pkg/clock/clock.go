// Package clock abstracts time so that TTLs, connection
// ages and timestamps can be driven by tests.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// Real returns the wall clock.
func Real() Clock { // A
	return realClock{}
}

// Manual is a Clock that only moves when told to.
type Manual struct { // A
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual { // A
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { // A
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) { // A
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
