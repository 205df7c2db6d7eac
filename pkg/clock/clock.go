// Package clock abstracts the time source so time-dependent logic can be
// tested without sleeping. Production code uses New(); tests use NewMock()
// and drive it with Set/Advance.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system time.
type Real struct{}

// New returns a Clock backed by time.Now.
func New() Clock {
	return &Real{}
}

func (*Real) Now() time.Time {
	return time.Now()
}

// Mock is a Clock with controllable time for tests.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock returns a Mock starting at the current system time.
func NewMock() *Mock {
	return &Mock{now: time.Now()}
}

// NewMockAt returns a Mock starting at t.
func NewMockAt(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the mock clock to an absolute time.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
