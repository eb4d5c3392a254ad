// Package clock abstracts time for deterministic tests. Backoff delays,
// rate limit waits, and aggregation windows all read time through it.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock is a manually advanced clock for tests. After fires
// immediately with the target time, so waits never block a test.
type MockClock struct {
	NowTime time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{NowTime: t}
}

func (m *MockClock) Now() time.Time {
	return m.NowTime
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- m.NowTime.Add(d)
	return ch
}

func (m *MockClock) Advance(d time.Duration) {
	m.NowTime = m.NowTime.Add(d)
}
