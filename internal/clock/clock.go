// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package clock abstracts wall time and one-shot timers so that protocol state
// can be driven by a real event loop or, in tests, by a manually advanced clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired or
	// was stopped.
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a Clock backed by the time package. Callbacks run on their own
// goroutine, exactly like time.AfterFunc.
type Real struct{}

// Now returns time.Now.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Posted is a Clock whose timer callbacks are handed to Post instead of being
// run directly. The server uses it to deliver expiry timers as events into its
// dispatch loop.
type Posted struct {
	Post func(func())
}

// Now returns time.Now.
func (p Posted) Now() time.Time { return time.Now() }

// AfterFunc schedules f to be posted after d.
func (p Posted) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() { p.Post(f) })
}

// Manual is a Clock that only moves when Advance or Set is called. Timer
// callbacks run synchronously on the goroutine that advances the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	clock   *Manual
	seq     int
	at      time.Time
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	for i, pending := range t.clock.timers {
		if pending == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			break
		}
	}

	return true
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// AfterFunc registers f to run once the clock reaches Now()+d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{clock: m, seq: m.seq, at: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)

	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to now, firing due timers in deadline order.
func (m *Manual) Set(now time.Time) {
	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at.Equal(m.timers[j].at) {
				return m.timers[i].seq < m.timers[j].seq
			}

			return m.timers[i].at.Before(m.timers[j].at)
		})
		if len(m.timers) == 0 || m.timers[0].at.After(now) {
			m.now = now
			m.mu.Unlock()

			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		t.stopped = true
		m.now = t.at
		m.mu.Unlock()

		t.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.timers)
}
