// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"sort"
	"sync"
	"time"
)

// fakeClock is a virtual Clock for deterministic tests: timers only fire
// when the test calls Advance, never on a real wall-clock goroutine.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	timers  map[int]*fakeTimer
	tickers map[int]*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Unix(0, 0),
		timers:  make(map[int]*fakeTimer),
		tickers: make(map[int]*fakeTicker),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	t := &fakeTimer{clock: c, id: id, due: c.now.Add(d), f: f}
	c.timers[id] = t
	return t
}

func (c *fakeClock) Ticker(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	t := &fakeTicker{clock: c, id: id, period: d, due: c.now.Add(d), f: f}
	c.tickers[id] = t
	return t
}

// Advance moves the clock forward by d, firing every timer and ticker tick
// whose deadline falls at or before the new time, earliest deadline first.
// Timers and tickers due at the same instant fire together.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next, ok := c.earliestDueLocked(target)
		if !ok {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next

		var timerIDs, tickerIDs []int
		for id, t := range c.timers {
			if t.due.Equal(next) {
				timerIDs = append(timerIDs, id)
			}
		}
		for id, t := range c.tickers {
			if t.due.Equal(next) {
				tickerIDs = append(tickerIDs, id)
			}
		}
		sort.Ints(timerIDs)
		sort.Ints(tickerIDs)

		var fns []func()
		for _, id := range timerIDs {
			fns = append(fns, c.timers[id].f)
			delete(c.timers, id)
		}
		for _, id := range tickerIDs {
			t := c.tickers[id]
			fns = append(fns, t.f)
			t.due = t.due.Add(t.period)
		}
		c.mu.Unlock()

		for _, f := range fns {
			f()
		}
	}
}

// earliestDueLocked returns the earliest timer/ticker deadline at or before
// target, if any. c.mu must be held.
func (c *fakeClock) earliestDueLocked(target time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	consider := func(due time.Time) {
		if due.After(target) {
			return
		}
		if !found || due.Before(earliest) {
			earliest, found = due, true
		}
	}
	for _, t := range c.timers {
		consider(t.due)
	}
	for _, t := range c.tickers {
		consider(t.due)
	}
	return earliest, found
}

type fakeTimer struct {
	clock *fakeClock
	id    int
	due   time.Time
	f     func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.timers[t.id]
	delete(t.clock.timers, t.id)
	return ok
}

type fakeTicker struct {
	clock  *fakeClock
	id     int
	period time.Duration
	due    time.Time
	f      func()
}

func (t *fakeTicker) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.tickers[t.id]
	delete(t.clock.tickers, t.id)
	return ok
}
