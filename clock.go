// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "time"

// Timer is a cancellable, one-shot or periodic timer handle.
type Timer interface {
	// Stop prevents a pending firing. It returns false if the timer had
	// already fired or been stopped.
	Stop() bool
}

// Clock abstracts wall-clock time and timer scheduling so that tests can
// run the state machine under a virtual clock without real sleeps.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d elapses, returning a Timer
	// that can cancel it. f runs on its own goroutine, as with
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) Timer
	// Ticker schedules f to run every d until the returned Timer is
	// stopped.
	Ticker(d time.Duration, f func()) Timer
}

// realClock is the default [Clock], backed by the time package.
type realClock struct{}

// RealClock returns the default, wall-clock-backed [Clock].
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &stdTimer{t: time.AfterFunc(d, f)}
}

func (realClock) Ticker(d time.Duration, f func()) Timer {
	t := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				f()
			}
		}
	}()
	return &stdTicker{t: t, done: done}
}

type stdTimer struct{ t *time.Timer }

func (s *stdTimer) Stop() bool { return s.t.Stop() }

type stdTicker struct {
	t    *time.Ticker
	done chan struct{}
	once bool
}

func (s *stdTicker) Stop() bool {
	s.t.Stop()
	if s.once {
		return false
	}
	s.once = true
	close(s.done)
	return true
}
