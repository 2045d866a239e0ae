// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package retrybudget implements [github.com/riverrpc/river.RetryBudget] as
// a discrete leaky bucket: a consumed counter incremented on every
// connection attempt and drained back toward zero, one unit at a time, by
// a ticker that only runs while restoration has been requested.
package retrybudget

import (
	"math/rand"
	"sync"
	"time"

	"github.com/riverrpc/river"
)

// Options configures a leaky-bucket retry budget.
type Options struct {
	// Capacity is the number of connection attempts allowed before
	// HasBudget starts reporting false.
	Capacity int
	// BaseBackoff is the backoff before the first retry; each
	// consecutive consumed attempt doubles it, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxJitter is the upper bound of the uniform jitter added on top of
	// the computed exponential backoff.
	MaxJitter time.Duration
	// RestoreInterval is how often a single unit of budget leaks back
	// once StartRestoringBudget is called.
	RestoreInterval time.Duration
}

// DefaultOptions returns sane production defaults: five attempts, 150ms
// base backoff doubling up to 32s with up to 200ms of jitter, one unit
// restored every 200ms after a successful handshake.
func DefaultOptions() Options {
	return Options{
		Capacity:        5,
		BaseBackoff:     150 * time.Millisecond,
		MaxBackoff:      32 * time.Second,
		MaxJitter:       200 * time.Millisecond,
		RestoreInterval: 200 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 150 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 32 * time.Second
	}
	if o.MaxJitter <= 0 {
		o.MaxJitter = 200 * time.Millisecond
	}
	if o.RestoreInterval <= 0 {
		o.RestoreInterval = 200 * time.Millisecond
	}
	return o
}

type leakyBucket struct {
	mu       sync.Mutex
	opts     Options
	consumed int
	restore  *time.Ticker
	stop     chan struct{}
}

// New constructs a river.RetryBudget from opts.
func New(opts Options) river.RetryBudget {
	return &leakyBucket{opts: opts.withDefaults()}
}

func (b *leakyBucket) HasBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed < b.opts.Capacity
}

// GetBackoffMs returns min(baseBackoff*2^(consumed-1), maxBackoff) plus a
// uniform jitter in [0, maxJitter), in milliseconds. consumed is read
// after ConsumeBudget has already incremented it for the in-flight
// attempt, so the first attempt backs off by exactly baseBackoff+jitter.
func (b *leakyBucket) GetBackoffMs() int {
	b.mu.Lock()
	consumed := b.consumed
	b.mu.Unlock()

	exponent := consumed - 1
	if exponent < 0 {
		exponent = 0
	}
	backoff := b.opts.BaseBackoff
	for i := 0; i < exponent && backoff < b.opts.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > b.opts.MaxBackoff {
		backoff = b.opts.MaxBackoff
	}

	jitterMs := int(b.opts.MaxJitter / time.Millisecond)
	jitter := 0
	if jitterMs > 0 {
		jitter = rand.Intn(jitterMs)
	}
	return int(backoff/time.Millisecond) + jitter
}

// ConsumeBudget cancels any in-flight restore ticker and records a
// connection attempt.
func (b *leakyBucket) ConsumeBudget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopRestoreLocked()
	b.consumed++
}

// StartRestoringBudget starts a ticker that decrements consumed by one
// every RestoreInterval, stopping itself once consumed reaches zero.
// Called after a successful handshake.
func (b *leakyBucket) StartRestoringBudget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopRestoreLocked()
	if b.consumed == 0 {
		return
	}
	b.restore = time.NewTicker(b.opts.RestoreInterval)
	stop := make(chan struct{})
	b.stop = stop
	ticker := b.restore
	go func() {
		for {
			select {
			case <-ticker.C:
				b.mu.Lock()
				if b.consumed > 0 {
					b.consumed--
				}
				done := b.consumed == 0
				b.mu.Unlock()
				if done {
					ticker.Stop()
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

// Close stops any in-flight restore ticker and releases its goroutine.
func (b *leakyBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopRestoreLocked()
}

func (b *leakyBucket) stopRestoreLocked() {
	if b.restore != nil {
		b.restore.Stop()
		b.restore = nil
	}
	if b.stop != nil {
		close(b.stop)
		b.stop = nil
	}
}
