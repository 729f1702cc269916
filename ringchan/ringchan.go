// Package ringchan provides a bounded, overwrite-oldest channel wrapper.
// It is adapted from the host CLI's Lua output ring channel for a
// different purpose: buffering best-effort notification-value messages
// between the BLE delegate bridge and the coordinator's event loop.
package ringchan

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics: a full buffer never blocks the sender, it drops the oldest
// buffered item instead.
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reading via C() bypasses
// the Processed metric; use Receive for metrics-tracked consumption.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered item if full. It
// never blocks.
func (rc *RingChannel[T]) Send(v T) {
	for {
		select {
		case rc.ch <- v:
			rc.metrics.addWritten(1)
			return
		default:
		}
		select {
		case <-rc.ch:
			rc.metrics.addOverwritten(1)
		default:
		}
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addProcessed(1)
	}
	return
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Send panics after Close.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns a snapshot of the channel's counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics tracks lock-free throughput counters for a RingChannel.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *Metrics) addProcessed(n int)   { atomic.AddInt64(&m.Processed, int64(n)) }
func (m *Metrics) addWritten(n int)     { atomic.AddInt64(&m.Written, int64(n)) }
func (m *Metrics) addOverwritten(n int) { atomic.AddInt64(&m.Overwritten, int64(n)) }
