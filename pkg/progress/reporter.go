// Package progress aggregates per-unit outcomes of a run into monotonic
// counters and forwards snapshots to an observer.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is the progress of a run.
type Snapshot struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Errors     int `json:"errors"`
	Total      int `json:"total"`
}

// Observer receives progress snapshots. Delivery is best-effort: observer
// failures never affect the run. A slow observer sees fewer snapshots, never
// stale ones out of order.
type Observer interface {
	OnProgress(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

// OnProgress implements Observer.
func (f ObserverFunc) OnProgress(s Snapshot) { f(s) }

// Reporter counts unit outcomes. Each unit index is counted at most once, so
// counters never decrease and never double-count.
//
// Snapshots reach the observer from a single delivery goroutine. Record only
// marks the latest snapshot pending, so it never waits on the observer.
type Reporter struct {
	mu       sync.Mutex
	snap     Snapshot
	recorded map[int]bool
	pending  bool
	closed   bool
	observer Observer
	logger   zerolog.Logger

	wake chan struct{}
	done chan struct{}
}

// NewReporter creates a reporter for total units. observer may be nil.
// Call Close when the run is over to flush the last snapshot.
func NewReporter(total int, observer Observer, logger zerolog.Logger) *Reporter {
	r := &Reporter{
		snap:     Snapshot{Total: total},
		recorded: make(map[int]bool, total),
		observer: observer,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if observer == nil {
		close(r.done)
	} else {
		go r.deliver()
	}
	return r
}

// Record counts the outcome of unit index and schedules delivery of the new
// snapshot. It returns false if the index was already recorded or is out of
// range.
func (r *Reporter) Record(index int, success bool) bool {
	r.mu.Lock()
	if index < 0 || index >= r.snap.Total || r.recorded[index] {
		r.mu.Unlock()
		return false
	}
	r.recorded[index] = true
	r.snap.Processed++
	if success {
		r.snap.Successful++
	} else {
		r.snap.Errors++
	}
	if r.observer != nil && !r.closed {
		r.pending = true
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()
	return true
}

// Close stops delivery after the pending snapshot has been handed to the
// observer. It waits at most timeout and reports whether delivery finished.
// Outcomes recorded after Close are counted but not scheduled for delivery.
func (r *Reporter) Close(timeout time.Duration) bool {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if r.observer != nil {
			close(r.wake)
		}
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		r.logger.Warn().Dur("timeout", timeout).Msg("Progress observer still busy, not waiting")
		return false
	}
}

// deliver hands the latest pending snapshot to the observer until Close.
func (r *Reporter) deliver() {
	defer close(r.done)
	for range r.wake {
		r.mu.Lock()
		if !r.pending {
			r.mu.Unlock()
			continue
		}
		r.pending = false
		snap := r.snap
		r.mu.Unlock()
		r.notify(snap)
	}
	// wake is closed; flush what Close left pending.
	r.mu.Lock()
	pending := r.pending
	r.pending = false
	snap := r.snap
	r.mu.Unlock()
	if pending {
		r.notify(snap)
	}
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *Reporter) notify(snap Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn().Str("panic", fmt.Sprint(p)).Msg("Progress observer panicked")
		}
	}()
	r.observer.OnProgress(snap)
}

// LogObserver logs every snapshot at info level.
type LogObserver struct {
	Logger zerolog.Logger
}

// OnProgress implements Observer.
func (o LogObserver) OnProgress(s Snapshot) {
	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Processed) / float64(s.Total) * 100
	}
	o.Logger.Info().
		Int("processed", s.Processed).
		Int("successful", s.Successful).
		Int("errors", s.Errors).
		Int("total", s.Total).
		Float64("percent", pct).
		Msg("Progress")
}

// Multi fans a snapshot out to several observers. A panicking observer does
// not keep the snapshot from the ones after it; the first panic is re-raised
// once all have been called.
func Multi(observers ...Observer) Observer {
	return ObserverFunc(func(s Snapshot) {
		var first any
		for _, o := range observers {
			if o == nil {
				continue
			}
			func() {
				defer func() {
					if p := recover(); p != nil && first == nil {
						first = p
					}
				}()
				o.OnProgress(s)
			}()
		}
		if first != nil {
			panic(first)
		}
	})
}
