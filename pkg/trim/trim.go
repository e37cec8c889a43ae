// Package trim implements the background trimmer: a single detached
// goroutine that periodically cools HOT flags and unloads cold, clean
// BATs when virtual memory pressure is high.
//
// Structured as a ticker + stopCh + zerolog + metrics timer loop, the
// same shape as a node/container reconciliation loop applied instead to
// the unload predicate sweep.
package trim

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/colstore/bbp/pkg/log"
	"github.com/colstore/bbp/pkg/metrics"
	"github.com/colstore/bbp/pkg/slot"
)

// PressureFunc reports current and maximum virtual-memory usage, in
// whatever unit the caller tracks (bytes, pages); only the ratio
// matters.
type PressureFunc func() (cur, max uint64)

// Trimmer runs the background trim loop against a single slot table.
type Trimmer struct {
	table    *slot.Table
	pressure PressureFunc
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a trimmer. pressure may be nil, in which case the trimmer
// always uses the slowest (10s) cadence, equivalent to no VM pressure.
func New(table *slot.Table, pressure PressureFunc) *Trimmer {
	if pressure == nil {
		pressure = func() (uint64, uint64) { return 0, 1 }
	}
	return &Trimmer{
		table:    table,
		pressure: pressure,
		logger:   log.WithComponent("trim"),
	}
}

// Start begins the trim loop in its own goroutine. Calling Start twice
// without an intervening Stop is a caller bug.
func (t *Trimmer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil {
		panic("trim: Start called while already running")
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.run(t.stopCh, t.doneCh)
}

// Stop signals the trim loop to exit and waits for it to finish; the
// only shutdown signal the loop polls for is this one.
func (t *Trimmer) Stop() {
	t.mu.Lock()
	stopCh, doneCh := t.stopCh, t.doneCh
	t.stopCh, t.doneCh = nil, nil
	t.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (t *Trimmer) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	t.logger.Info().Msg("trimmer started")
	for {
		t.clearHotPass()

		select {
		case <-time.After(t.sleepDuration()):
		case <-stopCh:
			t.logger.Info().Msg("trimmer stopped")
			return
		}

		if unloaded := t.RunOnce(false); unloaded > 0 {
			t.logger.Debug().Int("unloaded", unloaded).Msg("trim pass unloaded BATs")
		}
	}
}

// clearHotPass clears HOT from every slot that is merely logically
// referenced (lrefs > 0) and not currently
// pinned. A BAT pinned right now (refs > 0) is left HOT since it is
// plainly still in active use.
func (t *Trimmer) clearHotPass() {
	t.table.ForEach(func(id int32, snap slot.Snapshot) {
		if snap.Refs == 0 && snap.LRefs > 0 {
			t.table.ClearHot(id)
		}
	})
}

// sleepDuration picks the trimmer's three-tier sleep cadence based on
// current VM pressure.
func (t *Trimmer) sleepDuration() time.Duration {
	cur, max := t.pressure()
	if max == 0 {
		return 10 * time.Second
	}
	ratio := float64(cur) / float64(max)
	switch {
	case ratio > 0.5:
		return 100 * time.Millisecond
	case ratio > 0.25:
		return time.Second
	default:
		return 10 * time.Second
	}
}

// RunOnce performs a single trim pass: iterate every live slot and
// unload those that pass the unload predicate. Exported so
// callers (tests, bbpctl's manual "trim now") can force a pass outside
// the loop's own cadence.
func (t *Trimmer) RunOnce(aggressive bool) int {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TrimDuration)
		metrics.TrimCyclesTotal.Inc()
	}()

	var unloaded int
	t.table.ForEach(func(id int32, snap slot.Snapshot) {
		if snap.Status.Has(slot.Loaded) && t.table.TryUnload(id, aggressive) {
			unloaded++
		}
	})
	if unloaded > 0 {
		metrics.TrimUnloadedTotal.Add(float64(unloaded))
	}
	return unloaded
}
