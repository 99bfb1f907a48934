package migrator

import (
	"sync"
	"time"
)

// maxErrors bounds the error list kept on Stats; older errors are dropped so
// a long-running migration against a flaky source cannot grow this list
// without bound.
const maxErrors = 50

// StatsSnapshot is a point-in-time copy of the aggregator's counters,
// returned by Engine.Stats and embedded in metric/progress events.
type StatsSnapshot struct {
	Processed uint64
	Total     uint64
	Percent   float64
	Rate      float64
	Bytes     uint64
	StartTime time.Time
	Status    Status
	Errors    []string
}

// stats is the Progress & Metric Aggregator (§4.6). It owns processed,
// total, bytes and the error list, and emits events through emit whenever a
// replication completes or a metric snapshot ticks. Reading total is
// independent of processed so SteadyState re-sampling (§3 invariants) never
// needs a clamp: percent is computed fresh from both each time and capped at
// 100.
type stats struct {
	mu sync.Mutex

	processed uint64
	total     uint64
	bytes     uint64
	startTime time.Time
	status    Status
	errs      []string

	emit func(Event)
}

func newStats(emit func(Event)) *stats {
	return &stats{
		startTime: time.Now(),
		status:    StatusRunning,
		emit:      emit,
	}
}

func (s *stats) setTotal(total uint64) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
}

func (s *stats) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *stats) addError(err error) {
	s.mu.Lock()
	if len(s.errs) >= maxErrors {
		s.errs = s.errs[1:]
	}
	s.errs = append(s.errs, err.Error())
	s.mu.Unlock()

	s.emit(Event{Type: EventError, Err: err})
}

// recordReplication is called by the replicator, and by the subscriber's
// TTL-sync path, after a key's write to the target returns, so observers never see a counter increment without the
// corresponding target-side effect (§5 ordering guarantee).
func (s *stats) recordReplication(key string, op KeyOperation, size uint64) {
	snap := s.recordAndSnapshot(size)

	s.emit(Event{
		Type:      EventKeyProcessed,
		Key:       key,
		Operation: op,
	})
	s.emit(Event{
		Type:      EventProgress,
		Processed: snap.Processed,
		Total:     snap.Total,
		Percent:   snap.Percent,
		Rate:      snap.Rate,
		Bytes:     snap.Bytes,
	})
}

func (s *stats) recordAndSnapshot(size uint64) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	s.bytes += size

	return s.snapshotLocked()
}

// snapshot returns the current counters without recording a replication.
func (s *stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *stats) snapshotLocked() StatsSnapshot {
	elapsed := time.Since(s.startTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(s.processed) / elapsed
	}

	var percent float64
	if s.total > 0 {
		percent = 100 * float64(s.processed) / float64(s.total)
		if percent > 100 {
			percent = 100
		}
	} else {
		// Scenario A: empty source, division-by-zero guarded.
		percent = 100
	}

	errs := make([]string, len(s.errs))
	copy(errs, s.errs)

	return StatsSnapshot{
		Processed: s.processed,
		Total:     s.total,
		Percent:   percent,
		Rate:      rate,
		Bytes:     s.bytes,
		StartTime: s.startTime,
		Status:    s.status,
		Errors:    errs,
	}
}

// emitMetrics sends a metric snapshot event, the periodic emission described
// in §4.6.
func (s *stats) emitMetrics() {
	snap := s.snapshot()
	s.emit(Event{
		Type:      EventMetrics,
		Processed: snap.Processed,
		Total:     snap.Total,
		Percent:   snap.Percent,
		Rate:      snap.Rate,
		Bytes:     snap.Bytes,
		Timestamp: time.Now().UTC(),
		Status:    snap.Status,
		Errors:    snap.Errors,
	})
}
