package migrator

import (
	"context"
	"log"
	"sync"
	"time"
)

// LifecycleState is one of the states in the §4.7 state machine.
type LifecycleState int

const (
	Idle LifecycleState = iota
	Validating
	Scanning
	SteadyState
	Stopping
	Stopped
)

func (s LifecycleState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Validating:
		return "Validating"
	case Scanning:
		return "Scanning"
	case SteadyState:
		return "SteadyState"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Options are the configuration values recognized by the constructor (§6).
type Options struct {
	// EnableRealtimeSync, if false, leaves the CDC subscriber inactive and
	// the engine runs as a one-shot snapshot.
	EnableRealtimeSync bool

	// BatchSize is the scanner page size.
	BatchSize int

	// ChunkSize is the replicator concurrency per page.
	ChunkSize int

	// MetricInterval is the metric snapshot cadence.
	MetricInterval time.Duration
}

// DefaultOptions returns the recommended defaults from §4.3/§6.
func DefaultOptions() Options {
	return Options{
		EnableRealtimeSync: true,
		BatchSize:          5000,
		ChunkSize:          1000,
		MetricInterval:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5000
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.MetricInterval <= 0 {
		o.MetricInterval = 5 * time.Second
	}
	return o
}

// Engine is the migration engine: the public surface consumed by an
// external control plane (§6). It owns the Connection Pair, the
// replicator, scanner, subscriber, coalescing queue and the
// progress/metric aggregator, and exclusively owns the pending set and the
// three sessions (§3 ownership invariant).
type Engine struct {
	mu sync.Mutex

	id   string
	opts Options

	conn       *connectionPair
	replicator *replicator
	scanner    *scanner
	subscriber *subscriber
	queue      *updateQueue
	stats      *stats

	state       LifecycleState
	syncEnabled bool

	events chan Event

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	validated bool
}

// New constructs an Engine for migrationID, copying source's logical
// contents into target. No I/O happens until Validate or Start is called.
func New(sourceCfg, targetCfg ConnectionConfig, migrationID string, opts Options) *Engine {
	opts = opts.withDefaults()

	e := &Engine{
		id:     migrationID,
		opts:   opts,
		conn:   newConnectionPair(sourceCfg, targetCfg),
		state:  Idle,
		events: make(chan Event, 256),
	}
	e.stats = newStats(e.emit)
	return e
}

// Events returns the channel of events described in §4.6/§6. Events are
// point-in-time; there is no ordering guarantee between progress and
// keyProcessed for the same key beyond "both follow the target write".
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("[WARN] (engine) event channel full, dropping %s event", ev.Type)
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() LifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the aggregator's counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.snapshot()
}

// Validate is the pre-flight check of §4.1: both sides must be reachable,
// must not be the same server, and the target must accept authentication.
func (e *Engine) Validate(ctx context.Context) error {
	e.mu.Lock()
	e.state = Validating
	e.mu.Unlock()

	if err := e.conn.validate(ctx); err != nil {
		e.mu.Lock()
		e.state = Stopped
		e.mu.Unlock()
		e.stats.setStatus(StatusFailed)
		e.stats.addError(err)
		return err
	}

	e.mu.Lock()
	e.validated = true
	e.state = Idle
	e.mu.Unlock()
	return nil
}

// Start begins the migration: validating the connection pair if that has
// not happened yet, activating the CDC subscriber (if enabled) strictly
// before the bulk scanner begins, then running the scanner. Start returns
// once the initial sweep has started; the scan and the CDC stream continue
// to run in the background until Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Scanning || e.state == SteadyState {
		e.mu.Unlock()
		return newErr(KindAlreadyRunning, nil)
	}
	validated := e.validated
	e.mu.Unlock()

	if !validated {
		if err := e.Validate(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.syncEnabled = e.opts.EnableRealtimeSync
	e.state = Scanning
	e.mu.Unlock()

	e.replicator = newReplicator(e.conn.source, e.conn.target, e.stats)
	e.queue = newUpdateQueue(e.replicator.replicate, func(err error) { e.stats.addError(err) })
	e.scanner = newScanner(e.conn.source, e.replicator.replicate, e.stats, e.opts.BatchSize, e.opts.ChunkSize)

	if e.opts.EnableRealtimeSync {
		e.subscriber = newSubscriber(e.conn.source, e.conn.subscriber, e.replicator, e.queue, e.stats)
		if err := e.subscriber.subscribe(runCtx); err != nil {
			e.mu.Lock()
			e.state = Stopped
			e.mu.Unlock()
			e.stats.setStatus(StatusFailed)
			e.stats.addError(err)
			cancel()
			return err
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.subscriber.listen(runCtx)
		}()
	}

	e.wg.Add(1)
	go e.runMetrics(runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.scanner.run(runCtx, e.isRunning); err != nil {
			log.Printf("[ERR] (engine) scanner aborted: %v", err)
			e.stats.addError(err)
			return
		}

		e.mu.Lock()
		if e.state == Scanning {
			e.state = SteadyState
		}
		e.mu.Unlock()
		e.emit(Event{Type: EventScanComplete})
		log.Printf("[INFO] (engine) scan complete, entering steady state")
	}()

	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Scanning || e.state == SteadyState
}

func (e *Engine) runMetrics(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.MetricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.stats.emitMetrics()
		}
	}
}

// PauseSync freezes the subscriber's effects without tearing down the
// subscription: events received while paused are dropped, not buffered.
func (e *Engine) PauseSync() {
	e.mu.Lock()
	e.syncEnabled = false
	sub := e.subscriber
	e.mu.Unlock()

	if sub != nil {
		sub.pause()
	}
	e.emit(Event{Type: EventSyncPaused})
}

// ResumeSync resumes subscriber effects after a pause. No backlog replay:
// changes made while paused are not retroactively applied (§8 invariant 6).
func (e *Engine) ResumeSync() {
	e.mu.Lock()
	e.syncEnabled = true
	sub := e.subscriber
	e.mu.Unlock()

	if sub != nil {
		sub.resume()
	}
	e.emit(Event{Type: EventSyncResumed})
}

// Stop halts the migration: it clears syncEnabled first so no new enqueues
// are accepted from the subscriber callback, unsubscribes, clears the
// pending set, and closes all sessions. Stop is cooperative: running
// replication tasks may complete their current I/O before the engine
// transitions to Stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == Stopped || e.state == Stopping {
		e.mu.Unlock()
		return
	}
	e.state = Stopping
	e.syncEnabled = false
	sub := e.subscriber
	cancel := e.cancel
	e.mu.Unlock()

	if sub != nil {
		sub.pause()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if sub != nil {
		if err := sub.close(); err != nil {
			log.Printf("[WARN] (engine) error closing subscriber: %v", err)
		}
	}

	// No more enqueues can land once the subscriber goroutine above has
	// exited, so draining to completion here is guaranteed to terminate.
	if e.queue != nil {
		e.queue.wait()
		e.queue.mu.Lock()
		e.queue.pending = make(map[string]struct{})
		e.queue.mu.Unlock()
	}

	if err := e.conn.close(); err != nil {
		log.Printf("[WARN] (engine) error closing sessions: %v", err)
	}

	e.mu.Lock()
	e.state = Stopped
	e.validated = false
	e.mu.Unlock()

	e.stats.setStatus(StatusStopped)
	e.emit(Event{Type: EventStopped})
	log.Printf("[INFO] (engine) stopped")
}

// Cleanup closes the three sessions; it is idempotent and best-effort, and
// never raises past the caller even if sessions were never opened.
func (e *Engine) Cleanup() error {
	return e.conn.close()
}
