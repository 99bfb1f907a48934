package migrator

import (
	"context"
	"log"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// drainConcurrency bounds how many keys in a single drain pass are
// replicated in parallel.
const drainConcurrency = 256

// updateQueue is the Coalescing Update Queue (§4.5): a set of pending key
// strings plus a single-flag "drain running" indicator. Inserting a key
// already present is a no-op; only one drain runs at a time, and arrivals
// during a drain accumulate for the next pass, which is what guarantees
// coalescing.
type updateQueue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	draining bool

	wg sync.WaitGroup

	replicate func(ctx context.Context, key string) error
	onDrainErr func(error)
}

func newUpdateQueue(replicate func(ctx context.Context, key string) error, onDrainErr func(error)) *updateQueue {
	return &updateQueue{
		pending:    make(map[string]struct{}),
		replicate:  replicate,
		onDrainErr: onDrainErr,
	}
}

// enqueue adds key to the pending set and, if no drain is currently
// running, starts one. The pending-set mutex is held only long enough to
// mutate the map; the drain itself runs without the lock held.
func (q *updateQueue) enqueue(ctx context.Context, key string) {
	q.mu.Lock()
	q.pending[key] = struct{}{}
	shouldStart := !q.draining
	if shouldStart {
		q.draining = true
	}
	q.mu.Unlock()

	if shouldStart {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.drainLoop(ctx)
		}()
	}
}

// wait blocks until any in-flight drainLoop has returned. Callers must stop
// feeding enqueue before calling wait, or it may never observe draining go
// false.
func (q *updateQueue) wait() {
	q.wg.Wait()
}

// drainLoop runs one or more drain passes until the pending set is empty
// after a pass completes, at which point it clears the draining flag.
func (q *updateQueue) drainLoop(ctx context.Context) {
	for {
		snapshot := q.swap()
		q.drainOnce(ctx, snapshot)

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// swap atomically exchanges the pending set for an empty one and returns
// the keys that were pending.
func (q *updateQueue) swap() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.pending))
	for k := range q.pending {
		keys = append(keys, k)
	}
	q.pending = make(map[string]struct{})
	return keys
}

// drainOnce replicates every key in the snapshot with bounded parallelism.
// Per-key failures do not abort the drain; they are recorded and the drain
// continues (§4.5 error policy). A failed key is not automatically
// re-enqueued: convergence relies on the next change event for that key
// (documented open question, §9).
func (q *updateQueue) drainOnce(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}

	sem := make(chan struct{}, drainConcurrency)
	var wg sync.WaitGroup
	var mErr *multierror.Error
	var mErrMu sync.Mutex

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := q.replicate(ctx, key); err != nil {
				mErrMu.Lock()
				mErr = multierror.Append(mErr, err)
				mErrMu.Unlock()
			}
		}(key)
	}
	wg.Wait()

	if err := mErr.ErrorOrNil(); err != nil {
		log.Printf("[WARN] (queue) drain completed with errors: %v", err)
		if q.onDrainErr != nil {
			for _, e := range mErr.Errors {
				q.onDrainErr(e)
			}
		}
	}
}

// size reports how many keys are currently pending, for tests and metrics.
func (q *updateQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
