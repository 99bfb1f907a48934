package migrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestUpdateQueue_CoalescesRepeatedEnqueues(t *testing.T) {
	ctx := context.Background()

	var calls int64
	var mu sync.Mutex
	seen := make(map[string]int)

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	q := newUpdateQueue(func(ctx context.Context, key string) error {
		atomic.AddInt64(&calls, 1)
		mu.Lock()
		seen[key]++
		mu.Unlock()

		if key == "hot" {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		return nil
	}, nil)

	// Enqueue "hot" first; its replicate call blocks on release, giving the
	// test a window to enqueue it again several times before the drain for
	// it completes. Those repeats must coalesce into at most one extra call.
	q.enqueue(ctx, "hot")
	<-started

	for i := 0; i < 5; i++ {
		q.enqueue(ctx, "hot")
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		if q.size() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	count := seen["hot"]
	mu.Unlock()

	if count < 1 || count > 2 {
		t.Fatalf("expected hot to be replicated once or twice (coalesced), got %d", count)
	}
}

func TestUpdateQueue_DistinctKeysAllProcessed(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(3)

	q := newUpdateQueue(func(ctx context.Context, key string) error {
		mu.Lock()
		seen[key] = true
		mu.Unlock()
		wg.Done()
		return nil
	}, nil)

	q.enqueue(ctx, "a")
	q.enqueue(ctx, "b")
	q.enqueue(ctx, "c")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("not all keys were processed")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, k := range []string{"a", "b", "c"} {
		if !seen[k] {
			t.Fatalf("expected key %q to be processed", k)
		}
	}
}

func TestUpdateQueue_DrainErrorsDoNotAbortBatch(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	processed := make(map[string]bool)
	var errCount int64

	q := newUpdateQueue(func(ctx context.Context, key string) error {
		mu.Lock()
		processed[key] = true
		mu.Unlock()
		if key == "bad" {
			return newKeyErr(KindKeyReplicationFailed, key, context.DeadlineExceeded)
		}
		return nil
	}, func(err error) {
		atomic.AddInt64(&errCount, 1)
	})

	q.enqueue(ctx, "bad")
	q.enqueue(ctx, "good")

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := processed["bad"] && processed["good"]
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch did not fully process despite one key failing")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if atomic.LoadInt64(&errCount) == 0 {
		t.Fatalf("expected onDrainErr to be invoked for the failing key")
	}
}

func TestUpdateQueue_WaitBlocksUntilDrainFinishes(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var finished int32

	q := newUpdateQueue(func(ctx context.Context, key string) error {
		close(started)
		<-release
		atomic.StoreInt32(&finished, 1)
		return nil
	}, nil)

	q.enqueue(ctx, "slow")
	<-started

	waitDone := make(chan struct{})
	go func() {
		q.wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatalf("wait returned before the in-flight drain finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("wait never returned after drain completed")
	}

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatalf("expected replicate to have completed before wait returned")
	}
}
