package migrator

import (
	"context"
	"log"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

// scanner is the Bulk Scanner (§4.3): a paginated, cursor-driven sweep of
// the source keyspace that hands each page to the replicator in
// bounded-concurrency chunks.
type scanner struct {
	source    *redis.Client
	replicate func(ctx context.Context, key string) error
	stats     *stats

	batchSize int64
	chunkSize int
}

func newScanner(source *redis.Client, replicate func(ctx context.Context, key string) error, st *stats, batchSize, chunkSize int) *scanner {
	return &scanner{
		source:    source,
		replicate: replicate,
		stats:     st,
		batchSize: int64(batchSize),
		chunkSize: chunkSize,
	}
}

// run sweeps the full keyspace, stopping when the cursor returns to the
// initial sentinel and isRunning still reports true. The cursor never
// persists across calls: a stop during Scanning simply ends the sweep where
// it is.
func (s *scanner) run(ctx context.Context, isRunning func() bool) error {
	var cursor uint64

	for {
		if !isRunning() {
			log.Printf("[INFO] (scanner) stopping: lifecycle no longer running")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		keys, next, err := s.source.Scan(ctx, cursor, "*", s.batchSize).Result()
		if err != nil {
			return newErr(KindConnectionError, err)
		}

		if err := s.replicateChunks(ctx, keys); err != nil {
			log.Printf("[WARN] (scanner) page completed with errors: %v", err)
		}

		if total, err := s.source.DBSize(ctx).Result(); err == nil {
			s.stats.setTotal(uint64(total))
		} else {
			log.Printf("[WARN] (scanner) failed to refresh total key count: %v", err)
		}

		cursor = next
		if cursor == 0 {
			log.Printf("[INFO] (scanner) sweep complete")
			return nil
		}
	}
}

// replicateChunks hands a page's keys to the replicator with bounded
// parallelism. Within a chunk, failures are collected but do not abort the
// rest of the page.
func (s *scanner) replicateChunks(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.chunkSize)
	var wg sync.WaitGroup
	var mErr *multierror.Error
	var mErrMu sync.Mutex

	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.replicate(ctx, key); err != nil {
				mErrMu.Lock()
				mErr = multierror.Append(mErr, err)
				mErrMu.Unlock()
			}
		}(key)
	}
	wg.Wait()

	return mErr.ErrorOrNil()
}
