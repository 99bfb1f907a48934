package migrator

import (
	"context"
	"log"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// keyspaceChannelPrefix is the Redis pub/sub channel namespace for
// keyspace notifications against logical database 0, the single-database
// source this spec supports (§1 Non-goals: no sharded/clustered sources).
const keyspaceChannelPrefix = "__keyspace@0__:"

// keyspacePattern is the subscription pattern covering all keys.
const keyspacePattern = keyspaceChannelPrefix + "*"

// requiredNotifyFlags are the notify-keyspace-events characters the engine
// requires: K (keyspace events), E (keyevent events), A (all event
// classes). If the source is missing any of them they are merged into
// whatever is already configured.
const requiredNotifyFlags = "KEA"

// listMutationOps are keyspace-notification operation names that mutate a
// list in a way that requires a full re-replication (the delete-then-append
// rebuild in §4.2), per §4.4's table.
var listMutationOps = map[string]struct{}{
	"lpush":   {},
	"rpush":   {},
	"lpop":    {},
	"rpop":    {},
	"lset":    {},
	"lrem":    {},
	"ltrim":   {},
	"linsert": {},
}

// enqueueOps are operations whose intent is "enqueue-for-replication"
// rather than a direct inline effect.
var enqueueOps = map[string]struct{}{
	"set":   {},
	"hset":  {},
	"sadd":  {},
	"zadd":  {},
}

// subscriber is the Change Subscriber (§4.4). It consumes the source's
// keyspace event channel on the dedicated pub/sub session, classifies each
// notification, and either applies it inline (delete, TTL-sync, list
// rebuild) or enqueues the key on the coalescing queue.
type subscriber struct {
	source     *redis.Client
	subConn    *redis.Client
	replicator *replicator
	queue      *updateQueue
	stats      *stats

	paused atomic.Bool

	pubsub *redis.PubSub
}

func newSubscriber(source, subConn *redis.Client, rep *replicator, q *updateQueue, st *stats) *subscriber {
	return &subscriber{
		source:     source,
		subConn:    subConn,
		replicator: rep,
		queue:      q,
		stats:      st,
	}
}

// ensureNotifications makes sure the source emits keyspace notifications
// for all keys including key-events, keyspace-events, and all event
// categories, reconfiguring it if not (§4.4, §6 "External notification
// configuration").
func (s *subscriber) ensureNotifications(ctx context.Context) error {
	result, err := s.source.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return newErr(KindConfigurationError, err)
	}

	current := result["notify-keyspace-events"]
	if hasAllFlags(current, requiredNotifyFlags) {
		return nil
	}

	merged := mergeNotifyFlags(current, requiredNotifyFlags)
	if err := s.source.ConfigSet(ctx, "notify-keyspace-events", merged).Err(); err != nil {
		return newErr(KindConfigurationError, err)
	}
	log.Printf("[INFO] (subscriber) reconfigured notify-keyspace-events: %q -> %q", current, merged)
	return nil
}

func hasAllFlags(current, required string) bool {
	for _, flag := range required {
		if !strings.ContainsRune(current, flag) {
			return false
		}
	}
	return true
}

func mergeNotifyFlags(current, required string) string {
	var b strings.Builder
	b.WriteString(current)
	for _, flag := range required {
		if !strings.ContainsRune(current, flag) {
			b.WriteRune(flag)
		}
	}
	return b.String()
}

// subscribe opens the pub/sub subscription. It must return before the
// scanner's first page request (§4.7 ordering guarantee: subscriber
// activation strictly precedes scanner activation), so that no write to
// the source during the scan is silently lost.
func (s *subscriber) subscribe(ctx context.Context) error {
	if err := s.ensureNotifications(ctx); err != nil {
		return err
	}

	s.pubsub = s.subConn.PSubscribe(ctx, keyspacePattern)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return newErr(KindConnectionError, err)
	}
	log.Printf("[INFO] (subscriber) subscribed to %s", keyspacePattern)
	return nil
}

// listen runs the long-lived consumer loop against the pub/sub channel
// until ctx is cancelled or the subscription is closed. Errors from direct
// intents become error events but do not tear down the subscriber, and the
// stream is kept alive (§4.4, §7 SubscriberError recovery).
func (s *subscriber) listen(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

// pause freezes the subscriber's effects without tearing down the
// subscription: events received while paused are dropped, not buffered
// (§4.7).
func (s *subscriber) pause()  { s.paused.Store(true) }
func (s *subscriber) resume() { s.paused.Store(false) }

func (s *subscriber) handle(ctx context.Context, msg *redis.Message) {
	if s.paused.Load() {
		return
	}

	key := strings.TrimPrefix(msg.Channel, keyspaceChannelPrefix)
	op := msg.Payload

	switch {
	case op == "del":
		if err := s.replicator.deleteOnTarget(ctx, key, OpDelete); err != nil {
			s.reportError(err)
		}

	case op == "expire":
		if err := s.syncTTL(ctx, key); err != nil {
			s.reportError(err)
		}

	case op == "expired":
		// The key actually expired on the source (distinct from the
		// "expire" command notification above, which only changes a TTL):
		// it is gone, same path as del.
		if err := s.replicator.deleteOnTarget(ctx, key, OpExpire); err != nil {
			s.reportError(err)
		}

	case isListMutation(op):
		if err := s.replicator.replicate(ctx, key); err != nil {
			s.reportError(err)
		}

	case isEnqueueOp(op):
		s.queue.enqueue(ctx, key)

	default:
		// Ignored: not one of the operations §4.4 maps to an intent.
	}
}

func isListMutation(op string) bool {
	_, ok := listMutationOps[op]
	return ok
}

func isEnqueueOp(op string) bool {
	_, ok := enqueueOps[op]
	return ok
}

// syncTTL reads the source's TTL for key and applies it to the target if
// positive, per the TTL-sync intent.
func (s *subscriber) syncTTL(ctx context.Context, key string) error {
	ttl, err := s.source.TTL(ctx, key).Result()
	if err != nil {
		return newKeyErr(KindKeyReplicationFailed, key, err)
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.replicator.target.Expire(ctx, key, ttl).Err(); err != nil {
		return newKeyErr(KindKeyReplicationFailed, key, err)
	}
	s.stats.recordReplication(key, OpExpire, uint64(len(key)))
	return nil
}

func (s *subscriber) reportError(err error) {
	log.Printf("[ERR] (subscriber) %v", err)
	s.stats.addError(&Error{Kind: KindSubscriberError, Inner: err})
}

// close unsubscribes and closes the pub/sub session.
func (s *subscriber) close() error {
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}
