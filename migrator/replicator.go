package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyKind is the tagged variant DESIGN NOTES asks for in place of the
// source's run-time string type tags.
type keyKind int

const (
	kindScalar keyKind = iota
	kindMap
	kindUnorderedSet
	kindOrderedSet
	kindList
	kindOther
)

func parseKeyKind(redisType string) keyKind {
	switch redisType {
	case "string":
		return kindScalar
	case "hash":
		return kindMap
	case "set":
		return kindUnorderedSet
	case "zset":
		return kindOrderedSet
	case "list":
		return kindList
	default:
		return kindOther
	}
}

// replicator is the Type-Aware Replicator (§4.2): given a key name, reads
// its type, value(s) and TTL from the source and writes an equivalent
// representation to the target.
type replicator struct {
	source *redis.Client
	target *redis.Client
	stats  *stats
}

func newReplicator(source, target *redis.Client, st *stats) *replicator {
	return &replicator{source: source, target: target, stats: st}
}

// replicate copies the source's current state of key to the target,
// recording the key-processed/progress events via stats. Counters are not
// incremented on failure.
func (r *replicator) replicate(ctx context.Context, key string) error {
	exists, err := r.source.Exists(ctx, key).Result()
	if err != nil {
		return newKeyErr(KindKeyReplicationFailed, key, err)
	}
	if exists == 0 {
		return r.deleteOnTarget(ctx, key, OpDelete)
	}

	redisType, err := r.source.Type(ctx, key).Result()
	if err != nil {
		return newKeyErr(KindKeyReplicationFailed, key, err)
	}

	ttl, err := r.source.TTL(ctx, key).Result()
	if err != nil {
		return newKeyErr(KindKeyReplicationFailed, key, err)
	}
	ttlSeconds := int64(ttl / time.Second)
	if ttl == -2 {
		// Key vanished between the exists-check and here (TOCTOU): treat as
		// a delete, same path as a del event. go-redis reports the -2 reply
		// as a raw Duration, not as seconds.
		return r.deleteOnTarget(ctx, key, OpDelete)
	}

	kind := parseKeyKind(redisType)
	size, err := r.replicateByKind(ctx, key, kind, ttlSeconds)
	if err != nil {
		return err
	}

	op := OpUpdate
	if kind == kindList {
		op = OpListUpdate
	}
	r.stats.recordReplication(key, op, size)
	return nil
}

func (r *replicator) deleteOnTarget(ctx context.Context, key string, op KeyOperation) error {
	if err := r.target.Del(ctx, key).Err(); err != nil {
		return newKeyErr(KindKeyReplicationFailed, key, err)
	}
	r.stats.recordReplication(key, op, uint64(len(key)))
	return nil
}

func (r *replicator) replicateByKind(ctx context.Context, key string, kind keyKind, ttlSeconds int64) (uint64, error) {
	size := uint64(len(key))

	switch kind {
	case kindScalar:
		value, err := r.source.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}
		if err := r.withExpire(ctx, key, ttlSeconds, func(p redis.Pipeliner) {
			p.Set(ctx, key, value, 0)
		}); err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}
		size += uint64(len(value))

	case kindMap:
		fields, err := r.source.HGetAll(ctx, key).Result()
		if err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}
		if len(fields) > 0 {
			pairs := make([]interface{}, 0, len(fields)*2)
			for field, value := range fields {
				pairs = append(pairs, field, value)
				size += uint64(len(field) + len(value))
			}
			if err := r.withExpire(ctx, key, ttlSeconds, func(p redis.Pipeliner) {
				p.HSet(ctx, key, pairs...)
			}); err != nil {
				return 0, newKeyErr(KindKeyReplicationFailed, key, err)
			}
		} else if err := r.withExpire(ctx, key, ttlSeconds, func(redis.Pipeliner) {}); err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}

	case kindUnorderedSet:
		members, err := r.source.SMembers(ctx, key).Result()
		if err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}
		if len(members) > 0 {
			args := make([]interface{}, len(members))
			for i, m := range members {
				args[i] = m
				size += uint64(len(m))
			}
			if err := r.withExpire(ctx, key, ttlSeconds, func(p redis.Pipeliner) {
				p.SAdd(ctx, key, args...)
			}); err != nil {
				return 0, newKeyErr(KindKeyReplicationFailed, key, err)
			}
		} else if err := r.withExpire(ctx, key, ttlSeconds, func(redis.Pipeliner) {}); err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}

	case kindOrderedSet:
		members, err := r.source.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}
		if len(members) > 0 {
			zs := make([]redis.Z, len(members))
			for i, m := range members {
				zs[i] = m
				if s, ok := m.Member.(string); ok {
					size += uint64(len(s))
				}
			}
			if err := r.withExpire(ctx, key, ttlSeconds, func(p redis.Pipeliner) {
				p.ZAdd(ctx, key, zs...)
			}); err != nil {
				return 0, newKeyErr(KindKeyReplicationFailed, key, err)
			}
		} else if err := r.withExpire(ctx, key, ttlSeconds, func(redis.Pipeliner) {}); err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}

	case kindList:
		items, err := r.source.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}
		// Delete first: lists accumulate if re-pushed onto an existing key,
		// so the delete-then-append pair is mandatory to preserve ordering
		// and length on re-replication (§4.2). Not atomic with the append;
		// a failure between the two leaves an empty key until the next
		// event re-triggers replication, acceptable under the
		// eventual-convergence contract.
		args := make([]interface{}, len(items))
		for i, item := range items {
			args[i] = item
			size += uint64(len(item))
		}
		if err := r.withExpire(ctx, key, ttlSeconds, func(p redis.Pipeliner) {
			p.Del(ctx, key)
			if len(args) > 0 {
				p.RPush(ctx, key, args...)
			}
		}); err != nil {
			return 0, newKeyErr(KindKeyReplicationFailed, key, err)
		}

	default:
		return 0, newKeyErr(KindUnsupportedType, key, fmt.Errorf("unsupported source type"))
	}

	return size, nil
}

// withExpire runs write inside a pipeline against the target and, if
// ttlSeconds is positive, appends an EXPIRE so the write and TTL land in one
// round trip (§4.3's "operations may be pipelined" note).
func (r *replicator) withExpire(ctx context.Context, key string, ttlSeconds int64, write func(redis.Pipeliner)) error {
	pipe := r.target.Pipeline()
	write(pipe)
	if ttlSeconds > 0 {
		pipe.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second)
	}
	_, err := pipe.Exec(ctx)
	return err
}
