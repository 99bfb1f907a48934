package migrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestHasAllFlags(t *testing.T) {
	cases := []struct {
		current, required string
		want               bool
	}{
		{"", "KEA", false},
		{"KEA", "KEA", true},
		{"AKE", "KEA", true},
		{"Kg$lshzxeKE", "KEA", false},
		{"gxeKEA", "KEA", true},
	}
	for _, c := range cases {
		if got := hasAllFlags(c.current, c.required); got != c.want {
			t.Errorf("hasAllFlags(%q, %q) = %v, want %v", c.current, c.required, got, c.want)
		}
	}
}

func TestMergeNotifyFlags(t *testing.T) {
	got := mergeNotifyFlags("gx", "KEA")
	if !hasAllFlags(got, "KEA") || !hasAllFlags(got, "gx") {
		t.Fatalf("merged flags %q lost original or required characters", got)
	}
}

func TestSubscriber_EnsureNotificationsReconfigures(t *testing.T) {
	ctx := context.Background()
	_, sourceCfg := startMiniredis(t)
	source := sourceCfg.newClient()
	t.Cleanup(func() { source.Close() })

	if err := source.ConfigSet(ctx, "notify-keyspace-events", "").Err(); err != nil {
		t.Fatalf("seeding empty notify config failed: %v", err)
	}

	sub := newSubscriber(source, source, nil, nil, newStats(func(Event) {}))
	if err := sub.ensureNotifications(ctx); err != nil {
		t.Fatalf("ensureNotifications failed: %v", err)
	}

	result, err := source.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		t.Fatalf("ConfigGet failed: %v", err)
	}
	if !hasAllFlags(result["notify-keyspace-events"], requiredNotifyFlags) {
		t.Fatalf("expected notify-keyspace-events to contain %q, got %q", requiredNotifyFlags, result["notify-keyspace-events"])
	}
}

func TestSubscriber_HandleDelete(t *testing.T) {
	ctx := context.Background()
	_, sourceCfg := startMiniredis(t)
	_, targetCfg := startMiniredis(t)
	source := sourceCfg.newClient()
	target := targetCfg.newClient()
	t.Cleanup(func() { source.Close(); target.Close() })

	if err := target.Set(ctx, "gone", "x", 0).Err(); err != nil {
		t.Fatalf("target seed failed: %v", err)
	}

	st := newStats(func(Event) {})
	rep := newReplicator(source, target, st)
	sub := newSubscriber(source, source, rep, nil, st)

	sub.handle(ctx, &redis.Message{Channel: keyspaceChannelPrefix + "gone", Payload: "del"})

	exists, err := target.Exists(ctx, "gone").Result()
	if err != nil {
		t.Fatalf("target Exists failed: %v", err)
	}
	if exists != 0 {
		t.Fatalf("expected key to be deleted on target after a del notification")
	}
}

func TestSubscriber_HandleExpiredNotification(t *testing.T) {
	ctx := context.Background()
	_, sourceCfg := startMiniredis(t)
	_, targetCfg := startMiniredis(t)
	source := sourceCfg.newClient()
	target := targetCfg.newClient()
	t.Cleanup(func() { source.Close(); target.Close() })

	if err := target.Set(ctx, "ephemeral", "x", 0).Err(); err != nil {
		t.Fatalf("target seed failed: %v", err)
	}

	st := newStats(func(Event) {})
	rep := newReplicator(source, target, st)
	sub := newSubscriber(source, source, rep, nil, st)

	sub.handle(ctx, &redis.Message{Channel: keyspaceChannelPrefix + "ephemeral", Payload: "expired"})

	exists, err := target.Exists(ctx, "ephemeral").Result()
	if err != nil {
		t.Fatalf("target Exists failed: %v", err)
	}
	if exists != 0 {
		t.Fatalf("expected key to be deleted on target after an expired notification")
	}
}

func TestSubscriber_HandleListMutationTriggersReReplicate(t *testing.T) {
	ctx := context.Background()
	_, sourceCfg := startMiniredis(t)
	_, targetCfg := startMiniredis(t)
	source := sourceCfg.newClient()
	target := targetCfg.newClient()
	t.Cleanup(func() { source.Close(); target.Close() })

	if err := source.RPush(ctx, "mylist", "a", "b").Err(); err != nil {
		t.Fatalf("source seed failed: %v", err)
	}

	var events []Event
	var mu sync.Mutex
	st := newStats(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	rep := newReplicator(source, target, st)
	sub := newSubscriber(source, source, rep, nil, st)

	sub.handle(ctx, &redis.Message{Channel: keyspaceChannelPrefix + "mylist", Payload: "rpush"})

	items, err := target.LRange(ctx, "mylist", 0, -1).Result()
	if err != nil {
		t.Fatalf("target LRange failed: %v", err)
	}
	if len(items) != 2 || items[0] != "a" || items[1] != "b" {
		t.Fatalf("expected [a b] on target, got %v", items)
	}

	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, ev := range events {
		if ev.Type == EventKeyProcessed && ev.Key == "mylist" {
			if ev.Operation != OpListUpdate {
				t.Fatalf("expected keyProcessed operation %q for a list rebuild, got %q", OpListUpdate, ev.Operation)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a keyProcessed event for mylist")
	}
}

func TestSubscriber_HandleEnqueueOp(t *testing.T) {
	ctx := context.Background()
	_, sourceCfg := startMiniredis(t)
	_, targetCfg := startMiniredis(t)
	source := sourceCfg.newClient()
	target := targetCfg.newClient()
	t.Cleanup(func() { source.Close(); target.Close() })

	if err := source.Set(ctx, "counter", "1", 0).Err(); err != nil {
		t.Fatalf("source seed failed: %v", err)
	}

	st := newStats(func(Event) {})
	rep := newReplicator(source, target, st)
	q := newUpdateQueue(rep.replicate, nil)
	sub := newSubscriber(source, source, rep, q, st)

	sub.handle(ctx, &redis.Message{Channel: keyspaceChannelPrefix + "counter", Payload: "set"})

	deadline := time.After(2 * time.Second)
	for {
		val, err := target.Get(ctx, "counter").Result()
		if err == nil && val == "1" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected counter to eventually be replicated via the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubscriber_HandlePausedIgnoresNotifications(t *testing.T) {
	ctx := context.Background()
	_, sourceCfg := startMiniredis(t)
	_, targetCfg := startMiniredis(t)
	source := sourceCfg.newClient()
	target := targetCfg.newClient()
	t.Cleanup(func() { source.Close(); target.Close() })

	if err := target.Set(ctx, "stays", "x", 0).Err(); err != nil {
		t.Fatalf("target seed failed: %v", err)
	}

	st := newStats(func(Event) {})
	rep := newReplicator(source, target, st)
	sub := newSubscriber(source, source, rep, nil, st)
	sub.pause()

	sub.handle(ctx, &redis.Message{Channel: keyspaceChannelPrefix + "stays", Payload: "del"})

	exists, err := target.Exists(ctx, "stays").Result()
	if err != nil {
		t.Fatalf("target Exists failed: %v", err)
	}
	if exists != 1 {
		t.Fatalf("expected a paused subscriber to drop the notification, but the key was deleted")
	}
}
