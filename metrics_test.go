package spidex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func counterValue(t *testing.T, c prometheus.Collector, want float64, name string) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	store := newMemStore(buyer)
	e := NewEngine(store, buyerSession(), &EngineOptions{Interval: time.Hour, Metrics: m})
	activate(e, To(seller))

	// The slow response comes back after a newer one was applied.
	gate := make(chan struct{})
	store.queue(
		fetchResult{msgs: []MessageRecord{msg("m1", seller, buyer, 10, false)}, gate: gate},
		fetchResult{msgs: []MessageRecord{msg("m1", seller, buyer, 10, false), msg("m2", seller, buyer, 20, false)}},
	)
	slow := pollAsync(t, e, store)
	mustPoll(t, e)
	close(gate)
	if err := <-slow; err != nil {
		t.Fatalf("slow poll: %v", err)
	}

	store.set(msg("m1", seller, buyer, 10, false), msg("m2", seller, buyer, 20, false))
	mustPoll(t, e)

	store.queue(fetchResult{err: errBoom})
	if err := e.poll(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("poll = %v, want errBoom", err)
	}

	counterValue(t, m.Polls.WithLabelValues("ok"), 3, "polls{ok}")
	counterValue(t, m.Polls.WithLabelValues("error"), 1, "polls{error}")
	counterValue(t, m.StaleResponses, 1, "stale responses")
	counterValue(t, m.UnchangedPolls, 1, "unchanged polls")

	m3 := msg("m3", seller, buyer, 30, false)
	e.ApplyPush(m3)
	e.ApplyPush(m3)
	e.ApplyPush(msg("x1", other, buyer, 40, false))
	counterValue(t, m.PushMessages.WithLabelValues("appended"), 1, "push{appended}")
	counterValue(t, m.PushMessages.WithLabelValues("duplicate"), 1, "push{duplicate}")
	counterValue(t, m.PushMessages.WithLabelValues("ignored"), 1, "push{ignored}")

	n, err := testutil.GatherAndCount(reg, "spidex_polls_total", "spidex_push_messages_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 5 {
		t.Fatalf("gathered series = %d, want 5", n)
	}
}

func TestComposerAndSeenMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	store := newMemStore(buyer, msg("m1", seller, buyer, 10, false))
	ctx := context.Background()

	c := NewComposer(store, buyerSession(), nil, &ComposerOptions{Metrics: m})
	if _, err := c.Send(ctx, To(seller), Draft{Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Send(ctx, To(seller), Draft{Content: "  "}); err == nil {
		t.Fatal("Send(blank) should fail")
	}
	store.sendErr = errBoom
	if _, err := c.Send(ctx, To(seller), Draft{Content: "again"}); !errors.Is(err, errBoom) {
		t.Fatalf("Send = %v, want errBoom", err)
	}
	counterValue(t, m.Sends.WithLabelValues("ok"), 1, "sends{ok}")
	counterValue(t, m.Sends.WithLabelValues("invalid"), 1, "sends{invalid}")
	counterValue(t, m.Sends.WithLabelValues("error"), 1, "sends{error}")

	p := NewSeenPropagator(store, buyerSession(), nil, &SeenOptions{Metrics: m})
	if n := p.MarkSeen(ctx, To(seller)); n != 1 {
		t.Fatalf("MarkSeen = %d, want 1", n)
	}
	counterValue(t, m.SeenMarks.WithLabelValues("ok"), 1, "seen{ok}")

	m.connected(true)
	counterValue(t, m.PushConnections, 1, "push connected")
	m.connected(false)
	counterValue(t, m.PushConnections, 0, "push connected")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.poll("ok")
	m.stale()
	m.unchanged()
	m.push("appended")
	m.send("ok")
	m.seen("ok")
	m.connected(true)

	if NewMetrics(nil) == nil {
		t.Fatal("NewMetrics(nil) = nil")
	}
}
