package spidex

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInboxRefreshWhileStopped(t *testing.T) {
	store := newMemStore(buyer,
		msg("m1", seller, buyer, 10, false),
		msg("o1", other, buyer, 30, true),
		msg("z1", seller, other, 40, false),
	)
	in := NewInbox(store, buyerSession(), nil)

	if err := in.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	convs := in.Conversations()
	if len(convs) != 2 {
		t.Fatalf("len(convs) = %d, want 2", len(convs))
	}
	if convs[0].Counterpart.ID != other {
		t.Fatalf("first conversation = %s, want most recent (%s)", convs[0].Counterpart.ID, other)
	}
	if in.TotalUnread() != 1 {
		t.Fatalf("TotalUnread = %d, want 1", in.TotalUnread())
	}
	if in.poller.running() {
		t.Fatal("Refresh started the poller")
	}
}

func TestInboxOperatorAll(t *testing.T) {
	store := newMemStore(admin,
		msg("m1", seller, buyer, 10, false),
		msg("z1", seller, other, 40, false),
	)

	t.Run("operator", func(t *testing.T) {
		in := NewInbox(store, Session{UserID: admin, Operator: true}, &InboxOptions{All: true})
		if err := in.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if got := len(in.Conversations()); got != 2 {
			t.Fatalf("len(convs) = %d, want 2", got)
		}
		if in.TotalUnread() != 2 {
			t.Fatalf("TotalUnread = %d, want 2", in.TotalUnread())
		}
	})

	t.Run("non-operator ignores All", func(t *testing.T) {
		in := NewInbox(store, Session{UserID: admin}, &InboxOptions{All: true})
		if err := in.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if got := len(in.Conversations()); got != 0 {
			t.Fatalf("len(convs) = %d, want 0", got)
		}
	})
}

func TestInboxPolling(t *testing.T) {
	store := newMemStore(buyer, msg("m1", seller, buyer, 10, false))
	in := NewInbox(store, buyerSession(), &InboxOptions{Interval: 5 * time.Millisecond})

	var mu sync.Mutex
	var lists [][]Conversation
	in.On(EventInboxUpdate, func(_ string, p any) {
		mu.Lock()
		lists = append(lists, p.([]Conversation))
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(lists)
	}

	in.Start(context.Background())
	waitFor(t, "first listing", func() bool { return count() == 1 })
	waitFor(t, "repeat polls", func() bool { return store.fetchCount() >= 3 })
	if count() != 1 {
		t.Fatalf("inbox updates = %d, want 1 for unchanged listings", count())
	}

	store.set(msg("m1", seller, buyer, 10, false), msg("m2", seller, buyer, 20, false))
	waitFor(t, "second listing", func() bool { return count() == 2 })
	in.Stop()

	mu.Lock()
	latest := lists[1]
	mu.Unlock()
	if len(latest) != 1 || latest[0].UnreadCount != 2 {
		t.Fatalf("latest listing = %+v", latest)
	}
}

func TestInboxResetUnreadClearsWhenServerCatchesUp(t *testing.T) {
	store := newMemStore(buyer, msg("m1", seller, buyer, 10, false))
	in := NewInbox(store, buyerSession(), nil)
	ctx := context.Background()
	if err := in.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	in.ResetUnread(KeyOf(buyer, seller))
	if in.TotalUnread() != 0 {
		t.Fatalf("TotalUnread = %d, want 0", in.TotalUnread())
	}

	store.set(msg("m1", seller, buyer, 10, true))
	if err := in.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	in.mu.Lock()
	n := len(in.cleared)
	in.mu.Unlock()
	if n != 0 {
		t.Fatalf("cleared = %d, want 0 once the server reports the message seen", n)
	}
}
