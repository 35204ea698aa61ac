package spidex

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InboxOptions configures an Inbox. A nil *InboxOptions uses defaults.
type InboxOptions struct {
	Interval time.Duration
	// All lists every conversation on the platform. Operator sessions only.
	All     bool
	Logger  *zap.Logger
	Metrics *Metrics
}

// Inbox keeps the conversation list of a user, or of the whole platform for
// operators, in step with the remote store. It uses the same pull model as
// Engine over the all-messages endpoints.
type Inbox struct {
	emitter

	store   MessageStore
	session Session
	all     bool
	agg     Aggregator
	log     *zap.Logger
	metrics *Metrics
	poller  *poller

	mu      sync.Mutex
	active  bool
	epoch   uint64
	issued  uint64
	applied uint64
	last    fingerprint
	hasLast bool
	records []MessageRecord
	convs   []Conversation
	// messages marked seen locally that the server has not reported yet
	cleared map[string]bool
}

// NewInbox creates an inbox for session over store.
func NewInbox(store MessageStore, session Session, opts *InboxOptions) *Inbox {
	in := &Inbox{
		store:   store,
		session: session,
		cleared: make(map[string]bool),
	}
	interval := DefaultPollInterval
	if opts != nil {
		if opts.Interval > 0 {
			interval = opts.Interval
		}
		in.all = opts.All && session.Operator
		in.log = opts.Logger
		in.metrics = opts.Metrics
	}
	in.log = orNop(in.log)
	in.agg = Aggregator{Log: in.log}
	in.emitter = newEmitter(in.log)
	in.poller = newPoller(interval)
	return in
}

// Start begins polling the message list.
func (in *Inbox) Start(ctx context.Context) {
	in.poller.stop()
	in.mu.Lock()
	in.epoch++
	in.active = true
	in.issued, in.applied = 0, 0
	in.hasLast = false
	in.mu.Unlock()
	in.poller.start(ctx, func(ctx context.Context) { _ = in.poll(ctx) })
}

// Stop halts polling and waits for the poll goroutine to exit.
func (in *Inbox) Stop() {
	in.mu.Lock()
	in.active = false
	in.epoch++
	in.mu.Unlock()
	in.poller.stop()
}

// Refresh fetches the list now. It also works while the inbox is stopped,
// which is how one-shot listings use it.
func (in *Inbox) Refresh(ctx context.Context) error {
	in.mu.Lock()
	if !in.active {
		in.active = true
		defer func() {
			in.mu.Lock()
			in.active = in.poller.running()
			in.mu.Unlock()
		}()
	}
	in.mu.Unlock()
	return in.poll(ctx)
}

// Conversations returns the current list, most recent first.
func (in *Inbox) Conversations() []Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Conversation(nil), in.convs...)
}

// ResetUnread clears the unread count of one conversation locally. The
// affected messages stay read until the server reports them seen.
func (in *Inbox) ResetUnread(key ConversationKey) {
	in.mu.Lock()
	changed := false
	for _, m := range in.records {
		if m.Key() != key || m.Seen || m.Sender.ID == in.session.UserID {
			continue
		}
		if !in.cleared[m.ID] {
			in.cleared[m.ID] = true
			changed = true
		}
	}
	var convs []Conversation
	if changed {
		in.convs = in.aggregateLocked()
		convs = append(convs, in.convs...)
	}
	in.mu.Unlock()

	if changed {
		in.emit(EventInboxUpdate, convs)
	}
}

// TotalUnread sums unread counts across the list.
func (in *Inbox) TotalUnread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return TotalUnread(in.convs)
}

func (in *Inbox) poll(ctx context.Context) error {
	in.mu.Lock()
	if !in.active {
		in.mu.Unlock()
		return ErrNotStarted
	}
	epoch := in.epoch
	in.issued++
	seq := in.issued
	in.mu.Unlock()

	var recs []MessageRecord
	var err error
	if in.all {
		recs, err = in.store.All(ctx)
	} else {
		recs, err = in.store.Mine(ctx)
	}

	in.mu.Lock()
	if epoch != in.epoch {
		in.mu.Unlock()
		in.metrics.stale()
		return nil
	}
	if err != nil {
		in.mu.Unlock()
		in.metrics.poll("error")
		if ctx.Err() == nil {
			in.log.Warn("inbox fetch failed", zap.Error(err))
			in.emit(EventSyncError, SyncError{Err: err})
		}
		return err
	}
	in.metrics.poll("ok")
	if seq < in.applied {
		in.mu.Unlock()
		in.metrics.stale()
		return nil
	}
	in.applied = seq

	sorted := append([]MessageRecord(nil), recs...)
	sortMessages(sorted)
	fp := fingerprintOf(sorted)
	if in.hasLast && fp == in.last {
		in.mu.Unlock()
		in.metrics.unchanged()
		return nil
	}
	in.last, in.hasLast = fp, true
	in.records = sorted
	for id := range in.cleared {
		if !in.stillUnseenLocked(id) {
			delete(in.cleared, id)
		}
	}
	in.convs = in.aggregateLocked()
	convs := append([]Conversation(nil), in.convs...)
	in.mu.Unlock()

	in.emit(EventInboxUpdate, convs)
	return nil
}

func (in *Inbox) stillUnseenLocked(id string) bool {
	for _, m := range in.records {
		if m.ID == id {
			return !m.Seen
		}
	}
	return false
}

func (in *Inbox) aggregateLocked() []Conversation {
	recs := make([]MessageRecord, len(in.records))
	for i, m := range in.records {
		if in.cleared[m.ID] {
			m.Seen = true
		}
		recs[i] = m
	}
	var convs []Conversation
	if in.all {
		convs = in.agg.AggregatePairs(recs)
	} else {
		convs = in.agg.Aggregate(recs, in.session.UserID)
	}
	SortByRecent(convs)
	return convs
}
