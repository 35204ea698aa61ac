package spidex

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval matches the buyer and seller chat views.
	DefaultPollInterval = 3 * time.Second
	// OperatorPollInterval matches the admin chat view.
	OperatorPollInterval = 3500 * time.Millisecond
	// DefaultMatchTolerance bounds the createdAt distance when pairing an
	// optimistic entry with a server record that carries no client id.
	DefaultMatchTolerance = 30 * time.Second

	// A snapshot whose freshest record is older than the applied one is
	// treated as stale until this many consecutive fetches agree on it.
	regressionConfirmations = 3
)

// EngineOptions configures an Engine. A nil *EngineOptions uses defaults.
type EngineOptions struct {
	Interval       time.Duration
	MatchTolerance time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

// ============================================================================
// Snapshot fingerprint
// ============================================================================

// fingerprint summarizes a server snapshot. Two snapshots with the same
// fingerprint produce the same view, so the second one is skipped.
type fingerprint struct {
	freshestAt time.Time
	freshestID string
	count      int
	unseen     int
}

func fingerprintOf(sorted []MessageRecord) fingerprint {
	fp := fingerprint{count: len(sorted)}
	if n := len(sorted); n > 0 {
		fp.freshestAt = sorted[n-1].CreatedAt
		fp.freshestID = sorted[n-1].ID
	}
	for _, m := range sorted {
		if !m.Seen {
			fp.unseen++
		}
	}
	return fp
}

func (f fingerprint) olderThan(o fingerprint) bool {
	if o.count == 0 {
		return false
	}
	if !f.freshestAt.Equal(o.freshestAt) {
		return f.freshestAt.Before(o.freshestAt)
	}
	return f.freshestID < o.freshestID
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the visible message list of one conversation in step with the
// remote store. It polls on a fixed interval, accepts pushed records, and
// holds optimistic entries created by a Composer until they are reconciled.
type Engine struct {
	emitter

	store     MessageStore
	session   Session
	log       *zap.Logger
	metrics   *Metrics
	tolerance time.Duration
	poller    *poller

	mu       sync.Mutex
	active   bool
	target   Target
	epoch    uint64
	issued   uint64 // last fetch sequence handed out
	applied  uint64 // sequence of the last applied response
	snapshot fingerprint
	hasSnap  bool
	regress  fingerprint
	regressN int
	messages []MessageRecord
	// ids added by push or send confirmation and not yet seen in a snapshot
	unsnapped map[string]bool
}

// NewEngine creates an engine for session over store. Call Start to bind it
// to a conversation.
func NewEngine(store MessageStore, session Session, opts *EngineOptions) *Engine {
	e := &Engine{
		store:     store,
		session:   session,
		tolerance: DefaultMatchTolerance,
	}
	interval := DefaultPollInterval
	if session.Operator {
		interval = OperatorPollInterval
	}
	if opts != nil {
		if opts.Interval > 0 {
			interval = opts.Interval
		}
		if opts.MatchTolerance > 0 {
			e.tolerance = opts.MatchTolerance
		}
		e.log = opts.Logger
		e.metrics = opts.Metrics
	}
	e.log = orNop(e.log)
	e.emitter = newEmitter(e.log)
	e.poller = newPoller(interval)
	return e
}

// Session returns the session the engine was created for.
func (e *Engine) Session() Session { return e.session }

// Start binds the engine to target and begins polling. Any previous target is
// stopped first and its in-flight fetches are ignored when they return.
func (e *Engine) Start(ctx context.Context, target Target) error {
	if err := target.validate(e.session.UserID); err != nil {
		return err
	}
	e.poller.stop()

	e.mu.Lock()
	e.resetLocked(target)
	epoch := e.epoch
	e.mu.Unlock()

	e.log.Info("conversation sync started", targetField(target), zap.Uint64("epoch", epoch))
	e.poller.start(ctx, func(ctx context.Context) { _ = e.poll(ctx) })
	return nil
}

// resetLocked binds the engine to target with an empty view and a new epoch.
func (e *Engine) resetLocked(target Target) {
	e.epoch++
	e.active = true
	e.target = target
	e.issued, e.applied = 0, 0
	e.hasSnap = false
	e.regressN = 0
	e.messages = nil
	e.unsnapped = make(map[string]bool)
}

// Stop halts polling and waits for the poll goroutine to exit. Responses that
// arrive afterwards are dropped. Stop must not be called from an event handler.
func (e *Engine) Stop() {
	e.mu.Lock()
	wasActive := e.active
	e.active = false
	e.epoch++
	target := e.target
	e.mu.Unlock()

	e.poller.stop()
	if wasActive {
		e.log.Info("conversation sync stopped", targetField(target))
	}
}

// Close stops the engine and removes all event handlers.
func (e *Engine) Close() {
	e.Stop()
	e.removeAll()
}

// Target returns the active target, if any.
func (e *Engine) Target() (Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target, e.active
}

// Conversation returns a copy of the current view.
func (e *Engine) Conversation() Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationLocked()
}

// Refresh fetches the active conversation now instead of waiting for the next
// tick.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if !active {
		return ErrNotStarted
	}
	return e.poll(ctx)
}

// ── Pull ─────────────────────────────────────────────────

func (e *Engine) poll(ctx context.Context) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrNotStarted
	}
	epoch := e.epoch
	e.issued++
	seq := e.issued
	target := e.target
	e.mu.Unlock()

	recs, err := e.fetch(ctx, target)

	e.mu.Lock()
	if !e.active || epoch != e.epoch {
		e.mu.Unlock()
		e.metrics.stale()
		e.log.Debug("dropping response for previous conversation", targetField(target), zap.Uint64("epoch", epoch))
		return nil
	}
	if err != nil {
		e.mu.Unlock()
		e.metrics.poll("error")
		if ctx.Err() == nil {
			e.log.Warn("conversation fetch failed", targetField(target), zap.Error(err))
			e.emit(EventSyncError, SyncError{Target: target, Err: err})
		}
		return err
	}
	e.metrics.poll("ok")

	update, changed := e.applySnapshotLocked(seq, recs)
	e.mu.Unlock()

	if changed {
		e.emit(EventUpdate, update)
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, target Target) ([]MessageRecord, error) {
	if target.IsPair() {
		return e.store.Between(ctx, target.Between[0], target.Between[1])
	}
	return e.store.Conversation(ctx, target.Counterpart)
}

// applySnapshotLocked applies a fetched snapshot with sequence seq. It
// reports false when the snapshot was stale or unchanged.
func (e *Engine) applySnapshotLocked(seq uint64, recs []MessageRecord) (Update, bool) {
	if seq < e.applied {
		e.metrics.stale()
		e.log.Debug("discarding out-of-order response", zap.Uint64("seq", seq), zap.Uint64("applied", e.applied))
		return Update{}, false
	}

	snap := e.scopeLocked(recs)
	fp := fingerprintOf(snap)

	if e.hasSnap && fp.olderThan(e.snapshot) {
		if fp == e.regress {
			e.regressN++
		} else {
			e.regress, e.regressN = fp, 1
		}
		if e.regressN < regressionConfirmations {
			e.metrics.stale()
			e.log.Debug("discarding response older than applied state",
				zap.Uint64("seq", seq), zap.Time("freshest", fp.freshestAt))
			return Update{}, false
		}
		e.log.Info("accepting regressed snapshot", zap.Uint64("seq", seq), zap.Int("count", fp.count))
	}
	e.regressN = 0
	e.applied = seq

	if e.hasSnap && fp == e.snapshot {
		e.metrics.unchanged()
		return Update{}, false
	}

	prev := e.messages
	e.messages = e.mergeLocked(snap, fp)
	e.snapshot, e.hasSnap = fp, true

	return Update{
		Target:       e.target,
		Conversation: e.conversationLocked(),
		NewMessages:  added(prev, e.messages),
		Source:       SourcePull,
	}, true
}

// scopeLocked keeps the records of the active conversation, drops duplicate
// ids and sorts the result.
func (e *Engine) scopeLocked(recs []MessageRecord) []MessageRecord {
	seen := make(map[string]bool, len(recs))
	out := make([]MessageRecord, 0, len(recs))
	for _, r := range recs {
		if !e.target.includes(r, e.session.UserID) {
			e.log.Debug("ignoring record from another conversation", zap.String("message_id", r.ID))
			continue
		}
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	sortMessages(out)
	return out
}

// mergeLocked builds the next view from a snapshot. Pushed records newer than
// the snapshot and unreconciled optimistic entries survive; everything else
// is replaced.
func (e *Engine) mergeLocked(snap []MessageRecord, fp fingerprint) []MessageRecord {
	inSnap := make(map[string]bool, len(snap))
	for _, r := range snap {
		inSnap[r.ID] = true
	}
	reconciled := e.reconcileLocked(snap, inSnap)
	freshest := MessageRecord{ID: fp.freshestID, CreatedAt: fp.freshestAt}

	next := make([]MessageRecord, 0, len(snap)+2)
	next = append(next, snap...)
	var pending []MessageRecord
	for _, m := range e.messages {
		switch {
		case m.Pending:
			if reconciled[m.ID] {
				continue
			}
			pending = append(pending, m)
		case inSnap[m.ID]:
			delete(e.unsnapped, m.ID)
		case e.unsnapped[m.ID] && (fp.count == 0 || freshest.before(m)):
			next = append(next, m)
		default:
			delete(e.unsnapped, m.ID)
		}
	}
	sortMessages(next)
	return append(next, pending...)
}

// reconcileLocked returns the temp ids of optimistic entries whose server copy
// is in snap. Each snapshot record reconciles at most one entry, and records
// already confirmed in the view reconcile none. Client id matches are paired
// before content matches.
func (e *Engine) reconcileLocked(snap []MessageRecord, inSnap map[string]bool) map[string]bool {
	claimed := make(map[string]bool)
	for _, m := range e.messages {
		if !m.Pending && inSnap[m.ID] {
			claimed[m.ID] = true
		}
	}
	reconciled := make(map[string]bool)
	for _, exact := range []bool{true, false} {
		for _, m := range e.messages {
			if !m.Pending || reconciled[m.ID] || (exact && m.ClientID == "") {
				continue
			}
			for _, r := range snap {
				if claimed[r.ID] || (exact && r.ClientID == "") || !e.matches(m, r) {
					continue
				}
				claimed[r.ID] = true
				reconciled[m.ID] = true
				break
			}
		}
	}
	return reconciled
}

// matches reports whether confirmed record r is the server copy of pending
// entry p.
func (e *Engine) matches(p, r MessageRecord) bool {
	if r.Pending {
		return false
	}
	if p.ClientID != "" && r.ClientID != "" {
		return p.ClientID == r.ClientID
	}
	if p.Sender.ID != r.Sender.ID || p.Receiver.ID != r.Receiver.ID || p.Content != r.Content {
		return false
	}
	d := r.CreatedAt.Sub(p.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= e.tolerance
}

// ── Push ─────────────────────────────────────────────────

// ApplyPush merges a record delivered by the push channel. It is appended
// only if its id is not already present; it takes the place of the first
// matching optimistic entry. It reports whether the view changed.
func (e *Engine) ApplyPush(rec MessageRecord) bool {
	e.mu.Lock()
	if !e.active || !e.target.includes(rec, e.session.UserID) {
		e.mu.Unlock()
		e.metrics.push("ignored")
		return false
	}
	if i := e.indexLocked(rec.ID); i >= 0 {
		changed := rec.Seen && !e.messages[i].Seen
		if changed {
			e.messages[i].Seen = true
		}
		e.mu.Unlock()
		e.metrics.push("duplicate")
		if changed {
			e.emitUpdate(SourcePush, nil)
		}
		return changed
	}

	replaced := false
	for i, m := range e.messages {
		if m.Pending && e.matches(m, rec) {
			e.replaceLocked(i, rec)
			replaced = true
			break
		}
	}
	if !replaced {
		e.insertSortedLocked(rec)
	}
	e.unsnapped[rec.ID] = true
	e.mu.Unlock()

	e.metrics.push("appended")
	e.emitUpdate(SourcePush, []MessageRecord{rec})
	return true
}

// ApplySeen marks the given messages seen in the current view.
func (e *Engine) ApplySeen(ids []string) int {
	n := e.markSeenLocal(ids)
	if n > 0 {
		e.emitUpdate(SourcePush, nil)
	}
	return n
}

func (e *Engine) markSeenLocal(ids []string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.messages {
		if want[e.messages[i].ID] && !e.messages[i].Seen {
			e.messages[i].Seen = true
			n++
		}
	}
	return n
}

// ── Optimistic entries ───────────────────────────────────

// insertPending appends an optimistic entry at the tail when target is the
// active conversation. It reports whether the entry was inserted.
func (e *Engine) insertPending(target Target, rec MessageRecord) bool {
	e.mu.Lock()
	if !e.active || e.target.Key(e.session.UserID) != target.Key(e.session.UserID) {
		e.mu.Unlock()
		return false
	}
	e.messages = append(e.messages, rec)
	e.mu.Unlock()

	e.emit(EventMessagePending, rec)
	e.emitUpdate(SourceLocal, nil)
	return true
}

// confirmPending replaces the entry tempID with confirmed, at the same index
// unless that would put it out of order with the confirmed records.
// If a pull or push already reconciled it, the confirmed record is only added
// when its id is still missing.
func (e *Engine) confirmPending(tempID string, confirmed MessageRecord) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	if dup := e.indexLocked(confirmed.ID); dup >= 0 && confirmed.ID != "" {
		if i := e.indexLocked(tempID); i >= 0 {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
		}
	} else if i := e.indexLocked(tempID); i >= 0 {
		e.replaceLocked(i, confirmed)
		e.unsnapped[confirmed.ID] = true
	} else if confirmed.ID != "" && e.target.includes(confirmed, e.session.UserID) {
		e.insertSortedLocked(confirmed)
		e.unsnapped[confirmed.ID] = true
	}
	e.mu.Unlock()

	e.emit(EventMessageConfirmed, confirmed)
	e.emitUpdate(SourceLocal, nil)
}

// rollbackPending removes the entry tempID after a failed send.
func (e *Engine) rollbackPending(tempID string, err error) {
	e.mu.Lock()
	removed := false
	if i := e.indexLocked(tempID); i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
		removed = true
	}
	e.mu.Unlock()

	e.emit(EventMessageFailed, SendFailure{TempID: tempID, Err: err})
	if removed {
		e.emitUpdate(SourceLocal, nil)
	}
}

// ── Deletes ──────────────────────────────────────────────

// DeleteMessage deletes a message remotely and removes it from the view.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	if i := e.indexLocked(id); i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	}
	delete(e.unsnapped, id)
	e.resetSnapshotLocked()
	e.mu.Unlock()

	e.log.Info("message deleted", zap.String("message_id", id))
	e.emitUpdate(SourceLocal, nil)
	return nil
}

// DeleteConversation deletes every message with the target's recipient and
// clears the view.
func (e *Engine) DeleteConversation(ctx context.Context) error {
	e.mu.Lock()
	active, target := e.active, e.target
	e.mu.Unlock()
	if !active {
		return ErrNotStarted
	}
	if err := e.store.DeleteConversation(ctx, target.Recipient(e.session.UserID)); err != nil {
		return err
	}
	e.mu.Lock()
	e.messages = nil
	e.unsnapped = make(map[string]bool)
	e.resetSnapshotLocked()
	e.mu.Unlock()

	e.log.Info("conversation deleted", targetField(target))
	e.emitUpdate(SourceLocal, nil)
	return nil
}

// resetSnapshotLocked makes the next fetch apply unconditionally and drops
// fetches already in flight, which may still contain deleted records.
func (e *Engine) resetSnapshotLocked() {
	e.hasSnap = false
	e.regressN = 0
	e.applied = e.issued + 1
	e.issued = e.applied
}

// ── Helpers ──────────────────────────────────────────────

func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range e.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// insertSortedLocked inserts rec among confirmed records, ahead of any
// optimistic entries at the tail.
func (e *Engine) insertSortedLocked(rec MessageRecord) {
	confirmed := len(e.messages)
	for confirmed > 0 && e.messages[confirmed-1].Pending {
		confirmed--
	}
	i := sort.Search(confirmed, func(i int) bool { return rec.before(e.messages[i]) })
	e.messages = append(e.messages, MessageRecord{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = rec
}

// replaceLocked puts rec in place of the entry at i. When rec sorts before a
// confirmed record ahead of it, or after one behind it, it is moved into
// order among the confirmed records instead.
func (e *Engine) replaceLocked(i int, rec MessageRecord) {
	e.messages[i] = rec
	if e.inOrderLocked(i) {
		return
	}
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
	e.insertSortedLocked(rec)
}

// inOrderLocked reports whether the record at i keeps (CreatedAt, ID) order
// with its nearest confirmed neighbours. Optimistic entries are skipped.
func (e *Engine) inOrderLocked(i int) bool {
	rec := e.messages[i]
	for j := i - 1; j >= 0; j-- {
		if !e.messages[j].Pending {
			if rec.before(e.messages[j]) {
				return false
			}
			break
		}
	}
	for j := i + 1; j < len(e.messages); j++ {
		if !e.messages[j].Pending {
			return !e.messages[j].before(rec)
		}
	}
	return true
}

func (e *Engine) emitUpdate(source string, fresh []MessageRecord) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	u := Update{Target: e.target, Conversation: e.conversationLocked(), NewMessages: fresh, Source: source}
	e.mu.Unlock()
	e.emit(EventUpdate, u)
}

func (e *Engine) conversationLocked() Conversation {
	viewer := e.session.UserID
	c := Conversation{Key: e.target.Key(viewer)}
	c.Messages = append([]MessageRecord(nil), e.messages...)

	if e.target.IsPair() {
		c.Participants = [2]Participant{{ID: e.target.Between[0]}, {ID: e.target.Between[1]}}
		for _, m := range c.Messages {
			for i := range c.Participants {
				if m.Sender.ID == c.Participants[i].ID {
					mergeParticipant(&c.Participants[i], m.Sender)
				}
				if m.Receiver.ID == c.Participants[i].ID {
					mergeParticipant(&c.Participants[i], m.Receiver)
				}
			}
		}
		if r := e.target.Recipient(viewer); r != "" {
			c.Counterpart = Participant{ID: r}
			for _, p := range c.Participants {
				if p.ID == r {
					c.Counterpart = p
				}
			}
		}
		viewer = ""
	} else {
		c.Counterpart = Participant{ID: e.target.Counterpart}
		for _, m := range c.Messages {
			if m.Involves(viewer) {
				mergeParticipant(&c.Counterpart, m.Counterpart(viewer))
			}
		}
		c.Participants = [2]Participant{{ID: viewer}, c.Counterpart}
	}

	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.LastMessage = &last
	}
	c.UnreadCount = countUnread(c.Messages, viewer)
	return c
}

// added returns the confirmed records of next whose ids are not in prev.
func added(prev, next []MessageRecord) []MessageRecord {
	had := make(map[string]bool, len(prev))
	for _, m := range prev {
		had[m.ID] = true
	}
	var out []MessageRecord
	for _, m := range next {
		if !m.Pending && !had[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
