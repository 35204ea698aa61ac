package spidex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	buyer  = "u-buyer"
	seller = "u-seller"
	admin  = "u-admin"
	other  = "u-other"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id, from, to string, sec int, seen bool) MessageRecord {
	return MessageRecord{
		ID:        id,
		Sender:    Participant{ID: from},
		Receiver:  Participant{ID: to},
		Content:   "text of " + id,
		Seen:      seen,
		CreatedAt: at(sec),
	}
}

func ids(msgs []MessageRecord) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []MessageRecord, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

// fetchResult is one scripted answer to a conversation fetch.
type fetchResult struct {
	msgs []MessageRecord
	err  error
	// gate, when set, blocks the fetch until it is closed.
	gate chan struct{}
}

// memStore is an in-memory MessageStore. Conversation fetches answer from
// the scripted queue first and from the stored messages after that.
type memStore struct {
	mu       sync.Mutex
	user     string
	msgs     []MessageRecord
	script   []fetchResult
	fetches  int
	sent     []SendRequest
	seen     []string
	deleted  []string
	uploads  []Attachment
	nextID   int
	sendErr  error
	seenErr  error
	upErr    error
	echoCID  bool
	sendGate chan struct{}
}

func newMemStore(user string, msgs ...MessageRecord) *memStore {
	return &memStore{user: user, msgs: msgs, echoCID: true}
}

func (s *memStore) queue(results ...fetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, results...)
}

func (s *memStore) set(msgs ...MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = msgs
}

func (s *memStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *memStore) seenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func (s *memStore) answer(ctx context.Context, key ConversationKey) ([]MessageRecord, error) {
	s.mu.Lock()
	s.fetches++
	if len(s.script) > 0 {
		r := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		if r.gate != nil {
			select {
			case <-r.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return append([]MessageRecord(nil), r.msgs...), r.err
	}
	defer s.mu.Unlock()
	var out []MessageRecord
	for _, m := range s.msgs {
		if key == "" || m.Key() == key {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Conversation(ctx context.Context, counterpart string) ([]MessageRecord, error) {
	return s.answer(ctx, KeyOf(s.user, counterpart))
}

func (s *memStore) Between(ctx context.Context, a, b string) ([]MessageRecord, error) {
	return s.answer(ctx, KeyOf(a, b))
}

func (s *memStore) Mine(ctx context.Context) ([]MessageRecord, error) {
	recs, err := s.answer(ctx, "")
	var out []MessageRecord
	for _, m := range recs {
		if m.Involves(s.user) {
			out = append(out, m)
		}
	}
	return out, err
}

func (s *memStore) All(ctx context.Context) ([]MessageRecord, error) {
	return s.answer(ctx, "")
}

func (s *memStore) Send(ctx context.Context, req SendRequest) (MessageRecord, error) {
	if s.sendGate != nil {
		<-s.sendGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	if s.sendErr != nil {
		return MessageRecord{}, s.sendErr
	}
	s.nextID++
	rec := MessageRecord{
		ID:         fmt.Sprintf("srv-%d", s.nextID),
		Sender:     Participant{ID: req.Sender},
		Receiver:   Participant{ID: req.Receiver},
		Content:    req.Content,
		Attachment: req.Attachment,
		ProductID:  req.ProductID,
		ReplyToID:  req.ReplyToID,
		CreatedAt:  at(1000 + s.nextID),
	}
	if s.echoCID {
		rec.ClientID = req.ClientID
	}
	s.msgs = append(s.msgs, rec)
	return rec, nil
}

func (s *memStore) MarkSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, id)
	if s.seenErr != nil {
		return s.seenErr
	}
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs[i].Seen = true
		}
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return nil
		}
	}
	return &APIError{Status: 404, Message: "message not found"}
}

func (s *memStore) DeleteConversation(ctx context.Context, counterpart string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := KeyOf(s.user, counterpart)
	var keep []MessageRecord
	for _, m := range s.msgs {
		if m.Key() != key {
			keep = append(keep, m)
		}
	}
	s.msgs = keep
	return nil
}

func (s *memStore) Upload(ctx context.Context, att Attachment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, att)
	if s.upErr != nil {
		return "", s.upErr
	}
	if att.URL != "" && len(att.Data) == 0 {
		return att.URL, nil
	}
	return "/uploads/" + att.FileName, nil
}

var errBoom = errors.New("boom")

// recorder collects engine events.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	errs    []SyncError
	pending []MessageRecord
	failed  []SendFailure
}

func record(e *Engine) *recorder {
	r := &recorder{}
	e.On(EventUpdate, func(_ string, p any) {
		r.mu.Lock()
		r.updates = append(r.updates, p.(Update))
		r.mu.Unlock()
	})
	e.On(EventSyncError, func(_ string, p any) {
		r.mu.Lock()
		r.errs = append(r.errs, p.(SyncError))
		r.mu.Unlock()
	})
	e.On(EventMessagePending, func(_ string, p any) {
		r.mu.Lock()
		r.pending = append(r.pending, p.(MessageRecord))
		r.mu.Unlock()
	})
	e.On(EventMessageFailed, func(_ string, p any) {
		r.mu.Lock()
		r.failed = append(r.failed, p.(SendFailure))
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// activate binds e to target without starting the poll goroutine, so tests
// drive fetches explicitly through poll and Refresh.
func activate(e *Engine, target Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked(target)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
