package spidex

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Events
// ============================================================================

const (
	// EventUpdate fires after the visible conversation changed. Payload: Update.
	EventUpdate = "conversation.update"
	// EventSyncError fires when a fetch fails. Payload: SyncError. The next
	// tick retries.
	EventSyncError = "sync.error"
	// EventMessagePending fires when an optimistic entry is inserted. Payload: MessageRecord.
	EventMessagePending = "message.pending"
	// EventMessageConfirmed fires when an optimistic entry is reconciled. Payload: MessageRecord.
	EventMessageConfirmed = "message.confirmed"
	// EventMessageFailed fires when a send is rolled back. Payload: SendFailure.
	EventMessageFailed = "message.failed"
	// EventInboxUpdate fires when the inbox list changed. Payload: []Conversation.
	EventInboxUpdate = "inbox.update"
	// EventPresence fires when the push channel reports online users. Payload: []string.
	EventPresence = "presence.update"
)

// Update source values.
const (
	SourcePull  = "pull"
	SourcePush  = "push"
	SourceLocal = "local"
)

// Update describes a change to the active conversation.
type Update struct {
	Target       Target
	Conversation Conversation
	// NewMessages are counterpart or server records not present before this update.
	NewMessages []MessageRecord
	Source      string
}

// SyncError is the payload of EventSyncError.
type SyncError struct {
	Target Target
	Err    error
}

// SendFailure is the payload of EventMessageFailed.
type SendFailure struct {
	TempID string
	Err    error
}

// EventHandler receives an event name and its payload.
type EventHandler func(event string, payload any)

type listener struct {
	id int
	fn EventHandler
}

// emitter delivers events synchronously. Handlers run outside the caller's
// locks and a panicking handler does not affect other handlers.
type emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string][]listener
	log       *zap.Logger
}

func newEmitter(log *zap.Logger) emitter {
	return emitter{listeners: make(map[string][]listener), log: orNop(log)}
}

// On registers handler for event and returns a function that removes it.
func (e *emitter) On(event string, handler EventHandler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, fn: handler})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ls := e.listeners[event]
		for i, l := range ls {
			if l.id == id {
				e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h.fn(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]listener)
}
