package spidex

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyMessage is returned when a draft has neither text nor an attachment.
	ErrEmptyMessage = errors.New("message has no content or attachment")
	// ErrMissingCounterpart is returned when a target does not name the other participant.
	ErrMissingCounterpart = errors.New("conversation target has no counterpart")
	// ErrSelfMessage is returned when sender and receiver are the same user.
	ErrSelfMessage = errors.New("sender and receiver must differ")
	// ErrMalformedRecord marks a wire record rejected at the boundary.
	ErrMalformedRecord = errors.New("malformed message record")
	// ErrNotStarted is returned by engine operations that need an active conversation.
	ErrNotStarted = errors.New("sync engine has no active conversation")
	// ErrNotConnected is returned when a push command is issued without a connection.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrUploadFailed wraps attachment upload failures; the send is aborted.
	ErrUploadFailed = errors.New("attachment upload failed")
)

// APIError represents an error response from the marketplace API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// ============================================================================
// Session
// ============================================================================

// Session identifies the signed-in user. It is passed explicitly to every
// messaging component instead of being read from ambient state.
type Session struct {
	UserID string
	Token  string
	// Operator sessions may view conversations they do not belong to.
	Operator bool
}

// ============================================================================
// Message Records
// ============================================================================

// Participant is one side of a conversation. Only ID is guaranteed; the
// backend populates Name and Role when it expands the reference.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"` // "buyer", "seller" or "admin"
}

// MessageRecord is the canonical, validated shape of a message.
type MessageRecord struct {
	ID         string      `json:"id"`
	ClientID   string      `json:"clientId,omitempty"`
	Sender     Participant `json:"sender"`
	Receiver   Participant `json:"receiver"`
	Content    string      `json:"content,omitempty"`
	Attachment string      `json:"attachment,omitempty"`
	ProductID  string      `json:"productId,omitempty"`
	ReplyToID  string      `json:"replyToId,omitempty"`
	Seen       bool        `json:"seen"`
	CreatedAt  time.Time   `json:"createdAt"`

	// Pending is set on optimistic entries that the server has not confirmed.
	Pending bool `json:"pending,omitempty"`
}

// Counterpart returns the participant on the other side from viewerID.
func (m MessageRecord) Counterpart(viewerID string) Participant {
	if m.Sender.ID == viewerID {
		return m.Receiver
	}
	return m.Sender
}

// Involves reports whether userID is the sender or receiver.
func (m MessageRecord) Involves(userID string) bool {
	return m.Sender.ID == userID || m.Receiver.ID == userID
}

// Key returns the canonical conversation key for the record's participants.
func (m MessageRecord) Key() ConversationKey {
	return KeyOf(m.Sender.ID, m.Receiver.ID)
}

// before is the (CreatedAt, ID) ordering used everywhere messages are sorted.
func (m MessageRecord) before(o MessageRecord) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKey identifies a two-party conversation independent of which
// participant is viewing it.
type ConversationKey string

// KeyOf builds the canonical key for a participant pair.
func KeyOf(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey(a + ":" + b)
}

// Participants splits the key back into its two ids.
func (k ConversationKey) Participants() (string, string) {
	a, b, _ := strings.Cut(string(k), ":")
	return a, b
}

// Conversation is a derived, in-memory thread between two participants.
type Conversation struct {
	Key          ConversationKey `json:"key"`
	Counterpart  Participant     `json:"counterpart"`
	Participants [2]Participant  `json:"participants"`
	Messages     []MessageRecord `json:"messages"`
	LastMessage  *MessageRecord  `json:"lastMessage,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
}

// ReplyPreview resolves the record quoted by m. It returns false when the
// reply target is not part of the conversation (for example, deleted).
func (c Conversation) ReplyPreview(m MessageRecord) (MessageRecord, bool) {
	if m.ReplyToID == "" {
		return MessageRecord{}, false
	}
	for _, other := range c.Messages {
		if other.ID == m.ReplyToID {
			return other, true
		}
	}
	return MessageRecord{}, false
}

// Target names the conversation a view is bound to. Participant views set
// Counterpart; operator views set Between to the two participants and may set
// Counterpart to the participant the operator is currently replying to.
type Target struct {
	Counterpart string
	Between     [2]string
}

// To returns a participant-view target for counterpartID.
func To(counterpartID string) Target { return Target{Counterpart: counterpartID} }

// BetweenUsers returns an operator-view target for the pair a, b.
func BetweenUsers(a, b string) Target { return Target{Between: [2]string{a, b}} }

// Toward returns a copy of an operator target whose replies go to id.
func (t Target) Toward(id string) Target {
	t.Counterpart = id
	return t
}

// IsPair reports whether the target is an operator view of someone else's conversation.
func (t Target) IsPair() bool { return t.Between[0] != "" || t.Between[1] != "" }

// Recipient returns the user messages composed in this view are sent to.
func (t Target) Recipient(viewerID string) string {
	if !t.IsPair() || t.Counterpart != "" {
		return t.Counterpart
	}
	if t.Between[0] != viewerID {
		return t.Between[0]
	}
	return t.Between[1]
}

// includes reports whether rec belongs to the conversation this target shows.
func (t Target) includes(rec MessageRecord, viewerID string) bool {
	return rec.Key() == t.Key(viewerID)
}

// Key returns the canonical key for the target as seen by viewerID.
func (t Target) Key(viewerID string) ConversationKey {
	if t.IsPair() {
		return KeyOf(t.Between[0], t.Between[1])
	}
	return KeyOf(viewerID, t.Counterpart)
}

func (t Target) validate(viewerID string) error {
	if t.IsPair() {
		if t.Between[0] == "" || t.Between[1] == "" {
			return ErrMissingCounterpart
		}
		if t.Between[0] == t.Between[1] {
			return ErrSelfMessage
		}
		return nil
	}
	if strings.TrimSpace(t.Counterpart) == "" {
		return ErrMissingCounterpart
	}
	if t.Counterpart == viewerID {
		return ErrSelfMessage
	}
	return nil
}

func (t Target) String() string {
	if t.IsPair() {
		return t.Between[0] + "<>" + t.Between[1]
	}
	return t.Counterpart
}

// ============================================================================
// Drafts
// ============================================================================

// Attachment is a file to send with a message. Either URL references an
// already uploaded file, or Data/FileName describe a local file to upload first.
type Attachment struct {
	URL      string
	FileName string
	MimeType string
	Data     []byte
}

func (a *Attachment) empty() bool {
	return a == nil || (a.URL == "" && len(a.Data) == 0)
}

// Draft is a locally composed message.
type Draft struct {
	Content    string
	Attachment *Attachment
	ProductID  string
	ReplyToID  string
}
