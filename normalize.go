package spidex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Wire Types
// ============================================================================

// wireRef decodes a reference the backend sends either as a bare id string or
// as a populated document ({"_id": ..., "name": ..., "role": ...}).
type wireRef struct {
	ID    string
	Name  string
	Role  string
	Title string
}

func (r *wireRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var doc struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		Name    string `json:"name"`
		Role    string `json:"role"`
		Title   string `json:"title"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	r.ID = firstNonEmpty(doc.MongoID, doc.ID)
	r.Name = doc.Name
	r.Role = doc.Role
	r.Title = doc.Title
	return nil
}

// wireFile decodes an attachment that may be a path string or an upload
// result object.
type wireFile string

func (f *wireFile) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = wireFile(s)
		return nil
	}
	var doc struct {
		FilePath string `json:"filePath"`
		FileURL  string `json:"fileUrl"`
		URL      string `json:"url"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*f = wireFile(firstNonEmpty(doc.FileURL, doc.FilePath, doc.URL))
	return nil
}

// wireMessage is the loose record shape returned by the backend.
type wireMessage struct {
	MongoID    string   `json:"_id"`
	ID         string   `json:"id"`
	ClientID   string   `json:"clientId"`
	Sender     wireRef  `json:"sender"`
	SenderID   string   `json:"senderId"`
	Receiver   wireRef  `json:"receiver"`
	ReceiverID string   `json:"receiverId"`
	Product    wireRef  `json:"product"`
	ProductID  string   `json:"productId"`
	ReplyTo    wireRef  `json:"replyTo"`
	Content    string   `json:"content"`
	Text       string   `json:"text"`
	Attachment wireFile `json:"attachment"`
	File       wireFile `json:"file"`
	Seen       bool     `json:"seen"`
	CreatedAt  string   `json:"createdAt"`
	Timestamp  string   `json:"timestamp"`
}

// messageList is the envelope of every list endpoint. The admin listing uses
// "msgs" instead of "messages".
type messageList struct {
	Messages []json.RawMessage `json:"messages"`
	Msgs     []json.RawMessage `json:"msgs"`
}

type messageEnvelope struct {
	Message json.RawMessage `json:"message"`
}

// ============================================================================
// Normalization
// ============================================================================

// NormalizeRecord validates one wire record and converts it to a MessageRecord.
// Records missing an id, a participant or a parseable timestamp are rejected
// with ErrMalformedRecord.
func NormalizeRecord(raw []byte) (MessageRecord, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return MessageRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return w.normalize()
}

func (w *wireMessage) normalize() (MessageRecord, error) {
	rec := MessageRecord{
		ID:       firstNonEmpty(w.MongoID, w.ID),
		ClientID: w.ClientID,
		Sender: Participant{
			ID:   firstNonEmpty(w.Sender.ID, w.SenderID),
			Name: w.Sender.Name,
			Role: w.Sender.Role,
		},
		Receiver: Participant{
			ID:   firstNonEmpty(w.Receiver.ID, w.ReceiverID),
			Name: w.Receiver.Name,
			Role: w.Receiver.Role,
		},
		Content:    firstNonEmpty(w.Content, w.Text),
		Attachment: firstNonEmpty(string(w.Attachment), string(w.File)),
		ProductID:  firstNonEmpty(w.Product.ID, w.ProductID),
		ReplyToID:  w.ReplyTo.ID,
		Seen:       w.Seen,
	}

	switch {
	case rec.ID == "":
		return MessageRecord{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	case rec.Sender.ID == "":
		return MessageRecord{}, fmt.Errorf("%w: message %s has no sender", ErrMalformedRecord, rec.ID)
	case rec.Receiver.ID == "":
		return MessageRecord{}, fmt.Errorf("%w: message %s has no receiver", ErrMalformedRecord, rec.ID)
	case rec.Sender.ID == rec.Receiver.ID:
		return MessageRecord{}, fmt.Errorf("%w: message %s is self-addressed", ErrMalformedRecord, rec.ID)
	}

	ts, err := parseTimestamp(firstNonEmpty(w.CreatedAt, w.Timestamp))
	if err != nil {
		return MessageRecord{}, fmt.Errorf("%w: message %s: %v", ErrMalformedRecord, rec.ID, err)
	}
	rec.CreatedAt = ts
	return rec, nil
}

// normalizeList converts a batch, skipping rejected records. The rejected
// errors are returned so callers can log them.
func normalizeList(raws []json.RawMessage) ([]MessageRecord, []error) {
	out := make([]MessageRecord, 0, len(raws))
	var rejected []error
	for _, raw := range raws {
		rec, err := NormalizeRecord(raw)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		out = append(out, rec)
	}
	return out, rejected
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing createdAt")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable createdAt %q", s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
