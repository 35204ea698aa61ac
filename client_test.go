package spidex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok", append([]ClientOption{WithBaseURL(srv.URL + "/")}, opts...)...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

const populatedList = `{"messages": [
	{"_id": "m2", "sender": {"_id": "u-seller", "name": "Sam", "role": "seller"}, "receiver": "u-buyer",
	 "content": "yes", "product": {"_id": "p-1", "title": "Lamp"}, "seen": false, "createdAt": "2026-03-01T12:00:20.000Z"},
	{"_id": "m1", "sender": "u-buyer", "receiver": {"_id": "u-seller"}, "content": "available?",
	 "replyTo": null, "seen": true, "createdAt": "2026-03-01T12:00:10Z"},
	{"_id": "bad", "sender": "u-buyer", "content": "no receiver", "createdAt": "2026-03-01T12:00:30Z"}
]}`

// ============================================================================
// Listing
// ============================================================================

func TestClientConversation(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, populatedList)
	})

	recs, err := c.Conversation(context.Background(), seller)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if gotPath != "/api/message/conversation/u-seller" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2 (malformed dropped)", len(recs))
	}
	m2 := recs[0]
	if m2.ID != "m2" || m2.Sender.Name != "Sam" || m2.Sender.Role != "seller" || m2.Receiver.ID != buyer {
		t.Errorf("populated record = %+v", m2)
	}
	if m2.ProductID != "p-1" {
		t.Errorf("ProductID = %q", m2.ProductID)
	}
	if !m2.CreatedAt.Equal(at(20)) {
		t.Errorf("CreatedAt = %v, want %v", m2.CreatedAt, at(20))
	}
}

func TestClientListingShapes(t *testing.T) {
	one := `{"_id": "m1", "sender": "u-seller", "receiver": "u-buyer", "content": "hi", "createdAt": "2026-03-01T12:00:10Z"}`

	tests := []struct {
		name string
		path string
		body string
		call func(*Client) ([]MessageRecord, error)
	}{
		{"mine bare array", "/api/message/user", "[" + one + "]",
			func(c *Client) ([]MessageRecord, error) { return c.Mine(context.Background()) }},
		{"admin msgs envelope", "/api/admin/message", `{"msgs": [` + one + `]}`,
			func(c *Client) ([]MessageRecord, error) { return c.All(context.Background()) }},
		{"between", "/api/message/conversation/u-buyer/u-seller", `{"messages": [` + one + `]}`,
			func(c *Client) ([]MessageRecord, error) { return c.Between(context.Background(), buyer, seller) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					writeJSON(w, http.StatusNotFound, `{"message": "no route"}`)
					return
				}
				writeJSON(w, http.StatusOK, tt.body)
			})
			recs, err := tt.call(c)
			if err != nil {
				t.Fatalf("call: %v", err)
			}
			if len(recs) != 1 || recs[0].ID != "m1" {
				t.Fatalf("recs = %+v", recs)
			}
		})
	}
}

func TestClientAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"code": "FORBIDDEN", "message": "not your conversation"}`)
	})

	_, err := c.Conversation(context.Background(), seller)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != 403 || apiErr.Code != "FORBIDDEN" || apiErr.Message != "not your conversation" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestClientAPIErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.MarkSeen(context.Background(), "m1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Bad Gateway" {
		t.Fatalf("err = %v", err)
	}
}

// ============================================================================
// Mutations
// ============================================================================

func TestClientSend(t *testing.T) {
	var body SendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/message/send" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, `{"message": {"_id": "srv-1", "sender": "u-buyer", "receiver": "u-seller",
			"content": "hi", "createdAt": "2026-03-01T12:01:00Z"}}`)
	})

	rec, err := c.Send(context.Background(), SendRequest{
		Sender: buyer, Receiver: seller, Content: "hi", ProductID: "p-1", ClientID: "cid-1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if body.ClientID != "cid-1" || body.ProductID != "p-1" || body.Receiver != seller {
		t.Errorf("request body = %+v", body)
	}
	if rec.ID != "srv-1" || rec.ClientID != "cid-1" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestClientSendWithoutRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success": true}`)
	})

	rec, err := c.Send(context.Background(), SendRequest{Sender: buyer, Receiver: seller, Content: "hi", ClientID: "cid-2"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.ID != "" || rec.ClientID != "cid-2" || rec.Content != "hi" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestClientMarkSeenAndDelete(t *testing.T) {
	var calls []string
	var seenBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			json.NewDecoder(r.Body).Decode(&seenBody)
		}
		writeJSON(w, http.StatusOK, `{}`)
	})
	ctx := context.Background()

	if err := c.MarkSeen(ctx, "m1"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := c.Delete(ctx, "m2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.DeleteConversation(ctx, seller); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	want := []string{
		"PUT /api/message/seen",
		"DELETE /api/message/delete/m2",
		"DELETE /api/message/conversation/u-seller",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
	if seenBody["messageId"] != "m1" {
		t.Errorf("seen body = %v", seenBody)
	}
}

func TestClientUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, `{"error": "no file"}`)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "lamp.png" || string(data) != "png-bytes" || hdr.Header.Get("Content-Type") != "image/png" {
			writeJSON(w, http.StatusBadRequest, `{"error": "unexpected part"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"filePath": "/uploads/lamp-123.png"}`)
	})
	ctx := context.Background()

	ref, err := c.Upload(ctx, Attachment{FileName: "photos/lamp.png", Data: []byte("png-bytes")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "/uploads/lamp-123.png" {
		t.Fatalf("ref = %q", ref)
	}

	if ref, err := c.Upload(ctx, Attachment{URL: "https://cdn.example/x.jpg"}); err != nil || ref != "https://cdn.example/x.jpg" {
		t.Fatalf("Upload(URL) = %q, %v", ref, err)
	}
	if _, err := c.Upload(ctx, Attachment{Data: []byte("x")}); err == nil {
		t.Fatal("Upload without file name should fail")
	}
}

// ============================================================================
// Resilience
// ============================================================================

func TestClientCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, `{"message": "down"}`)
	}, WithCircuitBreaker(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		var apiErr *APIError
		if _, err := c.Mine(ctx); !errors.As(err, &apiErr) {
			t.Fatalf("call %d: err = %v, want *APIError", i, err)
		}
	}
	if _, err := c.Mine(ctx); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open circuit", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hits = %d, want 2", hits.Load())
	}
}

func TestClientBreakerIgnoresClientErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusNotFound, `{"message": "gone"}`)
	}, WithCircuitBreaker(1, time.Minute))

	for i := 0; i < 3; i++ {
		c.Delete(context.Background(), "m1")
	}
	if hits.Load() != 3 {
		t.Fatalf("server hits = %d, want 3", hits.Load())
	}
}

func TestClientRateLimitHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	}, WithRateLimit(0.001, 1))

	if _, err := c.Mine(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Mine(ctx); err == nil {
		t.Fatal("second call should fail waiting for the limiter")
	}
}

// ============================================================================
// Normalization
// ============================================================================

func TestNormalizeRecord(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(MessageRecord) bool
	}{
		{
			name:  "alternate field names",
			raw:   `{"id": "m1", "senderId": "a", "receiverId": "b", "text": "hi", "timestamp": "2026-03-01 12:00:00"}`,
			check: func(m MessageRecord) bool { return m.Content == "hi" && m.Sender.ID == "a" && m.CreatedAt.Equal(t0) },
		},
		{
			name:  "file object",
			raw:   `{"_id": "m1", "sender": "a", "receiver": "b", "file": {"fileUrl": "/uploads/f.pdf"}, "createdAt": "2026-03-01T12:00:00Z"}`,
			check: func(m MessageRecord) bool { return m.Attachment == "/uploads/f.pdf" },
		},
		{
			name:  "populated reply",
			raw:   `{"_id": "m2", "sender": "a", "receiver": "b", "replyTo": {"_id": "m1", "content": "q"}, "createdAt": "2026-03-01T12:00:00Z"}`,
			check: func(m MessageRecord) bool { return m.ReplyToID == "m1" },
		},
		{name: "missing id", raw: `{"sender": "a", "receiver": "b", "createdAt": "2026-03-01T12:00:00Z"}`, wantErr: true},
		{name: "self addressed", raw: `{"_id": "m", "sender": "a", "receiver": "a", "createdAt": "2026-03-01T12:00:00Z"}`, wantErr: true},
		{name: "bad timestamp", raw: `{"_id": "m", "sender": "a", "receiver": "b", "createdAt": "yesterday"}`, wantErr: true},
		{name: "missing timestamp", raw: `{"_id": "m", "sender": "a", "receiver": "b"}`, wantErr: true},
		{name: "not an object", raw: `"m1"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NormalizeRecord([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRecord) {
					t.Fatalf("err = %v, want ErrMalformedRecord", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRecord: %v", err)
			}
			if !tt.check(rec) {
				t.Fatalf("record = %+v", rec)
			}
		})
	}
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"a.png":  "image/png",
		"a.WEBP": "image/webp",
		"a.heic": "image/heic",
		"noext":  "application/octet-stream",
		"a.zzzz": "application/octet-stream",
	}
	for name, want := range tests {
		if got := guessMimeType(name); got != want {
			t.Errorf("guessMimeType(%q) = %q, want %q", name, got, want)
		}
	}
}
