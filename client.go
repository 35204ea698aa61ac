// Package spidex is the Go SDK for spidex marketplace messaging.
//
// It keeps a live, ordered view of a two-party conversation between buyers,
// sellers and operators, synchronized against the REST API by polling and,
// optionally, a push channel.
//
// Example:
//
//	client := spidex.NewClient(token, spidex.WithBaseURL("https://api.spidex.market"))
//	session := spidex.Session{UserID: "u-buyer", Token: token}
//
//	engine := spidex.NewEngine(client, session, nil)
//	engine.On(spidex.EventUpdate, func(_ string, p any) { render(p.(spidex.Update)) })
//	engine.Start(ctx, spidex.To("u-seller"))
//	defer engine.Stop()
//
//	composer := spidex.NewComposer(client, session, engine, nil)
//	composer.Send(ctx, spidex.To("u-seller"), spidex.Draft{Content: "Is this still available?"})
package spidex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	maxUploadSize = 20 * 1024 * 1024
)

// ============================================================================
// Store
// ============================================================================

// MessageStore is the remote message store the sync engine, composer and
// seen propagator work against. *Client implements it over REST.
type MessageStore interface {
	// Conversation returns the messages between the session user and counterpart.
	Conversation(ctx context.Context, counterpart string) ([]MessageRecord, error)
	// Between returns the messages between two other users (operator view).
	Between(ctx context.Context, a, b string) ([]MessageRecord, error)
	// Mine returns every message the session user sent or received.
	Mine(ctx context.Context) ([]MessageRecord, error)
	// All returns every message on the platform (operator view).
	All(ctx context.Context) ([]MessageRecord, error)
	Send(ctx context.Context, req SendRequest) (MessageRecord, error)
	MarkSeen(ctx context.Context, messageID string) error
	Delete(ctx context.Context, messageID string) error
	DeleteConversation(ctx context.Context, counterpart string) error
	// Upload stores a local attachment and returns its reference.
	Upload(ctx context.Context, att Attachment) (string, error)
}

// SendRequest is the body of a send call.
type SendRequest struct {
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	Content    string `json:"content"`
	ProductID  string `json:"product,omitempty"`
	ReplyToID  string `json:"replyTo,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = orNop(l) }
}

// WithRateLimit caps outgoing requests at rps with the given burst. Requests
// wait for a token or for ctx to end.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithCircuitBreaker opens the circuit after maxFailures consecutive
// transport or 5xx failures and lets a trial request through after cooldown.
func WithCircuitBreaker(maxFailures uint32, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "spidex-api",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return apiErr.Status < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.Info("circuit breaker state",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, bodyReader, contentType)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if c.breaker == nil {
		return c.roundTrip(ctx, method, path, body, contentType)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body, contentType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("request %s %s: %w", method, path, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug("api request",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = firstNonEmpty(body.Message, body.Error)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeMessages accepts {messages: [...]}, {msgs: [...]} or a bare array.
func (c *Client) decodeMessages(data []byte) ([]MessageRecord, error) {
	var raws []json.RawMessage
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else {
		list, err := decodeJSON[messageList](data)
		if err != nil {
			return nil, err
		}
		raws = list.Messages
		if raws == nil {
			raws = list.Msgs
		}
	}
	recs, rejected := normalizeList(raws)
	for _, err := range rejected {
		c.log.Warn("rejected message record", zap.Error(err))
	}
	return recs, nil
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) Conversation(ctx context.Context, counterpart string) ([]MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/message/conversation/"+url.PathEscape(counterpart), nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages(data)
}

func (c *Client) Between(ctx context.Context, a, b string) ([]MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet,
		"/api/message/conversation/"+url.PathEscape(a)+"/"+url.PathEscape(b), nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages(data)
}

func (c *Client) Mine(ctx context.Context) ([]MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/message/user", nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages(data)
}

func (c *Client) All(ctx context.Context) ([]MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/admin/message", nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages(data)
}

// Send submits a message and returns the confirmed record. When the server
// acknowledges without echoing the record, the returned record is built from
// the request and carries an empty ID.
func (c *Client) Send(ctx context.Context, req SendRequest) (MessageRecord, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/message/send", req)
	if err != nil {
		return MessageRecord{}, err
	}
	env, err := decodeJSON[messageEnvelope](data)
	if err != nil {
		return MessageRecord{}, err
	}
	raw := env.Message
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = data
	}
	rec, err := NormalizeRecord(raw)
	if err != nil {
		c.log.Debug("send response carried no usable record", zap.Error(err))
		return MessageRecord{
			ClientID:   req.ClientID,
			Sender:     Participant{ID: req.Sender},
			Receiver:   Participant{ID: req.Receiver},
			Content:    req.Content,
			Attachment: req.Attachment,
			ProductID:  req.ProductID,
			ReplyToID:  req.ReplyToID,
		}, nil
	}
	if rec.ClientID == "" {
		rec.ClientID = req.ClientID
	}
	return rec, nil
}

func (c *Client) MarkSeen(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/api/message/seen", map[string]string{"messageId": messageID})
	return err
}

func (c *Client) Delete(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/message/delete/"+url.PathEscape(messageID), nil)
	return err
}

func (c *Client) DeleteConversation(ctx context.Context, counterpart string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/message/conversation/"+url.PathEscape(counterpart), nil)
	return err
}

// ============================================================================
// Uploads
// ============================================================================

// Upload sends a local attachment as multipart field "file" and returns the
// stored path or URL. Attachments that already carry a URL are returned as is.
func (c *Client) Upload(ctx context.Context, att Attachment) (string, error) {
	if att.URL != "" && len(att.Data) == 0 {
		return att.URL, nil
	}
	if att.FileName == "" {
		return "", fmt.Errorf("fileName is required when uploading bytes")
	}
	if len(att.Data) > maxUploadSize {
		return "", fmt.Errorf("file exceeds maximum size of %d MB", maxUploadSize/(1024*1024))
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(att.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(att.FileName)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/send", &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	var f wireFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("failed to unmarshal upload response: %w", err)
	}
	if f == "" {
		return "", fmt.Errorf("upload response has no file path")
	}
	return string(f), nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".md": "text/markdown",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

var _ MessageStore = (*Client)(nil)
