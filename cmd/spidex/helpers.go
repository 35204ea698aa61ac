package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"

	spidex "github.com/spidexmarket/spidex/sdk/golang"
)

// settings are the effective values after config file, env and flags.
type settings struct {
	BaseURL      string
	Token        string
	UserID       string
	Operator     bool
	PollInterval time.Duration
}

func loadSettings() settings {
	return settings{
		BaseURL:      viper.GetString("default.base_url"),
		Token:        viper.GetString("auth.token"),
		UserID:       viper.GetString("auth.user_id"),
		Operator:     viper.GetBool("auth.operator"),
		PollInterval: viper.GetDuration("default.poll_interval"),
	}
}

// requireSession returns the signed-in session and a client for it.
func requireSession() (spidex.Session, *spidex.Client, error) {
	s := loadSettings()
	if s.Token == "" {
		return spidex.Session{}, nil, fmt.Errorf("no session token; run 'spidex login <token>' first")
	}
	if s.UserID == "" {
		return spidex.Session{}, nil, fmt.Errorf("no user id; run 'spidex login <token> --as <id>' or pass --user")
	}
	session := spidex.Session{UserID: s.UserID, Token: s.Token, Operator: s.Operator}
	return session, newClient(s), nil
}

func newClient(s settings) *spidex.Client {
	return spidex.NewClient(s.Token,
		spidex.WithBaseURL(s.BaseURL),
		spidex.WithLogger(logger),
		spidex.WithRateLimit(10, 5),
		spidex.WithCircuitBreaker(5, 30*time.Second),
	)
}

// ============================================================================
// Token claims
// ============================================================================

// tokenClaims is what the CLI reads from a session token. The signature is
// not verified; the server does that on every request.
type tokenClaims struct {
	UserID   string
	Operator bool
	Expires  time.Time
}

func parseTokenClaims(token string) (tokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenClaims{}, fmt.Errorf("token is not a JWT: %w", err)
	}
	var tc tokenClaims
	for _, key := range []string{"id", "_id", "userId", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			tc.UserID = v
			break
		}
	}
	if role, _ := claims["role"].(string); role == "admin" {
		tc.Operator = true
	}
	if isAdmin, _ := claims["isAdmin"].(bool); isAdmin {
		tc.Operator = true
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tc.Expires = exp.Time
	}
	return tc, nil
}

// ============================================================================
// Targets
// ============================================================================

// resolveTarget builds a conversation target from a counterpart argument or
// from --between for operator views.
func resolveTarget(args []string, between, toward string) (spidex.Target, error) {
	if between != "" {
		a, b, ok := strings.Cut(between, ",")
		if !ok {
			return spidex.Target{}, fmt.Errorf("--between takes two user ids separated by a comma")
		}
		t := spidex.BetweenUsers(strings.TrimSpace(a), strings.TrimSpace(b))
		if toward != "" {
			t = t.Toward(toward)
		}
		return t, nil
	}
	if len(args) == 0 {
		return spidex.Target{}, fmt.Errorf("a counterpart user id (or --between a,b) is required")
	}
	return spidex.To(args[0]), nil
}

// ============================================================================
// Output
// ============================================================================

func displayName(p spidex.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func formatMessage(m spidex.MessageRecord, c *spidex.Conversation, viewerID string) string {
	var b strings.Builder
	who := displayName(m.Sender)
	if m.Sender.ID == viewerID {
		who = "you"
	}
	fmt.Fprintf(&b, "[%s] %s", humanize.Time(m.CreatedAt), who)
	if m.Pending {
		b.WriteString(" (sending)")
	}
	b.WriteString(": ")
	if c != nil {
		if quoted, ok := c.ReplyPreview(m); ok {
			fmt.Fprintf(&b, "> %q ", truncate(quoted.Content, 40))
		}
	}
	b.WriteString(m.Content)
	if m.Attachment != "" {
		fmt.Fprintf(&b, " [attachment: %s]", m.Attachment)
	}
	if m.ProductID != "" {
		fmt.Fprintf(&b, " [product %s]", m.ProductID)
	}
	if m.Sender.ID == viewerID && m.Seen {
		b.WriteString(" ✓✓")
	}
	fmt.Fprintf(&b, "  (%s)", m.ID)
	return b.String()
}

func formatConversation(c spidex.Conversation, operator bool) string {
	title := displayName(c.Counterpart)
	if operator || c.Counterpart.ID == "" {
		title = displayName(c.Participants[0]) + " <> " + displayName(c.Participants[1])
	}
	line := title
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	if c.LastMessage != nil {
		line += fmt.Sprintf(" - %s, %s", truncate(c.LastMessage.Content, 50), humanize.Time(c.LastMessage.CreatedAt))
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
