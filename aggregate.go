package spidex

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation Aggregator
// ============================================================================

// Aggregator groups flat message lists into per-counterpart conversations.
// The zero value is usable and logs nothing.
type Aggregator struct {
	Log *zap.Logger
}

// Aggregate groups the records visible to viewerID into one conversation per
// counterpart. Records the viewer does not take part in, or that lack a
// resolvable participant, are skipped and logged.
func (a Aggregator) Aggregate(records []MessageRecord, viewerID string) []Conversation {
	groups := make(map[ConversationKey]*Conversation)
	var order []ConversationKey

	for _, m := range records {
		if !a.usable(m) {
			continue
		}
		if !m.Involves(viewerID) {
			a.logger().Debug("skipping record outside viewer's conversations",
				zap.String("message_id", m.ID), zap.String("viewer", viewerID))
			continue
		}
		key := m.Key()
		c, ok := groups[key]
		if !ok {
			c = &Conversation{Key: key}
			groups[key] = c
			order = append(order, key)
		}
		c.Messages = append(c.Messages, m)
		mergeParticipant(&c.Counterpart, m.Counterpart(viewerID))
	}

	out := make([]Conversation, 0, len(order))
	for _, key := range order {
		c := groups[key]
		c.Participants = [2]Participant{{ID: viewerID}, c.Counterpart}
		finalize(c, viewerID)
		out = append(out, *c)
	}
	sortByKey(out)
	return out
}

// AggregatePairs groups records by participant pair for operator views that
// do not belong to either side. Every unseen message counts as unread.
func (a Aggregator) AggregatePairs(records []MessageRecord) []Conversation {
	groups := make(map[ConversationKey]*Conversation)
	var order []ConversationKey

	for _, m := range records {
		if !a.usable(m) {
			continue
		}
		key := m.Key()
		c, ok := groups[key]
		if !ok {
			first, second := key.Participants()
			c = &Conversation{Key: key, Participants: [2]Participant{{ID: first}, {ID: second}}}
			groups[key] = c
			order = append(order, key)
		}
		c.Messages = append(c.Messages, m)
		for i := range c.Participants {
			if c.Participants[i].ID == m.Sender.ID {
				mergeParticipant(&c.Participants[i], m.Sender)
			}
			if c.Participants[i].ID == m.Receiver.ID {
				mergeParticipant(&c.Participants[i], m.Receiver)
			}
		}
	}

	out := make([]Conversation, 0, len(order))
	for _, key := range order {
		c := groups[key]
		finalize(c, "")
		out = append(out, *c)
	}
	sortByKey(out)
	return out
}

func (a Aggregator) usable(m MessageRecord) bool {
	if m.Sender.ID == "" || m.Receiver.ID == "" {
		a.logger().Warn("excluding message with unresolved participant", zap.String("message_id", m.ID))
		return false
	}
	if m.Sender.ID == m.Receiver.ID {
		a.logger().Warn("excluding self-addressed message", zap.String("message_id", m.ID))
		return false
	}
	return true
}

func (a Aggregator) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// finalize sorts the thread and derives LastMessage and UnreadCount. viewerID
// is empty for operator views.
func finalize(c *Conversation, viewerID string) {
	sortMessages(c.Messages)
	c.LastMessage = nil
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.LastMessage = &last
	}
	c.UnreadCount = countUnread(c.Messages, viewerID)
}

// countUnread counts unseen messages not authored by viewerID. For a
// participant view that is exactly the counterpart's unseen messages.
func countUnread(msgs []MessageRecord, viewerID string) int {
	n := 0
	for _, m := range msgs {
		if !m.Seen && !m.Pending && m.Sender.ID != viewerID {
			n++
		}
	}
	return n
}

func sortMessages(msgs []MessageRecord) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].before(msgs[j]) })
}

func sortByKey(convs []Conversation) {
	sort.Slice(convs, func(i, j int) bool { return convs[i].Key < convs[j].Key })
}

// mergeParticipant fills in display fields that later records may populate.
func mergeParticipant(dst *Participant, src Participant) {
	if dst.ID == "" {
		dst.ID = src.ID
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Role == "" {
		dst.Role = src.Role
	}
}

// ── List helpers ─────────────────────────────────────────

// SortByRecent orders conversations by their last message, newest first.
// Conversations without messages sort last.
func SortByRecent(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessage, convs[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return b.before(*a)
	})
}

// FilterConversations keeps conversations whose counterpart's name or id
// contains query, case-insensitively. Pair views without a counterpart match
// on either participant. An empty query keeps everything.
func FilterConversations(convs []Conversation, query string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return convs
	}
	var out []Conversation
	for _, c := range convs {
		candidates := []Participant{c.Counterpart}
		if c.Counterpart.ID == "" {
			candidates = c.Participants[:]
		}
		for _, p := range candidates {
			if p.ID == "" {
				continue
			}
			if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.ID), q) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// TotalUnread sums UnreadCount across conversations.
func TotalUnread(convs []Conversation) int {
	n := 0
	for _, c := range convs {
		n += c.UnreadCount
	}
	return n
}
