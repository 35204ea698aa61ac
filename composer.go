package spidex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ComposerOptions configures a Composer. A nil *ComposerOptions uses defaults.
type ComposerOptions struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// Now overrides the clock used for optimistic timestamps.
	Now func() time.Time
}

// Composer sends messages with optimistic local echo. When an Engine is
// attached and bound to the same conversation, the draft appears at the tail
// of its view immediately and is reconciled with the server record.
type Composer struct {
	store   MessageStore
	session Session
	engine  *Engine
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewComposer creates a composer. engine may be nil for fire-and-forget sends.
func NewComposer(store MessageStore, session Session, engine *Engine, opts *ComposerOptions) *Composer {
	c := &Composer{
		store:   store,
		session: session,
		engine:  engine,
		now:     time.Now,
	}
	if opts != nil {
		c.log = opts.Logger
		c.metrics = opts.Metrics
		if opts.Now != nil {
			c.now = opts.Now
		}
	}
	c.log = orNop(c.log)
	return c
}

// Send validates and submits draft to target. Local attachments are uploaded
// first; an upload failure aborts the send before anything is shown. On
// success the confirmed record replaces the optimistic entry in place and the
// conversation is re-fetched; on failure the entry is removed and the error
// returned. Sends are not retried.
func (c *Composer) Send(ctx context.Context, target Target, draft Draft) (MessageRecord, error) {
	content := strings.TrimSpace(draft.Content)
	receiver := target.Recipient(c.session.UserID)
	if err := c.validate(target, receiver, content, draft); err != nil {
		c.metrics.send("invalid")
		return MessageRecord{}, err
	}

	attachment := ""
	if !draft.Attachment.empty() {
		ref, err := c.store.Upload(ctx, *draft.Attachment)
		if err != nil {
			c.metrics.send("error")
			c.log.Warn("attachment upload failed", targetField(target), zap.Error(err))
			return MessageRecord{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		attachment = ref
	}

	now := c.now().UTC()
	pending := MessageRecord{
		ID:         newTempID(now),
		ClientID:   newClientID(),
		Sender:     Participant{ID: c.session.UserID},
		Receiver:   Participant{ID: receiver},
		Content:    content,
		Attachment: attachment,
		ProductID:  draft.ProductID,
		ReplyToID:  draft.ReplyToID,
		CreatedAt:  now,
		Pending:    true,
	}
	shown := c.engine != nil && c.engine.insertPending(target, pending)

	confirmed, err := c.store.Send(ctx, SendRequest{
		Sender:     pending.Sender.ID,
		Receiver:   pending.Receiver.ID,
		Content:    pending.Content,
		ProductID:  pending.ProductID,
		ReplyToID:  pending.ReplyToID,
		Attachment: pending.Attachment,
		ClientID:   pending.ClientID,
	})
	if err != nil {
		c.metrics.send("error")
		c.log.Warn("send failed", targetField(target), zap.String("temp_id", pending.ID), zap.Error(err))
		if shown {
			c.engine.rollbackPending(pending.ID, err)
		}
		return MessageRecord{}, fmt.Errorf("send message: %w", err)
	}
	c.metrics.send("ok")

	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}
	if confirmed.ID == "" {
		// Acknowledged without a record. Keep the entry pending until a
		// fetch returns its server copy.
		confirmed = pending
	}
	c.log.Debug("message sent", targetField(target),
		zap.String("temp_id", pending.ID), zap.String("message_id", confirmed.ID))

	if shown {
		if !confirmed.Pending {
			c.engine.confirmPending(pending.ID, confirmed)
		}
		if err := c.engine.Refresh(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
			c.log.Debug("refresh after send failed", zap.Error(err))
		}
	}
	return confirmed, nil
}

// SendInquiry sends the standard product inquiry a buyer starts a
// conversation with from a product page.
func (c *Composer) SendInquiry(ctx context.Context, target Target, product Product) (MessageRecord, error) {
	return c.Send(ctx, target, Draft{
		Content:   InquiryText(product),
		ProductID: product.ID,
	})
}

// Product is the listing a conversation is about.
type Product struct {
	ID    string
	Title string
}

// InquiryText is the message body of a product inquiry.
func InquiryText(p Product) string {
	if p.Title == "" {
		return "Hello, I'm interested in this product. Is it still available?"
	}
	return fmt.Sprintf("Hello, I'm interested in %q. Is it still available?", p.Title)
}

func (c *Composer) validate(target Target, receiver, content string, draft Draft) error {
	if content == "" && draft.Attachment.empty() {
		return ErrEmptyMessage
	}
	if err := target.validate(c.session.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(receiver) == "" {
		return ErrMissingCounterpart
	}
	if receiver == c.session.UserID {
		return ErrSelfMessage
	}
	return nil
}
