package spidex

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultSeenConcurrency = 4
	defaultSeenRate        = 10 // calls per second
)

// SeenOptions configures a SeenPropagator. A nil *SeenOptions uses defaults.
type SeenOptions struct {
	// Concurrency bounds simultaneous mark-seen calls.
	Concurrency int
	// Rate caps mark-seen calls per second.
	Rate float64
	// Inbox, when set, has its unread count reset after each pass.
	Inbox   *Inbox
	Logger  *zap.Logger
	Metrics *Metrics
}

// SeenPropagator marks the counterpart's messages seen, locally at once and
// remotely on a best-effort basis.
type SeenPropagator struct {
	store       MessageStore
	session     Session
	engine      *Engine
	inbox       *Inbox
	concurrency int
	limiter     *rate.Limiter
	log         *zap.Logger
	metrics     *Metrics

	mu       sync.Mutex
	inflight map[string]bool
}

// NewSeenPropagator creates a propagator. engine may be nil, in which case
// MarkSeen fetches the conversation itself.
func NewSeenPropagator(store MessageStore, session Session, engine *Engine, opts *SeenOptions) *SeenPropagator {
	p := &SeenPropagator{
		store:       store,
		session:     session,
		engine:      engine,
		concurrency: defaultSeenConcurrency,
		inflight:    make(map[string]bool),
	}
	r := float64(defaultSeenRate)
	if opts != nil {
		if opts.Concurrency > 0 {
			p.concurrency = opts.Concurrency
		}
		if opts.Rate > 0 {
			r = opts.Rate
		}
		p.inbox = opts.Inbox
		p.log = opts.Logger
		p.metrics = opts.Metrics
	}
	p.limiter = rate.NewLimiter(rate.Limit(r), p.concurrency)
	p.log = orNop(p.log)
	return p
}

// MarkSeen marks every unseen message in target that the viewer did not
// author. The local view flips immediately whatever the remote calls return.
// It returns the number of messages marked.
func (p *SeenPropagator) MarkSeen(ctx context.Context, target Target) int {
	if err := target.validate(p.session.UserID); err != nil {
		p.log.Debug("mark seen skipped", targetField(target), zap.Error(err))
		return 0
	}
	msgs, ok := p.boundMessages(target)
	if !ok {
		var err error
		if target.IsPair() {
			msgs, err = p.store.Between(ctx, target.Between[0], target.Between[1])
		} else {
			msgs, err = p.store.Conversation(ctx, target.Counterpart)
		}
		if err != nil {
			p.log.Warn("mark seen fetch failed", targetField(target), zap.Error(err))
			return 0
		}
	}
	return p.mark(ctx, target, msgs)
}

// Attach runs MarkSeen whenever engine shows its conversation or receives new
// messages. The returned function detaches it.
func (p *SeenPropagator) Attach(ctx context.Context, engine *Engine) (detach func()) {
	if p.engine == nil {
		p.engine = engine
	}
	return engine.On(EventUpdate, func(_ string, payload any) {
		u, ok := payload.(Update)
		if !ok || u.Source == SourceLocal || u.Conversation.UnreadCount == 0 {
			return
		}
		p.mark(ctx, u.Target, u.Conversation.Messages)
	})
}

func (p *SeenPropagator) boundMessages(target Target) ([]MessageRecord, bool) {
	if p.engine == nil {
		return nil, false
	}
	active, ok := p.engine.Target()
	if !ok || active.Key(p.session.UserID) != target.Key(p.session.UserID) {
		return nil, false
	}
	return p.engine.Conversation().Messages, true
}

func (p *SeenPropagator) mark(ctx context.Context, target Target, msgs []MessageRecord) int {
	ids := p.claim(target, msgs)
	if len(ids) == 0 {
		return 0
	}
	defer p.release(ids)

	if p.engine != nil {
		if active, ok := p.engine.Target(); ok && active.Key(p.session.UserID) == target.Key(p.session.UserID) {
			if p.engine.markSeenLocal(ids) > 0 {
				p.engine.emitUpdate(SourceLocal, nil)
			}
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	var mu sync.Mutex
	failed := 0
	for _, id := range ids {
		g.Go(func() error {
			err := p.limiter.Wait(gctx)
			if err == nil {
				err = p.store.MarkSeen(gctx, id)
			}
			if err != nil {
				p.metrics.seen("error")
				p.log.Warn("mark seen failed", zap.String("message_id", id), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			p.metrics.seen("ok")
			return nil
		})
	}
	_ = g.Wait()

	p.log.Debug("marked messages seen", targetField(target),
		zap.Int("count", len(ids)), zap.Int("failed", failed), zap.Duration("elapsed", time.Since(start)))

	if p.inbox != nil {
		p.inbox.ResetUnread(target.Key(p.session.UserID))
	}
	return len(ids)
}

// claim selects the unseen messages the viewer did not author and that no
// other pass is already marking.
func (p *SeenPropagator) claim(target Target, msgs []MessageRecord) []string {
	viewer := p.session.UserID
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, m := range msgs {
		if m.Seen || m.Pending || m.Sender.ID == viewer || !target.includes(m, viewer) {
			continue
		}
		if !target.IsPair() && m.Sender.ID != target.Counterpart {
			continue
		}
		if p.inflight[m.ID] {
			continue
		}
		p.inflight[m.ID] = true
		ids = append(ids, m.ID)
	}
	return ids
}

func (p *SeenPropagator) release(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.inflight, id)
	}
}
