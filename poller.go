package spidex

import (
	"context"
	"sync"
	"time"
)

// poller owns the single polling goroutine of a view. start replaces any
// running loop; stop cancels it and waits until it has exited, so no tick
// fires after stop returns.
type poller struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newPoller(interval time.Duration) *poller {
	return &poller{interval: interval}
}

// start runs tick immediately and then once per interval until stopped or
// until parent is done.
func (p *poller) start(parent context.Context, tick func(ctx context.Context)) {
	p.stop()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		tick(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

func (p *poller) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *poller) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
