package dispatcher

import (
	"context"
	"sync"

	"github.com/drblury/commandflow/internal/runtime/channel"
	"github.com/drblury/commandflow/internal/runtime/pump"
)

// Performer owns one channel and the pump reading it.
type Performer struct {
	id           string
	subscription string
	channel      channel.Channel
	pump         *pump.Pump

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func newPerformer(id, subscription string, ch channel.Channel, p *pump.Pump) *Performer {
	return &Performer{id: id, subscription: subscription, channel: ch, pump: p, done: make(chan struct{})}
}

func (p *Performer) ID() string           { return p.id }
func (p *Performer) Subscription() string { return p.subscription }

// Run starts the pump loop on its own goroutine. Later calls do nothing.
func (p *Performer) Run(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()
		go func() {
			defer close(p.done)
			defer cancel()
			p.err = p.pump.Run(ctx)
		}()
	})
}

// Stop asks the channel for a quit message, so the loop ends once pending
// messages are dispatched. It is safe to call before Run, while the loop
// runs and after it ended.
func (p *Performer) Stop() {
	p.stopOnce.Do(p.channel.Stop)
}

// abort cancels the loop without waiting for the channel to drain.
func (p *Performer) abort() {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Done is closed when the loop has exited.
func (p *Performer) Done() <-chan struct{} { return p.done }

// Err returns the pump's result once Done is closed.
func (p *Performer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Performer) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
