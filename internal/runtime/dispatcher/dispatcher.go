// Package dispatcher supervises the performers that pump messages from
// channels into the command processor.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/ids"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/metrics"
	"github.com/drblury/commandflow/internal/runtime/pump"
)

// State of a Dispatcher.
type State int

const (
	Awaiting State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Awaiting:
		return "awaiting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Dependencies wires a Dispatcher.
type Dependencies struct {
	Processor     pump.Processor
	Mappers       *mapper.Registry
	Subscriptions []Subscription
	// Hooks run for every subscription, before the subscription's own.
	Hooks          pump.Hooks
	Logger         logging.ServiceLogger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

type subscriptionEntry struct {
	sub        Subscription
	open       bool
	performers []*Performer
}

// SubscriptionState is a point in time view of one subscription.
type SubscriptionState struct {
	Name       string `json:"name"`
	Open       bool   `json:"open"`
	Performers int    `json:"performers"`
	Running    int    `json:"running"`
}

// Dispatcher starts, stops and supervises performers per subscription.
type Dispatcher struct {
	processor pump.Processor
	mappers   *mapper.Registry
	hooks     pump.Hooks
	log       logging.ServiceLogger
	metrics   *metrics.Metrics
	tp        trace.TracerProvider

	mu     sync.Mutex
	state  State
	order  []string
	subs   map[string]*subscriptionEntry
	all    []*Performer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Dependencies) (*Dispatcher, error) {
	if deps.Processor == nil {
		return nil, errs.NewConfigurationError("dispatcher: command processor is required", nil)
	}
	if deps.Mappers == nil {
		return nil, errs.NewConfigurationError("dispatcher: message mappers are required", nil)
	}
	d := &Dispatcher{
		processor: deps.Processor,
		mappers:   deps.Mappers,
		hooks:     deps.Hooks,
		log:       logging.OrDiscard(deps.Logger),
		metrics:   deps.Metrics,
		tp:        deps.TracerProvider,
		subs:      make(map[string]*subscriptionEntry),
	}
	for _, sub := range deps.Subscriptions {
		if err := d.add(sub); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) add(sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}
	if _, exists := d.subs[sub.Name]; exists {
		return fmt.Errorf("%w: %q", errs.ErrSubscriptionExists, sub.Name)
	}
	if sub.Performers == 0 {
		sub.Performers = 1
	}
	d.subs[sub.Name] = &subscriptionEntry{sub: sub, open: true}
	d.order = append(d.order, sub.Name)
	return nil
}

// State returns the dispatcher state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Consumers returns the performers whose loops are still running, including
// performers of a shut subscription that are still draining.
func (d *Dispatcher) Consumers() []*Performer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var live []*Performer
	for _, p := range d.all {
		if p.running() {
			live = append(live, p)
		}
	}
	return live
}

// Snapshot reports every subscription in registration order.
func (d *Dispatcher) Snapshot() []SubscriptionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	running := make(map[string]int)
	for _, p := range d.all {
		if p.running() {
			running[p.Subscription()]++
		}
	}
	states := make([]SubscriptionState, 0, len(d.order))
	for _, name := range d.order {
		e := d.subs[name]
		states = append(states, SubscriptionState{
			Name:       name,
			Open:       e.open,
			Performers: e.sub.Performers,
			Running:    running[name],
		})
	}
	return states
}

// Receive starts the performers of every open subscription. Performers live
// until End, Shut, or cancellation of ctx.
func (d *Dispatcher) Receive(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Running:
		return nil
	case Stopped:
		return errs.ErrDispatcherStopped
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.state = Running
	for _, name := range d.order {
		e := d.subs[name]
		if !e.open {
			continue
		}
		if err := d.scale(e, e.sub.Performers); err != nil {
			d.stopAllLocked()
			d.state = Stopped
			return err
		}
	}
	d.log.Info("Dispatcher running", logging.LogFields{"subscriptions": len(d.order)})
	return nil
}

// Open restarts the performers of a shut subscription. Before Receive it
// only marks the subscription open.
func (d *Dispatcher) Open(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return errs.ErrDispatcherStopped
	}
	e, ok := d.subs[name]
	if !ok {
		return fmt.Errorf("%w: %q", errs.ErrUnknownSubscription, name)
	}
	e.open = true
	if d.state != Running {
		return nil
	}
	return d.scale(e, e.sub.Performers)
}

// OpenSubscription adds sub and opens it.
func (d *Dispatcher) OpenSubscription(sub Subscription) error {
	d.mu.Lock()
	if d.state == Stopped {
		d.mu.Unlock()
		return errs.ErrDispatcherStopped
	}
	if err := d.add(sub); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	return d.Open(sub.Name)
}

// Shut stops the performers of one subscription. They finish the messages
// already queued on their channels and exit; other subscriptions are not
// touched.
func (d *Dispatcher) Shut(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.subs[name]
	if !ok {
		return fmt.Errorf("%w: %q", errs.ErrUnknownSubscription, name)
	}
	e.open = false
	for _, p := range e.performers {
		p.Stop()
	}
	e.performers = nil
	d.metrics.ActivePerformers(name, 0)
	d.log.Info("Subscription shut", logging.LogFields{"subscription": name})
	return nil
}

// SetActivePerformers changes how many performers serve a subscription,
// starting or stopping the difference when it is open and running.
func (d *Dispatcher) SetActivePerformers(name string, n int) error {
	if n < 0 {
		return errs.NewConfigurationError(fmt.Sprintf("subscription %q: performers cannot be negative", name), nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.subs[name]
	if !ok {
		return fmt.Errorf("%w: %q", errs.ErrUnknownSubscription, name)
	}
	e.sub.Performers = n
	if d.state != Running || !e.open {
		return nil
	}
	return d.scale(e, n)
}

// End shuts every subscription and waits until every pump loop has exited.
// When ctx ends first the loops are canceled and End still waits for them
// before returning ctx's error.
func (d *Dispatcher) End(ctx context.Context) error {
	d.mu.Lock()
	if d.state == Stopped {
		d.mu.Unlock()
		return nil
	}
	for _, name := range d.order {
		e := d.subs[name]
		for _, p := range e.performers {
			p.Stop()
		}
	}
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
		d.log.Warn("Dispatcher end timed out, canceling performers", nil)
		d.mu.Lock()
		d.stopAllLocked()
		d.mu.Unlock()
		<-waited
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	for _, name := range d.order {
		d.subs[name].performers = nil
		d.metrics.ActivePerformers(name, 0)
	}
	d.state = Stopped
	d.log.Info("Dispatcher stopped", nil)
	return err
}

func (d *Dispatcher) stopAllLocked() {
	for _, p := range d.all {
		p.abort()
	}
	if d.cancel != nil {
		d.cancel()
	}
}

// scale grows or shrinks the live performers of e to n. Exited performers
// are forgotten first.
func (d *Dispatcher) scale(e *subscriptionEntry, n int) error {
	e.performers = stillRunning(e.performers)
	d.all = stillRunning(d.all)

	for len(e.performers) > n {
		last := e.performers[len(e.performers)-1]
		last.Stop()
		e.performers = e.performers[:len(e.performers)-1]
	}
	for len(e.performers) < n {
		p, err := d.newPerformer(e.sub)
		if err != nil {
			return err
		}
		e.performers = append(e.performers, p)
		d.all = append(d.all, p)
		d.start(p)
	}
	d.metrics.ActivePerformers(e.sub.Name, len(e.performers))
	return nil
}

func stillRunning(performers []*Performer) []*Performer {
	live := performers[:0]
	for _, p := range performers {
		if p.running() {
			live = append(live, p)
		}
	}
	clear(performers[len(live):])
	return live
}

func (d *Dispatcher) newPerformer(sub Subscription) (*Performer, error) {
	ch, err := sub.ChannelFactory.CreateChannel(sub.channelOptions())
	if err != nil {
		return nil, errs.NewConfigurationError(fmt.Sprintf("subscription %q: create channel", sub.Name), err)
	}
	id := sub.Name + "-" + ids.CreateULID()
	deps := pump.Dependencies{
		Channel:        ch,
		RequestType:    sub.RequestType,
		Mappers:        d.mappers,
		Processor:      d.processor,
		Config:         sub.pumpConfig(),
		Hooks:          d.hooks.Merge(sub.Hooks),
		Logger:         d.log.With(logging.LogFields{"subscription": sub.Name, "performer": id}),
		Metrics:        d.metrics,
		TracerProvider: d.tp,
	}
	var p *pump.Pump
	if sub.PumpType == Proactor {
		p, err = pump.NewProactor(deps)
	} else {
		p, err = pump.NewReactor(deps)
	}
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return newPerformer(id, sub.Name, ch, p), nil
}

func (d *Dispatcher) start(p *Performer) {
	d.wg.Add(1)
	p.Run(d.ctx)
	go func() {
		defer d.wg.Done()
		<-p.Done()
		if err := p.Err(); err != nil {
			d.log.Error("Performer stopped with error", err, logging.LogFields{
				"subscription": p.Subscription(),
				"performer":    p.ID(),
			})
			return
		}
		d.log.Debug("Performer stopped", logging.LogFields{"performer": p.ID()})
	}()
}
