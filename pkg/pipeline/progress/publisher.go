package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

// Publisher fans progress events out to per-run subscribers.
//
// Sequence numbers are assigned per run at publish time, so all
// subscribers of a run observe the same numbering. Publish never
// blocks: a full subscriber buffer sheds its oldest event first.
type Publisher struct {
	bufferSize int
	onDrop     func(runID string, dropped Event)

	mu     sync.RWMutex
	seqs   map[string]*uint64                   // runID -> next sequence
	subs   map[string]map[int64]*Subscription   // runID -> subscription ID -> subscription
	nextID atomic.Int64
	closed bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithOnDrop installs a callback invoked whenever a slow subscriber
// loses an event. Called from the publishing goroutine; keep it cheap.
func WithOnDrop(fn func(runID string, dropped Event)) Option {
	return func(p *Publisher) { p.onDrop = fn }
}

// NewPublisher creates a progress publisher.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		bufferSize: DefaultBufferSize,
		seqs:       make(map[string]*uint64),
		subs:       make(map[string]map[int64]*Subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscription is one consumer's view of a run's event stream.
type Subscription struct {
	id     int64
	runID  string
	events chan Event
	pub    *Publisher
	once   sync.Once
}

// Events returns the receive channel. It is closed when the run
// finishes or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.events }

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	s.detachLocked()
}

func (s *Subscription) detachLocked() {
	s.once.Do(func() {
		if runSubs, ok := s.pub.subs[s.runID]; ok {
			delete(runSubs, s.id)
			if len(runSubs) == 0 {
				delete(s.pub.subs, s.runID)
			}
		}
		close(s.events)
	})
}

// Subscribe registers a consumer for one run's events. Events published
// before the subscription are not replayed; consumers needing full
// history should read the persisted run first and use sequence numbers
// to dedupe.
func (p *Publisher) Subscribe(runID string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		id:     p.nextID.Add(1),
		runID:  runID,
		events: make(chan Event, p.bufferSize),
		pub:    p,
	}
	if p.closed {
		// Closed publisher hands back an already-finished stream.
		sub.once.Do(func() { close(sub.events) })
		return sub
	}
	if p.subs[runID] == nil {
		p.subs[runID] = make(map[int64]*Subscription)
	}
	p.subs[runID][sub.id] = sub
	return sub
}

// Publish stamps the event with the run's next sequence number and
// delivers it to all subscribers of that run. Terminal events close the
// run's subscriptions after delivery.
func (p *Publisher) Publish(evt Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	seq := p.seqs[evt.RunID]
	if seq == nil {
		seq = new(uint64)
		p.seqs[evt.RunID] = seq
	}
	*seq++
	evt.Sequence = *seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	subs := make([]*Subscription, 0, len(p.subs[evt.RunID]))
	for _, sub := range p.subs[evt.RunID] {
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		for {
			select {
			case sub.events <- evt:
			default:
				// Buffer full: shed the oldest event and retry.
				select {
				case dropped := <-sub.events:
					if p.onDrop != nil {
						p.onDrop(evt.RunID, dropped)
					}
				default:
				}
				continue
			}
			break
		}
	}

	if evt.Type.Terminal() {
		for _, sub := range subs {
			sub.detachLocked()
		}
		delete(p.seqs, evt.RunID)
	}
	p.mu.Unlock()
}

// Close shuts the publisher down and closes every subscription.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, runSubs := range p.subs {
		for _, sub := range runSubs {
			sub.once.Do(func() { close(sub.events) })
		}
	}
	p.subs = make(map[string]map[int64]*Subscription)
	p.seqs = make(map[string]*uint64)
	return nil
}
