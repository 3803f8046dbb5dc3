// Package publish holds the outbound event queues shared by the pipeline and
// the streaming server.
package publish

import (
	"github.com/loqalabs/loqa-callout/internal/protocol"
)

// Emitter accepts outbound events without blocking.
type Emitter interface {
	Emit(evt protocol.Event)
}

// Publisher keeps one independent FIFO per event category.
type Publisher struct {
	queues map[protocol.Category]*Queue[protocol.Event]
	notify chan struct{}
}

func New() *Publisher {
	queues := make(map[protocol.Category]*Queue[protocol.Event], len(protocol.Categories))
	for _, cat := range protocol.Categories {
		queues[cat] = NewQueue[protocol.Event]()
	}
	return &Publisher{
		queues: queues,
		notify: make(chan struct{}, 1),
	}
}

// Emit enqueues evt on its category queue and wakes the consumer.
func (p *Publisher) Emit(evt protocol.Event) {
	q, ok := p.queues[evt.Category()]
	if !ok {
		return
	}
	q.Enqueue(evt)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// TryDequeue pops the oldest event of cat, reporting false when none is
// pending.
func (p *Publisher) TryDequeue(cat protocol.Category) (protocol.Event, bool) {
	q, ok := p.queues[cat]
	if !ok {
		return nil, false
	}
	return q.TryDequeue()
}

// Notify is signalled after enqueues. Signals coalesce, so a consumer must
// drain every queue after each wake-up.
func (p *Publisher) Notify() <-chan struct{} {
	return p.notify
}

// Pending reports queued events per category.
func (p *Publisher) Pending() map[protocol.Category]int {
	out := make(map[protocol.Category]int, len(p.queues))
	for cat, q := range p.queues {
		out[cat] = q.Len()
	}
	return out
}

// Round dequeues at most one event from every non-empty queue, in
// protocol.Categories order.
func (p *Publisher) Round() []protocol.Event {
	var out []protocol.Event
	for _, cat := range protocol.Categories {
		if evt, ok := p.queues[cat].TryDequeue(); ok {
			out = append(out, evt)
		}
	}
	return out
}
