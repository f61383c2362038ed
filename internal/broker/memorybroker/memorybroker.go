// Package memorybroker is an in-process fake implementing broker.Adaptor,
// for tests and for the end-to-end scenarios in spec §8 that don't need a
// running etcd cluster. Grounded on DESIGN NOTES §9's call for a
// substitutable in-memory fake.
package memorybroker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/akeem/nanite/internal/broker"
)

type pending struct {
	id      string
	payload []byte
}

type queueState struct {
	mu        sync.Mutex
	manualAck bool
	handler   broker.Handler
	// unacked holds deliveries awaiting Ack, keyed by delivery id, so Recover
	// can redeliver exactly the messages that never got acknowledged.
	unacked map[string][]byte
	order   []string // insertion order, for deterministic Recover
}

// Broker is a mutex-protected, channel-free in-memory broker.Adaptor.
// Deliveries are dispatched synchronously on the calling goroutine of
// Publish/PublishFanout/Recover, matching the spec's single-threaded
// event-loop model (§5): there is no concurrent delivery to race against.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queueState
	exchanges map[string]map[string]struct{} // exchange -> bound queue names
	seq       atomic.Uint64
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queueState),
		exchanges: make(map[string]map[string]struct{}),
	}
}

func (b *Broker) queue(name string) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{unacked: make(map[string][]byte)}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) DeclareQueue(_ context.Context, name string, _, _ bool) error {
	b.queue(name)
	return nil
}

func (b *Broker) DeclareFanout(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = make(map[string]struct{})
	}
	return nil
}

func (b *Broker) Bind(_ context.Context, queueName, exchange string) error {
	b.queue(queueName)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		b.exchanges[exchange] = make(map[string]struct{})
	}
	b.exchanges[exchange][queueName] = struct{}{}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, name string, manualAck bool, handler broker.Handler) error {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.manualAck = manualAck
	q.handler = handler
	return nil
}

func (b *Broker) Publish(ctx context.Context, queueName string, payload []byte, _ bool) error {
	q := b.queue(queueName)
	return b.deliver(ctx, queueName, q, payload)
}

func (b *Broker) PublishFanout(ctx context.Context, exchange string, payload []byte, persistent bool) error {
	b.mu.Lock()
	bound := make([]string, 0, len(b.exchanges[exchange]))
	for name := range b.exchanges[exchange] {
		bound = append(bound, name)
	}
	b.mu.Unlock()
	sort.Strings(bound)
	for _, name := range bound {
		if err := b.Publish(ctx, name, payload, persistent); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) deliver(ctx context.Context, queueName string, q *queueState, payload []byte) error {
	q.mu.Lock()
	handler := q.handler
	manualAck := q.manualAck
	q.mu.Unlock()

	if handler == nil {
		return nil
	}

	id := fmt.Sprintf("%d", b.seq.Add(1))
	info := broker.DeliveryInfo{Queue: queueName, ID: id}

	if manualAck {
		q.mu.Lock()
		q.unacked[id] = payload
		q.order = append(q.order, id)
		q.mu.Unlock()
	}

	err := handler(ctx, info, payload)

	if !manualAck {
		return err
	}
	// Manual-ack messages stay in q.unacked until Ack removes them, so a
	// handler that returns an error (or forgets to ack) leaves the message
	// available to the next Recover, per spec §4.4.
	return err
}

func (b *Broker) Recover(ctx context.Context, queueName string) error {
	q := b.queue(queueName)
	q.mu.Lock()
	handler := q.handler
	ids := append([]string(nil), q.order...)
	msgs := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if payload, ok := q.unacked[id]; ok {
			msgs[id] = payload
		}
	}
	q.mu.Unlock()

	if handler == nil {
		return nil
	}
	for _, id := range ids {
		payload, ok := msgs[id]
		if !ok {
			continue // already acked since the snapshot was taken
		}
		info := broker.DeliveryInfo{Queue: queueName, ID: id}
		_ = handler(ctx, info, payload)
	}
	return nil
}

func (b *Broker) Ack(_ context.Context, info broker.DeliveryInfo) error {
	q := b.queue(info.Queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.unacked, info.ID)
	for i, id := range q.order {
		if id == info.ID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Depth returns the number of unacked messages on queueName, for tests and
// metrics ("offline queue depth").
func (b *Broker) Depth(queueName string) int {
	q := b.queue(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unacked)
}

func (b *Broker) Close() error { return nil }
