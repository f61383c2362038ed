// Package broker defines the capability set the mapper core requires from
// the message-broker fabric (spec §6), abstracted per DESIGN NOTES §9
// ("Broker polymorphism... test by substituting an in-memory fake").
package broker

import "context"

// DeliveryInfo identifies a single delivered message for ack/recover bookkeeping.
type DeliveryInfo struct {
	Queue string
	ID    string
}

// Handler processes one delivery. Returning an error leaves the message
// un-acked (if manual ack is in effect) so it can be redelivered by Recover.
type Handler func(ctx context.Context, info DeliveryInfo, payload []byte) error

// Adaptor is the capability set the mapper requires of the broker fabric:
// publish to named exchanges or direct queues, subscribe to queues, declare
// queues/fanout exchanges, bind a queue to an exchange, recover unacked
// deliveries, and ack a delivered message.
type Adaptor interface {
	// Publish sends payload to queue. persistent requests broker-durable storage.
	Publish(ctx context.Context, queue string, payload []byte, persistent bool) error
	// PublishFanout sends payload to every queue bound to the named fanout exchange.
	PublishFanout(ctx context.Context, exchange string, payload []byte, persistent bool) error
	// Subscribe registers handler for deliveries on queue. manualAck means the
	// caller is responsible for calling Ack; unacked deliveries remain
	// available to a future Recover.
	Subscribe(ctx context.Context, queue string, manualAck bool, handler Handler) error
	// DeclareQueue ensures queue exists with the given durability/exclusivity.
	DeclareQueue(ctx context.Context, name string, durable, exclusive bool) error
	// DeclareFanout ensures a fanout exchange exists.
	DeclareFanout(ctx context.Context, name string) error
	// Bind associates queue with exchange so PublishFanout(exchange, ...) reaches it.
	Bind(ctx context.Context, queue, exchange string) error
	// Recover causes previously-delivered-but-unacked messages on queue to
	// be redelivered to the subscriber.
	Recover(ctx context.Context, queue string) error
	// Ack acknowledges a delivery, removing it from the queue permanently.
	Ack(ctx context.Context, info DeliveryInfo) error
	// Close releases broker resources.
	Close() error
}
