package redeliver

import (
	"context"
	"testing"
	"time"

	"github.com/akeem/nanite/internal/broker"
	"github.com/akeem/nanite/internal/broker/memorybroker"
	"github.com/akeem/nanite/internal/cluster"
	"github.com/akeem/nanite/internal/envelope"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/mapper"
	"github.com/akeem/nanite/internal/serializer"
	"github.com/akeem/nanite/internal/warden"
)

// TestOfflineEntryRedispatchedOnRecover covers spec scenario S3: a message
// parked on mapper-offline with no eligible target is left unacked, and
// once a matching agent registers, the next Recover sweep redispatches and
// acks it.
func TestOfflineEntryRedispatchedOnRecover(t *testing.T) {
	b := memorybroker.New()
	ser := serializer.New("json")
	reg := cluster.New(b, ser, logging.NewNop())
	w := warden.New(100, time.Minute, logging.NewNop())
	r := New(b, ser, reg, w, "mapper-a", logging.NewNop())

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	env := envelope.Envelope{Type: "work", Payload: []byte("p"), From: "mapper-b", Token: "tok-offline", ReplyTo: "mapper-b"}
	data, err := ser.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := b.Publish(ctx, mapper.OfflineQueueName, data, true); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// No agent advertises "work" yet: the delivery must remain unacked.
	if depth := b.Depth(mapper.OfflineQueueName); depth != 1 {
		t.Fatalf("expected 1 unacked offline entry, got %d", depth)
	}

	// An agent now appears.
	var delivered []byte
	deliveredCh := make(chan []byte, 1)
	reg.ObserveRegister("agent-c", []string{"work"}, 0)
	if err := b.Subscribe(ctx, "agent-c", false, func(_ context.Context, _ broker.DeliveryInfo, payload []byte) error {
		deliveredCh <- payload
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := r.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	select {
	case delivered = <-deliveredCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redispatch to agent-c")
	}

	redeliveredEnv, err := ser.Decode(delivered)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if redeliveredEnv.Token != "tok-offline" {
		t.Fatalf("expected original token preserved, got %q", redeliveredEnv.Token)
	}
	if redeliveredEnv.ReplyTo != "mapper-a" {
		t.Fatalf("expected reply_to overwritten to the draining mapper, got %q", redeliveredEnv.ReplyTo)
	}

	if depth := b.Depth(mapper.OfflineQueueName); depth != 0 {
		t.Fatalf("expected offline entry acked after successful redispatch, depth=%d", depth)
	}
	if !w.Pending("tok-offline") {
		t.Fatal("expected a fire-and-forget job tracked for the redispatched entry")
	}
}

// TestMalformedOfflineEnvelopeIsAcked covers spec §7 MalformedEnvelope: a
// decode failure is logged and acked rather than retried forever.
func TestMalformedOfflineEnvelopeIsAcked(t *testing.T) {
	b := memorybroker.New()
	ser := serializer.New("json")
	reg := cluster.New(b, ser, logging.NewNop())
	w := warden.New(100, time.Minute, logging.NewNop())
	r := New(b, ser, reg, w, "mapper-a", logging.NewNop())

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := b.Publish(ctx, mapper.OfflineQueueName, []byte("not json"), true); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if depth := b.Depth(mapper.OfflineQueueName); depth != 0 {
		t.Fatalf("expected malformed entry to be acked immediately, depth=%d", depth)
	}
}
