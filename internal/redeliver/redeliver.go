// Package redeliver implements the offline redeliverer (spec §4.4): a
// manual-ack consumer of the mapper-offline durable queue that retries
// dispatch once a matching agent reappears, leaving unresolvable messages
// in place for the next periodic recover sweep.
//
// Grounded on discovery/etcd.go's lease/watch primitives, generalized from
// "watch a prefix, react to put/delete" into "subscribe to a queue, ack or
// leave in place depending on whether redispatch succeeded".
package redeliver

import (
	"context"
	"fmt"

	"github.com/akeem/nanite/internal/broker"
	"github.com/akeem/nanite/internal/cluster"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/mapper"
	"github.com/akeem/nanite/internal/serializer"
	"github.com/akeem/nanite/internal/telemetry"
	"github.com/akeem/nanite/internal/warden"
)

// Redeliverer drains the offline queue and retries dispatch for entries
// whose service now has an eligible target.
type Redeliverer struct {
	broker     broker.Adaptor
	serializer serializer.Serializer
	cluster    *cluster.Registry
	warden     *warden.Warden
	identity   string
	queueName  string
	log        logging.Logger
}

// New constructs a Redeliverer. identity is the owning mapper's identity,
// stamped onto every redispatched envelope's reply_to (spec §4.4: "in case
// a different mapper is draining the queue").
func New(b broker.Adaptor, ser serializer.Serializer, reg *cluster.Registry, w *warden.Warden, identity string, log logging.Logger) *Redeliverer {
	return &Redeliverer{
		broker:     b,
		serializer: ser,
		cluster:    reg,
		warden:     w,
		identity:   identity,
		queueName:  mapper.OfflineQueueName,
		log:        log,
	}
}

// Start declares the offline queue and begins consuming it in manual-ack
// mode. Call once at startup, before the first Recover tick.
func (r *Redeliverer) Start(ctx context.Context) error {
	if err := r.broker.DeclareQueue(ctx, r.queueName, true, false); err != nil {
		return fmt.Errorf("redeliver: declare queue: %w", err)
	}
	return r.broker.Subscribe(ctx, r.queueName, true, r.handle)
}

// Recover triggers a broker recover on the offline queue, causing every
// previously-delivered-but-unacked message to be re-offered to handle
// (spec §4.4 "periodic timer... causing previously-delivered-but-unacked
// messages to be re-delivered").
func (r *Redeliverer) Recover(ctx context.Context) error {
	return r.broker.Recover(ctx, r.queueName)
}

// handle is the manual-ack delivery callback (spec §4.4 algorithm).
func (r *Redeliverer) handle(ctx context.Context, info broker.DeliveryInfo, payload []byte) error {
	env, err := r.serializer.Decode(payload)
	if err != nil {
		// MalformedEnvelope (spec §7): log and ack to avoid a poison-pill
		// redelivery loop.
		if r.log != nil {
			r.log.Error("malformed offline envelope, dropping", "error", err)
		}
		return r.broker.Ack(ctx, info)
	}

	env.ReplyTo = r.identity

	targets := r.cluster.TargetsFor(env)
	if len(targets) == 0 {
		telemetry.RedeliveryAttemptsTotal.WithLabelValues("deferred").Inc()
		if r.log != nil {
			r.log.Debug("offline entry still has no target, leaving queued", "token", env.Token, "type", env.Type)
		}
		return nil // do not ack; stays queued for the next recover
	}

	// No completion callback: the original caller that issued the request
	// is no longer reachable (spec §4.4, §9 Q3 resolved as fire-and-forget).
	if err := r.warden.NewJob(env.Token, targets, nil); err != nil {
		// A duplicate token here means a previous sweep already redispatched
		// this entry and it's still pending; ack to drop the duplicate copy.
		telemetry.RedeliveryAttemptsTotal.WithLabelValues("duplicate").Inc()
		telemetry.OfflineQueueDepth.Dec()
		if r.log != nil {
			r.log.Debug("offline entry already redispatched, acking duplicate", "token", env.Token)
		}
		return r.broker.Ack(ctx, info)
	}

	if err := r.cluster.Route(ctx, env, targets); err != nil {
		telemetry.RedeliveryAttemptsTotal.WithLabelValues("route_error").Inc()
		if r.log != nil {
			r.log.Error("offline redispatch route failed, leaving queued", "token", env.Token, "error", err)
		}
		r.warden.Cancel(env.Token)
		return nil // do not ack; retry on the next recover
	}

	telemetry.RedeliveryAttemptsTotal.WithLabelValues("redispatched").Inc()
	telemetry.OfflineQueueDepth.Dec()
	if r.log != nil {
		r.log.Info("offline entry redispatched", "token", env.Token, "type", env.Type, "targets", targets)
	}
	return r.broker.Ack(ctx, info)
}
