// Package etcdbroker implements broker.Adaptor on top of go.etcd.io/etcd's
// v3 client, generalizing the teacher's discovery/etcd.go (Grant/Put
// WithLease/KeepAlive) and cmd/server/main.go (Get WithPrefix, watch-driven
// peer-list rebuild) into a full queue/exchange/ack/recover broker.
//
// No message-broker client library (amqp, nats, kafka) appears anywhere in
// the retrieval pack (see SPEC_FULL.md DOMAIN STACK), so queues and fanout
// exchanges are modeled as etcd key prefixes: a queue is
// "<namespace>/queue/<name>/<msgid>", a fanout exchange's bindings live
// under "<namespace>/exchange/<name>/<queue>". "Unacked" and "still present
// in etcd" are the same fact, which is exactly what makes Recover a plain
// re-list of the prefix rather than bespoke bookkeeping.
package etcdbroker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/akeem/nanite/internal/broker"
	"github.com/akeem/nanite/internal/logging"
)

var (
	instanceID = randomHex(8)
	idCounter  atomic.Uint64
)

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// nextID returns a per-process-unique, monotonically increasing message id
// suitable as an etcd key suffix.
func nextID() string {
	return fmt.Sprintf("%s-%020d", instanceID, idCounter.Add(1))
}

// Broker is an etcd-backed broker.Adaptor.
type Broker struct {
	cli       *clientv3.Client
	namespace string
	log       logging.Logger

	mu   sync.Mutex
	subs map[string]*subscription // queue name -> active subscription
}

type subscription struct {
	cancel    context.CancelFunc
	manualAck bool
	handler   broker.Handler
}

// Config configures a Broker.
type Config struct {
	Endpoints []string
	Username  string
	Password  string
	Namespace string // key prefix; defaults to "/mapper" when empty
}

// New dials etcd and returns a Broker. The caller owns calling Close.
func New(cfg Config, log logging.Logger) (*Broker, error) {
	ns := cfg.Namespace
	if ns == "" {
		ns = "/mapper"
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: cfg.Endpoints,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdbroker: dial: %w", err)
	}
	return &Broker{
		cli:       cli,
		namespace: ns,
		log:       log,
		subs:      make(map[string]*subscription),
	}, nil
}

// NewFromClient wraps an already-constructed client, e.g. one shared with a
// cluster-discovery bridge (SPEC_FULL.md's ObserveFromLease).
func NewFromClient(cli *clientv3.Client, namespace string, log logging.Logger) *Broker {
	if namespace == "" {
		namespace = "/mapper"
	}
	return &Broker{cli: cli, namespace: namespace, log: log, subs: make(map[string]*subscription)}
}

func (b *Broker) queuePrefix(name string) string {
	return b.namespace + "/queue/" + name + "/"
}

func (b *Broker) exchangePrefix(name string) string {
	return b.namespace + "/exchange/" + name + "/"
}

func (b *Broker) DeclareQueue(ctx context.Context, name string, _, _ bool) error {
	// etcd needs no explicit queue creation; a marker key makes the queue
	// discoverable by prefix listing even before its first message.
	_, err := b.cli.Put(ctx, b.queuePrefix(name)+".keep", "")
	return err
}

func (b *Broker) DeclareFanout(ctx context.Context, name string) error {
	_, err := b.cli.Put(ctx, b.exchangePrefix(name)+".keep", "")
	return err
}

func (b *Broker) Bind(ctx context.Context, queueName, exchange string) error {
	_, err := b.cli.Put(ctx, b.exchangePrefix(exchange)+queueName, queueName)
	return err
}

func (b *Broker) Publish(ctx context.Context, queueName string, payload []byte, persistent bool) error {
	key := b.queuePrefix(queueName) + nextID()
	if !persistent {
		// Best-effort, non-durable delivery: attach a short lease so an
		// unconsumed message eventually self-cleans instead of living
		// forever in etcd. Durable (persistent) envelopes get a plain Put.
		lease, err := b.cli.Grant(ctx, 300)
		if err != nil {
			return fmt.Errorf("etcdbroker: grant lease: %w", err)
		}
		_, err = b.cli.Put(ctx, key, string(payload), clientv3.WithLease(lease.ID))
		return err
	}
	_, err := b.cli.Put(ctx, key, string(payload))
	return err
}

func (b *Broker) PublishFanout(ctx context.Context, exchange string, payload []byte, persistent bool) error {
	resp, err := b.cli.Get(ctx, b.exchangePrefix(exchange), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcdbroker: list bindings for %s: %w", exchange, err)
	}
	for _, kv := range resp.Kvs {
		queueName := strings.TrimPrefix(string(kv.Key), b.exchangePrefix(exchange))
		if queueName == ".keep" {
			continue
		}
		if err := b.Publish(ctx, queueName, payload, persistent); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, queueName string, manualAck bool, handler broker.Handler) error {
	subCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if old, ok := b.subs[queueName]; ok {
		old.cancel()
	}
	b.subs[queueName] = &subscription{cancel: cancel, manualAck: manualAck, handler: handler}
	b.mu.Unlock()

	prefix := b.queuePrefix(queueName)

	// Deliver whatever is already present (covers process restarts, the
	// same way cmd/server/main.go bootstraps its ring from Get WithPrefix
	// before relying on Watch for the future).
	if err := b.deliverExisting(subCtx, queueName, prefix, manualAck, handler); err != nil {
		cancel()
		return err
	}

	watchCh := b.cli.Watch(subCtx, prefix, clientv3.WithPrefix())
	go func() {
		for resp := range watchCh {
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				key := string(ev.Kv.Key)
				if strings.HasSuffix(key, "/.keep") {
					continue
				}
				id := strings.TrimPrefix(key, prefix)
				info := broker.DeliveryInfo{Queue: queueName, ID: id}
				if err := handler(subCtx, info, ev.Kv.Value); err != nil {
					if b.log != nil {
						b.log.Error("etcdbroker: handler failed", "queue", queueName, "id", id, "err", err)
					}
					continue
				}
				if !manualAck {
					_, _ = b.cli.Delete(subCtx, key)
				}
			}
		}
	}()
	return nil
}

func (b *Broker) deliverExisting(ctx context.Context, queueName, prefix string, manualAck bool, handler broker.Handler) error {
	resp, err := b.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcdbroker: list %s: %w", queueName, err)
	}
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if strings.HasSuffix(key, "/.keep") {
			continue
		}
		id := strings.TrimPrefix(key, prefix)
		info := broker.DeliveryInfo{Queue: queueName, ID: id}
		if err := handler(ctx, info, kv.Value); err != nil {
			if b.log != nil {
				b.log.Error("etcdbroker: handler failed on existing delivery", "queue", queueName, "id", id, "err", err)
			}
			continue
		}
		if !manualAck {
			_, _ = b.cli.Delete(ctx, key)
		}
	}
	return nil
}

// Recover re-delivers everything still present on queueName: in this
// adapter "unacked" and "key still present" are the same fact, so recover
// is just deliverExisting again.
func (b *Broker) Recover(ctx context.Context, queueName string) error {
	b.mu.Lock()
	sub, ok := b.subs[queueName]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("etcdbroker: recover: no subscription for %s", queueName)
	}
	return b.deliverExisting(ctx, queueName, b.queuePrefix(queueName), sub.manualAck, sub.handler)
}

func (b *Broker) Ack(ctx context.Context, info broker.DeliveryInfo) error {
	_, err := b.cli.Delete(ctx, b.queuePrefix(info.Queue)+info.ID)
	return err
}

func (b *Broker) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.cancel()
	}
	b.mu.Unlock()
	return b.cli.Close()
}
