// Package cluster implements the cluster registry (spec §3, §4.1): the
// agent directory, service index, round-robin cursor, target selection, and
// publish/route glue onto the broker.
//
// Grounded on pkg/gossip/memberlist.go (Member/State vocabulary, collapsed
// from Alive/Suspect/Dead to the spec's live/absent), pkg/gossip/
// failure_detector.go (Observe/Phi/Remove shape, Phi replaced by a hard
// agent_timeout age check), and pkg/ring/ring.go (stable identity ordering,
// adapted from a consistent-hash point ring into a flat per-service sorted
// slice since the mapper selects among all candidates for a route rather
// than partitioning a keyspace).
package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/akeem/nanite/internal/broker"
	"github.com/akeem/nanite/internal/envelope"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/serializer"
	"github.com/akeem/nanite/internal/telemetry"
)

// agent is the registry's internal record; never handed out directly.
type agent struct {
	identity string
	services map[string]struct{}
	status   float64
	lastSeen time.Time
}

// Registry is the cluster's agent directory and service index. All
// mutations and reads are serialized under one mutex: spec §5 describes a
// single-threaded event loop where this would be unnecessary, but the
// mutex keeps the registry safe to also query from the debug HTTP surface
// and the periodic reaper's own goroutine (see internal/timer).
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*agent
	index   map[string]map[string]struct{} // service route -> set of identities
	cursors map[string]int                 // service route -> round-robin cursor

	broker     broker.Adaptor
	serializer serializer.Serializer
	log        logging.Logger
}

// New constructs an empty Registry wired to broker and serializer for
// route/publish (spec §4.1).
func New(b broker.Adaptor, s serializer.Serializer, log logging.Logger) *Registry {
	return &Registry{
		agents:     make(map[string]*agent),
		index:      make(map[string]map[string]struct{}),
		cursors:    make(map[string]int),
		broker:     b,
		serializer: s,
		log:        log,
	}
}

// ObserveRegister creates or replaces the agent record identified by
// identity, updates the service index, and stamps last_seen. Idempotent.
func (r *Registry) ObserveRegister(identity string, services []string, status float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.agents[identity]; ok {
		r.removeFromIndexLocked(identity, old.services)
	}

	svcSet := make(map[string]struct{}, len(services))
	for _, s := range services {
		svcSet[s] = struct{}{}
	}

	r.agents[identity] = &agent{
		identity: identity,
		services: svcSet,
		status:   status,
		lastSeen: time.Now(),
	}
	r.addToIndexLocked(identity, svcSet)

	telemetry.AgentEventsTotal.WithLabelValues("register").Inc()
	telemetry.AgentsRegistered.WithLabelValues("").Set(float64(len(r.agents)))
	if r.log != nil {
		r.log.Info("agent registered", "identity", identity, "services", services)
	}
}

// ObserveHeartbeat updates status and last_seen for a known identity.
// Heartbeats for unknown identities are silently dropped (spec §4.1, §9 Q1):
// agents are expected to re-register on startup, and the service index
// cannot be populated without a prior register.
func (r *Registry) ObserveHeartbeat(identity string, status float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[identity]
	if !ok {
		if r.log != nil {
			r.log.Debug("heartbeat for unknown agent dropped", "identity", identity)
		}
		return
	}
	a.status = status
	a.lastSeen = time.Now()
	telemetry.AgentEventsTotal.WithLabelValues("heartbeat").Inc()
}

// ObserveUnregister removes the agent and all its service-index entries.
func (r *Registry) ObserveUnregister(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[identity]
	if !ok {
		return
	}
	r.removeFromIndexLocked(identity, a.services)
	delete(r.agents, identity)

	telemetry.AgentEventsTotal.WithLabelValues("unregister").Inc()
	telemetry.AgentsRegistered.WithLabelValues("").Set(float64(len(r.agents)))
	if r.log != nil {
		r.log.Info("agent unregistered", "identity", identity)
	}
}

// Reap removes every agent whose last_seen is older than now-timeout,
// cleaning the service index accordingly, and returns the evicted identities.
func (r *Registry) Reap(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	cutoff := now.Add(-timeout)
	for id, a := range r.agents {
		if a.lastSeen.Before(cutoff) {
			r.removeFromIndexLocked(id, a.services)
			delete(r.agents, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		telemetry.AgentEventsTotal.WithLabelValues("reap").Add(float64(len(evicted)))
		telemetry.AgentsRegistered.WithLabelValues("").Set(float64(len(r.agents)))
		if r.log != nil {
			r.log.Info("reaped agents", "identities", evicted)
		}
	}
	return evicted
}

// ObserveFromLease bridges an etcd-lease-backed discovery layer (as in the
// teacher's cmd/server/main.go WatchPeers) into register/unregister calls.
// This is a supplemental, optional bridge (SPEC_FULL.md DOMAIN STACK); the
// canonical membership path remains the broker-notification one above.
func (r *Registry) ObserveFromLease(identity, addr string, services []string, status float64, present bool) {
	if present {
		r.ObserveRegister(identity, services, status)
		return
	}
	r.ObserveUnregister(identity)
}

func (r *Registry) addToIndexLocked(identity string, services map[string]struct{}) {
	for s := range services {
		set, ok := r.index[s]
		if !ok {
			set = make(map[string]struct{})
			r.index[s] = set
		}
		set[identity] = struct{}{}
	}
}

func (r *Registry) removeFromIndexLocked(identity string, services map[string]struct{}) {
	for s := range services {
		set, ok := r.index[s]
		if !ok {
			continue
		}
		delete(set, identity)
		if len(set) == 0 {
			delete(r.index, s)
		}
	}
}

// TargetsFor resolves a request to zero or more agent identities (spec §4.1
// "Target selection algorithm"). It is a pure function of (request, agent
// table, service index, cursor state); equal inputs produce equal outputs
// modulo cursor advancement (spec §8 invariant 5).
func (r *Registry) TargetsFor(env envelope.Envelope) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetsForLocked(env)
}

func (r *Registry) targetsForLocked(env envelope.Envelope) []string {
	if env.Target != "" {
		a, ok := r.agents[env.Target]
		if !ok {
			return nil
		}
		if _, advertises := a.services[env.Type]; !advertises {
			return nil
		}
		return []string{env.Target}
	}

	ids := r.index[env.Type]
	if len(ids) == 0 {
		return nil
	}

	selector := env.Selector
	if selector == "" {
		selector = envelope.DefaultSelector
	}

	switch selector {
	case envelope.SelectorAll:
		return sortedIdentities(ids)

	case envelope.SelectorRandom:
		sorted := sortedIdentities(ids)
		return []string{sorted[rand.IntN(len(sorted))]}

	case envelope.SelectorLeastLoaded:
		return []string{r.leastLoadedLocked(ids)}

	case envelope.SelectorRoundRobin:
		return []string{r.roundRobinLocked(env.Type, ids)}

	default:
		return []string{r.leastLoadedLocked(ids)}
	}
}

func (r *Registry) leastLoadedLocked(ids map[string]struct{}) string {
	var best string
	bestStatus := 0.0
	first := true
	for id := range ids {
		a := r.agents[id]
		if first || a.status < bestStatus || (a.status == bestStatus && id < best) {
			best = id
			bestStatus = a.status
			first = false
		}
	}
	return best
}

func (r *Registry) roundRobinLocked(service string, ids map[string]struct{}) string {
	sorted := sortedIdentities(ids)
	cursor := r.cursors[service]
	if cursor >= len(sorted) {
		cursor = 0
	}
	chosen := sorted[cursor]
	r.cursors[service] = (cursor + 1) % len(sorted)
	return chosen
}

func sortedIdentities(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Agents returns a copy-out snapshot of every live agent, for the debug
// HTTP surface (spec §9 DESIGN NOTES carried into SPEC_FULL.md's
// /debug/targets).
func (r *Registry) Agents() []envelope.AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]envelope.AgentRecord, 0, len(r.agents))
	for _, a := range r.agents {
		services := make([]string, 0, len(a.services))
		for s := range a.services {
			services = append(services, s)
		}
		sort.Strings(services)
		out = append(out, envelope.AgentRecord{
			Identity: a.identity,
			Services: services,
			Status:   a.status,
			LastSeen: a.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Route publishes env once per target to that target's direct address,
// honoring env.Persistent (spec §4.1 "route(request, targets)").
func (r *Registry) Route(ctx context.Context, env envelope.Envelope, targets []string) error {
	data, err := r.serializer.Encode(env)
	if err != nil {
		return fmt.Errorf("cluster: route: encode: %w", err)
	}
	for _, target := range targets {
		if err := r.broker.Publish(ctx, target, data, env.Persistent); err != nil {
			return fmt.Errorf("cluster: route: publish to %s: %w", target, err)
		}
	}
	return nil
}

// Publish sends env to a named queue, used by the offline-failsafe path
// (spec §4.1 "publish(request, queue_name)").
func (r *Registry) Publish(ctx context.Context, env envelope.Envelope, queueName string) error {
	data, err := r.serializer.Encode(env)
	if err != nil {
		return fmt.Errorf("cluster: publish: encode: %w", err)
	}
	// The offline queue is always durable regardless of env.Persistent,
	// since a deferred request that isn't durable defeats the point of
	// parking it (spec §4.4).
	if err := r.broker.Publish(ctx, queueName, data, true); err != nil {
		return fmt.Errorf("cluster: publish to %s: %w", queueName, err)
	}
	return nil
}
