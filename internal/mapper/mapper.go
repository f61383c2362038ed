// Package mapper implements the mapper façade (spec §4.3): request
// construction, route-to-publish glue, and offline-failsafe policy.
//
// Grounded on pkg/node/node.go's constructor-wires-collaborators pattern
// and pkg/node/handlers.go's dispatch-or-forward branching, adapted from
// "forward to the key's ring owner" into "publish to the selected targets".
package mapper

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/akeem/nanite/internal/cluster"
	"github.com/akeem/nanite/internal/envelope"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/telemetry"
	"github.com/akeem/nanite/internal/warden"
)

// OfflineQueueName is the durable queue deferred requests are parked on
// (spec §3 "Offline queue entry... lives in a broker-durable queue named
// mapper-offline").
const OfflineQueueName = "mapper-offline"

// Outcome tags the three-way result of Request (spec §4.3 "job | Offline | Nothing").
type Outcome string

const (
	// OutcomeDispatched means at least one target was found; Job is valid.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeOffline means no target was available and the request was parked
	// on the offline queue.
	OutcomeOffline Outcome = "offline"
	// OutcomeNothing means no target was available and offline-failsafe was
	// not requested; the caller will never see a reply.
	OutcomeNothing Outcome = "nothing"
)

// Job is a future-like handle onto a warden-tracked job (DESIGN NOTES §9:
// "expose the result as a future-like handle with an await/polling
// surface"). It does not embed the warden's internal job record; it only
// knows how to poll it.
type Job struct {
	Token  string
	warden *warden.Warden
}

// Done reports whether the job has reached a terminal state.
func (j *Job) Done() bool {
	return !j.warden.Pending(j.Token)
}

// Result returns the retained snapshot once the job is done. ok is false
// while the job is still pending or its retention window has elapsed.
func (j *Job) Result() (state string, results map[string][]byte, ok bool) {
	snap, found := j.warden.Snapshot(j.Token)
	if !found {
		return "", nil, false
	}
	return snap.State, snap.Results, true
}

// Mapper is the request-dispatch façade callers use.
type Mapper struct {
	identity          string
	cluster           *cluster.Registry
	warden            *warden.Warden
	defaultPersistent bool
	log               logging.Logger
}

// New constructs a Mapper. identityPrefix is combined into "mapper-<prefix>"
// (spec §6 "identity — mapper identity prefix").
func New(identityPrefix string, reg *cluster.Registry, w *warden.Warden, defaultPersistent bool, log logging.Logger) *Mapper {
	return &Mapper{
		identity:          "mapper-" + identityPrefix,
		cluster:           reg,
		warden:            w,
		defaultPersistent: defaultPersistent,
		log:               log,
	}
}

// Identity returns the mapper's own identity, used as agents' reply destination.
func (m *Mapper) Identity() string {
	return m.identity
}

func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (m *Mapper) persistentFor(opts envelope.Options) bool {
	if opts.Persistent != nil {
		return *opts.Persistent
	}
	return m.defaultPersistent
}

func (m *Mapper) buildEnvelope(typ string, payload []byte, opts envelope.Options, withReply bool) envelope.Envelope {
	selector := opts.Selector
	if selector == "" {
		selector = envelope.DefaultSelector
	}
	env := envelope.Envelope{
		Type:            typ,
		Payload:         payload,
		From:            m.identity,
		Token:           newToken(),
		Selector:        selector,
		Target:          opts.Target,
		Persistent:      m.persistentFor(opts),
		OfflineFailsafe: opts.OfflineFailsafe,
		CreatedAt:       time.Now(),
	}
	if withReply {
		env.ReplyTo = m.identity
	}
	return env
}

// Request builds an envelope with a fresh token, resolves targets, and
// either allocates a tracked job and dispatches to each target, parks the
// request on the offline queue, or drops it entirely (spec §4.3).
func (m *Mapper) Request(ctx context.Context, typ string, payload []byte, opts envelope.Options, onComplete warden.OnComplete) (*Job, Outcome, error) {
	env := m.buildEnvelope(typ, payload, opts, true)

	targets := m.cluster.TargetsFor(env)
	if len(targets) > 0 {
		if err := m.warden.NewJob(env.Token, targets, onComplete); err != nil {
			return nil, "", fmt.Errorf("mapper: request: %w", err)
		}
		if err := m.cluster.Route(ctx, env, targets); err != nil {
			return nil, "", fmt.Errorf("mapper: request: route: %w", err)
		}
		if m.log != nil {
			m.log.Debug("request dispatched", "token", env.Token, "type", typ, "targets", targets)
		}
		return &Job{Token: env.Token, warden: m.warden}, OutcomeDispatched, nil
	}

	if opts.OfflineFailsafe {
		if err := m.cluster.Publish(ctx, env, OfflineQueueName); err != nil {
			return nil, "", fmt.Errorf("mapper: request: offline publish: %w", err)
		}
		telemetry.OfflineQueueDepth.Inc()
		if m.log != nil {
			m.log.Info("request parked on offline queue", "token", env.Token, "type", typ)
		}
		return nil, OutcomeOffline, nil
	}

	if m.log != nil {
		m.log.Debug("request dropped, no targets and no offline failsafe", "type", typ)
	}
	return nil, OutcomeNothing, nil
}

// Push is identical to Request except no reply_to is set and no job is
// allocated; it always returns true after attempting publish (spec §4.3).
// A push with an empty target set silently drops.
func (m *Mapper) Push(ctx context.Context, typ string, payload []byte, opts envelope.Options) (bool, error) {
	env := m.buildEnvelope(typ, payload, opts, false)

	targets := m.cluster.TargetsFor(env)
	if len(targets) == 0 {
		if m.log != nil {
			m.log.Debug("push dropped, no targets", "type", typ)
		}
		return true, nil
	}
	if err := m.cluster.Route(ctx, env, targets); err != nil {
		return true, fmt.Errorf("mapper: push: route: %w", err)
	}
	return true, nil
}

// HandleReply demultiplexes one already-decoded reply delivered to the
// mapper's private inbox (spec §4.2 "process(envelope)").
func (m *Mapper) HandleReply(env envelope.Envelope) {
	m.warden.Process(env)
}
