// Package warden implements the job warden (spec §3, §4.2): in-flight
// request/response correlation, reply demultiplexing by token, and
// completion signalling.
//
// Grounded on the teacher's copy-out/single-mutex discipline seen
// throughout pkg/ring/ring.go and pkg/kv/kv.go: one mutex protects all
// mutation, and nothing escapes the package as an internal pointer.
package warden

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akeem/nanite/internal/envelope"
	"github.com/akeem/nanite/internal/jobcache"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/telemetry"
)

// State is a job's lifecycle state (spec §4.5).
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// ErrDuplicateToken is returned by NewJob when token is already registered
// (spec §7 DuplicateToken: "Indicates an identity-generator collision and
// is fatal for that call").
var ErrDuplicateToken = errors.New("warden: duplicate token")

// OnComplete is invoked exactly once per job, with the final results map,
// either on full completion or explicit cancellation (spec §8 invariant 4).
type OnComplete func(results map[string][]byte)

type job struct {
	token      string
	targets    []string
	pending    map[string]struct{}
	results    map[string][]byte
	onComplete OnComplete
	state      State
	createdAt  time.Time
}

// Warden tracks in-flight jobs keyed by token.
type Warden struct {
	mu    sync.Mutex
	jobs  map[string]*job
	cache *jobcache.JobCache
	log   logging.Logger
}

// New constructs a Warden. Completed/cancelled jobs are retained in an
// auxiliary jobcache, at most retentionCapacity of them (<= 0: no count
// limit), each for retentionWindow (<= 0: no time limit), so a poller can
// observe a result shortly after the completion callback fired.
func New(retentionCapacity int, retentionWindow time.Duration, log logging.Logger) *Warden {
	return &Warden{
		jobs:  make(map[string]*job),
		cache: jobcache.New(retentionCapacity, retentionWindow),
		log:   log,
	}
}

// NewJob registers a job under request.Token, capturing the target set
// (spec §4.2 "new_job(request, targets, on_complete?) -> job").
func (w *Warden) NewJob(token string, targets []string, onComplete OnComplete) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.jobs[token]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}

	pending := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		pending[t] = struct{}{}
	}

	w.jobs[token] = &job{
		token:      token,
		targets:    append([]string(nil), targets...),
		pending:    pending,
		results:    make(map[string][]byte),
		onComplete: onComplete,
		state:      StatePending,
		createdAt:  time.Now(),
	}
	telemetry.JobsInFlight.Set(float64(len(w.jobs)))
	return nil
}

// Process handles one incoming reply envelope (spec §4.2 "process(envelope)").
// An envelope whose token has no registered job is dropped at debug level
// (spec §7 UnknownToken). Duplicate replies from the same identity overwrite
// the prior result and do not decrement pending further (spec §4.2).
func (w *Warden) Process(env envelope.Envelope) {
	w.mu.Lock()

	j, ok := w.jobs[env.Token]
	if !ok {
		w.mu.Unlock()
		if w.log != nil {
			w.log.Debug("reply for unknown token dropped", "token", env.Token, "from", env.From)
		}
		return
	}
	if j.state != StatePending {
		w.mu.Unlock()
		return
	}

	j.results[env.From] = env.Payload
	delete(j.pending, env.From)

	if len(j.pending) > 0 {
		w.mu.Unlock()
		return
	}

	w.completeLocked(j, StateCompleted)
}

// Cancel transitions token's job to cancelled and invokes on_complete with
// whatever partial results exist. Subsequent replies for token are dropped
// (spec §4.2 "cancel(token)").
func (w *Warden) Cancel(token string) {
	w.mu.Lock()
	j, ok := w.jobs[token]
	if !ok || j.state != StatePending {
		w.mu.Unlock()
		return
	}
	w.completeLocked(j, StateCancelled)
}

// completeLocked finalizes j under w.mu held, removes it from the live job
// table, retains a snapshot, and invokes on_complete outside the lock so a
// reentrant request/push call from within the callback cannot deadlock
// (spec §5 "Reentrancy").
func (w *Warden) completeLocked(j *job, state State) {
	j.state = state
	delete(w.jobs, j.token)
	telemetry.JobsInFlight.Set(float64(len(w.jobs)))
	telemetry.JobsTotal.WithLabelValues(string(state)).Inc()

	results := make(map[string][]byte, len(j.results))
	for k, v := range j.results {
		results[k] = v
	}
	w.cache.Put(j.token, jobcache.JobSnapshot{Token: j.token, State: string(state), Results: results})

	w.mu.Unlock()

	if j.onComplete != nil {
		j.onComplete(results)
	}
}

// Expire cancels every pending job older than deadline (spec §5 "optional
// job-expiry sweep"). deadline <= 0 disables expiry entirely; SPEC_FULL.md
// resolves §9's open question as off-by-default.
func (w *Warden) Expire(now time.Time, deadline time.Duration) []string {
	if deadline <= 0 {
		return nil
	}
	cutoff := now.Add(-deadline)

	w.mu.Lock()
	var stale []*job
	for _, j := range w.jobs {
		if j.state == StatePending && j.createdAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	w.mu.Unlock()

	tokens := make([]string, 0, len(stale))
	for _, j := range stale {
		tokens = append(tokens, j.token)
		w.Cancel(j.token)
	}
	return tokens
}

// Snapshot returns a previously retained completed/cancelled job's result,
// for callers polling after the fact instead of relying solely on the
// completion callback.
func (w *Warden) Snapshot(token string) (jobcache.JobSnapshot, bool) {
	return w.cache.Get(token)
}

// Pending reports whether token currently names a live, pending job.
func (w *Warden) Pending(token string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[token]
	return ok && j.state == StatePending
}
