// Package envelope defines the immutable wire-level value types the mapper
// passes between callers, the broker, and agents: selectors, requests, and
// the envelopes that carry them.
package envelope

import "time"

// Selector is the target-selection policy attached to a Request.
type Selector string

// Selector values recognized by cluster.TargetsFor.
const (
	SelectorLeastLoaded Selector = "least_loaded"
	SelectorRandom      Selector = "random"
	SelectorRoundRobin  Selector = "round_robin"
	SelectorAll         Selector = "all"
)

// DefaultSelector is used when an Options value leaves Selector empty.
const DefaultSelector = SelectorLeastLoaded

// Options configures a single Request or Push call.
type Options struct {
	// Selector picks among eligible agents. Defaults to SelectorLeastLoaded.
	Selector Selector
	// Target, if non-empty, names an explicit agent identity and overrides Selector.
	Target string
	// Persistent overrides the mapper's default broker-durability flag when non-nil.
	Persistent *bool
	// OfflineFailsafe parks the request on the durable offline queue when no target is live.
	OfflineFailsafe bool
}

// Envelope is the immutable, wire-ready request or reply passed to the broker.
type Envelope struct {
	// Type is the service route this envelope addresses.
	Type string `json:"type"`
	// Payload is opaque and carried end-to-end.
	Payload []byte `json:"payload"`
	// From is the sender's identity: the mapper's identity for requests,
	// the replying agent's identity for replies.
	From string `json:"from"`
	// Token is the correlation id, unique per outgoing request.
	Token string `json:"token"`
	// ReplyTo is the mapper's identity for request-with-reply, empty for push.
	ReplyTo string `json:"reply_to,omitempty"`
	// Selector is the policy used to resolve Type to targets.
	Selector Selector `json:"selector,omitempty"`
	// Target, if set, names an explicit agent identity, overriding Selector.
	Target string `json:"target,omitempty"`
	// Persistent is the broker-durability flag for this envelope.
	Persistent bool `json:"persistent"`
	// OfflineFailsafe marks requests eligible for offline-queue parking.
	OfflineFailsafe bool `json:"offline_failsafe,omitempty"`
	// CreatedAt is stamped at construction, used by optional job-expiry sweeps.
	CreatedAt time.Time `json:"created_at"`
}

// IsReply reports whether this envelope has no ReplyTo of its own, as a
// reply does. Push envelopes also leave ReplyTo empty, so IsReply is true
// for them as well; it does not check Token against any prior request.
func (e Envelope) IsReply() bool {
	return e.ReplyTo == ""
}

// AgentRecord is the cluster registry's public, copy-out view of a live
// agent. Callers never receive the registry's internal pointer.
type AgentRecord struct {
	Identity string
	Services []string
	Status   float64
	LastSeen time.Time
}
