// Package serializer provides the opaque encode/decode contract envelopes
// cross the broker through (spec §6: "format negotiated at mapper
// construction time and shared cluster-wide").
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/akeem/nanite/internal/envelope"
)

// Serializer encodes and decodes envelopes for wire transport. Implementations
// must round-trip every carried field exactly.
type Serializer interface {
	Encode(env envelope.Envelope) ([]byte, error)
	Decode(data []byte) (envelope.Envelope, error)
	// Format returns the opaque scheme tag used by the "format" config option.
	Format() string
}

// JSON is the default Serializer. No pack example imports a binary codec
// library for envelope transport (see DESIGN.md), so JSON over
// encoding/json is the grounded choice, matching torua's PostJSON/GetJSON
// wire convention.
type JSON struct{}

// New returns the Serializer named by format. Unknown formats fall back to
// JSON silently; Format() on the result reports "json".
func New(format string) Serializer {
	switch format {
	case "json", "":
		return JSON{}
	default:
		return JSON{}
	}
}

func (JSON) Format() string { return "json" }

func (JSON) Encode(env envelope.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serializer: encode: %w", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("serializer: decode: %w", err)
	}
	return env, nil
}
