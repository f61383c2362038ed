package serializer

import (
	"testing"
	"time"

	"github.com/akeem/nanite/internal/envelope"
)

func TestJSONRoundTrip(t *testing.T) {
	s := New("json")
	if s.Format() != "json" {
		t.Fatalf("expected format json, got %q", s.Format())
	}

	original := envelope.Envelope{
		Type:            "resize",
		Payload:         []byte("abc"),
		From:            "mapper-1",
		Token:           "tok1",
		ReplyTo:         "mapper-1",
		Selector:        envelope.SelectorLeastLoaded,
		Target:          "",
		Persistent:      true,
		OfflineFailsafe: true,
		CreatedAt:       time.Unix(1000, 0).UTC(),
	}

	data, err := s.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := s.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Type != original.Type || decoded.Token != original.Token ||
		string(decoded.Payload) != string(original.Payload) ||
		decoded.Persistent != original.Persistent ||
		decoded.OfflineFailsafe != original.OfflineFailsafe ||
		!decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestNewFallsBackToJSONForUnknownFormat(t *testing.T) {
	s := New("msgpack")
	if s.Format() != "json" {
		t.Fatalf("expected unknown format to fall back to json, got %q", s.Format())
	}
}

func TestDecodeMalformedReturnsError(t *testing.T) {
	s := New("json")
	if _, err := s.Decode([]byte("not json")); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}
