package etcdbroker

import "testing"

func TestNextIDIsUniqueAndMonotonic(t *testing.T) {
	a := nextID()
	b := nextID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if a >= b {
		t.Fatalf("expected increasing ids, got %q then %q", a, b)
	}
}

func TestQueueAndExchangePrefixes(t *testing.T) {
	b := &Broker{namespace: "/mapper"}
	if got := b.queuePrefix("offline"); got != "/mapper/queue/offline/" {
		t.Fatalf("unexpected queue prefix: %q", got)
	}
	if got := b.exchangePrefix("broadcast"); got != "/mapper/exchange/broadcast/" {
		t.Fatalf("unexpected exchange prefix: %q", got)
	}
}

func TestNewFromClientDefaultsNamespace(t *testing.T) {
	b := NewFromClient(nil, "", nil)
	if b.namespace != "/mapper" {
		t.Fatalf("expected default namespace /mapper, got %q", b.namespace)
	}
}
