package node

import "testing"

func TestDiscoveryCIDDeterministic(t *testing.T) {
	a, err := discoveryCID("fleet-a")
	if err != nil {
		t.Fatalf("discoveryCID failed: %v", err)
	}
	b, err := discoveryCID("fleet-a")
	if err != nil {
		t.Fatalf("discoveryCID failed: %v", err)
	}
	if !a.Equals(b) {
		t.Error("same prefix must derive the same rendezvous CID")
	}
}

func TestDiscoveryCIDSeparatesFleets(t *testing.T) {
	a, _ := discoveryCID("fleet-a")
	b, _ := discoveryCID("fleet-b")
	if a.Equals(b) {
		t.Error("different prefixes must not share a rendezvous CID")
	}
}
