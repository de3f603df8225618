package group

import (
	"testing"
	"time"
)

func rawIDFor(b byte) []byte {
	id := make([]byte, 32)
	for i := range id {
		id[i] = b
	}
	return id
}

func TestNetGroup_HearAndHeardAddresses(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	g.Hear("peer-a", rawIDFor(0x02), []string{"10.0.0.1:1935"}, "host-a:1935")

	addrs, host, ok := g.HeardAddresses("peer-a")
	if !ok {
		t.Fatalf("expected peer-a to be known after Hear")
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.1:1935" {
		t.Fatalf("addrs = %v, want [10.0.0.1:1935]", addrs)
	}
	if host != "host-a:1935" {
		t.Fatalf("host = %q, want host-a:1935", host)
	}

	if _, _, ok := g.HeardAddresses("unknown-peer"); ok {
		t.Fatalf("an unheard peer should report ok=false")
	}
}

func TestNetGroup_DecayRemovesStaleUnconnectedEntries(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	g.Hear("stale-peer", rawIDFor(0x02), nil, "")
	g.Hear("connected-peer", rawIDFor(0x03), nil, "")
	g.MarkConnected("connected-peer", 10*time.Millisecond)

	future := time.Now().Add(heardEntryTTL + time.Minute)
	g.Decay(future)

	if _, _, ok := g.HeardAddresses("stale-peer"); ok {
		t.Fatalf("a stale, never-connected entry should be decayed away")
	}
	if _, _, ok := g.HeardAddresses("connected-peer"); !ok {
		t.Fatalf("a connected entry should survive Decay regardless of age")
	}
}

func TestNetGroup_MarkConnectedAndDisconnected(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	g.Hear("peer-a", rawIDFor(0x02), nil, "")
	g.MarkConnected("peer-a", 5*time.Millisecond)

	if !g.peers["peer-a"] {
		t.Fatalf("peer-a should be in the connected set after MarkConnected")
	}
	g.MarkDisconnected("peer-a")
	if g.peers["peer-a"] {
		t.Fatalf("peer-a should be removed from the connected set after MarkDisconnected")
	}
}

func TestNetGroup_ComputeBestListIncludesRingNeighbors(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	for i := byte(2); i < 10; i++ {
		g.Hear(string(rune('a'+i)), rawIDFor(i), nil, "")
	}

	best := g.ComputeBestList()
	if len(best) == 0 {
		t.Fatalf("expected a non-empty best list with 8 heard peers")
	}
}

func TestNetGroup_ReconcileConnectsBestListAndAsksCloseOthers(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	g.Hear("peer-a", rawIDFor(0x02), nil, "")
	g.Hear("peer-b", rawIDFor(0x03), nil, "")

	g.mu.Lock()
	g.bestList = map[string]bool{"peer-a": true}
	g.peers = map[string]bool{"peer-b": true}
	g.mu.Unlock()

	toConnect, toAskClose := g.Reconcile(time.Now())
	if len(toConnect) != 1 || toConnect[0] != "peer-a" {
		t.Fatalf("toConnect = %v, want [peer-a]", toConnect)
	}
	if len(toAskClose) != 1 || toAskClose[0] != "peer-b" {
		t.Fatalf("toAskClose = %v, want [peer-b]", toAskClose)
	}
}

func TestNetGroup_ReconcileRateLimitsRepeatedAskClose(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	g.mu.Lock()
	g.bestList = map[string]bool{}
	g.peers = map[string]bool{"peer-b": true}
	g.mu.Unlock()

	now := time.Now()
	_, first := g.Reconcile(now)
	if len(first) != 1 {
		t.Fatalf("first reconcile should ask-close the one disconnecting peer, got %v", first)
	}

	_, second := g.Reconcile(now.Add(time.Second))
	if len(second) != 0 {
		t.Fatalf("a repeat ask-close within the rate limit window should be suppressed, got %v", second)
	}
}

func TestNetGroup_GroupMediaIsIdempotent(t *testing.T) {
	g := New("test-group", rawIDFor(0x01))
	gm1 := g.GroupMedia("stream-1", DefaultConfig())
	gm2 := g.GroupMedia("stream-1", Config{IsPublisher: true})
	if gm1 != gm2 {
		t.Fatalf("GroupMedia should return the same instance for a repeated streamKey")
	}
	if gm2.Config.IsPublisher {
		t.Fatalf("a second GroupMedia call should not overwrite the first instance's config")
	}
}
