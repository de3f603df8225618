package group

import (
	"testing"
	"time"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
)

func TestGroupMedia_IngestInOrderDeliversImmediately(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	var delivered [][]byte
	gm.SetDeliver(func(mediaType byte, ts uint32, payload []byte) {
		delivered = append(delivered, append([]byte(nil), payload...))
	})

	gm.Ingest(GroupFragment{ID: 1, Marker: MarkerData, Bytes: []byte("a")})
	gm.Ingest(GroupFragment{ID: 2, Marker: MarkerData, Bytes: []byte("b")})

	if len(delivered) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(delivered))
	}
	if string(delivered[0]) != "a" || string(delivered[1]) != "b" {
		t.Fatalf("delivered = %q, %q", delivered[0], delivered[1])
	}
	if gm.currentID != 2 {
		t.Fatalf("currentID = %d, want 2", gm.currentID)
	}
}

func TestGroupMedia_IngestOutOfOrderBuffersThenDrains(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	var delivered []string
	gm.SetDeliver(func(mediaType byte, ts uint32, payload []byte) {
		delivered = append(delivered, string(payload))
	})

	gm.Ingest(GroupFragment{ID: 2, Marker: MarkerData, Bytes: []byte("b")})
	if len(delivered) != 0 {
		t.Fatalf("fragment 2 arriving before fragment 1 should not deliver yet")
	}

	gm.Ingest(GroupFragment{ID: 1, Marker: MarkerData, Bytes: []byte("a")})
	if len(delivered) != 2 || delivered[0] != "a" || delivered[1] != "b" {
		t.Fatalf("got %v, want [a b] once the gap fills", delivered)
	}
}

func TestGroupMedia_IngestDiscardsAtOrBelowCurrentID(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	gm.Ingest(GroupFragment{ID: 1, Marker: MarkerData, Bytes: []byte("a")})

	var delivered int
	gm.SetDeliver(func(mediaType byte, ts uint32, payload []byte) { delivered++ })
	gm.Ingest(GroupFragment{ID: 1, Marker: MarkerData, Bytes: []byte("stale")})

	if delivered != 0 {
		t.Fatalf("a fragment at or below currentID should be discarded, got %d deliveries", delivered)
	}
}

func TestGroupMedia_SplitRunDeliversOnceComplete(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	var payload []byte
	gm.SetDeliver(func(mediaType byte, ts uint32, p []byte) { payload = p })

	// Out-of-order arrival: the NEXT and END pieces land before START, so
	// nothing should deliver until the run is contiguous from its start id.
	gm.Ingest(GroupFragment{ID: 2, Marker: MarkerNext, Bytes: []byte("ll")})
	gm.Ingest(GroupFragment{ID: 3, Marker: MarkerEnd, Bytes: []byte("o")})
	if payload != nil {
		t.Fatalf("an incomplete split run should not deliver yet")
	}

	gm.Ingest(GroupFragment{ID: 1, Marker: MarkerStart, SplitIndex: 2, Bytes: []byte("he")})
	if string(payload) != "hello" {
		t.Fatalf("reassembled split payload = %q, want %q", payload, "hello")
	}
	if gm.currentID != 3 {
		t.Fatalf("currentID = %d, want 3 after the whole run delivers", gm.currentID)
	}
}

func TestGroupMedia_EvictWindowProtectsLastKeyframe(t *testing.T) {
	gm := NewGroupMedia("stream-1", Config{WindowDuration: 1, RelayMargin: 0})

	base := time.Now()
	gm.Ingest(GroupFragment{ID: 1, Marker: MarkerData, MediaType: byte(message.TypeVideo), Bytes: []byte{0x27, 0x01}})
	// Force the first fragment's recorded time far enough in the past that
	// it falls outside the (deliberately tiny) eviction window.
	gm.mu.Lock()
	for ts, id := range gm.timeIndex {
		if id == 1 {
			delete(gm.timeIndex, ts)
			gm.timeIndex[base.Add(-time.Hour)] = 1
		}
	}
	gm.mu.Unlock()

	keyframePayload := []byte{0x17, 0x00} // frame type 1 (key frame), AVC
	gm.Ingest(GroupFragment{ID: 2, Marker: MarkerData, MediaType: byte(message.TypeVideo), Bytes: keyframePayload})

	if gm.lastKeyframeID != 2 {
		t.Fatalf("lastKeyframeID = %d, want 2", gm.lastKeyframeID)
	}

	gm.EvictWindow(base)

	gm.mu.Lock()
	_, hasOld := gm.fragments[1]
	_, hasKeyframe := gm.fragments[2]
	gm.mu.Unlock()

	if hasOld {
		t.Fatalf("the stale non-keyframe fragment should have been evicted")
	}
	if !hasKeyframe {
		t.Fatalf("the most recent keyframe must survive eviction for late joiners")
	}
}

func TestGroupMedia_TickPushAssignsOnceUntilFreed(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	candidates := []string{"peer-a"}

	peer, mode, send := gm.TickPush(candidates)
	if !send || peer != "peer-a" || mode != 1<<0 {
		t.Fatalf("first TickPush on bit 0 = (%q, %d, %v), want (peer-a, 1, true)", peer, mode, send)
	}

	// Bit 0 is now assigned; without ObservePush demoting it, repeated
	// TickPush calls should skip straight past it rather than reassigning.
	for i := 0; i < 7; i++ {
		gm.TickPush(candidates)
	}
	_, _, sendAgain := gm.TickPush(candidates) // wraps back to bit 0
	if sendAgain {
		t.Fatalf("bit 0 is already assigned; TickPush should not reassign it")
	}
}

func TestGroupMedia_ObservePushDemotesToFasterPeer(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	gm.TickPush([]string{"peer-a"})

	gm.ObservePush(0, "peer-b", 5)

	gm.mu.Lock()
	entry := gm.pushMasks[0]
	gm.mu.Unlock()
	if entry.peerIDHex != "peer-b" {
		t.Fatalf("push bit 0 owner = %q, want peer-b after a higher-id observation", entry.peerIDHex)
	}
}

func TestGroupMedia_TickPullSchedulesClaimedMissingFragments(t *testing.T) {
	gm := NewGroupMedia("stream-1", DefaultConfig())
	pm := &PeerMedia{PeerIDHex: "peer-a", PullBlacklist: map[uint64]bool{}}
	gm.AddPeer(pm)

	now := time.Now()
	gm.RecordFragmentsMap("peer-a", FragmentsMap{LastID: 5, Bitmap: []byte{0xFF}, ReceivedAt: now})

	requests := gm.TickPull(now)
	if len(requests) != 5 {
		t.Fatalf("got %d pull requests, want 5 (ids 1-5 all claimed by peer-a's map)", len(requests))
	}
	for _, r := range requests {
		if r.PeerIDHex != "peer-a" {
			t.Fatalf("request for id %d routed to %q, want peer-a", r.ID, r.PeerIDHex)
		}
	}
}

func TestGroupMedia_TickPullBlacklistsTimedOutPeer(t *testing.T) {
	cfg := Config{FetchPeriod: 10}
	gm := NewGroupMedia("stream-1", cfg)
	pm := &PeerMedia{PeerIDHex: "peer-a", PullBlacklist: map[uint64]bool{}}
	gm.AddPeer(pm)

	t0 := time.Now()
	gm.RecordFragmentsMap("peer-a", FragmentsMap{LastID: 5, Bitmap: []byte{0xFF}, ReceivedAt: t0})
	gm.TickPull(t0) // schedules id 1 (and others) at t0

	t1 := t0.Add(11 * time.Millisecond)
	gm.RecordFragmentsMap("peer-a", FragmentsMap{LastID: 5, Bitmap: []byte{0xFF}, ReceivedAt: t1})
	gm.TickPull(t1)

	if !pm.PullBlacklist[1] {
		t.Fatalf("a request outstanding past FetchPeriod should blacklist its peer for that id")
	}
}
