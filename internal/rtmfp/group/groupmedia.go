package group

import (
	"math/rand"
	"sync"
	"time"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/metrics"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
)

const pushMaskCycle = 2 * time.Second
const pullCycle = 100 * time.Millisecond

// pushMaskEntry records which peer currently owns a push residue class.
type pushMaskEntry struct {
	peerIDHex    string
	highestSeen  uint64
	assigned     bool
}

// Deliver is invoked once per in-order, fully reassembled media fragment.
type Deliver func(mediaType byte, timestamp uint32, payload []byte)

// GroupMedia is a single stream's fragment store and dissemination state
// inside a NetGroup.
type GroupMedia struct {
	mu sync.Mutex

	StreamKey  string
	StreamName string
	Config     Config

	fragments map[uint64]GroupFragment
	timeIndex map[time.Time]uint64
	currentID uint64
	lastID    uint64 // highest id we have assigned (publisher) or seen

	peers     map[string]*PeerMedia
	pushMasks [8]pushMaskEntry
	curBit    int

	pullWindow     map[uint64]time.Time
	pullPeer       map[uint64]string
	lastMapTime    time.Time

	lastKeyframeID uint64 // id of the newest delivered video keyframe; protected from eviction

	onDeliver Deliver

	splitParts map[uint64][]GroupFragment // in-progress split assembly, keyed by start id
}

// NewGroupMedia creates an empty GroupMedia for streamKey under cfg.
func NewGroupMedia(streamKey string, cfg Config) *GroupMedia {
	return &GroupMedia{
		StreamKey:  streamKey,
		Config:     cfg,
		fragments:  make(map[uint64]GroupFragment),
		timeIndex:  make(map[time.Time]uint64),
		peers:      make(map[string]*PeerMedia),
		pullWindow: make(map[uint64]time.Time),
		pullPeer:   make(map[uint64]string),
		splitParts: make(map[uint64][]GroupFragment),
	}
}

// SetDeliver installs the callback invoked for each in-order fragment.
func (gm *GroupMedia) SetDeliver(d Deliver) { gm.onDeliver = d }

// AddPeer registers a peer's view of this subscription.
func (gm *GroupMedia) AddPeer(pm *PeerMedia) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.peers[pm.PeerIDHex] = pm
}

// PublishNext assigns the next monotonically increasing id (publisher
// role), starting at 1.
func (gm *GroupMedia) PublishNext() uint64 {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.lastID++
	return gm.lastID
}

// EncodeFragmentsMap builds the 0x22 payload: lastId as 7bit-long, then a
// bitmap whose bit b of byte i reports presence of fragment
// lastId-1-(8*i+b). A publisher's bitmap is all-ones up to the first
// fragment it holds.
func (gm *GroupMedia) EncodeFragmentsMap() []byte {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	buf := wire.PutUint7(nil, gm.lastID)
	if gm.lastID == 0 {
		return buf
	}
	nBits := gm.lastID
	if nBits > 8*64 {
		nBits = 8 * 64 // cap bitmap size; ids beyond are implicitly absent
	}
	bitmap := make([]byte, (nBits+7)/8)
	for i := uint64(0); i < nBits; i++ {
		id := gm.lastID - 1 - i
		present := gm.Config.IsPublisher
		if !present {
			_, present = gm.fragments[id]
		}
		if present {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	return append(buf, bitmap...)
}

// DecodeFragmentsMap parses a 0x22 payload into a FragmentsMap.
func DecodeFragmentsMap(body []byte, now time.Time) (FragmentsMap, bool) {
	lastID, rest, ok := wire.Uint7(body)
	if !ok {
		return FragmentsMap{}, false
	}
	return FragmentsMap{LastID: lastID, Bitmap: append([]byte(nil), rest...), ReceivedAt: now}, true
}

// RecordFragmentsMap stores a peer's latest advertisement, for pull
// scheduling.
func (gm *GroupMedia) RecordFragmentsMap(peerIDHex string, m FragmentsMap) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	pm, ok := gm.peers[peerIDHex]
	if !ok {
		return
	}
	pm.FragmentsMapIn = m
	gm.lastMapTime = m.ReceivedAt
}

// --- Push scheduling ---

// TickPush cycles the current push bit and (re)assigns it to a peer that
// isn't already pushing it, once per pushMaskCycle. It returns the
// (peerIDHex, mode) PLAY_PUSH request to send, if any.
func (gm *GroupMedia) TickPush(candidates []string) (peerIDHex string, mode byte, send bool) {
	if gm.Config.IsPublisher {
		return "", 0, false
	}
	gm.mu.Lock()
	defer gm.mu.Unlock()

	bit := gm.curBit
	gm.curBit = (gm.curBit + 1) % 8

	entry := &gm.pushMasks[bit]
	if entry.assigned {
		return "", 0, false
	}
	for _, c := range candidates {
		if c == entry.peerIDHex {
			continue
		}
		entry.peerIDHex = c
		entry.assigned = true
		return c, 1 << bit, true
	}
	return "", 0, false
}

// ObservePush records an observed highest-id from a peer currently assigned
// a push bit, demoting it if a faster peer later claims the same bit.
func (gm *GroupMedia) ObservePush(bit int, peerIDHex string, highestID uint64) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	if bit < 0 || bit > 7 {
		return
	}
	entry := &gm.pushMasks[bit]
	if entry.peerIDHex == peerIDHex || !entry.assigned {
		entry.peerIDHex = peerIDHex
		entry.assigned = true
		entry.highestSeen = highestID
		return
	}
	if highestID > entry.highestSeen {
		entry.peerIDHex = peerIDHex
		entry.highestSeen = highestID
	}
}

// --- Pull scheduling ---

// PullRequest is one PLAY_PULL to issue to a specific peer.
type PullRequest struct {
	PeerIDHex string
	ID        uint64
}

// TickPull computes the pull requests to issue this cycle: missing ids in
// (currentID, currentID+64] not already in-flight, matched against peers
// whose fragments map claims them (skipping blacklisted peers), after
// blacklisting the peers of requests that timed out so those ids are retried
// elsewhere. The window always starts just above currentID; the id a peer
// had reached fetchPeriod ago is not tracked.
func (gm *GroupMedia) TickPull(now time.Time) []PullRequest {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if gm.lastMapTime.IsZero() || now.Sub(gm.lastMapTime) > time.Duration(gm.Config.FetchPeriod)*time.Millisecond {
		return nil // pullPaused
	}

	fetchPeriod := time.Duration(gm.Config.FetchPeriod) * time.Millisecond
	target := gm.currentID // without per-peer receive-time history we approximate with currentID advance below
	for id, reqAt := range gm.pullWindow {
		if now.Sub(reqAt) > fetchPeriod {
			if peer, ok := gm.pullPeer[id]; ok {
				if pm, ok := gm.peers[peer]; ok {
					pm.PullBlacklist[id] = true
				}
			}
			delete(gm.pullWindow, id)
			delete(gm.pullPeer, id)
		}
	}

	var requests []PullRequest
	for id := gm.currentID + 1; id <= target+64; id++ {
		if _, have := gm.fragments[id]; have {
			continue
		}
		if _, inflight := gm.pullWindow[id]; inflight {
			continue
		}
		peer := gm.choosePeerFor(id)
		if peer == "" {
			continue
		}
		gm.pullWindow[id] = now
		gm.pullPeer[id] = peer
		requests = append(requests, PullRequest{PeerIDHex: peer, ID: id})
	}
	return requests
}

func (gm *GroupMedia) choosePeerFor(id uint64) string {
	var candidates []string
	for peerID, pm := range gm.peers {
		if pm.PullBlacklist[id] {
			continue
		}
		if pm.FragmentsMapIn.Has(id) {
			candidates = append(candidates, peerID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}

// --- Ingestion ---

// Ingest processes one incoming fragment (push or pull). It discards ids at
// or below currentID, inserts into the store, and delivers everything now
// contiguous from currentID+1.
func (gm *GroupMedia) Ingest(frag GroupFragment) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if frag.ID <= gm.currentID {
		return
	}
	// A fragment already in pullWindow was explicitly requested; anything
	// else arrived unsolicited via the gossip push schedule.
	_, wasPulled := gm.pullWindow[frag.ID]
	mode := "push"
	if wasPulled {
		mode = "pull"
	}
	metrics.GroupFragmentsDelivered.WithLabelValues(mode).Inc()

	gm.fragments[frag.ID] = frag
	gm.timeIndex[time.Now()] = frag.ID
	delete(gm.pullWindow, frag.ID)
	delete(gm.pullPeer, frag.ID)
	if frag.ID > gm.lastID {
		gm.lastID = frag.ID
	}

	for {
		next := gm.currentID + 1
		frag, ok := gm.fragments[next]
		if !ok {
			return
		}
		switch frag.Marker {
		case MarkerData:
			gm.deliver(frag)
			gm.currentID = next
		case MarkerStart:
			if !gm.deliverSplitRun(next, frag.SplitIndex) {
				return
			}
		default:
			return
		}
	}
}

// deliverSplitRun attempts to deliver a START..END run beginning at start
// with splitRemaining pieces following it. Returns false if the run is
// incomplete.
func (gm *GroupMedia) deliverSplitRun(start uint64, splitRemaining int) bool {
	run := make([]GroupFragment, 0, splitRemaining+1)
	for i := 0; i <= splitRemaining; i++ {
		f, ok := gm.fragments[start+uint64(i)]
		if !ok {
			return false
		}
		run = append(run, f)
	}
	var payload []byte
	for _, f := range run {
		payload = append(payload, f.Bytes...)
	}
	first := run[0]
	gm.noteKeyframe(first.MediaType, first.ID, payload)
	if gm.onDeliver != nil {
		gm.onDeliver(first.MediaType, first.Timestamp, payload)
	}
	gm.currentID = start + uint64(splitRemaining)
	return true
}

func (gm *GroupMedia) deliver(frag GroupFragment) {
	gm.noteKeyframe(frag.MediaType, frag.ID, frag.Bytes)
	if gm.onDeliver != nil {
		gm.onDeliver(frag.MediaType, frag.Timestamp, frag.Bytes)
	}
}

// noteKeyframe records id as the most recent video keyframe seen, so
// EvictWindow can keep it resident for peers that join mid-window and need a
// keyframe to start decoding.
func (gm *GroupMedia) noteKeyframe(mediaType byte, id uint64, payload []byte) {
	if mediaType == byte(message.TypeVideo) && message.IsKeyFrame(payload) {
		gm.lastKeyframeID = id
	}
}

// --- Window eviction ---

// EvictWindow drops fragments older than windowDuration+relayMargin,
// fast-forwarding currentID if the consumer fell behind the evicted range.
func (gm *GroupMedia) EvictWindow(now time.Time) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	window := time.Duration(gm.Config.WindowDuration+gm.Config.RelayMargin) * time.Millisecond
	if window <= 0 || len(gm.timeIndex) == 0 {
		return
	}
	var oldest, newest time.Time
	for t := range gm.timeIndex {
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}
	if newest.Sub(oldest) <= window {
		return
	}
	for t, id := range gm.timeIndex {
		if id == gm.lastKeyframeID && gm.lastKeyframeID != 0 {
			continue // keep the last keyframe resident for late joiners
		}
		if now.Sub(t) > window {
			delete(gm.timeIndex, t)
			delete(gm.fragments, id)
			if id > gm.currentID {
				gm.currentID = id
			}
		}
	}
}

// Close handles end-of-stream by clearing IsPublisher and nothing else: the
// stored fragments and ids are kept, and TickPush and TickPull go on
// scheduling afterwards.
func (gm *GroupMedia) Close() {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.Config.IsPublisher = false
}
