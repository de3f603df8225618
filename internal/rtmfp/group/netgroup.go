package group

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	heardEntryTTL      = 5 * time.Minute
	bestListInterval   = 10 * time.Second
	askCloseRateLimit  = 90 * time.Second
	closestNeighbors   = 3 // on each side of our own address
	lowestLatencyCount = 6
)

// HeardEntry is what we know about a peer we've heard of but may not be
// connected to.
type HeardEntry struct {
	PeerIDHex       string
	RawID           []byte
	GroupAddress    [32]byte
	KnownAddresses  []string
	HostAddress     string
	LastReportTime  time.Time
	ConnectedLatency time.Duration // zero if not currently connected
	Connected       bool
}

// NetGroup tracks membership for one group mesh: the heard list, the
// computed best list, and connected peer sessions (referenced here only by
// peer id hex; the owning PeerSession lives in the session package).
type NetGroup struct {
	mu sync.Mutex

	ID          GroupID
	MyRawID     []byte
	MyAddress   [32]byte

	heardList         map[string]*HeardEntry
	groupAddressIndex map[[32]byte]string

	bestList map[string]bool
	peers    map[string]bool // currently connected, group-active peers

	askCloseLimiters map[string]*rate.Limiter

	groupMedias map[string]*GroupMedia // streamKey -> GroupMedia
}

// New creates a NetGroup for groupspec, identifying ourselves by myRawID.
func New(groupspec string, myRawID []byte) *NetGroup {
	return &NetGroup{
		ID:                NewGroupID(groupspec),
		MyRawID:           myRawID,
		MyAddress:         Address(myRawID),
		heardList:         make(map[string]*HeardEntry),
		groupAddressIndex: make(map[[32]byte]string),
		bestList:          make(map[string]bool),
		peers:             make(map[string]bool),
		askCloseLimiters:  make(map[string]*rate.Limiter),
		groupMedias:       make(map[string]*GroupMedia),
	}
}

// Hear records or refreshes a heard-list entry.
func (g *NetGroup) Hear(peerIDHex string, rawID []byte, addrs []string, hostAddress string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr := Address(rawID)
	e, ok := g.heardList[peerIDHex]
	if !ok {
		e = &HeardEntry{PeerIDHex: peerIDHex, RawID: rawID, GroupAddress: addr}
		g.heardList[peerIDHex] = e
		g.groupAddressIndex[addr] = peerIDHex
	}
	e.KnownAddresses = append(e.KnownAddresses, addrs...)
	if hostAddress != "" {
		e.HostAddress = hostAddress
	}
	e.LastReportTime = time.Now()
}

// MarkConnected updates a heard entry's connection state/latency and adds it
// to the connected-peers set.
func (g *NetGroup) MarkConnected(peerIDHex string, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[peerIDHex] = true
	if e, ok := g.heardList[peerIDHex]; ok {
		e.Connected = true
		e.ConnectedLatency = latency
	}
}

// MarkDisconnected removes peerIDHex from the connected-peers set.
func (g *NetGroup) MarkDisconnected(peerIDHex string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, peerIDHex)
	if e, ok := g.heardList[peerIDHex]; ok {
		e.Connected = false
	}
}

// HeardAddresses returns the known dial addresses and host address recorded
// for peerIDHex, for a caller about to attempt a direct connection.
func (g *NetGroup) HeardAddresses(peerIDHex string) (addrs []string, hostAddress string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.heardList[peerIDHex]
	if !ok {
		return nil, "", false
	}
	return append([]string(nil), e.KnownAddresses...), e.HostAddress, true
}

// Decay removes heard-list entries silent for more than heardEntryTTL;
// entries marked connected are kept regardless of age.
func (g *NetGroup) Decay(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.heardList {
		if e.Connected {
			continue
		}
		if now.Sub(e.LastReportTime) > heardEntryTTL {
			delete(g.heardList, id)
			delete(g.groupAddressIndex, e.GroupAddress)
		}
	}
}

// estimateGroupSize approximates N from the peers at ring positions -2 and
// +2 around our own address.
func (g *NetGroup) estimateGroupSize(sorted []*HeardEntry, myIdx int) float64 {
	n := len(sorted)
	if n < 5 {
		return float64(n + 1)
	}
	plus2 := sorted[(myIdx+1)%n] // sorted[myIdx] is already position +1
	minus2 := sorted[(myIdx-2+n)%n]
	delta := ringDistance(top64(minus2.GroupAddress), top64(plus2.GroupAddress))
	quarter := float64(delta) / 4
	if quarter <= 0 {
		return float64(n + 1)
	}
	return math.Pow(2, 64)/quarter + 1
}

// ComputeBestList rebuilds the best list from the heard list via a five-step
// construction: nearest ring neighbors, lowest-latency connected peers, one
// random peer, then exponentially spaced ring offsets until the estimated
// target size is reached.
func (g *NetGroup) ComputeBestList() map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	sorted := make([]*HeardEntry, 0, len(g.heardList))
	for _, e := range g.heardList {
		sorted = append(sorted, e)
	}
	if len(sorted) == 0 {
		g.bestList = make(map[string]bool)
		return g.bestList
	}
	sort.Slice(sorted, func(i, j int) bool {
		return top64(sorted[i].GroupAddress) < top64(sorted[j].GroupAddress)
	})

	myIdx := 0
	for i, e := range sorted {
		if top64(e.GroupAddress) >= top64(g.MyAddress) {
			myIdx = i
			break
		}
	}

	best := make(map[string]bool)
	n := len(sorted)

	// Step 1-2: closestNeighbors immediately lower and higher, wrapping.
	for i := 1; i <= closestNeighbors; i++ {
		best[sorted[(myIdx-i+n)%n].PeerIDHex] = true
		best[sorted[(myIdx+i-1)%n].PeerIDHex] = true
	}

	// Step 3: lowest-latency connected peers.
	connected := make([]*HeardEntry, 0)
	for _, e := range sorted {
		if e.Connected {
			connected = append(connected, e)
		}
	}
	sort.Slice(connected, func(i, j int) bool { return connected[i].ConnectedLatency < connected[j].ConnectedLatency })
	for i := 0; i < len(connected) && i < lowestLatencyCount; i++ {
		best[connected[i].PeerIDHex] = true
	}

	// Step 4: one random peer.
	if n > 0 {
		best[sorted[rand.Intn(n)].PeerIDHex] = true
	}

	// Step 5: exponentially spaced fractions around the ring until the
	// target size is reached.
	estN := g.estimateGroupSize(sorted, myIdx)
	target := int(2*math.Ceil(math.Log2(math.Max(estN, 1)))) + 13
	frac := 0.5
	for len(best) < target && frac > 1.0/float64(n+1) {
		offset := int(frac * float64(n))
		if offset < 1 {
			offset = 1
		}
		best[sorted[(myIdx+offset)%n].PeerIDHex] = true
		best[sorted[(myIdx-offset+n)%n].PeerIDHex] = true
		frac /= 2
	}

	g.bestList = best
	return best
}

// Reconcile reports which peers to connect to (in bestList but not yet
// peers) and which to ask-to-disconnect (in peers but not in bestList),
// honoring the per-peer 90s ask-close rate limit.
func (g *NetGroup) Reconcile(now time.Time) (toConnect, toAskClose []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.bestList {
		if !g.peers[id] {
			toConnect = append(toConnect, id)
		}
	}
	for id := range g.peers {
		if g.bestList[id] {
			continue
		}
		lim, ok := g.askCloseLimiters[id]
		if !ok {
			lim = rate.NewLimiter(rate.Every(askCloseRateLimit), 1)
			g.askCloseLimiters[id] = lim
		}
		if !lim.AllowN(now, 1) {
			continue
		}
		toAskClose = append(toAskClose, id)
	}
	return toConnect, toAskClose
}

// GroupMedia returns (creating if necessary) the per-stream subscription
// identified by streamKey.
func (g *NetGroup) GroupMedia(streamKey string, cfg Config) *GroupMedia {
	g.mu.Lock()
	defer g.mu.Unlock()
	gm, ok := g.groupMedias[streamKey]
	if !ok {
		gm = NewGroupMedia(streamKey, cfg)
		g.groupMedias[streamKey] = gm
	}
	return gm
}
