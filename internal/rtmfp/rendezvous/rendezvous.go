// Package rendezvous implements the peer-introduction bookkeeping: a
// server puts two peers in contact by matching tags between the dialing
// side and the side it forwards the introduction to.
package rendezvous

import (
	"sync"
	"time"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/handshake"
)

// introductionTTL bounds how long a pending introduction is tracked before
// it is considered abandoned.
const introductionTTL = 100 * time.Second

// Pending is one in-flight peer-to-peer introduction attempt, keyed by the
// tag used on the initiating side's direct HS30s.
type Pending struct {
	Tag         handshake.Tag
	PeerID      handshake.PeerID
	HostAddress string // server-relayed address, used to disambiguate replies
	Addresses   []string
	CreatedAt   time.Time
}

// Table is the introduction tag table: maps pending peer-dial tags to the
// target peer and host address, on the dialing (A) side; the same type also
// serves as B's introduction cookie table (tags B has been told to expect).
type Table struct {
	mu      sync.Mutex
	entries map[handshake.Tag]*Pending
}

// New creates an empty introduction table.
func New() *Table {
	return &Table{entries: make(map[handshake.Tag]*Pending)}
}

// Start registers a new pending introduction under tag.
func (t *Table) Start(tag handshake.Tag, peerID handshake.PeerID, hostAddress string) *Pending {
	p := &Pending{Tag: tag, PeerID: peerID, HostAddress: hostAddress, CreatedAt: time.Now()}
	t.mu.Lock()
	t.entries[tag] = p
	t.mu.Unlock()
	return p
}

// AddAddresses records addresses learned for tag (from a 0x71 redirection,
// or a server-forwarded introduction announcement).
func (t *Table) AddAddresses(tag handshake.Tag, addrs []string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[tag]
	if !ok {
		return nil, false
	}
	p.Addresses = append(p.Addresses, addrs...)
	return p, true
}

// Lookup finds the pending introduction for tag.
func (t *Table) Lookup(tag handshake.Tag) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[tag]
	return p, ok
}

// Resolve removes and returns the pending introduction once the first 0x70
// arrives for tag, implementing "first 0x70 wins".
func (t *Table) Resolve(tag handshake.Tag) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[tag]
	if ok {
		delete(t.entries, tag)
	}
	return p, ok
}

// Sweep removes entries older than introductionTTL.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tag, p := range t.entries {
		if now.Sub(p.CreatedAt) > introductionTTL {
			delete(t.entries, tag)
		}
	}
}
