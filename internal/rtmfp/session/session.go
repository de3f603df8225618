// Package session implements the common RTMFP session state machine:
// keepalive, timestamp-echo RTT sampling, and the graceful/abrupt close
// paths shared by ServerSession and PeerSession.
package session

import (
	"log/slog"
	"sync"
	"time"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/flow"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/writer"
)

// Status mirrors the handshake/session lifecycle states.
type Status int

const (
	StatusStopped Status = iota
	StatusHS30
	StatusHS70
	StatusHS38
	StatusHS78
	StatusConnected
	StatusNearClosed
	StatusFailed
)

const (
	keepaliveIdle   = 25 * time.Second
	closeRetry      = 5 * time.Second
	closeGiveUp     = 90 * time.Second
	failedReapAfter = 19 * time.Second
)

// Outbox is the queueing contract a Session uses to hand fully-framed
// packets to the transport, mirroring the original library's
// RTMFPSender/Output split: rto() informs retransmission pacing, send()
// hands a packet to the transport, queueing() reports backlog for the
// pending-queue warning threshold.
type Outbox interface {
	RTO() time.Duration
	Send(packet []byte)
	Queueing() uint64
}

// CongestionSample is a half-RTT timestamp-echo measurement.
type CongestionSample struct {
	RTT  time.Duration
	Ping time.Duration
}

// Session owns the flows/writers of one RTMFP peer relationship and drives
// its periodic management tasks.
type Session struct {
	mu sync.Mutex

	SessionID uint32
	FarID     uint32
	Address   string
	Responder bool

	EncKey [16]byte
	DecKey [16]byte

	Status Status

	flows   map[uint64]*flow.Flow
	writers map[uint16]*writer.Writer
	nextWID uint16

	lastRecv     time.Time
	lastSentTS   uint16
	lastEchoRecv time.Time
	closeStart   time.Time
	failedAt     time.Time

	outbox Outbox
	log    *slog.Logger

	onStatusEvent func(code, description string)
}

// New constructs a Session in StatusConnected, for use once the handshake
// has produced keys.
func New(sessionID, farID uint32, addr string, responder bool, encKey, decKey [16]byte, outbox Outbox, log *slog.Logger, onStatus func(code, description string)) *Session {
	return &Session{
		SessionID:     sessionID,
		FarID:         farID,
		Address:       addr,
		Responder:     responder,
		EncKey:        encKey,
		DecKey:        decKey,
		Status:        StatusConnected,
		flows:         make(map[uint64]*flow.Flow),
		writers:       make(map[uint16]*writer.Writer),
		nextWID:       2,
		lastRecv:      time.Now(),
		outbox:        outbox,
		log:           log,
		onStatusEvent: onStatus,
	}
}

// NewWriter allocates a Writer with the next available id (ids start at 2;
// 1 is reserved for the main control flow). The writer's own id doubles as
// its wire flow id, so an ack naming that flow id resolves back to this
// same Writer via Writer(id).
func (s *Session) NewWriter(signature []byte) *writer.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWID
	s.nextWID++
	w := writer.New(id, uint64(id), signature)
	s.writers[id] = w
	return w
}

// AddFlow registers a receive-side Flow under the session.
func (s *Session) AddFlow(f *flow.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
}

// Flow looks up a flow by id.
func (s *Session) Flow(id uint64) (*flow.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	return f, ok
}

// Writer looks up a writer by id.
func (s *Session) Writer(id uint16) (*writer.Writer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[id]
	return w, ok
}

// OnPacketReceived updates the last-activity clock. Call once per
// successfully decrypted datagram.
func (s *Session) OnPacketReceived() {
	s.mu.Lock()
	s.lastRecv = time.Now()
	s.mu.Unlock()
}

// RecordSent remembers the timestamp most recently placed on an outgoing
// packet to this session, so a later timestamp-echo reply can be matched to
// the round trip it measures.
func (s *Session) RecordSent(ts uint16) {
	s.mu.Lock()
	s.lastSentTS = ts
	s.mu.Unlock()
}

// LastSentTimestamp returns the most recent value passed to RecordSent.
func (s *Session) LastSentTimestamp() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSentTS
}

// OnTimeEcho records a timestamp-echo RTT sample: ours is the timestamp we
// originally sent, echoTimestamp is what the peer reflected back.
func (s *Session) OnTimeEcho(ours, echoTimestamp uint16) CongestionSample {
	deltaTicks := uint16(ours - echoTimestamp)
	rtt := time.Duration(deltaTicks) * time.Millisecond * wire.TimestampScale
	return CongestionSample{RTT: rtt, Ping: rtt / 2}
}

// InitiateClose moves the session to NEAR_CLOSED and records when, so that
// Reapable releases it closeGiveUp later. It sends no 0x0C itself, and
// nothing re-sends one every closeRetry.
func (s *Session) InitiateClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusNearClosed || s.Status == StatusFailed {
		return
	}
	s.Status = StatusNearClosed
	s.closeStart = time.Now()
}

// OnCloseAck processes the peer's 0x0C acknowledgment of our close.
func (s *Session) OnCloseAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusNearClosed {
		s.Status = StatusFailed
		s.failedAt = time.Now()
	}
}

// OnPeerClosed processes an incoming 0x4C: transition to FAILED immediately.
func (s *Session) OnPeerClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.failedAt = time.Now()
	if s.onStatusEvent != nil {
		s.onStatusEvent("NetConnection.Connect.Closed", "peer closed the session")
	}
}

// Fail transitions the session to FAILED due to an unrecoverable error,
// clearing writers and scheduling removal.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.Status = StatusFailed
	s.failedAt = time.Now()
	s.writers = make(map[uint16]*writer.Writer)
	s.mu.Unlock()

	if s.log != nil {
		s.log.Error("session failed", "session_id", s.SessionID, "error", err)
	}
	if s.onStatusEvent != nil {
		desc := "session error"
		if err != nil {
			desc = err.Error()
		}
		s.onStatusEvent("NetConnection.Connect.Closed", desc)
	}
}

// Reapable reports whether the session has aged out of its terminal state
// and can be removed from the invoker's routing table.
func (s *Session) Reapable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Status {
	case StatusFailed:
		return now.Sub(s.failedAt) > failedReapAfter
	case StatusNearClosed:
		return now.Sub(s.closeStart) > closeGiveUp
	default:
		return false
	}
}

// NeedsKeepalive reports whether CONNECTED has been idle past keepaliveIdle.
func (s *Session) NeedsKeepalive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusConnected && now.Sub(s.lastRecv) > keepaliveIdle
}

// Manage runs this session's periodic housekeeping: writer ARQ ticks and
// flushes (no close retries). It returns chunks to flush per writer id.
func (s *Session) Manage(now time.Time) (outgoing map[uint16][][]byte, criticalFailure error) {
	s.mu.Lock()
	writers := make([]*writer.Writer, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	outgoing = make(map[uint16][][]byte)
	for _, w := range writers {
		retransmit, err := w.Tick(now)
		if err != nil {
			if w.ID <= 2 {
				return outgoing, err // critical writer failure closes the session
			}
			s.log.Warn("writer failed", "writer_id", w.ID, "error", err)
			continue
		}
		if len(retransmit) > 0 {
			outgoing[w.ID] = retransmit
		}
		if flushed := w.Flush(); len(flushed) > 0 {
			outgoing[w.ID] = append(outgoing[w.ID], flushed...)
		}
	}
	return outgoing, nil
}

// HandleFlowException builds the session-level error classification for a
// protocol-layer failure, consistent with internal/errors kinds.
func HandleFlowException(flowID uint64, cause error) error {
	return rerrors.NewProtocolError("session.flow_exception", cause)
}
