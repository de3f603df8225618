// Package invoker implements the process-wide event loop: a single UDP
// socket (no separate IPv4 and IPv6 sockets), routing incoming datagrams to the shared Handshaker
// or an existing Session by scrambled prefix, and a bounded worker pool for
// the CPU-bound AES/hash work off the hot path.
package invoker

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/alxayo/go-rtmfp/internal/bufpool"
	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
	"github.com/alxayo/go-rtmfp/internal/logger"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/metrics"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/session"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
	"golang.org/x/sync/errgroup"
)

// managePeriod is how often the event loop drives each session's manage().
const managePeriod = 100 * time.Millisecond

// Invoker owns the UDP socket and the routing table from scrambled session
// prefix to Session.
type Invoker struct {
	mu       sync.Mutex
	sessions map[[4]byte]*session.Session
	byID     map[uint32]*session.Session

	conn net.PacketConn
	log  *slog.Logger

	handshakeEngine *wire.Engine

	workers *errgroup.Group
	workCtx context.Context
	cancel  context.CancelFunc

	sessionHandler   func(*session.Session, *wire.Packet, net.Addr)
	handshakeHandler func(*wire.Packet, net.Addr)
}

// New builds an Invoker bound to conn (a net.PacketConn the caller has
// already opened, e.g. via net.ListenUDP).
func New(conn net.PacketConn) *Invoker {
	ctx, cancel := context.WithCancel(context.Background())
	g, workCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	return &Invoker{
		sessions:         make(map[[4]byte]*session.Session),
		byID:             make(map[uint32]*session.Session),
		conn:             conn,
		log:              logger.Logger().With("component", "invoker"),
		handshakeEngine:  wire.DefaultEngine(),
		workers:          g,
		workCtx:          workCtx,
		cancel:           cancel,
		sessionHandler:   func(*session.Session, *wire.Packet, net.Addr) {},
		handshakeHandler: func(*wire.Packet, net.Addr) {},
	}
}

// RegisterSession makes s reachable by its routing prefix, computed from its
// own session id and decrypt key.
func (inv *Invoker) RegisterSession(s *session.Session) error {
	prefix, err := wire.ScramblePrefix(s.SessionID, s.DecKey[:])
	if err != nil {
		return err
	}
	inv.mu.Lock()
	inv.sessions[prefix] = s
	inv.byID[s.SessionID] = s
	inv.mu.Unlock()
	return nil
}

// UnregisterSession removes s from the routing table.
func (inv *Invoker) UnregisterSession(s *session.Session) {
	prefix, err := wire.ScramblePrefix(s.SessionID, s.DecKey[:])
	if err != nil {
		return
	}
	inv.mu.Lock()
	_, registered := inv.byID[s.SessionID]
	delete(inv.sessions, prefix)
	delete(inv.byID, s.SessionID)
	inv.mu.Unlock()
	if registered {
		metrics.SessionsActive.Dec()
	}
}

func (inv *Invoker) lookup(prefix [4]byte) (*session.Session, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	s, ok := inv.sessions[prefix]
	return s, ok
}

// Run drives the receive loop and periodic session management until ctx is
// canceled.
func (inv *Invoker) Run(ctx context.Context) error {
	go inv.manageLoop(ctx)
	buf := make([]byte, wire.MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			inv.cancel()
			return inv.workers.Wait()
		default:
		}
		inv.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := inv.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			inv.log.Warn("socket read failed", "error", err)
			continue
		}
		datagram := bufpool.Get(n)
		copy(datagram, buf[:n])
		inv.dispatch(datagram, addr)
	}
}

// dispatch routes one datagram by its scrambled prefix. The datagram buffer
// came from bufpool and is returned there once every reader of it (this
// function or, for session traffic, the worker goroutine it hands off to)
// is done.
func (inv *Invoker) dispatch(datagram []byte, addr net.Addr) {
	if len(datagram) < 5 {
		metrics.PacketsDropped.WithLabelValues("short").Inc()
		bufpool.Put(datagram)
		return
	}
	var prefix [4]byte
	copy(prefix[:], datagram[:4])
	cipherBody := datagram[4:]

	var zero [4]byte
	if prefix == zero {
		inv.handleHandshakeDatagram(cipherBody, addr)
		bufpool.Put(datagram)
		return
	}

	s, ok := inv.lookup(prefix)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("unroutable").Inc()
		inv.log.Debug("unroutable datagram, dropping", "from", addr.String())
		bufpool.Put(datagram)
		return
	}
	inv.workers.Go(func() error {
		defer bufpool.Put(datagram)
		engine, err := wire.NewEngine(s.DecKey[:])
		if err != nil {
			return nil
		}
		pkt, err := wire.Decrypt(cipherBody, engine)
		if err != nil {
			metrics.PacketsDropped.WithLabelValues("framing").Inc()
			inv.log.Warn("framing error, dropping datagram", "error", err)
			return nil
		}
		s.OnPacketReceived()
		inv.onSessionPacket(s, pkt, addr)
		return nil
	})
}

func (inv *Invoker) handleHandshakeDatagram(cipherBody []byte, addr net.Addr) {
	pkt, err := wire.Decrypt(cipherBody, inv.handshakeEngine)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("crc").Inc()
		inv.log.Debug("handshake CRC/framing reject, dropping", "error", err)
		return
	}
	inv.onHandshakePacket(pkt, addr)
}

// onSessionPacket and onHandshakePacket dispatch to whatever handler the
// owning layer (client.go) installed via SetSessionHandler/
// SetHandshakeHandler, keeping this package free of chunk-dispatch
// semantics beyond routing.
func (inv *Invoker) onSessionPacket(s *session.Session, pkt *wire.Packet, addr net.Addr) {
	inv.sessionHandler(s, pkt, addr)
}
func (inv *Invoker) onHandshakePacket(pkt *wire.Packet, addr net.Addr) {
	inv.handshakeHandler(pkt, addr)
}

// SetSessionHandler installs the callback invoked for every decrypted
// session-scoped packet.
func (inv *Invoker) SetSessionHandler(f func(*session.Session, *wire.Packet, net.Addr)) {
	inv.sessionHandler = f
}

// SetHandshakeHandler installs the callback invoked for every decrypted
// session-id-0 (handshake) packet.
func (inv *Invoker) SetHandshakeHandler(f func(*wire.Packet, net.Addr)) {
	inv.handshakeHandler = f
}

func (inv *Invoker) manageLoop(ctx context.Context) {
	ticker := time.NewTicker(managePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			inv.manageOnce(now)
		}
	}
}

func (inv *Invoker) manageOnce(now time.Time) {
	inv.mu.Lock()
	sessions := make([]*session.Session, 0, len(inv.sessions))
	seen := make(map[uint32]bool)
	for _, s := range inv.sessions {
		if seen[s.SessionID] {
			continue
		}
		seen[s.SessionID] = true
		sessions = append(sessions, s)
	}
	inv.mu.Unlock()

	for _, s := range sessions {
		if s.Reapable(now) {
			inv.UnregisterSession(s)
			continue
		}
		outgoing, err := s.Manage(now)
		if err != nil {
			s.Fail(err)
			continue
		}
		for _, chunks := range outgoing {
			for _, chunk := range chunks {
				inv.send(s, chunk)
			}
		}
		if s.NeedsKeepalive(now) {
			inv.send(s, []byte{0x01})
		}
	}
}

// Send encrypts and writes one already-framed chunk to s's peer. Exported so
// a Session's Outbox implementation (see client.go) can hand off chunks
// produced outside the periodic manage tick, such as an immediate keepalive
// reply.
func (inv *Invoker) Send(s *session.Session, chunk []byte) {
	inv.send(s, chunk)
}

func (inv *Invoker) send(s *session.Session, chunk []byte) {
	engine, err := wire.NewEngine(s.EncKey[:])
	if err != nil {
		return
	}
	pkt := &wire.Packet{Marker: wire.MarkerNormalEcho, Timestamp: wire.Now(), Body: chunk}
	s.RecordSent(pkt.Timestamp)
	out, err := wire.Encrypt(pkt, engine)
	if err != nil {
		inv.log.Warn("encode failed", "error", err)
		return
	}
	prefix, err := wire.ScramblePrefix(s.FarID, s.EncKey[:])
	if err != nil {
		return
	}
	full := append(append([]byte{}, prefix[:]...), out...)
	addr, err := net.ResolveUDPAddr("udp", s.Address)
	if err != nil {
		return
	}
	if _, err := inv.conn.WriteTo(full, addr); err != nil {
		inv.log.Warn("send failed", "error", rerrors.NewProtocolError("invoker.send", err))
	}
}

// SendRaw writes a zero-prefixed (session id 0) handshake datagram to addr.
func (inv *Invoker) SendRaw(addr string, body []byte) error {
	pkt := &wire.Packet{Marker: wire.MarkerHandshake, Timestamp: wire.Now(), Body: body}
	out, err := wire.Encrypt(pkt, inv.handshakeEngine)
	if err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return rerrors.NewProtocolError("invoker.send_raw", err)
	}
	full := make([]byte, 4, 4+len(out))
	full = append(full, out...)
	if _, err := inv.conn.WriteTo(full, udpAddr); err != nil {
		return rerrors.NewProtocolError("invoker.send_raw", err)
	}
	return nil
}

// Close shuts down the invoker's sockets and worker pool.
func (inv *Invoker) Close() error {
	inv.cancel()
	return inv.conn.Close()
}
