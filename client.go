// Package rtmfp is a client-side implementation of Adobe's Real-Time Media
// Flow Protocol: one-to-one sessions with a server, direct peer-to-peer
// sessions the server introduces, and multi-peer NetGroup meshes exchanging
// live audio/video by gossip. AMF payload decoding, the FLV container
// beyond simple tag framing, and the Flash NetConnection/NetStream command
// vocabulary are out of scope; this package treats them as opaque,
// tag-prefixed bytes and delegates interpretation to the caller.
package rtmfp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
	"github.com/alxayo/go-rtmfp/internal/logger"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/group"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/handshake"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/invoker"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/metrics"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/rendezvous"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/session"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/writer"
	"github.com/google/uuid"
)

// ID is an opaque handle to a connection or a media subscription/publish,
// returned by Connect/Connect2Peer/Connect2Group/AddStream and consumed by
// every other operation.
type ID uuid.UUID

func newID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// StatusFunc receives control-plane events: NetConnection.Connect.Success,
// NetStream.Publish.BadName, and the like.
type StatusFunc func(id ID, code, description string)

// SocketErrorFunc receives transport-level failures not tied to a specific
// status code.
type SocketErrorFunc func(id ID, description string)

// groupManagePeriod is how often NetGroup membership (decay, best-list,
// reconcile) is driven for every joined group.
const groupManagePeriod = time.Second

// Client is the library's single entry point: one Client owns one Invoker
// event loop, one Handshaker, and every session/group the caller opens
// through it.
type Client struct {
	mu sync.Mutex

	cfg      Config
	groupCfg GroupConfig

	localPeerID handshake.PeerID

	hs  *handshake.Handshaker
	inv *invoker.Invoker

	servers      map[ID]*connHandle
	peers        map[string]*session.PeerSession // peerIDHex -> session
	groups       map[ID]*groupHandle
	intro        *rendezvous.Table
	handles      map[ID]*mediaHandle
	pendingByTag map[handshake.Tag]*pendingConn

	// initiatorTagForPeer tracks our own in-flight outbound dial to a peer,
	// keyed by its hex peer id, so a concurrently-arriving HS38 from that
	// same peer can be arbitrated via Handshaker.ResolveConcurrent instead
	// of racing to two independent sessions.
	initiatorTagForPeer map[string]handshake.Tag

	log *slog.Logger

	onStatus      StatusFunc
	onSocketError SocketErrorFunc

	cancel context.CancelFunc
}

type connHandle struct {
	server *session.ServerSession
	url    string
}

// groupHandle bundles a joined NetGroup with the connection/media id it
// rides over, so the membership loop and a completed peer dial can find
// their way back to the right GroupMedia subscription.
type groupHandle struct {
	g            *group.NetGroup
	id           ID
	serverConnID ID
	mediaID      ID
	streamName   string
}

// pendingKind distinguishes what a tag-keyed in-flight handshake will
// become once it completes, so handleHS78 can dispatch to the right
// completion path without re-deriving it from the EPD.
type pendingKind int

const (
	pendingServerConnect pendingKind = iota
	pendingPeerConnect
	pendingGroupConnect
)

// pendingConn is the bookkeeping kept for one in-flight outbound handshake,
// keyed by its Handshaker tag, so the eventual HS78 knows what to build.
type pendingConn struct {
	k pendingKind

	connID      ID           // pendingServerConnect
	mediaID     ID           // pendingPeerConnect
	peerID      handshake.PeerID
	groupHandle *groupHandle // pendingGroupConnect
}

// outboxAdapter implements session.Outbox on top of the Invoker's send
// path. Send hands each packet straight to the Invoker, and nothing updates
// queueing, so Queueing always reports 0.
type outboxAdapter struct {
	inv      *invoker.Invoker
	sess     *session.Session
	rto      time.Duration
	queueing uint64
}

func (o *outboxAdapter) RTO() time.Duration { return o.rto }
func (o *outboxAdapter) Send(packet []byte) {
	o.inv.Send(o.sess, packet)
}
func (o *outboxAdapter) Queueing() uint64 { return o.queueing }

// Init constructs a Client bound to a single UDP socket. It is the
// analogue of the ABI's init(config, groupConfig): library-wide state lives
// entirely on the returned Client, so construction is the only
// "idempotency" boundary a Go caller needs.
func Init(cfg Config, groupCfg GroupConfig, localPeerID handshake.PeerID, onStatus StatusFunc, onSocketError SocketErrorFunc) (*Client, error) {
	cfg.applyDefaults()
	groupCfg.applyDefaults()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, rerrors.NewProtocolError("rtmfp.init", err)
	}
	hs, err := handshake.New(localPeerID)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:                 cfg,
		groupCfg:            groupCfg,
		localPeerID:         localPeerID,
		hs:                  hs,
		inv:                 invoker.New(conn),
		servers:             make(map[ID]*connHandle),
		peers:               make(map[string]*session.PeerSession),
		groups:              make(map[ID]*groupHandle),
		intro:               rendezvous.New(),
		handles:             make(map[ID]*mediaHandle),
		pendingByTag:        make(map[handshake.Tag]*pendingConn),
		initiatorTagForPeer: make(map[string]handshake.Tag),
		log:                 logger.Logger().With("component", "client"),
		onStatus:            onStatus,
		onSocketError:       onSocketError,
	}

	c.inv.SetSessionHandler(c.dispatchSessionPacket)
	c.inv.SetHandshakeHandler(c.dispatchHandshakePacket)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := c.inv.Run(ctx); err != nil {
			c.log.Error("invoker loop exited", "error", err)
		}
	}()
	go c.groupManageLoop(ctx)

	return c, nil
}

// Connect starts (or reuses) a server session for url's host, returning an
// opaque handle. If cfg.BlockingTimeout elapses before HS78 completes, it
// returns a TimeoutError when blocking is requested.
func (c *Client) Connect(url string, blocking bool) (ID, error) {
	c.mu.Lock()
	addr := hostOf(url)
	epd := handshake.EncodeServerEPD(url)
	pending, hs30, err := c.hs.StartInitiator(epd, addr)
	c.mu.Unlock()
	if err != nil {
		return ID{}, err
	}
	metrics.HandshakesStarted.Inc()

	id := newID()
	c.mu.Lock()
	c.servers[id] = &connHandle{url: url}
	c.pendingByTag[pending.Tag] = &pendingConn{k: pendingServerConnect, connID: id}
	c.mu.Unlock()

	c.sendHandshake(addr, 0x30, hs30)

	if !blocking {
		return id, nil
	}

	deadline := time.Now().Add(c.cfg.BlockingTimeout)
	for {
		c.mu.Lock()
		state := pending.State
		c.mu.Unlock()
		if state == handshake.StateConnected {
			return id, nil
		}
		if time.Now().After(deadline) {
			return id, rerrors.NewTimeoutError("rtmfp.connect", c.cfg.BlockingTimeout, nil)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Connect2Peer requests introduction to peerID via the server session id,
// then starts a direct p2p play of streamName once the peer session opens.
// The dial goes out both to the server (which may relay it to the peer
// directly) and, as redirections arrive via HS71, to every address the
// server or the peer itself reports, reusing the same handshake tag so a
// late reply from any destination still resolves the same attempt.
func (c *Client) Connect2Peer(id ID, peerID handshake.PeerID, streamName string, blocking bool) (ID, error) {
	c.mu.Lock()
	ch, ok := c.servers[id]
	c.mu.Unlock()
	if !ok {
		return ID{}, rerrors.NewApplicationError("NetStream.Play.StreamNotFound", "rtmfp.connect2peer", errUnknownConn{})
	}

	epd := handshake.EncodePeerEPD(peerID)
	pending, hs30, err := c.hs.StartInitiator(epd, ch.url)
	if err != nil {
		return ID{}, err
	}
	metrics.HandshakesStarted.Inc()

	mediaID := newID()
	h := newMediaHandle(streamName, false)

	peerIDHex := peerID.String()
	c.mu.Lock()
	c.handles[mediaID] = h
	c.pendingByTag[pending.Tag] = &pendingConn{k: pendingPeerConnect, mediaID: mediaID, peerID: peerID, connID: id}
	c.initiatorTagForPeer[peerIDHex] = pending.Tag
	c.mu.Unlock()
	c.intro.Start(pending.Tag, peerID, ch.url)

	c.sendHandshake(ch.url, 0x30, hs30)

	if blocking {
		if !h.waitConnected(c.cfg.BlockingTimeout) {
			return mediaID, rerrors.NewTimeoutError("rtmfp.connect2peer", c.cfg.BlockingTimeout, nil)
		}
	}
	return mediaID, nil
}

// Connect2Group joins a NetGroup identified by groupspec and starts
// consuming (or publishing) streamName over it.
func (c *Client) Connect2Group(id ID, groupspec, streamName string, audioReliable, videoReliable bool, fallbackURL string) (ID, error) {
	c.mu.Lock()
	_, ok := c.servers[id]
	c.mu.Unlock()
	if !ok {
		return ID{}, rerrors.NewApplicationError("NetStream.Play.StreamNotFound", "rtmfp.connect2group", errUnknownConn{})
	}

	g := group.New(groupspec, c.localPeerID.RawID())
	groupID := newID()

	mediaID := newID()
	h := newMediaHandle(streamName, false)

	gm := g.GroupMedia(streamName, group.Config{
		WindowDuration:           uint32(c.groupCfg.WindowDuration / time.Millisecond),
		FetchPeriod:              uint32(c.groupCfg.FetchPeriod / time.Millisecond),
		AvailabilityUpdatePeriod: uint32(c.groupCfg.AvailabilityUpdatePeriod / time.Millisecond),
		RelayMargin:              uint32(c.groupCfg.RelayMargin / time.Millisecond),
		PushLimit:                c.groupCfg.PushLimit,
		AvailabilitySendToAll:    c.groupCfg.AvailabilitySendToAll,
	})
	gm.SetDeliver(h.deliverTag)

	c.mu.Lock()
	c.groups[groupID] = &groupHandle{g: g, id: groupID, serverConnID: id, mediaID: mediaID, streamName: streamName}
	c.handles[mediaID] = h
	c.mu.Unlock()

	if fallbackURL != "" {
		go c.fallbackIfSilent(g, mediaID, fallbackURL)
	}

	return mediaID, nil
}

func (c *Client) fallbackIfSilent(g *group.NetGroup, mediaID ID, fallbackURL string) {
	time.Sleep(fallbackTimeout)
	c.mu.Lock()
	h, ok := c.handles[mediaID]
	c.mu.Unlock()
	if !ok || h.hasReceivedAny() {
		return
	}
	c.log.Info("group silent past fallback timeout, starting standalone playback", "fallback_url", fallbackURL)
	if _, err := c.Connect(fallbackURL, false); err != nil {
		c.log.Warn("fallback connect failed", "error", err)
	}
}

// AddStream checks that id names a known server connection and allocates a
// media handle for name. It sends no NetStream play or publish to the
// server and opens no writer or flow for the handle.
func (c *Client) AddStream(id ID, publisher bool, name string, audioReliable, videoReliable, blocking bool) (ID, error) {
	c.mu.Lock()
	_, ok := c.servers[id]
	c.mu.Unlock()
	if !ok {
		return ID{}, rerrors.NewApplicationError("NetStream.Play.StreamNotFound", "rtmfp.add_stream", errUnknownConn{})
	}
	mediaID := newID()
	h := newMediaHandle(name, publisher)
	c.mu.Lock()
	c.handles[mediaID] = h
	c.mu.Unlock()
	return mediaID, nil
}

// PublishP2P checks that id names a known server connection and returns
// nil; it sends nothing and does not make this client a p2p source for name.
func (c *Client) PublishP2P(id ID, name string, audioReliable, videoReliable, blocking bool) error {
	c.mu.Lock()
	_, ok := c.servers[id]
	c.mu.Unlock()
	if !ok {
		return rerrors.NewApplicationError("NetStream.Publish.BadName", "rtmfp.publish_p2p", errUnknownConn{})
	}
	return nil
}

// Read copies at most len(buf) bytes of a FLV-wrapped elementary stream
// into buf, blocking until any byte is available or the handle is closed
// (then io.EOF).
func (c *Client) Read(mediaID ID, buf []byte) (int, error) {
	c.mu.Lock()
	h, ok := c.handles[mediaID]
	c.mu.Unlock()
	if !ok {
		return 0, rerrors.NewApplicationError("NetStream.Play.StreamNotFound", "rtmfp.read", errUnknownMedia{})
	}
	return h.read(buf, c.cfg.ReadPollInterval)
}

// Write checks that mediaID names a handle opened for publishing and
// reports all of buf as consumed; the bytes are not sent to any peer or
// server.
func (c *Client) Write(mediaID ID, buf []byte) (int, error) {
	c.mu.Lock()
	h, ok := c.handles[mediaID]
	c.mu.Unlock()
	if !ok {
		return 0, rerrors.NewApplicationError("NetStream.Publish.BadName", "rtmfp.write", errUnknownMedia{})
	}
	if !h.publisher {
		return 0, rerrors.NewApplicationError("NetStream.Publish.BadName", "rtmfp.write", errNotPublisher{})
	}
	return len(buf), nil
}

// CallFunction checks that id names a known server connection and returns
// nil; no invocation is sent to the server or to any peer.
func (c *Client) CallFunction(id ID, function string, args []byte, peerIDHex string) error {
	c.mu.Lock()
	_, ok := c.servers[id]
	c.mu.Unlock()
	if !ok {
		return rerrors.NewApplicationError("NetConnection.Call.Failed", "rtmfp.call_function", errUnknownConn{})
	}
	return nil
}

// Close forgets the connection or media handle identified by id and ends a
// pending Read on that handle with io.EOF. It sends no close to the peer,
// leaves the underlying session registered, and ignores blocking.
func (c *Client) Close(id ID, blocking bool) error {
	c.mu.Lock()
	delete(c.servers, id)
	h, hasMedia := c.handles[id]
	delete(c.handles, id)
	c.mu.Unlock()
	if hasMedia {
		h.closeChannel()
	}
	return nil
}

// Shutdown tears down the Invoker event loop and the underlying socket.
func (c *Client) Shutdown() error {
	c.cancel()
	return c.inv.Close()
}

func (c *Client) sendHandshake(addr string, marker byte, body []byte) {
	full := make([]byte, 0, 1+len(body))
	full = append(full, marker)
	full = append(full, body...)
	if err := c.inv.SendRaw(addr, full); err != nil {
		c.log.Warn("handshake send failed", "address", addr, "error", err)
	}
}

func (c *Client) dispatchSessionPacket(s *session.Session, pkt *wire.Packet, addr net.Addr) {
	if pkt.HasEcho {
		sample := s.OnTimeEcho(s.LastSentTimestamp(), pkt.TimeEcho)
		metrics.RTTSeconds.Observe(sample.RTT.Seconds())
	}
	if len(pkt.Body) == 0 {
		return
	}
	switch pkt.Body[0] {
	case 0x01: // keepalive
		c.replyKeepalive(s)
	case 0x41: // keepalive reply
	case 0x0C: // close
		s.OnCloseAck()
	case 0x4C: // peer closed
		s.OnPeerClosed()
	case 0x10, 0x11: // flow data with/without header
		c.dispatchFlowChunk(s, pkt.Body)
	case 0x51: // ack
		c.dispatchAck(s, pkt.Body[1:])
	case 0x5E: // flow exception
	default:
		c.log.Debug("unhandled chunk marker", "marker", fmt.Sprintf("0x%02X", pkt.Body[0]))
	}
}

func (c *Client) replyKeepalive(s *session.Session) {
	s.RecordSent(wire.Now())
	c.inv.Send(s, []byte{0x41})
}

func (c *Client) dispatchFlowChunk(s *session.Session, body []byte) {
	if len(body) < 2 {
		return
	}
	flags := body[0]
	rest := body[1:]
	flowID, rest, ok := wire.Uint7(rest)
	if !ok {
		return
	}
	stagePlus, rest, ok := wire.Uint7(rest)
	if !ok {
		return
	}
	deltaPlus, rest, ok := wire.Uint7(rest)
	if !ok {
		return
	}
	stage := stagePlus + 1
	deltaNAck := deltaPlus + 1

	if flags&message.FlagOptions != 0 {
		if len(rest) < 1 {
			return
		}
		sigLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < sigLen {
			return
		}
		rest = rest[sigLen:]
	}

	f, ok := s.Flow(flowID)
	if !ok {
		return
	}
	frag := message.Fragment{Stage: stage, Flags: flags, Bytes: rest}
	f.Receive(stage, frag, deltaNAck)
}

func (c *Client) dispatchAck(s *session.Session, body []byte) {
	flowID, rest, ok := wire.Uint7(body)
	if !ok {
		return
	}
	_, rest, ok = wire.Uint7(rest) // receiveBuffer, not needed by the writer side
	if !ok {
		return
	}
	stageAck, rest, ok := wire.Uint7(rest)
	if !ok {
		return
	}
	var lost []writer.GapRange
	maxStageRecv := stageAck
	for len(rest) > 0 {
		gap, r, ok := wire.Uint7(rest)
		if !ok {
			break
		}
		run, r2, ok := wire.Uint7(r)
		if !ok {
			break
		}
		lost = append(lost, writer.GapRange{Gap: gap, Run: run})
		maxStageRecv = stageAck + gap + run
		rest = r2
	}

	w, ok := s.Writer(uint16(flowID))
	if !ok {
		return
	}
	retransmit, err := w.HandleAck(stageAck, lost, maxStageRecv)
	if err != nil {
		s.Fail(err)
		return
	}
	for _, chunk := range retransmit {
		c.inv.Send(s, chunk)
	}
}

func (c *Client) dispatchHandshakePacket(pkt *wire.Packet, addr net.Addr) {
	if len(pkt.Body) == 0 {
		return
	}
	switch pkt.Body[0] {
	case 0x70:
		c.handleHS70(pkt.Body[1:])
	case 0x78:
		c.handleHS78(pkt.Body[1:])
	case 0x71:
		c.handleHS71(pkt.Body[1:])
	case 0x30:
		c.handleHS30(pkt.Body[1:], addr)
	case 0x38:
		c.handleHS38resp(pkt.Body[1:], addr)
	default:
		c.log.Debug("unhandled handshake marker", "marker", fmt.Sprintf("0x%02X", pkt.Body[0]))
	}
}

// handleHS70 advances the initiator side: a responder accepted our HS30, so
// we pick a session id, compute the HS38 reply, and send it. A peer dial
// draws from the peer-session counter rather than the server one. Only the
// first HS70 for a tag is answered (HandleHS70 rejects later ones), and the
// tag's introduction-table entry is then resolved; a later HS71 still
// re-sends HS30 for the tag while the dial is pending.
func (c *Client) handleHS70(body []byte) {
	if len(body) < 16 {
		return
	}
	var tag handshake.Tag
	copy(tag[:], body[:16])

	sessionID := c.hs.NextServerSessionID()
	if p, ok := c.hs.PendingInitiatorByTag(tag); ok {
		if _, _, isPeer, err := handshake.DecodeEPD(p.EPD); err == nil && isPeer {
			sessionID = c.hs.NextPeerSessionID()
		}
	}

	pending, hs38, err := c.hs.HandleHS70(tag, body[16:], sessionID)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("hs70").Inc()
		c.log.Warn("HS70 processing failed", "error", err)
		return
	}
	c.intro.Resolve(tag)
	c.sendHandshake(pending.Address, 0x38, hs38)
}

// handleHS78 completes the initiator side: the responder's symmetric-key
// material has arrived, so the session is constructed, registered, and
// handed to the completion path matching how this dial was started.
func (c *Client) handleHS78(body []byte) {
	if len(body) < 16 {
		return
	}
	var tag handshake.Tag
	copy(tag[:], body[:16])

	pending, keys, err := c.hs.HandleHS78(tag, body[16:])
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("hs78").Inc()
		c.log.Warn("HS78 processing failed", "error", err)
		return
	}

	c.mu.Lock()
	pc, ok := c.pendingByTag[tag]
	delete(c.pendingByTag, tag)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("HS78 completed for an untracked tag")
		return
	}

	var eventID ID
	switch pc.k {
	case pendingServerConnect:
		eventID = pc.connID
	case pendingPeerConnect:
		eventID = pc.mediaID
	case pendingGroupConnect:
		eventID = pc.groupHandle.mediaID
	}
	onStatus := func(code, desc string) {
		if c.onStatus != nil {
			c.onStatus(eventID, code, desc)
		}
	}

	adapter := &outboxAdapter{inv: c.inv, rto: time.Second}
	s := session.New(pending.SessionID, pending.FarID, pending.Address, false, keys.Request, keys.Response, adapter, c.log, onStatus)
	adapter.sess = s

	if err := c.inv.RegisterSession(s); err != nil {
		c.log.Warn("failed to register session", "error", err)
		return
	}
	metrics.SessionsActive.Inc()

	switch pc.k {
	case pendingServerConnect:
		c.completeServerConnect(pc, s)
	case pendingPeerConnect:
		c.completePeerConnect(pc, s)
	case pendingGroupConnect:
		c.completeGroupConnect(pc, s)
	}
}

func (c *Client) completeServerConnect(pc *pendingConn, s *session.Session) {
	c.mu.Lock()
	ch, ok := c.servers[pc.connID]
	c.mu.Unlock()
	if !ok {
		return
	}

	ss := session.NewServerSession(s, ch.url, c.log, c.handleServerIntroduction)

	c.mu.Lock()
	ch.server = ss
	c.mu.Unlock()

	if c.onStatus != nil {
		c.onStatus(pc.connID, "NetConnection.Connect.Success", "connected")
	}
}

// handleServerIntroduction is wired as a ServerSession's onIntroduction
// callback for the (rarer) case where the server signals a peer's address
// over the already-open control session rather than via a standalone HS71
// datagram. It only logs the introduction; the addresses are not added to
// the rendezvous table and no dial is started.
func (c *Client) handleServerIntroduction(peerIDHex string, addresses []string) {
	c.log.Debug("server-relayed peer introduction", "peer_id", peerIDHex, "addresses", len(addresses))
}

func (c *Client) completePeerConnect(pc *pendingConn, s *session.Session) {
	peerIDHex := pc.peerID.String()
	mediaID := pc.mediaID

	onMedia := func(msg message.Message) {
		c.mu.Lock()
		h, ok := c.handles[mediaID]
		c.mu.Unlock()
		if !ok {
			return
		}
		h.deliverTag(mediaTagType(msg.Type), msg.Timestamp, msg.Payload)
	}
	ps := session.NewPeerSession(s, peerIDHex, nil, nil, onMedia)

	c.mu.Lock()
	c.peers[peerIDHex] = ps
	delete(c.initiatorTagForPeer, peerIDHex)
	c.mu.Unlock()

	if h, ok := c.handles[mediaID]; ok {
		h.markConnected()
	}
}

func (c *Client) completeGroupConnect(pc *pendingConn, s *session.Session) {
	gh := pc.groupHandle
	peerIDHex := pc.peerID.String()

	gm := gh.g.GroupMedia(gh.streamName, group.DefaultConfig())
	onMedia := func(msg message.Message) {
		frag, ok := group.DecodeGroupFragment(msg.Payload)
		if !ok {
			return
		}
		gm.Ingest(frag)
	}
	ps := session.NewPeerSession(s, peerIDHex, nil, nil, onMedia)
	ps.GroupActive = true

	c.mu.Lock()
	c.peers[peerIDHex] = ps
	delete(c.initiatorTagForPeer, peerIDHex)
	c.mu.Unlock()

	gh.g.MarkConnected(peerIDHex, 0)
}

// handleHS30 answers an inbound direct-dial from another peer: we become
// the responder for this attempt, issuing a cookie via the Handshaker and
// replying HS70. A dial that does not name our own peer id (a stale or
// misdirected redirection) is dropped.
func (c *Client) handleHS30(body []byte, addr net.Addr) {
	if len(body) < 1 {
		return
	}
	epdLen := int(body[0])
	if len(body) < 1+epdLen+16 {
		return
	}
	epd := body[1 : 1+epdLen]
	var tag handshake.Tag
	copy(tag[:], body[1+epdLen:1+epdLen+16])

	_, remotePeerID, isPeer, err := handshake.DecodeEPD(epd)
	if err != nil || !isPeer || remotePeerID != c.localPeerID {
		return
	}

	_, hs70, err := c.hs.HandleHS30(epd, tag, addr.String())
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("hs30").Inc()
		c.log.Warn("HS30 processing failed", "error", err)
		return
	}
	metrics.HandshakesStarted.Inc()
	c.sendHandshake(addr.String(), 0x70, hs70)
}

// handleHS38resp completes the responder side of a direct peer dial.
// ResolveConcurrent arbitrates the case where we were already dialing the
// same peer ourselves: the lexicographically smaller peer id always ends
// up as responder, so exactly one of the two simultaneous attempts
// survives.
func (c *Client) handleHS38resp(body []byte, addr net.Addr) {
	sessionID := c.hs.NextPeerSessionID()
	pending, keys, hs78, err := c.hs.HandleHS38(body, sessionID)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("hs38").Inc()
		c.log.Warn("HS38 processing failed", "error", err)
		return
	}

	remotePeerID := handshake.DerivePeerID(pending.InitiatorID)
	peerIDHex := remotePeerID.String()

	c.mu.Lock()
	conflictTag, dialing := c.initiatorTagForPeer[peerIDHex]
	c.mu.Unlock()
	if dialing {
		if !c.hs.ResolveConcurrent(remotePeerID) {
			// Our own local dial wins; ignore the inbound attempt entirely.
			return
		}
		c.hs.AbandonInitiator(conflictTag)
		c.mu.Lock()
		delete(c.pendingByTag, conflictTag)
		delete(c.initiatorTagForPeer, peerIDHex)
		c.mu.Unlock()
	}

	c.sendHandshake(pending.Address, 0x78, hs78)

	adapter := &outboxAdapter{inv: c.inv, rto: time.Second}
	s := session.New(sessionID, pending.FarID, pending.Address, true, keys.Response, keys.Request, adapter, c.log, nil)
	adapter.sess = s
	if err := c.inv.RegisterSession(s); err != nil {
		c.log.Warn("failed to register responder session", "error", err)
		return
	}
	metrics.SessionsActive.Inc()

	ps := session.NewPeerSession(s, peerIDHex, nil, nil, c.onInboundMedia(peerIDHex))
	c.mu.Lock()
	c.peers[peerIDHex] = ps
	c.mu.Unlock()
}

// onInboundMedia routes a responder-side peer session's media flow into
// whichever GroupMedia (if any) the peer belongs to; direct, non-group p2p
// play initiated by the responder side has no local media handle to feed,
// so such messages are dropped without a log.
func (c *Client) onInboundMedia(peerIDHex string) func(msg message.Message) {
	return func(msg message.Message) {
		frag, ok := group.DecodeGroupFragment(msg.Payload)
		if !ok {
			return
		}
		c.mu.Lock()
		var target *group.GroupMedia
		for _, gh := range c.groups {
			if _, _, known := gh.g.HeardAddresses(peerIDHex); known {
				target = gh.g.GroupMedia(gh.streamName, group.DefaultConfig())
				break
			}
		}
		c.mu.Unlock()
		if target != nil {
			target.Ingest(frag)
		}
	}
}

// handleHS71 processes a redirection: the server (or a peer already in
// contact) reports additional addresses for a pending direct dial. Every
// newly learned address is retried with the same tag, so whichever replies
// first resolves the attempt via handleHS70's "first 0x70 wins" rule.
func (c *Client) handleHS71(body []byte) {
	if len(body) < 16 {
		return
	}
	var tag handshake.Tag
	copy(tag[:], body[:16])

	addrs, _, err := wire.ReadAddresses(body[16:])
	if err != nil {
		c.log.Warn("HS71 address list malformed", "error", err)
		return
	}
	addrStrs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		addrStrs = append(addrStrs, a.String())
	}
	c.intro.AddAddresses(tag, addrStrs)

	pending, ok := c.hs.PendingInitiatorByTag(tag)
	if !ok {
		return
	}
	hs30 := c.hs.RetryInitiator(pending)
	for _, addr := range addrStrs {
		c.sendHandshake(addr, 0x30, hs30)
	}
}

// groupManageLoop periodically drives membership bookkeeping for every
// joined NetGroup: decaying stale heard-from entries, recomputing the
// best-list, and dialing or asking-close members to converge on it.
func (c *Client) groupManageLoop(ctx context.Context) {
	ticker := time.NewTicker(groupManagePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.manageGroups(now)
		}
	}
}

func (c *Client) manageGroups(now time.Time) {
	c.mu.Lock()
	handles := make([]*groupHandle, 0, len(c.groups))
	for _, gh := range c.groups {
		handles = append(handles, gh)
	}
	c.mu.Unlock()

	for _, gh := range handles {
		gh.g.Decay(now)
		bestList := gh.g.ComputeBestList()
		metrics.GroupBestListSize.WithLabelValues(gh.id.String()).Set(float64(len(bestList)))
		toConnect, toAskClose := gh.g.Reconcile(now)
		for _, peerIDHex := range toConnect {
			c.dialGroupMember(gh, peerIDHex)
		}
		for _, peerIDHex := range toAskClose {
			c.askCloseGroupMember(peerIDHex)
		}
	}
}

// dialGroupMember starts (or retries) a direct dial to a peer the
// best-list wants connected, reusing whatever addresses NetGroup has heard
// for it alongside the original server connection as a fallback relay.
func (c *Client) dialGroupMember(gh *groupHandle, peerIDHex string) {
	c.mu.Lock()
	_, dialing := c.initiatorTagForPeer[peerIDHex]
	_, connected := c.peers[peerIDHex]
	ch, ok := c.servers[gh.serverConnID]
	c.mu.Unlock()
	if dialing || connected || !ok {
		return
	}

	peerID, err := peerIDFromHex(peerIDHex)
	if err != nil {
		return
	}

	addrs, hostAddress, known := gh.g.HeardAddresses(peerIDHex)
	dialAddr := ch.url
	if known && hostAddress != "" {
		dialAddr = hostAddress
	}

	epd := handshake.EncodePeerEPD(peerID)
	pending, hs30, err := c.hs.StartInitiator(epd, dialAddr)
	if err != nil {
		return
	}
	metrics.HandshakesStarted.Inc()

	c.mu.Lock()
	c.pendingByTag[pending.Tag] = &pendingConn{k: pendingGroupConnect, peerID: peerID, groupHandle: gh}
	c.initiatorTagForPeer[peerIDHex] = pending.Tag
	c.mu.Unlock()
	c.intro.Start(pending.Tag, peerID, ch.url)

	c.sendHandshake(dialAddr, 0x30, hs30)
	for _, a := range addrs {
		if a != dialAddr {
			c.sendHandshake(a, 0x30, hs30)
		}
	}
}

// askCloseGroupMember tells a connected peer we no longer want it in our
// best-list, via the group Report flow's ASK_CLOSE opcode.
func (c *Client) askCloseGroupMember(peerIDHex string) {
	c.mu.Lock()
	ps, ok := c.peers[peerIDHex]
	c.mu.Unlock()
	if !ok {
		return
	}
	ps.GroupActive = false
	w := ps.ReportWriter()
	w.Write(message.Message{
		Type:     message.TypeData,
		DataType: message.DataTypeOf(message.TypeData),
		Payload:  []byte{byte(group.OpAskClose)},
		Reliable: true,
	})
	for _, chunk := range w.Flush() {
		c.inv.Send(ps.Session, chunk)
	}
}

func mediaTagType(t message.Type) byte {
	switch t {
	case message.TypeAudio:
		return flvTagAudio
	default:
		return flvTagVideo
	}
}

func peerIDFromHex(hexStr string) (handshake.PeerID, error) {
	b, decodeErr := hex.DecodeString(hexStr)
	if decodeErr != nil || len(b) != 32 {
		return handshake.PeerID{}, rerrors.NewProtocolError("rtmfp.peer_id_from_hex", errInvalidPeerIDHex{})
	}
	var id handshake.PeerID
	copy(id[:], b)
	return id, nil
}

func hostOf(url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == '/' && i+1 < len(url) && url[i+1] == '/' {
			rest := url[i+2:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == '/' {
					return rest[:j]
				}
			}
			return rest
		}
	}
	return url
}

type errUnknownConn struct{}

func (errUnknownConn) Error() string { return "unknown connection id" }

type errUnknownMedia struct{}

func (errUnknownMedia) Error() string { return "unknown media id" }

type errNotPublisher struct{}

func (errNotPublisher) Error() string { return "handle is not open for publishing" }

type errInvalidPeerIDHex struct{}

func (errInvalidPeerIDHex) Error() string { return "invalid hex-encoded peer id" }
