package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math/big"
	"sync"
	"time"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
	"github.com/alxayo/go-rtmfp/internal/logger"
	lru "github.com/hashicorp/golang-lru/v2"
)

// dhPubSize is the fixed width a 1024-bit MODP public key is padded/parsed
// to on the wire.
const dhPubSize = 128

const sigPrefixA, sigPrefixB = 0x1D, 0x02

// cookieTableCap bounds the number of cookies a responder holds pending at
// once, guarding against a cookie-flood memory blowup.
const cookieTableCap = 4096

// Handshaker runs the initiator and responder sides of the four-way
// handshake. One Handshaker serves every session-id-0 datagram for a
// process; individual Sessions are handed off once HS78/HS38 completes.
type Handshaker struct {
	mu sync.Mutex

	tagTable    map[Tag]*PendingInitiator
	cookieTable *lru.Cache[Cookie, *PendingResponder]

	serverSessionCounter uint32
	peerSessionCounter   uint32

	localPeerID PeerID
	log         *slog.Logger
}

// New builds a Handshaker. localPeerID identifies this endpoint for
// concurrent-initiation arbitration.
func New(localPeerID PeerID) (*Handshaker, error) {
	cookies, err := lru.New[Cookie, *PendingResponder](cookieTableCap)
	if err != nil {
		return nil, rerrors.NewProtocolError("handshake.new", err)
	}
	return &Handshaker{
		tagTable:             make(map[Tag]*PendingInitiator),
		cookieTable:          cookies,
		serverSessionCounter: 0x02000000,
		peerSessionCounter:   0x03000000,
		localPeerID:          localPeerID,
		log:                  logger.Logger().With("component", "handshake"),
	}, nil
}

func randomTag() (Tag, error) {
	var t Tag
	if _, err := rand.Read(t[:]); err != nil {
		return t, rerrors.NewCryptoError("handshake.random_tag", err)
	}
	return t, nil
}

func randomCookie() (Cookie, error) {
	var c Cookie
	if _, err := rand.Read(c[:]); err != nil {
		return c, rerrors.NewCryptoError("handshake.random_cookie", err)
	}
	return c, nil
}

func encodeDHPub(pub *big.Int) []byte {
	buf := make([]byte, dhPubSize)
	pub.FillBytes(buf)
	out := make([]byte, 0, 2+dhPubSize)
	out = append(out, sigPrefixA, sigPrefixB)
	return append(append(out, buf...))
}

func decodeDHPub(b []byte) (*big.Int, []byte, error) {
	if len(b) < 2+dhPubSize || b[0] != sigPrefixA || b[1] != sigPrefixB {
		return nil, b, rerrors.NewHandshakeError("handshake.decode_dh_pub", errBadSignature{})
	}
	pub := new(big.Int).SetBytes(b[2 : 2+dhPubSize])
	return pub, b[2+dhPubSize:], nil
}

type errBadSignature struct{}

func (errBadSignature) Error() string { return "missing 0x1D02 public-key signature prefix" }

// --- Initiator side ---

// StartInitiator begins a new outbound handshake toward epd (built via
// EncodeServerEPD or EncodePeerEPD) at addr. It returns the pending state
// (to be indexed by its Tag) and the HS30 body to send.
func (h *Handshaker) StartInitiator(epd []byte, addr string) (*PendingInitiator, []byte, error) {
	tag, err := randomTag()
	if err != nil {
		return nil, nil, err
	}
	priv, pub, err := KeyPair()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := BuildInitiatorNonce()
	if err != nil {
		return nil, nil, err
	}

	p := &PendingInitiator{
		Tag:       tag,
		EPD:       epd,
		Address:   addr,
		State:     StateSentHS30,
		Priv:      priv,
		Pub:       pub,
		Nonce:     nonce,
		Attempts:  1,
		CreatedAt: time.Now(),
		LastSent:  time.Now(),
	}

	h.mu.Lock()
	h.tagTable[tag] = p
	h.mu.Unlock()

	return p, buildHS30(epd, tag), nil
}

func buildHS30(epd []byte, tag Tag) []byte {
	body := make([]byte, 0, 1+len(epd)+16)
	body = append(body, byte(len(epd)))
	body = append(body, epd...)
	body = append(body, tag[:]...)
	return body
}

// RetryInitiator rebuilds the HS30 body for a retransmission and bumps the
// attempt counter. Callers should give up once p.Expired reports true.
func (h *Handshaker) RetryInitiator(p *PendingInitiator) []byte {
	h.mu.Lock()
	p.Attempts++
	p.LastSent = time.Now()
	h.mu.Unlock()
	return buildHS30(p.EPD, p.Tag)
}

// HandleHS70 processes a responder's accept for the initiator identified by
// tag, returning the HS38 body to send. newSessionID is the locally chosen
// session id the caller should pick (server-range or peer-range depending on
// whether NextServerSessionID or NextPeerSessionID produced it). Only the
// first HS70 for a tag is answered; a later one returns an error.
func (h *Handshaker) HandleHS70(tag Tag, body []byte, newSessionID uint32) (*PendingInitiator, []byte, error) {
	h.mu.Lock()
	p, ok := h.tagTable[tag]
	answered := ok && p.State != StateSentHS30
	h.mu.Unlock()
	if !ok {
		return nil, nil, rerrors.NewHandshakeError("handshake.hs70", errUnknownTag{})
	}
	if answered {
		return nil, nil, rerrors.NewHandshakeError("handshake.hs70", errDuplicateHS70{})
	}
	if len(body) < 64 {
		return nil, nil, rerrors.NewHandshakeError("handshake.hs70", errShortBody{})
	}
	var cookie Cookie
	copy(cookie[:], body[:64])
	rest := body[64:]
	peerPub, _, err := decodeDHPub(rest)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	p.State = StateReceivedHS70
	p.Cookie = cookie
	p.PeerPub = peerPub
	p.SessionID = newSessionID
	h.mu.Unlock()

	return p, buildHS38(p), nil
}

func buildHS38(p *PendingInitiator) []byte {
	body := make([]byte, 0, 4+64+2+dhPubSize+76+1)
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], p.SessionID)
	body = append(body, sid[:]...)
	body = append(body, p.Cookie[:]...)
	body = append(body, encodeDHPub(p.Pub)...)
	body = append(body, p.Nonce...)
	body = append(body, 0x58)
	return body
}

// HandleHS78 completes the initiator side: body is the responder's
// session-id-prefixed nonce payload. It computes the shared secret and
// symmetric keys and marks the handshake connected.
func (h *Handshaker) HandleHS78(tag Tag, body []byte) (*PendingInitiator, requestResponseKeys, error) {
	h.mu.Lock()
	p, ok := h.tagTable[tag]
	h.mu.Unlock()
	if !ok {
		return nil, requestResponseKeys{}, rerrors.NewHandshakeError("handshake.hs78", errUnknownTag{})
	}
	if len(body) < 4+73 {
		return nil, requestResponseKeys{}, rerrors.NewHandshakeError("handshake.hs78", errShortBody{})
	}
	farID := binary.BigEndian.Uint32(body[:4])
	peerNonce := append([]byte(nil), body[4:4+73]...)

	secret, err := SharedSecret(p.Priv, p.PeerPub)
	if err != nil {
		return nil, requestResponseKeys{}, err
	}
	reqKey, respKey := ComputeAsymmetricKeys(secret, p.Nonce, peerNonce)

	h.mu.Lock()
	p.State = StateConnected
	p.FarID = farID
	p.PeerNonce = peerNonce
	delete(h.tagTable, tag)
	h.mu.Unlock()

	return p, requestResponseKeys{Request: reqKey, Response: respKey}, nil
}

// --- Responder side ---

// HandleHS30 processes an inbound HS30, issuing a fresh cookie and returning
// the HS70 body to send back.
func (h *Handshaker) HandleHS30(epd []byte, tag Tag, addr string) (*PendingResponder, []byte, error) {
	cookie, err := randomCookie()
	if err != nil {
		return nil, nil, err
	}
	priv, pub, err := KeyPair()
	if err != nil {
		return nil, nil, err
	}
	p := &PendingResponder{
		Cookie:    cookie,
		Tag:       tag,
		Address:   addr,
		Priv:      priv,
		Pub:       pub,
		CreatedAt: time.Now(),
	}
	h.mu.Lock()
	h.cookieTable.Add(cookie, p)
	h.mu.Unlock()

	body := make([]byte, 0, 16+64+2+dhPubSize)
	body = append(body, tag[:]...)
	body = append(body, cookie[:]...)
	body = append(body, encodeDHPub(pub)...)
	return p, body, nil
}

// HandleHS38 validates the cookie and initiator key material, deriving the
// symmetric keys and returning the HS78 body to send (tag-prefixed, so the
// initiator can correlate the reply before any session is registered).
// sessionID is the locally chosen session id for this (responder-side)
// session.
func (h *Handshaker) HandleHS38(body []byte, sessionID uint32) (*PendingResponder, requestResponseKeys, []byte, error) {
	if len(body) < 4+64 {
		return nil, requestResponseKeys{}, nil, rerrors.NewHandshakeError("handshake.hs38", errShortBody{})
	}
	farID := binary.BigEndian.Uint32(body[:4])
	var cookie Cookie
	copy(cookie[:], body[4:4+64])

	h.mu.Lock()
	p, ok := h.cookieTable.Get(cookie)
	h.mu.Unlock()
	if !ok {
		return nil, requestResponseKeys{}, nil, rerrors.NewHandshakeError("handshake.hs38", errUnknownCookie{})
	}
	if p.Expired(time.Now()) {
		h.mu.Lock()
		h.cookieTable.Remove(cookie)
		h.mu.Unlock()
		return nil, requestResponseKeys{}, nil, rerrors.NewHandshakeError("handshake.hs38", errExpiredCookie{})
	}

	rest := body[4+64:]
	peerPub, rest, err := decodeDHPub(rest)
	if err != nil {
		return nil, requestResponseKeys{}, nil, err
	}
	if len(rest) < 76 {
		return nil, requestResponseKeys{}, nil, rerrors.NewHandshakeError("handshake.hs38", errShortBody{})
	}
	initiatorNonce := append([]byte(nil), rest[:76]...)

	responderNonce, err := BuildResponderNonce()
	if err != nil {
		return nil, requestResponseKeys{}, nil, err
	}

	secret, err := SharedSecret(p.Priv, peerPub)
	if err != nil {
		return nil, requestResponseKeys{}, nil, err
	}
	reqKey, respKey := ComputeAsymmetricKeys(secret, initiatorNonce, responderNonce)

	h.mu.Lock()
	p.FarID = farID
	p.PeerPub = peerPub
	p.PeerNonce = initiatorNonce
	p.Nonce = responderNonce
	p.InitiatorID = encodeDHPubCanonical(peerPub)
	h.cookieTable.Remove(cookie)
	h.mu.Unlock()

	respBody := make([]byte, 0, 16+4+73+1)
	respBody = append(respBody, p.Tag[:]...)
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], sessionID)
	respBody = append(respBody, sid[:]...)
	respBody = append(respBody, responderNonce...)
	respBody = append(respBody, 0x58)

	return p, requestResponseKeys{Request: reqKey, Response: respKey}, respBody, nil
}

func encodeDHPubCanonical(pub *big.Int) []byte {
	buf := make([]byte, dhPubSize)
	pub.FillBytes(buf)
	return buf
}

// NextServerSessionID draws the next locally-assigned session id for a
// server-direction session (counter starts at 0x02000000).
func (h *Handshaker) NextServerSessionID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serverSessionCounter++
	return h.serverSessionCounter
}

// NextPeerSessionID draws the next locally-assigned session id for a peer
// session (counter starts at 0x03000000).
func (h *Handshaker) NextPeerSessionID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peerSessionCounter++
	return h.peerSessionCounter
}

// ResolveConcurrent applies the concurrent-initiation arbitration rule: the
// peer with the lexicographically smaller id becomes responder. It reports
// whether our local pending initiator state should be discarded in favor of
// answering as responder.
func (h *Handshaker) ResolveConcurrent(remote PeerID) (discardInitiator bool) {
	return h.localPeerID.Less(remote)
}

// PendingInitiatorByTag looks up an in-flight initiator attempt, without
// removing it. Used by redirection (HS71) handling to rebuild an HS30 for a
// new destination address, and by concurrent-open arbitration to find the
// local attempt that might need to be abandoned.
func (h *Handshaker) PendingInitiatorByTag(tag Tag) (*PendingInitiator, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.tagTable[tag]
	return p, ok
}

// AbandonInitiator discards an in-flight initiator attempt. Called when
// ResolveConcurrent decides the local dial loses to an inbound one from the
// same peer.
func (h *Handshaker) AbandonInitiator(tag Tag) {
	h.mu.Lock()
	delete(h.tagTable, tag)
	h.mu.Unlock()
}

// requestResponseKeys bundles the directional session keys produced by a
// completed handshake.
type requestResponseKeys struct {
	Request  [16]byte
	Response [16]byte
}

type errUnknownTag struct{}

func (errUnknownTag) Error() string { return "unknown handshake tag" }

type errDuplicateHS70 struct{}

func (errDuplicateHS70) Error() string { return "HS70 already answered for this tag" }

type errUnknownCookie struct{}

func (errUnknownCookie) Error() string { return "unknown or already-consumed cookie" }

type errExpiredCookie struct{}

func (errExpiredCookie) Error() string { return "cookie expired" }

type errShortBody struct{}

func (errShortBody) Error() string { return "truncated handshake body" }
