package session

import (
	"log/slog"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/flow"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/writer"
)

// ServerSession is the session toward the rendezvous/media server: it owns
// the main control writer/flow and handles peer-introduction callbacks.
type ServerSession struct {
	*Session

	URL string

	mainWriter *writer.Writer
	mainFlow   *flow.Flow

	log *slog.Logger

	// onIntroduction is invoked when the server forwards a 0x71 redirection
	// or a peer-introduction request naming this session as the target.
	onIntroduction func(peerIDHex string, addresses []string)

	// onMessage is invoked with every reassembled main-flow message
	// (NetConnection invocation replies, onStatus): AMF decoding is left to
	// the caller, consistent with this module's opaque-payload stance.
	onMessage func(msg message.Message)
}

// NewServerSession wraps a connected Session as a ServerSession, allocating
// its main control writer and registering its receive side (mainFlow) up
// front, so inbound invocations are never silently dropped.
func NewServerSession(s *Session, url string, log *slog.Logger, onIntroduction func(peerIDHex string, addresses []string)) *ServerSession {
	ss := &ServerSession{Session: s, URL: url, log: log, onIntroduction: onIntroduction}
	ss.mainWriter = s.NewWriter([]byte{0x00, 0x54, 0x43, 0x04})
	ss.mainFlow = flow.New(ss.mainWriter.FlowID, ss.mainWriter.Signature, uint64(ss.mainWriter.ID), message.TypeInvocation, ss.handleMainMessage)
	s.AddFlow(ss.mainFlow)
	return ss
}

// MainWriter returns the session's primary NetConnection writer.
func (ss *ServerSession) MainWriter() *writer.Writer { return ss.mainWriter }

// OnMessage installs the callback invoked for each reassembled main-flow
// message.
func (ss *ServerSession) OnMessage(f func(msg message.Message)) { ss.onMessage = f }

func (ss *ServerSession) handleMainMessage(msg message.Message) {
	if ss.log != nil {
		ss.log.Debug("server invocation received", "bytes", len(msg.Payload), "data_type", msg.DataType)
	}
	if ss.onMessage != nil {
		ss.onMessage(msg)
	}
}

// OnRedirection handles a 0x71 chunk carrying peer addresses for an
// in-progress introduction.
func (ss *ServerSession) OnRedirection(peerIDHex string, addresses []string) {
	if ss.onIntroduction != nil {
		ss.onIntroduction(peerIDHex, addresses)
	}
}
