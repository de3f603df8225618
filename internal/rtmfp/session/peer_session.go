package session

import (
	"github.com/alxayo/go-rtmfp/internal/rtmfp/flow"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/writer"
)

// Group signatures a peer session's writers may carry.
var (
	SignatureReport      = []byte{0x00, 0x47, 0x52, 0x1C}
	SignatureMediaReport = []byte{0x00, 0x47, 0x52, 0x11}
	SignatureMedia       = []byte{0x00, 0x47, 0x52, 0x12}
	SignatureData        = []byte{0x00, 0x47, 0x52, 0x19}
)

// PeerSession is a direct P2P session: it owns the report/media/media-report
// writers and flows used by NetGroup, plus whatever NetStream writer a Flash
// play or publish opens.
type PeerSession struct {
	*Session

	PeerIDHex string

	reportWriter      *writer.Writer
	mediaReportWriter *writer.Writer
	mediaWriter       *writer.Writer
	streamWriter      *writer.Writer

	reportFlow      *flow.Flow
	mediaReportFlow *flow.Flow
	mediaFlow       *flow.Flow
	streamFlow      *flow.Flow

	GroupActive bool // true once GROUP_INIT/BEGIN exchange succeeds
}

// NewPeerSession wraps a connected Session as a PeerSession for peerIDHex,
// eagerly allocating the report/media-report/media writer+flow pairs a
// NetGroup relationship needs from the first packet onward. onReport,
// onMediaReport, and onMedia are invoked with each flow's reassembled
// message; a nil callback just drops delivery on that flow.
func NewPeerSession(s *Session, peerIDHex string, onReport, onMediaReport, onMedia func(msg message.Message)) *PeerSession {
	ps := &PeerSession{Session: s, PeerIDHex: peerIDHex}

	ps.reportWriter = s.NewWriter(SignatureReport)
	ps.reportFlow = flow.New(ps.reportWriter.FlowID, SignatureReport, uint64(ps.reportWriter.ID), message.TypeData, onReport)
	s.AddFlow(ps.reportFlow)

	ps.mediaReportWriter = s.NewWriter(SignatureMediaReport)
	ps.mediaReportFlow = flow.New(ps.mediaReportWriter.FlowID, SignatureMediaReport, uint64(ps.mediaReportWriter.ID), message.TypeData, onMediaReport)
	s.AddFlow(ps.mediaReportFlow)

	ps.mediaWriter = s.NewWriter(SignatureMedia)
	ps.mediaFlow = flow.New(ps.mediaWriter.FlowID, SignatureMedia, uint64(ps.mediaWriter.ID), message.TypeVideo, onMedia)
	s.AddFlow(ps.mediaFlow)

	return ps
}

// ReportWriter returns the group Report writer.
func (ps *PeerSession) ReportWriter() *writer.Writer { return ps.reportWriter }

// MediaReportWriter returns the group MediaReport writer.
func (ps *PeerSession) MediaReportWriter() *writer.Writer { return ps.mediaReportWriter }

// MediaWriter returns the group Media writer.
func (ps *PeerSession) MediaWriter() *writer.Writer { return ps.mediaWriter }

// StreamWriter lazily allocates the direct NetStream writer used for p2p
// publish/play outside of a NetGroup, registering a matching receive-side
// flow the first time it's opened.
func (ps *PeerSession) StreamWriter(signature []byte, onStream func(msg message.Message)) *writer.Writer {
	if ps.streamWriter == nil {
		ps.streamWriter = ps.NewWriter(signature)
		ps.streamFlow = flow.New(ps.streamWriter.FlowID, signature, uint64(ps.streamWriter.ID), message.TypeVideo, onStream)
		ps.AddFlow(ps.streamFlow)
	}
	return ps.streamWriter
}
