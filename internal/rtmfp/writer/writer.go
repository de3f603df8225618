// Package writer implements the send side of an RTMFP stream: fragmenting
// messages to fit the per-datagram budget, tracking unacked fragments for
// selective-NAK retransmission, and failing the writer after the ARQ cycle
// cap is exhausted.
package writer

import (
	"time"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/metrics"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
)

// State is the writer's lifecycle stage.
type State int

const (
	StateOpening State = iota
	StateOpened
	StateNearClosed
	StateClosed
)

// consumedAfter is how long a closed writer lingers before reaping.
const consumedAfter = 130 * time.Second

// maxRetransmitCycles is the ARQ cap; exceeding it fails the writer.
const maxRetransmitCycles = 8

// fragmentBudget is the per-fragment payload budget, conservatively sized
// under the 1192-byte datagram ceiling after framing and header overhead.
const fragmentBudget = 900

// sentFragment is one outstanding (unacked) fragment, kept for selective-NAK
// retransmission and for correlating an old stage with its retransmitted
// replacement.
type sentFragment struct {
	stage         uint64
	retransmitted uint64 // 0 if never retransmitted, else the new stage
	reliable      bool
	frag          message.Fragment
	firstSentAt   time.Time
}

// Writer is a one-way send channel scoped to a session.
type Writer struct {
	ID        uint16
	FlowID    uint64
	Signature []byte

	State State

	stage         uint64 // next stage to assign
	stageAck      uint64 // highest stage acked by the peer
	pending       []message.Message
	sent          []sentFragment
	sentOptions   bool // whether the OPTIONS header block has been sent once
	repeatCycle   int
	triggerAt     time.Time
	triggerActive bool
	closedAt      time.Time
}

// New creates a Writer. id 1 is reserved for the main control flow; ids
// above 2 carry a flowId back-reference in their first fragment's OPTIONS
// block (writer id 2, the main NetConnection flow, omits it).
func New(id uint16, flowID uint64, signature []byte) *Writer {
	return &Writer{ID: id, FlowID: flowID, Signature: signature, State: StateOpening, stage: 1}
}

// Write enqueues a message for transmission.
func (w *Writer) Write(msg message.Message) {
	if w.State == StateClosed {
		return
	}
	w.pending = append(w.pending, msg)
	if w.State == StateOpening {
		w.State = StateOpened
	}
}

// Close marks the writer near-closed; the next Flush appends a final
// MESSAGE_END-flagged fragment.
func (w *Writer) Close() {
	if w.State == StateClosed || w.State == StateNearClosed {
		return
	}
	w.State = StateNearClosed
}

// omitsFlowIDOption reports whether this writer's first-fragment OPTIONS
// block should omit the flowId back-reference (writer id <= 2, or no
// flowId assigned).
func (w *Writer) omitsFlowIDOption() bool {
	return w.FlowID == 0 || w.ID <= 2
}

// Flush serializes pending messages into wire-ready fragment chunks,
// splitting each message to fit fragmentBudget. It returns the raw 0x10/0x11
// chunk bodies to append to the outgoing packet.
func (w *Writer) Flush() [][]byte {
	var chunks [][]byte
	for len(w.pending) > 0 {
		msg := w.pending[0]
		w.pending = w.pending[1:]
		chunks = append(chunks, w.emitMessage(msg)...)
	}
	if w.State == StateNearClosed {
		chunks = append(chunks, w.emitEnd())
		w.State = StateClosed
		w.closedAt = time.Now()
	}
	return chunks
}

func (w *Writer) emitMessage(msg message.Message) [][]byte {
	var chunks [][]byte
	payload := msg.Payload
	first := true
	for {
		n := len(payload)
		if n > fragmentBudget {
			n = fragmentBudget
		}
		part := payload[:n]
		payload = payload[n:]

		var flags byte
		last := len(payload) == 0
		switch {
		case first && last:
			// whole message, no split flags
		case first && !last:
			flags |= message.FlagWithAfter
		case !first && !last:
			flags |= message.FlagWithBefore | message.FlagWithAfter
		case !first && last:
			flags |= message.FlagWithBefore
		}

		stage := w.stage
		w.stage++

		frag := message.Fragment{Stage: stage, Flags: flags, Bytes: part}
		w.sent = append(w.sent, sentFragment{stage: stage, reliable: msg.Reliable, frag: frag, firstSentAt: time.Now()})
		if msg.Reliable && !w.triggerActive {
			w.triggerActive = true
			w.repeatCycle = 0
			w.triggerAt = time.Now().Add(w.retransmitDelay())
		}

		chunks = append(chunks, w.encodeFragment(frag, first))

		first = false
		if last {
			break
		}
	}
	return chunks
}

func (w *Writer) emitEnd() []byte {
	stage := w.stage
	w.stage++
	frag := message.Fragment{Stage: stage, Flags: message.FlagEnd}
	return w.encodeFragment(frag, false)
}

func (w *Writer) encodeFragment(frag message.Fragment, maybeFirst bool) []byte {
	flags := frag.Flags
	includeOptions := maybeFirst && !w.sentOptions
	if includeOptions {
		flags |= message.FlagOptions
		w.sentOptions = true
	}

	buf := make([]byte, 0, 16+len(frag.Bytes))
	buf = append(buf, flags)
	buf = wire.PutUint7(buf, w.FlowID)
	buf = wire.PutUint7(buf, frag.Stage-1)
	buf = wire.PutUint7(buf, frag.Stage-w.stageAck)

	if includeOptions {
		buf = append(buf, byte(len(w.Signature)))
		buf = append(buf, w.Signature...)
		if !w.omitsFlowIDOption() {
			buf = append(buf, 0x0A)
			buf = wire.PutUint7(buf, w.FlowID)
		}
		buf = append(buf, 0x00)
	}

	buf = append(buf, frag.Bytes...)
	return buf
}

func (w *Writer) retransmitDelay() time.Duration {
	cycle := w.repeatCycle + 1
	return time.Duration(1000*cycle*cycle) * time.Millisecond
}

// GapRange is one (gap, run) selective-NAK pair from a 0x51 ack chunk.
type GapRange struct {
	Gap uint64
	Run uint64
}

// HandleAck applies a received ack: stageAck is the peer's cumulative
// high-water mark; lost carries the selective-NAK (gap, run) pairs;
// maxStageRecv is the peer's declared receive ceiling used to decide whether
// a lost reliable fragment is eligible for immediate retransmission.
func (w *Writer) HandleAck(stageAck uint64, lost []GapRange, maxStageRecv uint64) (retransmit [][]byte, failed error) {
	if stageAck > w.stageAck {
		w.stageAck = stageAck
	}

	// Pop fully-acked fragments from the front of sent.
	kept := w.sent[:0]
	for _, sf := range w.sent {
		if sf.stage <= stageAck {
			continue
		}
		kept = append(kept, sf)
	}
	w.sent = kept

	lostStages := expandGapRuns(stageAck, lost)
	for _, lostStage := range lostStages {
		idx := w.findSent(lostStage)
		if idx < 0 {
			continue
		}
		sf := &w.sent[idx]
		if !sf.reliable {
			// unreliable fragments flagged lost just advance stageAck locally
			if sf.stage > w.stageAck {
				w.stageAck = sf.stage
			}
			continue
		}
		if sf.retransmitted != 0 {
			continue // already retransmitted once for this loss
		}
		if sf.stage <= maxStageRecv {
			newStage := w.stage
			w.stage++
			sf.retransmitted = newStage
			newFrag := sf.frag
			newFrag.Stage = newStage
			w.sent = append(w.sent, sentFragment{stage: newStage, reliable: true, frag: newFrag, firstSentAt: time.Now()})
			retransmit = append(retransmit, w.encodeFragment(newFrag, false))
		}
	}

	if len(w.sent) == 0 {
		w.triggerActive = false
		w.repeatCycle = 0
	}
	return retransmit, nil
}

func (w *Writer) findSent(stage uint64) int {
	for i := range w.sent {
		if w.sent[i].stage == stage {
			return i
		}
	}
	return -1
}

func expandGapRuns(stageAck uint64, lost []GapRange) []uint64 {
	var stages []uint64
	cursor := stageAck
	for _, r := range lost {
		cursor += r.Gap
		lostStage := cursor
		stages = append(stages, lostStage)
		for i := uint64(0); i < r.Run; i++ {
			cursor++
			stages = append(stages, cursor)
		}
		cursor++
	}
	return stages
}

// Tick drives the retransmission trigger. Called periodically by the owning
// session's manage() loop. It returns fragments to resend, or a
// CongestionError once maxRetransmitCycles is exceeded.
func (w *Writer) Tick(now time.Time) (retransmit [][]byte, err error) {
	if !w.triggerActive || now.Before(w.triggerAt) {
		return nil, nil
	}
	w.repeatCycle++
	if w.repeatCycle > maxRetransmitCycles {
		w.State = StateClosed
		metrics.WriterCongestionEvents.Inc()
		return nil, rerrors.NewCongestionError(w.ID, nil)
	}
	for _, sf := range w.sent {
		if sf.reliable && sf.retransmitted == 0 {
			retransmit = append(retransmit, w.encodeFragment(sf.frag, false))
		}
	}
	w.triggerAt = now.Add(w.retransmitDelay())
	return retransmit, nil
}

// Consumable reports whether a closed writer has aged past consumedAfter.
func (w *Writer) Consumable(now time.Time) bool {
	return w.State == StateClosed && now.Sub(w.closedAt) > consumedAfter
}
