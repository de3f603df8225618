// Package flow implements the receive side of an RTMFP stream: a Flow
// reassembles fragments from a remote Writer, deliver messages in order,
// and emits cumulative+selective ACKs.
package flow

import (
	"time"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
)

// consumedAfter is how long a completed flow is kept around before it is
// eligible for reaping, to absorb trailing retransmissions.
const consumedAfter = 120 * time.Second

// Deliver is invoked once per reassembled message, in stage order.
type Deliver func(msg message.Message)

// Flow is a one-way receive channel scoped to a session.
type Flow struct {
	ID        uint64
	Signature []byte
	WriterRef uint64 // id of the remote writer that authored this flow

	// msgType is the Type every message this flow reassembles is tagged
	// with: a flow's signature pins it to one message family (the main
	// control flow carries invocations, a group Media flow carries
	// audio/video), so the tag is fixed at construction rather than
	// parsed per-message.
	msgType message.Type

	nextStage uint64
	buffer    map[uint64]message.Fragment
	lostCount uint64

	inProgress    *partialMessage
	completed     bool
	completeTime  time.Time
	pendingAckGap []ackRange

	onDeliver Deliver
}

type partialMessage struct {
	typ     message.Type
	ts      uint32
	payload []byte
}

type ackRange struct {
	gap uint64
	run uint64
}

// New creates a Flow starting at stage 1 (nextStage defaults to 1 since
// stages are 1-based). msgType tags every message this flow reassembles.
func New(id uint64, signature []byte, writerRef uint64, msgType message.Type, onDeliver Deliver) *Flow {
	return &Flow{
		ID:        id,
		Signature: signature,
		WriterRef: writerRef,
		msgType:   msgType,
		nextStage: 1,
		buffer:    make(map[uint64]message.Fragment),
		onDeliver: onDeliver,
	}
}

// Completed reports whether this flow has seen MESSAGE_END.
func (f *Flow) Completed() bool { return f.completed }

// Consumable reports whether a completed flow has aged past consumedAfter.
func (f *Flow) Consumable(now time.Time) bool {
	return f.completed && now.Sub(f.completeTime) > consumedAfter
}

// Receive processes one incoming fragment at the given stage, declared
// sender deltaNAck (the sender's stage - stageSent at emission time).
func (f *Flow) Receive(stage uint64, frag message.Fragment, deltaNAck uint64) {
	if f.completed {
		return
	}
	if stage < f.nextStage {
		return // already delivered or already declared lost
	}
	if stage == f.nextStage {
		f.deliverFragment(frag)
		f.nextStage++
		f.drainBuffer()
		return
	}

	f.buffer[stage] = frag

	// Sender's declared gap between its highest sent stage and this one
	// bounds how long we can wait before treating earlier stages as lost.
	if stage > f.nextStage+deltaNAck {
		lostUpTo := stage - deltaNAck
		for s := f.nextStage; s < lostUpTo; s++ {
			if _, ok := f.buffer[s]; !ok {
				f.lostCount++
			}
		}
		f.nextStage = lostUpTo
		f.drainBuffer()
	}
}

func (f *Flow) drainBuffer() {
	for {
		frag, ok := f.buffer[f.nextStage]
		if !ok {
			return
		}
		delete(f.buffer, f.nextStage)
		f.deliverFragment(frag)
		f.nextStage++
	}
}

func (f *Flow) deliverFragment(frag message.Fragment) {
	if frag.Flags&message.FlagAbandon != 0 {
		f.inProgress = nil
	}

	switch {
	case frag.Flags&message.FlagAbandon != 0:
		// the abandon marker carries no message of its own
	case frag.Flags&message.FlagWithAfter != 0 && frag.Flags&message.FlagWithBefore == 0:
		// begins a new message
		f.inProgress = &partialMessage{payload: append([]byte(nil), frag.Bytes...)}
	case frag.Flags&message.FlagWithAfter != 0 && frag.Flags&message.FlagWithBefore != 0:
		if f.inProgress != nil {
			f.inProgress.payload = append(f.inProgress.payload, frag.Bytes...)
		}
	case frag.Flags&message.FlagWithBefore != 0:
		// completes the message
		if f.inProgress != nil {
			f.inProgress.payload = append(f.inProgress.payload, frag.Bytes...)
			f.emit(f.inProgress.payload)
			f.inProgress = nil
		}
	default:
		// a whole, unsplit message
		f.emit(frag.Bytes)
	}

	if frag.Flags&message.FlagEnd != 0 {
		f.completed = true
		f.completeTime = time.Now()
	}
}

func (f *Flow) emit(payload []byte) {
	if f.onDeliver == nil {
		return
	}
	f.onDeliver(message.Message{Type: f.msgType, DataType: message.DataTypeOf(f.msgType), Payload: payload})
}

// BuildAck serializes a 0x51 acknowledgment chunk: flowId, advertised
// receiveBuffer, stageAck, then (gap, run) pairs covering the buffered,
// non-contiguous stages.
func (f *Flow) BuildAck() []byte {
	buf := make([]byte, 0, 32)
	buf = wire.PutUint7(buf, f.ID)
	buf = wire.PutUint7(buf, f.receiveBufferAdvertised())
	buf = wire.PutUint7(buf, f.nextStage-1)

	ranges := f.gapRuns()
	for _, r := range ranges {
		buf = wire.PutUint7(buf, r.gap)
		buf = wire.PutUint7(buf, r.run)
	}
	return buf
}

// receiveBufferAdvertised returns 0x7F when idle (no fragments buffered),
// shrinking as in-progress fragments accumulate.
func (f *Flow) receiveBufferAdvertised() uint64 {
	const idle = 0x7F
	n := uint64(len(f.buffer))
	if n >= idle {
		return 0
	}
	return idle - n
}

func (f *Flow) gapRuns() []ackRange {
	if len(f.buffer) == 0 {
		return nil
	}
	stages := make([]uint64, 0, len(f.buffer))
	for s := range f.buffer {
		stages = append(stages, s)
	}
	sortUint64(stages)

	var ranges []ackRange
	prev := f.nextStage - 1
	i := 0
	for i < len(stages) {
		gap := stages[i] - prev - 1
		run := uint64(0)
		for i+1 < len(stages) && stages[i+1] == stages[i]+1 {
			i++
			run++
		}
		ranges = append(ranges, ackRange{gap: gap, run: run})
		prev = stages[i]
		i++
	}
	return ranges
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// FlowException builds the 0x5E chunk sent on a flow-local protocol error:
// the flow id followed by a single zero byte.
func (f *Flow) FlowException() []byte {
	buf := wire.PutUint7(nil, f.ID)
	return append(buf, 0x00)
}
