package flow

import (
	"testing"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
)

func TestFlow_InOrderDelivery(t *testing.T) {
	var got []message.Message
	f := New(3, []byte{0x00, 0x54, 0x43, 0x04}, 3, message.TypeInvocation, func(m message.Message) {
		got = append(got, m)
	})

	f.Receive(1, message.Fragment{Stage: 1, Flags: 0, Bytes: []byte("one")}, 0)
	f.Receive(2, message.Fragment{Stage: 2, Flags: 0, Bytes: []byte("two")}, 0)

	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if string(got[0].Payload) != "one" || string(got[1].Payload) != "two" {
		t.Fatalf("unexpected payloads: %q, %q", got[0].Payload, got[1].Payload)
	}
	if got[0].Type != message.TypeInvocation {
		t.Fatalf("message type = %v, want TypeInvocation", got[0].Type)
	}
}

func TestFlow_OutOfOrderBuffersThenDrains(t *testing.T) {
	var got []string
	f := New(5, nil, 5, message.TypeData, func(m message.Message) {
		got = append(got, string(m.Payload))
	})

	f.Receive(2, message.Fragment{Stage: 2, Bytes: []byte("b")}, 1)
	if len(got) != 0 {
		t.Fatalf("stage 2 arriving before stage 1 should not deliver yet")
	}

	f.Receive(1, message.Fragment{Stage: 1, Bytes: []byte("a")}, 0)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b] once the gap fills", got)
	}
}

func TestFlow_DeltaNAckDeclaresEarlierStagesLost(t *testing.T) {
	var got []string
	f := New(5, nil, 5, message.TypeData, func(m message.Message) {
		got = append(got, string(m.Payload))
	})

	// Stage 5 arrives with deltaNAck 1: everything before stage 5-1=4 is
	// declared lost, so the flow should jump ahead rather than wait forever
	// for stages 1-3.
	f.Receive(5, message.Fragment{Stage: 5, Bytes: []byte("e")}, 1)

	if f.nextStage != 4 {
		t.Fatalf("nextStage = %d, want 4 after declaring stages 1-3 lost", f.nextStage)
	}
	if f.lostCount == 0 {
		t.Fatalf("expected lostCount to be incremented for the skipped stages")
	}
	if len(got) != 0 {
		t.Fatalf("stage 5 itself stays buffered until stage 4 resolves, got %v", got)
	}

	f.Receive(4, message.Fragment{Stage: 4, Bytes: []byte("d")}, 0)
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("got %v, want [d e]", got)
	}
}

func TestFlow_SplitMessageReassembly(t *testing.T) {
	var got []message.Message
	f := New(7, nil, 7, message.TypeVideo, func(m message.Message) {
		got = append(got, m)
	})

	f.Receive(1, message.Fragment{Stage: 1, Flags: message.FlagWithAfter, Bytes: []byte("he")}, 0)
	f.Receive(2, message.Fragment{Stage: 2, Flags: message.FlagWithAfter | message.FlagWithBefore, Bytes: []byte("ll")}, 0)
	f.Receive(3, message.Fragment{Stage: 3, Flags: message.FlagWithBefore, Bytes: []byte("o")}, 0)

	if len(got) != 1 {
		t.Fatalf("a 3-fragment split message should deliver exactly once, got %d", len(got))
	}
	if string(got[0].Payload) != "hello" {
		t.Fatalf("reassembled payload = %q, want %q", got[0].Payload, "hello")
	}
}

func TestFlow_AbandonDropsInProgressMessage(t *testing.T) {
	var got []message.Message
	f := New(9, nil, 9, message.TypeVideo, func(m message.Message) {
		got = append(got, m)
	})

	f.Receive(1, message.Fragment{Stage: 1, Flags: message.FlagWithAfter, Bytes: []byte("partial")}, 0)
	f.Receive(2, message.Fragment{Stage: 2, Flags: message.FlagAbandon}, 0)
	f.Receive(3, message.Fragment{Stage: 3, Flags: message.FlagWithBefore, Bytes: []byte("tail")}, 0)

	if len(got) != 0 {
		t.Fatalf("a completion fragment after an abandon with no matching begin should not deliver, got %v", got)
	}
}

func TestFlow_EndFlagMarksCompleted(t *testing.T) {
	f := New(11, nil, 11, message.TypeData, func(message.Message) {})
	if f.Completed() {
		t.Fatalf("fresh flow should not be completed")
	}
	f.Receive(1, message.Fragment{Stage: 1, Flags: message.FlagEnd, Bytes: []byte("x")}, 0)
	if !f.Completed() {
		t.Fatalf("flow should be completed after a fragment carrying FlagEnd")
	}
}

func TestFlow_BuildAckReflectsGaps(t *testing.T) {
	f := New(13, nil, 13, message.TypeData, func(message.Message) {})

	f.Receive(1, message.Fragment{Stage: 1, Bytes: []byte("a")}, 0)
	f.Receive(3, message.Fragment{Stage: 3, Bytes: []byte("c")}, 2)
	f.Receive(4, message.Fragment{Stage: 4, Bytes: []byte("d")}, 2)

	ack := f.BuildAck()
	if len(ack) == 0 {
		t.Fatalf("BuildAck returned an empty chunk")
	}

	ranges := f.gapRuns()
	if len(ranges) != 1 {
		t.Fatalf("got %d gap ranges, want 1 for the single stage-2 hole", len(ranges))
	}
	if ranges[0].gap != 1 || ranges[0].run != 1 {
		t.Fatalf("gap range = %+v, want {gap:1 run:1}", ranges[0])
	}
}
