package writer

import (
	"testing"
	"time"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
)

func TestWriter_FlushWholeMessage(t *testing.T) {
	w := New(3, 3, []byte{0x00, 0x47, 0x52, 0x12})
	w.Write(message.Message{Type: message.TypeVideo, Payload: []byte("frame")})

	chunks := w.Flush()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 for an unsplit message", len(chunks))
	}
	if w.State != StateOpened {
		t.Fatalf("state = %v, want Opened after first write", w.State)
	}

	flags := chunks[0][0]
	if flags&message.FlagWithAfter != 0 || flags&message.FlagWithBefore != 0 {
		t.Fatalf("a whole message should carry no split flags, got 0x%02x", flags)
	}
	if flags&message.FlagOptions == 0 {
		t.Fatalf("first fragment on a writer should include the OPTIONS block")
	}
}

func TestWriter_FlushSplitsOversizedMessage(t *testing.T) {
	w := New(3, 3, []byte{0x00, 0x47, 0x52, 0x12})
	big := make([]byte, fragmentBudget*2+10)
	for i := range big {
		big[i] = byte(i)
	}
	w.Write(message.Message{Type: message.TypeVideo, Payload: big})

	chunks := w.Flush()
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 for a payload spanning three fragments", len(chunks))
	}

	first := chunks[0][0]
	mid := chunks[1][0]
	last := chunks[2][0]
	if first&message.FlagWithAfter == 0 || first&message.FlagWithBefore != 0 {
		t.Fatalf("first fragment flags = 0x%02x, want WITH_AFTER only (ignoring OPTIONS)", first&0x3F)
	}
	if mid&message.FlagWithAfter == 0 || mid&message.FlagWithBefore == 0 {
		t.Fatalf("middle fragment flags = 0x%02x, want WITH_BEFORE|WITH_AFTER", mid&0x3F)
	}
	if last&message.FlagWithBefore == 0 || last&message.FlagWithAfter != 0 {
		t.Fatalf("last fragment flags = 0x%02x, want WITH_BEFORE only", last&0x3F)
	}
}

func TestWriter_CloseAppendsEndFragment(t *testing.T) {
	w := New(3, 3, []byte{0x00, 0x47, 0x52, 0x12})
	w.Write(message.Message{Type: message.TypeData, Payload: []byte("x")})
	w.Close()

	chunks := w.Flush()
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (payload + END)", len(chunks))
	}
	if w.State != StateClosed {
		t.Fatalf("state = %v, want Closed after flushing a near-closed writer", w.State)
	}
	endFlags := chunks[1][0]
	if endFlags&message.FlagEnd == 0 {
		t.Fatalf("final chunk should carry FlagEnd")
	}
}

func TestWriter_HandleAckPopsAckedAndRetransmitsLost(t *testing.T) {
	w := New(3, 3, []byte{0x00, 0x47, 0x52, 0x12})
	w.Write(message.Message{Type: message.TypeData, Reliable: true, Payload: []byte("a")})
	w.Write(message.Message{Type: message.TypeData, Reliable: true, Payload: []byte("b")})
	w.Write(message.Message{Type: message.TypeData, Reliable: true, Payload: []byte("c")})
	w.Flush()

	if len(w.sent) != 3 {
		t.Fatalf("got %d sent fragments, want 3", len(w.sent))
	}

	// Peer cumulatively acked stage 1, then declares stage 2 lost (gap=1
	// skips the acked baseline before the first lost stage).
	retransmit, err := w.HandleAck(1, []GapRange{{Gap: 1, Run: 0}}, 3)
	if err != nil {
		t.Fatalf("HandleAck returned an error: %v", err)
	}
	if len(w.sent) != 3 {
		t.Fatalf("got %d sent fragments after ack, want 3 (stage 2 kept+retransmitted, stage 3 kept)", len(w.sent))
	}
	if len(retransmit) != 1 {
		t.Fatalf("got %d retransmitted chunks, want 1 for the declared-lost stage", len(retransmit))
	}
}

func TestWriter_HandleAckSkipsAlreadyRetransmitted(t *testing.T) {
	w := New(3, 3, []byte{0x00, 0x47, 0x52, 0x12})
	w.Write(message.Message{Type: message.TypeData, Reliable: true, Payload: []byte("a")})
	w.Flush()

	if _, err := w.HandleAck(0, []GapRange{{Gap: 1, Run: 0}}, 1); err != nil {
		t.Fatalf("first HandleAck errored: %v", err)
	}
	retransmitCount := len(w.sent)
	if retransmitCount != 2 {
		t.Fatalf("after one retransmit, sent should hold original+retransmit = 2, got %d", retransmitCount)
	}

	// A second ack still declaring stage 1 lost should not retransmit again.
	retransmit, err := w.HandleAck(0, []GapRange{{Gap: 1, Run: 0}}, 1)
	if err != nil {
		t.Fatalf("second HandleAck errored: %v", err)
	}
	if len(retransmit) != 0 {
		t.Fatalf("got %d retransmits on a second pass over the same loss, want 0", len(retransmit))
	}
}

func TestWriter_TickCongestionCapFailsWriter(t *testing.T) {
	w := New(5, 5, []byte{0x00, 0x47, 0x52, 0x12})
	w.Write(message.Message{Type: message.TypeData, Reliable: true, Payload: []byte("x")})
	w.Flush()

	now := w.triggerAt.Add(time.Millisecond)
	for i := 0; i < maxRetransmitCycles; i++ {
		if _, err := w.Tick(now); err != nil {
			t.Fatalf("unexpected error before the cap: %v", err)
		}
		now = w.triggerAt.Add(time.Millisecond)
	}

	_, err := w.Tick(now)
	if err == nil {
		t.Fatalf("expected a congestion error once maxRetransmitCycles is exceeded")
	}
	if w.State != StateClosed {
		t.Fatalf("state = %v, want Closed after the congestion cap trips", w.State)
	}
}

func TestWriter_EncodeFragmentRoundTripsFlowIDAndStage(t *testing.T) {
	w := New(4, 4, []byte{0x00, 0x47, 0x52, 0x12})
	w.Write(message.Message{Type: message.TypeData, Payload: []byte("p")})
	chunks := w.Flush()

	flowID, rest, ok := wire.Uint7(chunks[0][1:])
	if !ok || flowID != 4 {
		t.Fatalf("decoded flowID = %d, ok=%v, want 4", flowID, ok)
	}
	stageMinusOne, _, ok := wire.Uint7(rest)
	if !ok || stageMinusOne != 0 {
		t.Fatalf("decoded stage-1 = %d, ok=%v, want 0 (first stage is 1)", stageMinusOne, ok)
	}
}
