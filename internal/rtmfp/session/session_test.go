package session

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/message"
)

func newTestSession(t *testing.T, outbox Outbox) *Session {
	t.Helper()
	var encKey, decKey [16]byte
	return New(0x02000001, 0x03000001, "127.0.0.1:1935", false, encKey, decKey, outbox, nil, nil)
}

func TestSession_NeedsKeepalive(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := NewMockOutbox(ctrl)

	s := newTestSession(t, outbox)
	s.Status = StatusConnected

	now := time.Now()
	if s.NeedsKeepalive(now) {
		t.Fatalf("fresh session should not need a keepalive yet")
	}

	later := now.Add(keepaliveIdle + time.Second)
	if !s.NeedsKeepalive(later) {
		t.Fatalf("idle session past keepaliveIdle should need a keepalive")
	}

	s.OnPacketReceived()
	if s.NeedsKeepalive(time.Now().Add(time.Second)) {
		t.Fatalf("a just-received packet should reset the idle clock")
	}
}

func TestSession_OnTimeEcho(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := NewMockOutbox(ctrl)
	s := newTestSession(t, outbox)

	sample := s.OnTimeEcho(100, 96)
	if sample.RTT != 4*time.Millisecond*4 {
		t.Fatalf("rtt = %v, want %v", sample.RTT, 16*time.Millisecond)
	}
	if sample.Ping != sample.RTT/2 {
		t.Fatalf("ping should be half of rtt")
	}
}

func TestSession_CloseLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := NewMockOutbox(ctrl)
	s := newTestSession(t, outbox)
	s.Status = StatusConnected

	s.InitiateClose()
	if s.Status != StatusNearClosed {
		t.Fatalf("status = %v, want NearClosed", s.Status)
	}

	if s.Reapable(time.Now()) {
		t.Fatalf("a just-started close should not be reapable yet")
	}
	if !s.Reapable(s.closeStart.Add(closeGiveUp + time.Second)) {
		t.Fatalf("close should be reapable after closeGiveUp")
	}

	s.OnCloseAck()
	if s.Status != StatusFailed {
		t.Fatalf("status after close ack = %v, want Failed", s.Status)
	}
	if !s.Reapable(s.failedAt.Add(failedReapAfter + time.Second)) {
		t.Fatalf("failed session should be reapable after failedReapAfter")
	}
}

func TestSession_Fail_ClearsWritersAndNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := NewMockOutbox(ctrl)
	s := newTestSession(t, outbox)
	s.NewWriter([]byte{0x00, 0x54, 0x43, 0x04})

	var gotCode, gotDesc string
	s.onStatusEvent = func(code, desc string) { gotCode, gotDesc = code, desc }

	s.Fail(errors.New("boom"))

	if s.Status != StatusFailed {
		t.Fatalf("status = %v, want Failed", s.Status)
	}
	if len(s.writers) != 0 {
		t.Fatalf("writers should be cleared on failure")
	}
	if gotCode != "NetConnection.Connect.Closed" {
		t.Fatalf("status code = %q", gotCode)
	}
	if gotDesc != "boom" {
		t.Fatalf("status description = %q, want %q", gotDesc, "boom")
	}
}

func TestSession_ManageCriticalWriterFailureStopsSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := NewMockOutbox(ctrl)
	s := newTestSession(t, outbox)

	w := s.NewWriter([]byte{0x00, 0x54, 0x43, 0x04})
	if w.ID > 2 {
		t.Fatalf("first allocated writer should get the reserved main-flow id, got %d", w.ID)
	}

	_, err := s.Manage(time.Now())
	if err != nil {
		t.Fatalf("a fresh writer should not fail on its first tick: %v", err)
	}

	w.Write(message.Message{Type: message.TypeData, Reliable: true, Payload: []byte("x")})
	now := time.Now()
	if _, err := s.Manage(now); err != nil {
		t.Fatalf("flushing the first reliable message should not fail: %v", err)
	}
	for i := 0; i < 20 && err == nil; i++ {
		now = now.Add(time.Hour)
		_, err = s.Manage(now)
	}
	if err == nil {
		t.Fatalf("the main writer exhausting its retransmit cycles should fail Manage")
	}
}
