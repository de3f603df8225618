package rtmfp

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// mediaHandle backs one ID returned by AddStream/Connect2Peer/Connect2Group:
// a FLV byte queue that delivered media (a remote flow or GroupMedia)
// appends to via deliverTag and a single reader (Read) blocking-drains.
// Client.Write does not append to it.
type mediaHandle struct {
	mu sync.Mutex

	name      string
	publisher bool

	connected    bool
	receivedAny  bool
	sentFLVHead  bool
	closed       bool

	queue bytes.Buffer
}

func newMediaHandle(name string, publisher bool) *mediaHandle {
	return &mediaHandle{name: name, publisher: publisher}
}

func (h *mediaHandle) markConnected() {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
}

func (h *mediaHandle) waitConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		connected := h.connected
		h.mu.Unlock()
		if connected {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *mediaHandle) hasReceivedAny() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.receivedAny
}

// deliverTag appends one FLV tag (audio, video or script, by tagType) for a
// decoded message, prefixing the stream with flvHeader on first use.
func (h *mediaHandle) deliverTag(tagType byte, timestamp uint32, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if !h.sentFLVHead {
		h.queue.Write(flvHeader)
		h.sentFLVHead = true
	}
	h.queue.Write(flvTag(tagType, timestamp, payload))
	h.receivedAny = true
	h.connected = true
}

func (h *mediaHandle) read(buf []byte, pollInterval time.Duration) (int, error) {
	for {
		h.mu.Lock()
		if h.queue.Len() > 0 {
			n, _ := h.queue.Read(buf)
			h.mu.Unlock()
			return n, nil
		}
		if h.closed {
			h.mu.Unlock()
			return 0, io.EOF
		}
		h.mu.Unlock()
		time.Sleep(pollInterval)
	}
}

func (h *mediaHandle) closeChannel() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
