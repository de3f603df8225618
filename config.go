package rtmfp

import "time"

// Config holds library-wide settings applied by Init.
type Config struct {
	// OutgoingBufferSize is the per-writer pending-message warning
	// threshold (default 100). It is stored but no writer reads it, so no
	// warning is raised.
	OutgoingBufferSize int
	// BlockingTimeout bounds how long a blocking connect/publish call waits
	// before giving up.
	BlockingTimeout time.Duration
	// ReadPollInterval bounds how long a blocking Read waits for a signal
	// before re-checking the handle's queue and closed state (spec: <= 200ms).
	ReadPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.OutgoingBufferSize <= 0 {
		c.OutgoingBufferSize = 100
	}
	if c.BlockingTimeout <= 0 {
		c.BlockingTimeout = 10 * time.Second
	}
	if c.ReadPollInterval <= 0 || c.ReadPollInterval > 200*time.Millisecond {
		c.ReadPollInterval = 200 * time.Millisecond
	}
}

// GroupConfig holds the NetGroup-wide settings applied to every
// Connect2Group call; Connect2Group takes no per-call override.
type GroupConfig struct {
	WindowDuration           time.Duration
	FetchPeriod              time.Duration
	AvailabilityUpdatePeriod time.Duration
	RelayMargin              time.Duration
	PushLimit                int
	AvailabilitySendToAll    bool
}

func (g *GroupConfig) applyDefaults() {
	if g.FetchPeriod <= 0 {
		g.FetchPeriod = 2500 * time.Millisecond
	}
	if g.AvailabilityUpdatePeriod <= 0 {
		g.AvailabilityUpdatePeriod = 100 * time.Millisecond
	}
	if g.PushLimit <= 0 {
		g.PushLimit = 4
	}
}

// fallbackTimeout is TIMEOUT_FALLBACK_CONNECTION: how long Connect2Group
// waits without a single group packet before starting fallbackUrl playback.
const fallbackTimeout = 6 * time.Second
