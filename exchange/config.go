package exchange

import "time"

// Config holds the tunables normative in spec.md §6 (Configuration keys).
// All fields have the spec's defaults baked into DefaultConfig.
type Config struct {
	MaxBlockSize           int
	BlockTTL               time.Duration
	MaxConcurrentPeerTasks int
	MaxInflightRequests    int
	MaxInflightPerPeer     int
	PresenceWait           time.Duration
	WantTimeout            time.Duration
	DiscoveryRetries       int
	ReadvertiseInterval    time.Duration
	PeerCooldown           time.Duration
	MaxFrameBytes          int
	OutboundQueueBytes     int
	MaxRetries             int
}

// DefaultConfig returns the spec's normative defaults (spec.md §6).
func DefaultConfig() Config {
	return Config{
		MaxBlockSize:           65536,
		BlockTTL:               7 * 24 * time.Hour,
		MaxConcurrentPeerTasks: 10,
		MaxInflightRequests:    100,
		MaxInflightPerPeer:     16,
		PresenceWait:           200 * time.Millisecond,
		WantTimeout:            30 * time.Second,
		DiscoveryRetries:       3,
		ReadvertiseInterval:    30 * time.Minute,
		PeerCooldown:           60 * time.Second,
		MaxFrameBytes:          16 * 1024 * 1024,
		OutboundQueueBytes:     16 * 1024 * 1024,
		MaxRetries:             3,
	}
}
