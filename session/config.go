package session

import "time"

const (
	// DefaultWindowSize caps the number of ranges in flight at once.
	DefaultWindowSize = 10

	// DefaultMaxRangeSize caps the chunks covered by one REQUEST so no
	// single request is unbounded.
	DefaultMaxRangeSize = 64

	// DefaultStallTimeout is how long an in-flight range may sit idle
	// before it is evicted and re-issued.
	DefaultStallTimeout = 30 * time.Second

	// DefaultRetryCap is how many times one range may be re-issued
	// after stalls before the peer is considered degraded.
	DefaultRetryCap = 3

	// DefaultHighWaterMark is the outbound buffer level above which
	// the chunk server suspends sending.
	DefaultHighWaterMark = 1024 * 1024

	// DefaultLowWaterMark is the outbound buffer level at which a
	// suspended server resumes.
	DefaultLowWaterMark = 256 * 1024

	// DefaultTickInterval drives stall detection and predictor
	// sampling.
	DefaultTickInterval = time.Second
)

// Role says which side of the transfer this session is. It is an
// explicit property of the session configuration, never ambient state.
type Role uint8

const (
	// RoleSender owns the file bytes and serves chunk requests.
	RoleSender Role = iota
	// RoleReceiver pulls chunks and assembles the file.
	RoleReceiver
)

// String returns a human-readable role name.
func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Config tunes one transfer session.
type Config struct {
	WindowSize    int
	MaxRangeSize  uint64
	StallTimeout  time.Duration
	RetryCap      int
	HighWaterMark int
	LowWaterMark  int
	TickInterval  time.Duration
}

// DefaultConfig returns the tuning used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		WindowSize:    DefaultWindowSize,
		MaxRangeSize:  DefaultMaxRangeSize,
		StallTimeout:  DefaultStallTimeout,
		RetryCap:      DefaultRetryCap,
		HighWaterMark: DefaultHighWaterMark,
		LowWaterMark:  DefaultLowWaterMark,
		TickInterval:  DefaultTickInterval,
	}
}

// withDefaults fills zero fields with their defaults so a partially
// populated config behaves sensibly.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MaxRangeSize == 0 {
		c.MaxRangeSize = d.MaxRangeSize
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.RetryCap <= 0 {
		c.RetryCap = d.RetryCap
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = d.HighWaterMark
	}
	if c.LowWaterMark <= 0 {
		c.LowWaterMark = d.LowWaterMark
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}
