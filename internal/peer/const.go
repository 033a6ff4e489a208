package peer

import "time"

// Constants carried verbatim from the original implementation (§4.4, §4.6).
const (
	// DeadlineFactor multiplies the current RTT estimate to get a
	// transaction's deadline.
	DeadlineFactor = 3.0
	// DefaultRTT seeds the deadline calculation before any EMA sample has
	// been observed.
	DefaultRTT = 10 * time.Second
	// TotalTimeoutBudget is the maximum time an engine may spend in Fail
	// status before it gives up and transitions to Term.
	TotalTimeoutBudget = 300 * time.Second
	// InitTimeout bounds how long an engine waits in Init status for its
	// first response before declaring "init timeout".
	InitTimeout = 10 * time.Second
	// PingInterval is the steady-state keepalive period. Any outbound
	// message resets the timer, so a busy link never sends a redundant
	// ping.
	PingInterval = 25 * time.Second
	// PingStartupDelay is how soon after startup the first ping fires.
	PingStartupDelay = 10 * time.Millisecond
	// BackoffStart/BackoffMax bound the reconnect backoff schedule.
	BackoffStart = 1 * time.Second
	BackoffMax   = 60 * time.Second
	// MaxBencodeAllocs bounds decode cost per datagram (§4.2).
	MaxBencodeAllocs = 20
	// ClosestN is how many routing-table entries a find_node/get_peers
	// answer carries (§4.7).
	ClosestN = 8
)
