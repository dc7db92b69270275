// Package rotation implements the upstream selection strategies.
//
// A Mode names the strategy; Select applies it to a snapshot of the
// live proxy set. All strategies are deterministic given identical
// inputs and shared state because the snapshot is sorted by id.
package rotation

import "fmt"

// Mode is the proxy selection strategy applied to every new incoming
// connection.
type Mode string

const (
	// RoundRobin cycles through the live proxies in order (counter mod N).
	RoundRobin Mode = "round_robin"
	// Random picks a uniformly-random live proxy.
	Random Mode = "random"
	// LeastLatency always uses the proxy with the lowest measured latency.
	LeastLatency Mode = "least_latency"
	// Weighted picks randomly with a weight that falls linearly as latency
	// rises (maxLatencyMS - latency + 1, latency capped).
	Weighted Mode = "weighted"
	// TimeSticky routes all connections within the same 10-minute window
	// through the same proxy. Rotates when the window expires.
	TimeSticky Mode = "time_sticky"
	// IPSticky hashes the target hostname so the same destination always
	// goes through the same proxy, regardless of time.
	IPSticky Mode = "ip_sticky"
)

// DefaultMode is used until the command surface selects another one.
const DefaultMode = RoundRobin

// ParseMode parses a wire name into a Mode. The legacy alias "sticky"
// is kept for backward compatibility and maps to TimeSticky.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "round_robin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "least_latency":
		return LeastLatency, nil
	case "weighted":
		return Weighted, nil
	case "time_sticky":
		return TimeSticky, nil
	case "ip_sticky":
		return IPSticky, nil
	case "sticky":
		return TimeSticky, nil
	default:
		return "", fmt.Errorf("unknown rotation mode: %q", s)
	}
}

// String returns the wire name of the mode.
func (m Mode) String() string {
	return string(m)
}
