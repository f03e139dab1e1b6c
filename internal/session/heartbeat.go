// File: internal/session/heartbeat.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import "time"

// HeartBeat tracks heartbeat traffic of one session.
type HeartBeat struct {
	Interval time.Duration
	LastSent time.Time
	LastRecv time.Time
}

// IsTimeout reports a dead peer: a request went out within the last two
// intervals, yet nothing came back for more than four.
func (h *HeartBeat) IsTimeout(now time.Time) bool {
	return now.Sub(h.LastSent) <= 2*h.Interval && now.Sub(h.LastRecv) > 4*h.Interval
}
