// File: internal/tunnel/clock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tunnel

import (
	"github.com/xtaci/kcp-go/v5"
)

// kcpClock reads the millisecond clock KCP engines schedule against.
// kcp-go keeps that clock private, but Check on an engine that was never
// updated returns its current value.
type kcpClock struct {
	probe *kcp.KCP
}

func newKCPClock() kcpClock {
	return kcpClock{probe: kcp.NewKCP(0, func([]byte, int) {})}
}

func (c kcpClock) now() uint32 { return c.probe.Check() }

// until returns the milliseconds from now to deadline, clamped at zero.
func until(deadline, now uint32) int64 {
	d := int32(deadline - now)
	if d < 0 {
		return 0
	}
	return int64(d)
}
