// File: internal/tunnel/preset.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tunnel

import (
	"fmt"
	"strings"

	"github.com/momentics/fasttun/api"
)

// Mode names a KCP tuning preset.
type Mode int

const (
	ModeNormal Mode = iota
	ModeFast
	ModeFast2
	ModeFast3
)

// Preset holds the parameters passed to the KCP engine.
type Preset struct {
	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int
	MTU          int
}

var presets = [...]Preset{
	ModeNormal: {NoDelay: 0, Interval: 30, Resend: 2, NoCongestion: 0, MTU: 1400},
	ModeFast:   {NoDelay: 0, Interval: 20, Resend: 2, NoCongestion: 1, MTU: 1400},
	ModeFast2:  {NoDelay: 1, Interval: 20, Resend: 2, NoCongestion: 1, MTU: 1400},
	ModeFast3:  {NoDelay: 1, Interval: 10, Resend: 2, NoCongestion: 1, MTU: 1400},
}

var modeNames = [...]string{
	ModeNormal: "normal",
	ModeFast:   "fast",
	ModeFast2:  "fast2",
	ModeFast3:  "fast3",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Preset returns the tuning parameters of m, Normal for unknown modes.
func (m Mode) Preset() Preset {
	if m >= 0 && int(m) < len(presets) {
		return presets[m]
	}
	return presets[ModeNormal]
}

// ParseMode accepts normal, fast, fast2 and fast3, case-insensitively.
func ParseMode(s string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == name {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("tunnel: unknown mode %q: %w", s, api.ErrInvalidArgument)
}
