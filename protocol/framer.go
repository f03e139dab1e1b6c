// File: protocol/framer.go
// Package protocol implements the control-channel framing and messages.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Framer turns a byte stream into length-prefixed messages. The prefix is
// a 4-byte big-endian unsigned body length. It is a pure state machine and
// knows nothing about sockets.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/fasttun/api"
)

// LengthPrefixLen is the width of the frame length prefix.
const LengthPrefixLen = 4

// Phase is the position of a Framer inside the current frame.
type Phase int

const (
	PhaseNoData Phase = iota
	PhaseReadingLength
	PhaseReadingBody
	// PhaseComplete is only observable from inside the message callback.
	PhaseComplete
	// PhaseError is terminal.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseNoData:
		return "no-data"
	case PhaseReadingLength:
		return "reading-length"
	case PhaseReadingBody:
		return "reading-body"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Framer reassembles frames across arbitrary input fragmentation.
type Framer struct {
	maxLen    int
	onMessage func(body []byte)

	phase     Phase
	prefix    [LengthPrefixLen]byte
	prefixLen int
	body      []byte
	filled    int
	err       error
	gen       uint64
}

// NewFramer returns a Framer that accepts bodies of 1..maxLen bytes and
// hands each complete body, owned by the callee, to onMessage.
func NewFramer(maxLen int, onMessage func(body []byte)) *Framer {
	return &Framer{maxLen: maxLen, onMessage: onMessage}
}

// Phase returns the current phase.
func (f *Framer) Phase() Phase { return f.phase }

// Err returns the terminal error, if any.
func (f *Framer) Err() error { return f.err }

// Reset discards partial state and clears a terminal error. When called
// from inside the message callback, the rest of the current input is
// dropped.
func (f *Framer) Reset() {
	f.phase = PhaseNoData
	f.prefixLen = 0
	f.body = nil
	f.filled = 0
	f.err = nil
	f.gen++
}

// Input consumes data, invoking the callback once per complete frame.
// After a length violation every call returns the same error.
func (f *Framer) Input(data []byte) error {
	if f.phase == PhaseError {
		return f.err
	}
	for len(data) > 0 {
		switch f.phase {
		case PhaseNoData, PhaseReadingLength:
			n := copy(f.prefix[f.prefixLen:], data)
			f.prefixLen += n
			data = data[n:]
			if f.prefixLen < LengthPrefixLen {
				f.phase = PhaseReadingLength
				return nil
			}
			declared := binary.BigEndian.Uint32(f.prefix[:])
			if declared == 0 || uint64(declared) > uint64(f.maxLen) {
				f.phase = PhaseError
				f.err = api.NewNetError(api.ReasonCorruptedPacket, "frame",
					fmt.Errorf("declared length %d outside [1, %d]", declared, f.maxLen))
				return f.err
			}
			f.body = make([]byte, declared)
			f.filled = 0
			f.phase = PhaseReadingBody

		case PhaseReadingBody:
			n := copy(f.body[f.filled:], data)
			f.filled += n
			data = data[n:]
			if f.filled < len(f.body) {
				return nil
			}
			body := f.body
			f.phase = PhaseComplete
			gen := f.gen
			f.onMessage(body)
			if f.gen != gen {
				return nil
			}
			f.phase = PhaseNoData
			f.prefixLen = 0
			f.body = nil
			f.filled = 0
		}
	}
	return nil
}

// AppendFrame appends the length-prefixed encoding of body to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}
