// File: protocol/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control messages. Body layout: [int32 big-endian id][payload].

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/fasttun/api"
)

// MaxMessageLen bounds a control message body.
const MaxMessageLen = 65535

const msgIDLen = 4

// MsgID identifies a control message.
type MsgID int32

const (
	// MsgCreateTunnel carries the conv the acceptor allocated.
	MsgCreateTunnel MsgID = iota
	MsgConfirmTunnel
	MsgHeartbeatRequest
	MsgHeartbeatResponse
)

func (id MsgID) String() string {
	switch id {
	case MsgCreateTunnel:
		return "create-tunnel"
	case MsgConfirmTunnel:
		return "confirm-tunnel"
	case MsgHeartbeatRequest:
		return "heartbeat-request"
	case MsgHeartbeatResponse:
		return "heartbeat-response"
	default:
		return fmt.Sprintf("msg(%d)", int32(id))
	}
}

// Message is a decoded control message. Conv is set for MsgCreateTunnel only.
type Message struct {
	ID   MsgID
	Conv uint32
}

// EncodeMessage returns the framed wire encoding of m.
func EncodeMessage(m Message) []byte {
	body := make([]byte, 0, msgIDLen+4)
	body = binary.BigEndian.AppendUint32(body, uint32(m.ID))
	if m.ID == MsgCreateTunnel {
		body = binary.BigEndian.AppendUint32(body, m.Conv)
	}
	return AppendFrame(make([]byte, 0, LengthPrefixLen+len(body)), body)
}

// DecodeMessage parses one frame body.
func DecodeMessage(body []byte) (Message, error) {
	if len(body) < msgIDLen {
		return Message{}, corrupt("message of %d bytes has no id", len(body))
	}
	m := Message{ID: MsgID(int32(binary.BigEndian.Uint32(body)))}
	payload := body[msgIDLen:]
	switch m.ID {
	case MsgCreateTunnel:
		if len(payload) < 4 {
			return Message{}, corrupt("%s payload of %d bytes", m.ID, len(payload))
		}
		m.Conv = binary.BigEndian.Uint32(payload)
	case MsgConfirmTunnel, MsgHeartbeatRequest, MsgHeartbeatResponse:
	default:
		return Message{}, corrupt("unknown message id %d", int32(m.ID))
	}
	return m, nil
}

func corrupt(format string, args ...any) error {
	return api.NewNetError(api.ReasonCorruptedPacket, "decode message", fmt.Errorf(format, args...))
}
