// Package protocol implements the binary wire protocol spoken by the braille
// display's touch controller: CRC-8 framing, touch frames and bit-packed pin
// matrix frames.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// SOF marks the first byte of every frame.
const SOF byte = 0xAA

// FrameType is the second byte of every frame.
type FrameType byte

const (
	TypeDown   FrameType = 1
	TypeUp     FrameType = 2
	TypeMove   FrameType = 3
	TypeMatrix FrameType = 4
)

// Valid reports whether t is one of the known frame types.
func (t FrameType) Valid() bool {
	return t >= TypeDown && t <= TypeMatrix
}

// IsTouch reports whether t carries a fixed-size touch frame.
func (t FrameType) IsTouch() bool {
	return t == TypeDown || t == TypeUp || t == TypeMove
}

// Frame sizes on the wire.
const (
	TouchFrameSize     = 8
	MatrixHeaderSize   = 6
	MatrixFrameSize    = MatrixHeaderSize + MatrixPayloadSize + 1
	touchChecksumIndex = TouchFrameSize - 1
)

// Action is the kind of touch reported in a touch frame.
type Action byte

const (
	ActionDown Action = Action(TypeDown)
	ActionUp   Action = Action(TypeUp)
	ActionMove Action = Action(TypeMove)
)

func (a Action) String() string {
	switch a {
	case ActionDown:
		return "down"
	case ActionUp:
		return "up"
	case ActionMove:
		return "move"
	default:
		return fmt.Sprintf("action(%d)", byte(a))
	}
}

// Packet is a decoded, CRC-verified frame. It is either a TouchPacket or a
// MatrixPacket.
type Packet interface {
	Type() FrameType
}

// TouchPacket is a single finger down, up or move report.
type TouchPacket struct {
	Action   Action
	FingerID uint8
	X        uint16
	Y        uint16
}

// Type implements Packet.
func (p TouchPacket) Type() FrameType { return FrameType(p.Action) }

// MatrixPacket is a full snapshot of the pin matrix.
type MatrixPacket struct {
	Rows  uint8
	Cols  uint8
	Cells Matrix
}

// Type implements Packet.
func (p MatrixPacket) Type() FrameType { return TypeMatrix }

// EncodeTouch builds an 8-byte touch frame. It is the inverse of the decoder's
// touch path and is used by the simulator and tests.
func EncodeTouch(action Action, fingerID uint8, x, y uint16) []byte {
	frame := make([]byte, TouchFrameSize)
	frame[0] = SOF
	frame[1] = byte(action)
	binary.LittleEndian.PutUint16(frame[2:4], x)
	binary.LittleEndian.PutUint16(frame[4:6], y)
	frame[6] = fingerID
	frame[touchChecksumIndex] = CRC8(frame[:touchChecksumIndex])
	return frame
}

func decodeTouch(frame []byte) TouchPacket {
	return TouchPacket{
		Action:   Action(frame[1]),
		X:        binary.LittleEndian.Uint16(frame[2:4]),
		Y:        binary.LittleEndian.Uint16(frame[4:6]),
		FingerID: frame[6],
	}
}
