package controller

import (
	"encoding/binary"
	"io"
)

// InputStateSize is the wire size of an InputState on a VIIPER xbox360 stream.
const InputStateSize = 20

// InputState is the full state of the emulated Xbox 360 pad.
// Values follow XInput's C API.
type InputState struct {
	// Button bitfield; the low 16 bits carry buttons and D-pad.
	Buttons uint32
	// Triggers: 0-255
	LT, RT uint8
	// Sticks: signed 16-bit values, +Y is up.
	LX, LY   int16
	RX, RY   int16
	Reserved [6]byte
}

// ButtonSet returns the discrete buttons held in the state.
func (x InputState) ButtonSet() ButtonSet {
	return ButtonSet(x.Buttons &^ dpadMask)
}

// Dpad returns the D-pad directions held in the state.
func (x InputState) Dpad() DpadSet {
	return dpadFromBits(x.Buttons)
}

// Neutral reports whether nothing is held and both sticks are centered.
func (x InputState) Neutral() bool {
	return x.Buttons == 0 && x.LT == 0 && x.RT == 0 &&
		x.LX == 0 && x.LY == 0 && x.RX == 0 && x.RY == 0
}

// BuildReport encodes the state as the 20-byte wired USB input report:
// report id 0x00, length 0x14, the low 16 button bits, then the same trigger
// and stick bytes as the stream layout. Bytes 14-19 stay zero.
func (x *InputState) BuildReport() []byte {
	b := make([]byte, 20)
	b[1] = 0x14
	binary.LittleEndian.PutUint16(b[2:4], uint16(x.Buttons&0xffff))
	x.putAnalog(b)
	return b
}

// MarshalBinary encodes the state in the stream layout
// (buttons:u32 lt:u8 rt:u8 lx:i16 ly:i16 rx:i16 ry:i16 reserved:u8*6).
func (x *InputState) MarshalBinary() ([]byte, error) {
	b := make([]byte, InputStateSize)
	binary.LittleEndian.PutUint32(b[0:4], x.Buttons)
	x.putAnalog(b)
	copy(b[14:20], x.Reserved[:])
	return b, nil
}

// UnmarshalBinary decodes the stream layout.
func (x *InputState) UnmarshalBinary(data []byte) error {
	if len(data) < InputStateSize {
		return io.ErrUnexpectedEOF
	}
	x.Buttons = binary.LittleEndian.Uint32(data[0:4])
	x.LT, x.RT = data[4], data[5]
	for i, axis := range x.axes() {
		*axis = int16(binary.LittleEndian.Uint16(data[6+2*i:]))
	}
	copy(x.Reserved[:], data[14:20])
	return nil
}

// putAnalog writes triggers at 4-5 and sticks at 6-13; both layouts share
// those offsets.
func (x *InputState) putAnalog(b []byte) {
	b[4], b[5] = x.LT, x.RT
	for i, axis := range x.axes() {
		binary.LittleEndian.PutUint16(b[6+2*i:], uint16(*axis))
	}
}

func (x *InputState) axes() [4]*int16 {
	return [4]*int16{&x.LX, &x.LY, &x.RX, &x.RY}
}

// RumbleState is the motor command a host sends back over the stream.
type RumbleState struct {
	LeftMotor  uint8
	RightMotor uint8
}

// UnmarshalBinary reads the two motor bytes.
func (r *RumbleState) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return io.ErrUnexpectedEOF
	}
	r.LeftMotor = data[0]
	r.RightMotor = data[1]
	return nil
}
