// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package protocol implements the MuvBox wire format: JSON control
// commands and fixed-size binary telemetry frames.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameSync is returned when a frame or window does not start with
// StartByte and end with EndByte, or has the wrong length.
var ErrFrameSync = errors.New("frame synchronization error")

const (
	StartByte byte = 0x00
	EndByte   byte = 0xFF

	// M1FrameSize is the length of one family M1 frame.
	M1FrameSize = 24
)

// Frame is one decoded family M1 telemetry record, in raw counts.
//
//	0      start byte (0x00)
//	1..8   device clock, uint64 LE, 1 µs ticks
//	9..14  accel x,y,z int16 LE
//	15..20 gyro x,y,z int16 LE
//	21..22 battery millivolts int16 LE
//	23     end byte (0xFF)
type Frame struct {
	Clock     uint64
	Accel     [3]int16
	Gyro      [3]int16
	BatteryMV int16
}

// DecodeFrame validates and decodes one M1 frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) != M1FrameSize {
		return Frame{}, fmt.Errorf("frame length %d, want %d: %w", len(b), M1FrameSize, ErrFrameSync)
	}
	if b[0] != StartByte || b[M1FrameSize-1] != EndByte {
		return Frame{}, fmt.Errorf("sentinels 0x%02X/0x%02X: %w", b[0], b[M1FrameSize-1], ErrFrameSync)
	}

	var f Frame
	f.Clock = binary.LittleEndian.Uint64(b[1:9])
	for i := 0; i < 3; i++ {
		f.Accel[i] = int16(binary.LittleEndian.Uint16(b[9+2*i:]))
		f.Gyro[i] = int16(binary.LittleEndian.Uint16(b[15+2*i:]))
	}
	f.BatteryMV = int16(binary.LittleEndian.Uint16(b[21:23]))
	return f, nil
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var b [M1FrameSize]byte
	b[0] = StartByte
	binary.LittleEndian.PutUint64(b[1:9], f.Clock)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint16(b[9+2*i:], uint16(f.Accel[i]))
		binary.LittleEndian.PutUint16(b[15+2*i:], uint16(f.Gyro[i]))
	}
	binary.LittleEndian.PutUint16(b[21:23], uint16(f.BatteryMV))
	b[M1FrameSize-1] = EndByte
	return append(dst, b[:]...)
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, M1FrameSize), f)
}

// Codec decodes socket windows for one firmware layout.
type Codec struct {
	layout Layout
}

// NewCodec returns a codec for family f.
func NewCodec(f Family) (*Codec, error) {
	l, err := LayoutFor(f)
	if err != nil {
		return nil, err
	}
	return &Codec{layout: l}, nil
}

// Layout returns the codec's layout.
func (c *Codec) Layout() Layout {
	return c.layout
}

// DecodeWindow splits win into frames and calls fn for each valid one.
// A window whose boundary bytes are wrong is rejected whole with
// ErrFrameSync. Otherwise bad frames are skipped and counted.
func (c *Codec) DecodeWindow(win []byte, fn func(Frame)) (good, bad int, err error) {
	size := c.layout.FrameSize
	if len(win) == 0 || len(win)%size != 0 {
		return 0, 0, fmt.Errorf("window length %d not a multiple of %d: %w", len(win), size, ErrFrameSync)
	}
	if win[0] != StartByte || win[len(win)-1] != EndByte {
		return 0, len(win) / size, fmt.Errorf("window boundary 0x%02X/0x%02X: %w", win[0], win[len(win)-1], ErrFrameSync)
	}

	for off := 0; off < len(win); off += size {
		f, ferr := DecodeFrame(win[off : off+size])
		if ferr != nil {
			bad++
			continue
		}
		fn(f)
		good++
	}
	return good, bad, nil
}
