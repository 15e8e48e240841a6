// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnsupportedFirmware is returned for firmware families without a Layout.
	ErrUnsupportedFirmware = errors.New("unsupported firmware")
	// ErrFirmwareFormat is returned when a version string is not FMxxVyyy.zzz.
	ErrFirmwareFormat = errors.New("malformed firmware version")
)

// Family identifies a firmware family. Only FamilyM1 is supported.
type Family int

const (
	// FamilyM1 is MuvBox M1, 6-DOF, firmware FMxxV000.zzz.
	FamilyM1 Family = 0
)

func (f Family) String() string {
	switch f {
	case FamilyM1:
		return "M1"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFirmware extracts the family number from a version string such as
// "FM10V000.950". The family is the three digits after the 'V'.
func ParseFirmware(version string) (Family, error) {
	if len(version) < 8 {
		return 0, fmt.Errorf("%q: %w", version, ErrFirmwareFormat)
	}
	n, err := strconv.Atoi(version[5:8])
	if err != nil {
		return 0, fmt.Errorf("%q: %w", version, ErrFirmwareFormat)
	}
	return Family(n), nil
}

// Layout carries the per-family wire and sensor constants.
type Layout struct {
	Family          Family
	FrameSize       int     // bytes per frame
	FramesPerWindow int     // frames read from the socket at once
	TimeScale       float64 // seconds per device clock tick
	AccelWordSize   int     // bits
	GyroWordSize    int     // bits
	BatteryVMin     float64 // volts for 0 %
	BatteryVMax     float64 // volts for 100 %
	MagPresent      bool    // magnetometer channel in frame
}

// WindowSize is the number of bytes read per socket window.
func (l Layout) WindowSize() int {
	return l.FrameSize * l.FramesPerWindow
}

var layouts = map[Family]Layout{
	FamilyM1: {
		Family:          FamilyM1,
		FrameSize:       24,
		FramesPerWindow: 150,
		TimeScale:       1e-6,
		AccelWordSize:   16,
		GyroWordSize:    16,
		BatteryVMin:     3.6,
		BatteryVMax:     4.0,
		MagPresent:      false,
	},
}

// LayoutFor returns the layout for a family.
func LayoutFor(f Family) (Layout, error) {
	l, ok := layouts[f]
	if !ok {
		return Layout{}, fmt.Errorf("%s: %w", f, ErrUnsupportedFirmware)
	}
	return l, nil
}
