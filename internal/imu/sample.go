// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package imu holds the decoded telemetry record and its unit conversions.
package imu

import (
	"fmt"
	"math"

	"github.com/relabs-tech/muvbox/internal/protocol"
	"github.com/relabs-tech/muvbox/internal/scale"
)

// Gravity is the standard acceleration used to turn g into m/s².
const Gravity = 9.807

// Sample is one decoded telemetry record in physical units.
type Sample struct {
	Time float64 `json:"time"` // s, device clock

	Accel [3]float64 `json:"acc"` // g
	Gyro  [3]float64 `json:"gyr"` // °/s

	Battery float64 `json:"bat"` // %, unclamped
}

// FromFrame converts a raw frame using the active scale table and layout.
func FromFrame(f protocol.Frame, t scale.Table, l protocol.Layout) Sample {
	s := Sample{
		Time:    float64(f.Clock) * l.TimeScale,
		Battery: BatteryPercent(f.BatteryMV, l.BatteryVMin, l.BatteryVMax),
	}
	for i := 0; i < 3; i++ {
		s.Accel[i] = t.Accel(f.Accel[i])
		s.Gyro[i] = t.Gyro(f.Gyro[i])
	}
	return s
}

// BatteryPercent maps a millivolt reading onto [vmin, vmax] volts as 0-100 %.
// Values outside the range are returned as is; a charging box reads well
// above 100.
func BatteryPercent(mv int16, vmin, vmax float64) float64 {
	lo := vmin * 1000
	hi := vmax * 1000
	return 100 * (float64(mv) - lo) / (hi - lo)
}

// BatteryLevel formats a battery percentage for display.
func BatteryLevel(pct float64) string {
	switch {
	case pct > 150:
		return "Charging"
	case pct > 100:
		return "100 %"
	case pct < 0:
		return "0 %"
	default:
		return fmt.Sprintf("%d %%", int(pct))
	}
}

// AccelMS2 returns the acceleration in m/s².
func (s Sample) AccelMS2() [3]float64 {
	return [3]float64{s.Accel[0] * Gravity, s.Accel[1] * Gravity, s.Accel[2] * Gravity}
}

// GyroRad returns the angular rate in rad/s.
func (s Sample) GyroRad() [3]float64 {
	const k = math.Pi / 180
	return [3]float64{s.Gyro[0] * k, s.Gyro[1] * k, s.Gyro[2] * k}
}

// AcquisitionRate estimates the sample rate from the last 20 samples.
// It returns 0 until more than 30 samples exist or when time does not advance.
func AcquisitionRate(tail []Sample, total int) float64 {
	if total <= 30 || len(tail) < 20 {
		return 0
	}
	dt := tail[len(tail)-1].Time - tail[len(tail)-20].Time
	if dt <= 0 {
		return 0
	}
	return 20 / dt
}
