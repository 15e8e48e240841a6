// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package orientation turns decoded IMU samples into orientation estimates.
package orientation

import (
	"math"
)

// Pose is the canonical representation of orientation for the app, in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Sample is one orientation record, aligned with the imu.Sample it was
// computed from.
type Sample struct {
	Time float64    `json:"time"`
	Q    Quaternion `json:"q"`
	Pose
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is unobservable without a magnetometer and is left at 0.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	rollRad := math.Atan2(ay, az)
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return Pose{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
		Yaw:   0,
	}
}
