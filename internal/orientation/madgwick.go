// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"errors"
	"math"
)

// ErrNoMagnetometer is returned when MARG fusion is requested on a device
// without a magnetometer channel.
var ErrNoMagnetometer = errors.New("magnetometer not available")

// DefaultGain is the Madgwick β used for 6-DOF updates.
const DefaultGain = 0.033

// Madgwick implements the gradient-descent orientation filter.
type Madgwick struct {
	Gain float64 // β
}

// NewMadgwick creates a filter with the given gain, or DefaultGain when gain <= 0.
func NewMadgwick(gain float64) *Madgwick {
	if gain <= 0 {
		gain = DefaultGain
	}
	return &Madgwick{Gain: gain}
}

// UpdateIMU advances q by dt seconds.
// gyr: angular rate in rad/s
// acc: acceleration in m/s² (any units, will be normalized)
func (m *Madgwick) UpdateIMU(q Quaternion, gyr, acc [3]float64, dt float64) Quaternion {
	q = q.Normalize()

	// Rate of change from the gyroscope: 0.5 * q ⊗ (0, ω)
	qDot := q.Mul(Quaternion{X: gyr[0], Y: gyr[1], Z: gyr[2]})
	qDot = Quaternion{W: 0.5 * qDot.W, X: 0.5 * qDot.X, Y: 0.5 * qDot.Y, Z: 0.5 * qDot.Z}

	aNorm := math.Sqrt(acc[0]*acc[0] + acc[1]*acc[1] + acc[2]*acc[2])
	if aNorm > 0 {
		ax, ay, az := acc[0]/aNorm, acc[1]/aNorm, acc[2]/aNorm
		qw, qx, qy, qz := q.W, q.X, q.Y, q.Z

		// Objective: estimated gravity direction minus measured
		f0 := 2*(qx*qz-qw*qy) - ax
		f1 := 2*(qw*qx+qy*qz) - ay
		f2 := 2*(0.5-qx*qx-qy*qy) - az

		// Jacobian transpose times objective
		g0 := -2*qy*f0 + 2*qx*f1
		g1 := 2*qz*f0 + 2*qw*f1 - 4*qx*f2
		g2 := -2*qw*f0 + 2*qz*f1 - 4*qy*f2
		g3 := 2*qx*f0 + 2*qy*f1

		gNorm := math.Sqrt(g0*g0 + g1*g1 + g2*g2 + g3*g3)
		if gNorm > 0 {
			k := m.Gain / gNorm
			qDot.W -= k * g0
			qDot.X -= k * g1
			qDot.Y -= k * g2
			qDot.Z -= k * g3
		}
	}

	next := Quaternion{
		W: q.W + qDot.W*dt,
		X: q.X + qDot.X*dt,
		Y: q.Y + qDot.Y*dt,
		Z: q.Z + qDot.Z*dt,
	}
	return next.Normalize()
}

// UpdateMARG is the 9-DOF variant. No supported firmware family carries a
// magnetometer channel, so it always fails.
func (m *Madgwick) UpdateMARG(q Quaternion, gyr, acc, mag [3]float64, dt float64) (Quaternion, error) {
	return q, ErrNoMagnetometer
}
