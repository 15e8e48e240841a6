// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package scale converts configured sensor range codes into the divisors
// that turn raw signed register counts into physical units.
package scale

import (
	"errors"
	"fmt"
	"math"
)

// ErrScaleRange is returned when a range code is outside 0-3.
var ErrScaleRange = errors.New("scale code out of range")

// DefaultWordSize is the register width of both sensors on the M1 family.
const DefaultWordSize = 16

// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
var accelFullScale = []float64{2, 4, 8, 16}

// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
var gyroFullScale = []float64{250, 500, 1000, 2000}

// AccelFullScale returns the accelerometer full scale in g for a range code.
func AccelFullScale(code int) (float64, error) {
	if code < 0 || code >= len(accelFullScale) {
		return 0, fmt.Errorf("accel range must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d: %w", code, ErrScaleRange)
	}
	return accelFullScale[code], nil
}

// GyroFullScale returns the gyroscope full scale in °/s for a range code.
func GyroFullScale(code int) (float64, error) {
	if code < 0 || code >= len(gyroFullScale) {
		return 0, fmt.Errorf("gyro range must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d: %w", code, ErrScaleRange)
	}
	return gyroFullScale[code], nil
}

// Factor returns 2^(wordSize-1) / fullScale, the number of counts per unit.
func Factor(wordSize int, fullScale float64) float64 {
	return math.Exp2(float64(wordSize-1)) / fullScale
}

// Table holds the active range codes and the derived divisors.
// Raw counts are divided by ToG / ToDPS to get g and °/s.
type Table struct {
	AccelCode int
	GyroCode  int

	AccelFullScale float64 // g
	GyroFullScale  float64 // °/s

	ToG   float64
	ToDPS float64
}

// NewTable returns a table with the driver's power-on factors (2 g, 500 °/s).
func NewTable() Table {
	return Table{
		AccelCode:      0,
		GyroCode:       1,
		AccelFullScale: 2,
		GyroFullScale:  500,
		ToG:            Factor(DefaultWordSize, 2),
		ToDPS:          Factor(DefaultWordSize, 500),
	}
}

// Configure applies new range codes. A bad code leaves that sensor's previous
// factor in place; the other sensor is still updated.
func (t *Table) Configure(accelCode, gyroCode, accelWord, gyroWord int) error {
	var errs []error

	if fs, err := AccelFullScale(accelCode); err != nil {
		errs = append(errs, err)
	} else {
		t.AccelCode = accelCode
		t.AccelFullScale = fs
	}
	if fs, err := GyroFullScale(gyroCode); err != nil {
		errs = append(errs, err)
	} else {
		t.GyroCode = gyroCode
		t.GyroFullScale = fs
	}

	t.ToG = Factor(accelWord, t.AccelFullScale)
	t.ToDPS = Factor(gyroWord, t.GyroFullScale)

	return errors.Join(errs...)
}

// Accel converts a raw accelerometer count to g.
func (t Table) Accel(raw int16) float64 {
	return float64(raw) / t.ToG
}

// Gyro converts a raw gyroscope count to °/s.
func (t Table) Gyro(raw int16) float64 {
	return float64(raw) / t.ToDPS
}
