// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"time"

	"github.com/relabs-tech/muvbox/internal/device"
	"github.com/relabs-tech/muvbox/internal/imu"
	"github.com/relabs-tech/muvbox/internal/orientation"
)

// StatusPayload is published retained on the status topic and served on
// /api/status.
type StatusPayload struct {
	Device       string        `json:"device"`
	Number       int           `json:"number"`
	Location     string        `json:"location,omitempty"`
	IP           string        `json:"ip,omitempty"`
	Firmware     string        `json:"firmware,omitempty"`
	State        string        `json:"state"`
	Status       device.Status `json:"status"`
	Samples      int           `json:"samples"`
	Rate         float64       `json:"rate"`
	Battery      float64       `json:"battery"`
	BatteryLevel string        `json:"battery_level"`
	RTC0         float64       `json:"rtc0"`
	// Tilt is roll and pitch from the last sample's accelerometer alone,
	// available with fusion off.
	Tilt  orientation.Pose `json:"tilt"`
	Error string           `json:"error,omitempty"`
	Time  time.Time        `json:"time"`
}

// SamplesPayload carries the samples appended since the previous publish.
type SamplesPayload struct {
	Device  string       `json:"device"`
	RTC0    float64      `json:"rtc0"`
	Samples []imu.Sample `json:"samples"`
}

// OrientationPayload is the latest orientation record.
type OrientationPayload struct {
	Device string `json:"device"`
	orientation.Sample
}

func deviceName(cfg device.Config) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	return cfg.IP
}

func statusOf(d *device.Device) StatusPayload {
	cfg := d.Config()
	p := StatusPayload{
		Device:   deviceName(cfg),
		Number:   cfg.Number,
		Location: cfg.Location,
		IP:       d.IP(),
		Firmware: d.Info().Firmware,
		State:    d.State().String(),
		Status:   d.Status(),
		Samples:  d.Samples().Len(),
		Rate:     d.AcquisitionRate(),
		RTC0:     d.RTC0(),
		Time:     time.Now(),
	}
	if s, ok := d.Samples().Last(); ok {
		p.Battery = s.Battery
		p.Tilt = orientation.ComputePoseFromAccel(s.Accel[0], s.Accel[1], s.Accel[2])
	}
	p.BatteryLevel = imu.BatteryLevel(p.Battery)
	if err := d.LastError(); err != nil {
		p.Error = err.Error()
	}
	return p
}
