// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/muvbox/internal/config"
	"github.com/relabs-tech/muvbox/internal/device"
)

// InfoReport is what `muvbox info` prints.
type InfoReport struct {
	Device     string  `yaml:"device"`
	Number     int     `yaml:"number"`
	Location   string  `yaml:"location,omitempty"`
	IP         string  `yaml:"ip"`
	Port       int     `yaml:"port"`
	MAC        string  `yaml:"mac"`
	Firmware   string  `yaml:"firmware"`
	Family     string  `yaml:"family"`
	FreeHeap   int     `yaml:"free_heap"`
	SensorTask string  `yaml:"sensor_task"`
	AccelRange float64 `yaml:"accel_range_g"`
	GyroRange  float64 `yaml:"gyro_range_dps"`
	ToG        float64 `yaml:"to_g"`
	ToDPS      float64 `yaml:"to_dps"`
}

func infoReport(d *device.Device) InfoReport {
	cfg := d.Config()
	info := d.Info()
	table := d.Scale()
	return InfoReport{
		Device:     deviceName(cfg),
		Number:     cfg.Number,
		Location:   cfg.Location,
		IP:         d.IP(),
		Port:       cfg.Port,
		MAC:        info.MAC,
		Firmware:   info.Firmware,
		Family:     info.Family.String(),
		FreeHeap:   info.FreeHeap,
		SensorTask: info.SensorTask,
		AccelRange: table.AccelFullScale,
		GyroRange:  table.GyroFullScale,
		ToG:        table.ToG,
		ToDPS:      table.ToDPS,
	}
}

// WriteInfo connects to the box, prints its system_info as YAML to w and
// disconnects.
func WriteInfo(ctx context.Context, w io.Writer, dc device.Config, opts ...device.Option) error {
	d := device.New(dc, opts...)
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer d.Disconnect()

	b, err := yaml.Marshal(infoReport(d))
	if err != nil {
		return fmt.Errorf("yaml marshal error (info): %w", err)
	}
	_, err = w.Write(b)
	return err
}

// RunInfo prints the configured box's system_info.
func RunInfo(ctx context.Context, w io.Writer) error {
	return WriteInfo(ctx, w, config.Get().DeviceConfig())
}

// Provision connects to the box, sends the access point settings and
// disconnects. The box reboots onto the new network afterwards.
func Provision(ctx context.Context, dc device.Config, ap device.AccessPoint, opts ...device.Option) error {
	d := device.New(dc, opts...)
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer d.Disconnect()

	if err := d.Provision(ctx, ap); err != nil {
		return err
	}
	log.Infof("provision: %s will join %s as %s", deviceName(dc), ap.SSID, ap.Hostname)
	return nil
}

// RunProvision provisions the configured box.
func RunProvision(ctx context.Context, ap device.AccessPoint) error {
	return Provision(ctx, config.Get().DeviceConfig(), ap)
}
