// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relabs-tech/muvbox/internal/protocol"
)

// send writes one command with a bounded write deadline, then clears it.
func (d *Device) send(c protocol.Command) error {
	msg, err := protocol.MarshalCommand(c)
	if err != nil {
		return err
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("%s: not connected: %w", c.Name(), ErrCommand)
	}

	d.log.Debugf("command: %s", msg)
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.cfg.CommandTimeout)); err != nil {
		return fmt.Errorf("%s: %v: %w", c.Name(), err, ErrCommand)
	}
	defer d.conn.SetWriteDeadline(time.Time{})

	if _, err := d.conn.Write(msg); err != nil {
		return fmt.Errorf("%s: %v: %w", c.Name(), err, ErrCommand)
	}
	d.log.Debugf("command: %s successful", c.Name())
	return nil
}

// systemInfo sends system_info and decodes the JSON reply.
func (d *Device) systemInfo() (Info, error) {
	d.log.Info("command: system_info")
	if err := d.send(protocol.SystemInfo{}); err != nil {
		return Info{}, fmt.Errorf("%v: %w", err, ErrHandshake)
	}

	d.cmdMu.Lock()
	conn := d.conn
	if conn == nil {
		d.cmdMu.Unlock()
		return Info{}, fmt.Errorf("not connected: %w", ErrHandshake)
	}
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.CommandTimeout))
	var raw json.RawMessage
	err := json.NewDecoder(conn).Decode(&raw)
	_ = conn.SetReadDeadline(time.Time{})
	d.cmdMu.Unlock()
	if err != nil {
		return Info{}, fmt.Errorf("read reply: %v: %w", err, ErrHandshake)
	}

	reply, err := protocol.ParseSystemInfo(raw)
	if err != nil {
		return Info{}, fmt.Errorf("%v: %w", err, ErrHandshake)
	}
	family, err := protocol.ParseFirmware(reply.Firmware)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", err, ErrHandshake)
	}

	info := Info{
		MAC:        reply.MAC,
		Firmware:   reply.Firmware,
		Family:     family,
		FreeHeap:   reply.FreeHeap,
		SensorTask: reply.SensorTask,
	}
	d.log.Infof("free heap: %d mac: %s firmware: %s sensor task: %s",
		info.FreeHeap, info.MAC, info.Firmware, info.SensorTask)
	return info, nil
}

// AccessPoint is the Wi-Fi network a box should join, and its new hostname.
type AccessPoint struct {
	Hostname string
	SSID     string
	Password string
}

// Provision stores Wi-Fi credentials on the box and commits them. The box
// reboots onto the new network, so callers normally Disconnect afterwards.
// Valid only while Idle.
func (d *Device) Provision(ctx context.Context, ap AccessPoint) error {
	if st := d.State(); st != Idle {
		return fmt.Errorf("provision in state %s: %w", st, ErrInvalidState)
	}

	d.log.Infof("provision: hostname=%s ssid=%s", ap.Hostname, ap.SSID)
	if err := d.send(protocol.SetAccessPoint{Hostname: ap.Hostname, SSID: ap.SSID, Password: ap.Password}); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if err := sleepCtx(ctx, d.cfg.ProvisionPause); err != nil {
		return err
	}
	if err := d.send(protocol.Commit{}); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if err := sleepCtx(ctx, d.cfg.ProvisionPause); err != nil {
		return err
	}
	d.log.Info("provision: settings committed")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
