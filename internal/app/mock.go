// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/muvbox/internal/config"
	"github.com/relabs-tech/muvbox/internal/mockdevice"
)

// mockConfig builds the simulated box from the mock section.
func mockConfig(m config.MockOpt) mockdevice.Config {
	mc := mockdevice.DefaultConfig()
	if m.Firmware != "" {
		mc.Firmware = m.Firmware
	}
	if m.BatteryMV > 0 {
		mc.BatteryMV = int16(m.BatteryMV)
	}
	mc.WindowInterval = time.Duration(m.WindowIntervalMS) * time.Millisecond
	return mc
}

// RunMock serves a simulated MuvBox until ctx is done.
func RunMock(ctx context.Context) error {
	cfg := config.Get()
	addr := net.JoinHostPort(cfg.Mock.Interface, strconv.Itoa(cfg.Mock.Port))

	srv, err := mockdevice.Listen(addr, mockConfig(cfg.Mock))
	if err != nil {
		return err
	}
	log.Printf("simulated MuvBox ready, connect with --ip 127.0.0.1 --port %d", srv.Port())
	return srv.Serve(ctx)
}
