// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/relabs-tech/muvbox/internal/protocol"
)

// Connect resolves the box, opens the TCP session and runs the system_info
// handshake. It is a no-op returning ErrInvalidState unless Disconnected.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Disconnected {
		state := d.state
		d.mu.Unlock()
		d.log.Debugf("connect: ignored in state %s", state)
		return fmt.Errorf("connect in state %s: %w", state, ErrInvalidState)
	}
	d.state = Connecting
	d.status = StatusConnecting
	d.lastErr = nil
	d.mu.Unlock()

	d.log.Info("connect: start")

	ip, err := d.resolve(ctx)
	if err != nil {
		return d.fail(Disconnected, err)
	}
	d.mu.Lock()
	d.ip = ip
	d.rate = 0
	d.mu.Unlock()
	d.log.Infof("connect: IP = %s", ip)

	addr := net.JoinHostPort(ip, strconv.Itoa(d.cfg.Port))
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	conn, err := d.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		if isTimeout(err) {
			return d.fail(Disconnected, fmt.Errorf("timeout: cannot connect to %s: %w", addr, ErrConnectTimeout))
		}
		return d.fail(Disconnected, fmt.Errorf("cannot connect to %s: %v: %w", addr, err, ErrConnectIO))
	}

	d.cmdMu.Lock()
	d.conn = conn
	d.cmdMu.Unlock()
	d.mu.Lock()
	d.status = StatusOnline
	d.mu.Unlock()
	d.log.Infof("connect: successfully connected to %s", addr)

	info, err := d.systemInfo()
	if err != nil {
		d.closeConn()
		return d.fail(Disconnected, err)
	}
	if err := d.setup(info); err != nil {
		d.closeConn()
		return d.fail(Disconnected, err)
	}

	d.mu.Lock()
	d.state = Idle
	d.mu.Unlock()
	d.log.Info("connect: done")
	return nil
}

// resolve tries the hostname as given, then with ".local" for mDNS.
func (d *Device) resolve(ctx context.Context) (string, error) {
	if d.cfg.Hostname == "" {
		if d.cfg.IP == "" {
			return "", fmt.Errorf("no hostname or IP configured: %w", ErrAddressResolution)
		}
		return d.cfg.IP, nil
	}

	var errs []error
	for _, host := range []string{d.cfg.Hostname, d.cfg.Hostname + ".local"} {
		addrs, err := d.resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			d.log.Warnf("connect: could not find hostname %s", host)
			errs = append(errs, err)
			continue
		}
		return pickIPv4(addrs), nil
	}
	return "", fmt.Errorf("%s: %w", d.cfg.Hostname, errors.Join(append(errs, ErrAddressResolution)...))
}

func pickIPv4(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}

// setup configures layout, codec and scale factors for the reported firmware.
func (d *Device) setup(info Info) error {
	layout, err := protocol.LayoutFor(info.Family)
	if err != nil {
		return fmt.Errorf("firmware version %s unknown, setup not done: %w", info.Firmware, err)
	}
	codec, err := protocol.NewCodec(info.Family)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.info = info
	d.layout = layout
	d.codec = codec
	scaleErr := d.table.Configure(d.cfg.AccelRange, d.cfg.GyroRange, layout.AccelWordSize, layout.GyroWordSize)
	table := d.table
	d.mu.Unlock()

	// No loop runs while connecting, so the estimator is not shared yet.
	d.estimator.UseMagnetometer(layout.MagPresent)

	if scaleErr != nil {
		d.log.Warnf("scale: %v; previous scale kept", scaleErr)
	}
	d.clear()
	d.log.Infof("setup done for MuvBox version %s (family %s, window %d bytes, GSCALE=%v DEGSCALE=%v)",
		info.Firmware, info.Family, layout.WindowSize(), table.AccelFullScale, table.GyroFullScale)
	return nil
}

// Disconnect closes the socket and resets the session. It is valid in any
// state; a running acquisition loop is halted first.
func (d *Device) Disconnect() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.closeConn()
	if done != nil {
		<-done
	}

	d.resync.Store(false)
	d.mu.Lock()
	d.status = StatusOffline
	d.rate = 0
	d.loopErr = nil
	d.state = Disconnected
	ip := d.ip
	d.mu.Unlock()
	d.log.Infof("connection closed %s", ip)
}

func (d *Device) closeConn() {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
