// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/relabs-tech/muvbox/internal/protocol"
)

// Start sends start_sensor and spawns the acquisition loop. It is a no-op
// returning ErrInvalidState unless Idle. On failure the device stays Idle
// with the socket open.
func (d *Device) Start(ctx context.Context) error {
	if st := d.State(); st != Idle {
		d.log.Debugf("start: ignored in state %s", st)
		return fmt.Errorf("start in state %s: %w", st, ErrInvalidState)
	}

	// Once start_sensor is out the box streams, so ctx is only checked before.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	d.log.Infof("start: freq=%d GYRO=%d ACCEL=%d", d.cfg.Freq, d.cfg.GyroRange, d.cfg.AccelRange)
	cmd := protocol.StartSensor{Freq: d.cfg.Freq, Gyro: d.cfg.GyroRange, Accel: d.cfg.AccelRange}
	if err := d.send(cmd); err != nil {
		return d.fail(Idle, fmt.Errorf("start: %w", err))
	}

	d.mu.Lock()
	if d.state != Idle || d.codec == nil {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("start in state %s: %w", st, ErrInvalidState)
	}
	scaleErr := d.table.Configure(d.cfg.AccelRange, d.cfg.GyroRange, d.layout.AccelWordSize, d.layout.GyroWordSize)
	snap := session{table: d.table, layout: d.layout, codec: d.codec}
	d.mu.Unlock()
	if scaleErr != nil {
		d.log.Warnf("scale: %v; previous scale kept", scaleErr)
	}

	if d.cfg.ClearOnStart {
		d.clear()
		d.resync.Store(true)
	}

	d.cmdMu.Lock()
	conn := d.conn
	d.cmdMu.Unlock()
	if conn == nil {
		return d.fail(Idle, fmt.Errorf("start: not connected: %w", ErrCommand))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.mu.Lock()
	d.state = Starting
	d.status = StatusRunning
	d.lastErr = nil
	d.loopErr = nil
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		d.acquire(loopCtx, conn, snap, done)
	}()
	return nil
}

// Stop halts the acquisition loop, tells the box to stop transmitting and
// snapshots the collected data. It is a no-op returning ErrInvalidState
// unless Streaming or Starting.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Streaming && d.state != Starting {
		st := d.state
		d.mu.Unlock()
		d.log.Debugf("stop: ignored in state %s", st)
		return fmt.Errorf("stop in state %s: %w", st, ErrInvalidState)
	}
	d.state = Stopping
	d.status = StatusStopping
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	d.log.Info("stop: halting acquisition")
	if cancel != nil {
		cancel()
	}
	if done != nil {
		d.join(ctx, done)
	}

	err := d.send(protocol.StopTransmission{})
	if err != nil {
		d.log.Errorf("[MuvBox Error] stop: %v", err)
	} else {
		d.drain()
	}

	samples := d.samples.Finalize()
	orient := d.orient.Finalize()

	d.mu.Lock()
	d.finalSamples = samples
	d.finalOrient = orient
	if d.loopErr == nil && err == nil {
		d.status = StatusOnline
	} else if err != nil {
		d.status = StatusError
		d.lastErr = err
	}
	d.state = Idle
	d.mu.Unlock()

	d.log.Infof("stop: done, %d samples, %d orientation records", len(samples), len(orient))
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// join waits for the loop goroutine. Past StopTimeout the pending read is
// forced to time out and the wait continues.
func (d *Device) join(ctx context.Context, done <-chan struct{}) {
	t := time.NewTimer(d.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
		d.log.Warn("stop: acquisition loop still blocked, forcing read deadline")
	case <-ctx.Done():
		d.log.Warn("stop: cancelled, forcing read deadline")
	}
	d.cmdMu.Lock()
	if d.conn != nil {
		_ = d.conn.SetReadDeadline(time.Now())
	}
	d.cmdMu.Unlock()
	<-done
}

// drain discards telemetry still in flight after stop_transmission. It ends
// after DrainTimeout without data, or after StopTimeout in total.
func (d *Device) drain() {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if d.conn == nil {
		return
	}
	defer d.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	total := 0
	limit := time.Now().Add(d.cfg.StopTimeout)
	for time.Now().Before(limit) {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.cfg.DrainTimeout))
		n, err := d.conn.Read(buf)
		total += n
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				d.log.Debugf("drain: %v", err)
			}
			break
		}
	}
	if total > 0 {
		d.log.Debugf("drain: discarded %d bytes", total)
	}
}
