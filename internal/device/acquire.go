// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/relabs-tech/muvbox/internal/imu"
	"github.com/relabs-tech/muvbox/internal/protocol"
	"github.com/relabs-tech/muvbox/internal/scale"
)

// session is the configuration captured by Start for one acquisition run.
type session struct {
	table  scale.Table
	layout protocol.Layout
	codec  *protocol.Codec
}

// acquire reads telemetry windows until ctx is cancelled or a read fails.
func (d *Device) acquire(ctx context.Context, conn net.Conn, s session, done chan struct{}) {
	d.mu.Lock()
	if d.state == Starting {
		d.state = Streaming
	}
	d.mu.Unlock()
	d.log.Info("acquisition: running")

	win := make([]byte, s.layout.WindowSize())
	windows := 0
	for {
		if ctx.Err() != nil {
			d.log.Infof("acquisition: halted after %d windows", windows)
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		if _, err := io.ReadFull(conn, win); err != nil {
			if ctx.Err() != nil {
				d.log.Infof("acquisition: halted after %d windows", windows)
				return
			}
			d.streamFailed(err, done)
			return
		}
		windows++
		d.ingest(win, s)
	}
}

// ingest decodes one window and runs the per-window bookkeeping.
func (d *Device) ingest(win []byte, s session) {
	good, bad, err := s.codec.DecodeWindow(win, func(f protocol.Frame) {
		d.samples.Append(imu.FromFrame(f, s.table, s.layout))
	})
	switch {
	case err != nil:
		d.log.Warnf("packets lost - synchronization error: %v", err)
	case bad > 0:
		d.log.Warnf("packets lost - %d bad frames, %d good", bad, good)
	}

	if d.resync.Load() {
		if last, ok := d.samples.Last(); ok {
			d.clear()
			d.mu.Lock()
			d.rtc0 = last.Time
			d.mu.Unlock()
			d.resync.Store(false)
			d.log.Infof("sync: time base reset, rtc0=%.6f s", last.Time)
		}
	}

	if d.fusion.Load() {
		if _, err := d.estimator.Update(d.samples, d.orient); err != nil {
			d.log.Errorf("[MuvBox Error] orientation: %v", err)
		}
	}

	rate := imu.AcquisitionRate(d.samples.Tail(20), d.samples.Len())
	d.mu.Lock()
	d.rate = rate
	d.mu.Unlock()
}

func (d *Device) streamFailed(err error, done chan struct{}) {
	var serr error
	if isTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		serr = fmt.Errorf("device not responding: %v: %w", err, ErrStreamIO)
	} else {
		serr = fmt.Errorf("%v: %w", err, ErrStreamIO)
	}

	d.mu.Lock()
	d.loopErr = serr
	d.rate = 0
	if d.done == done {
		d.cancel, d.done = nil, nil
	}
	d.mu.Unlock()
	_ = d.fail(Idle, serr)
}
