// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package mockdevice is a simulated MuvBox. It answers the JSON control
// commands and streams telemetry windows generated from smooth synthetic
// motion, so the driver and the app surfaces can run without hardware.
package mockdevice

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/muvbox/internal/protocol"
	"github.com/relabs-tech/muvbox/internal/scale"
)

// Config describes the simulated box.
type Config struct {
	Firmware   string
	MAC        string
	FreeHeap   int
	SensorTask string

	BatteryMV  int16
	ClockStart uint64 // device clock at the first frame, µs

	// WindowInterval overrides the pacing derived from the requested freq.
	WindowInterval time.Duration
	// CorruptEvery breaks the end sentinel of every n-th frame; 0 disables.
	CorruptEvery int
	// Silent makes system_info go unanswered.
	Silent bool
	// StallAfter stops sending after this many windows while keeping the
	// session open, until stop_transmission; 0 disables.
	StallAfter int
}

// DefaultConfig returns a family 0 box with a half charged battery.
func DefaultConfig() Config {
	return Config{
		Firmware:   "FM10V000.000",
		MAC:        "24:6F:28:00:00:01",
		FreeHeap:   180000,
		SensorTask: "idle",
		BatteryMV:  3800,
		ClockStart: 5_000_000,
	}
}

// Server is a listening simulated device.
type Server struct {
	cfg Config
	ln  net.Listener

	mu       sync.Mutex
	requests []protocol.Request
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// Listen opens the device port on addr, e.g. "127.0.0.1:0" or ":8001".
func Listen(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.accept()
	log.Infof("mockdevice: listening on %s (firmware %s)", ln.Addr(), cfg.Firmware)
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Port returns the listening TCP port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Requests returns the control messages received so far, oldest first.
func (s *Server) Requests() []protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Request(nil), s.requests...)
}

// Commands returns the names of the received control messages.
func (s *Server) Commands() []string {
	reqs := s.Requests()
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Command
	}
	return names
}

// DropClients closes every open connection, as a box losing Wi-Fi would.
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops listening, drops clients and waits for every handler.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.DropClients()
	s.wg.Wait()
	return err
}

// Serve blocks until ctx is done, then closes the server.
func (s *Server) Serve(ctx context.Context) error {
	<-ctx.Done()
	return s.Close()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("mockdevice: accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// client is the per-connection session.
type client struct {
	s    *Server
	conn net.Conn

	wmu sync.Mutex // one writer at a time

	stop   chan struct{}
	stream sync.WaitGroup
	clock  uint64
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	c := &client{s: s, conn: conn, clock: s.cfg.ClockStart}
	log.Infof("mockdevice: client %s connected", conn.RemoteAddr())

	defer func() {
		_ = conn.Close()
		c.halt()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		log.Infof("mockdevice: client %s gone", conn.RemoteAddr())
	}()

	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return
		}
		req, err := protocol.ParseRequest(raw)
		if err != nil {
			log.Warnf("mockdevice: %v", err)
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		log.Debugf("mockdevice: command %s", req.Command)
		c.dispatch(req)
	}
}

func (c *client) dispatch(req protocol.Request) {
	switch req.Command {
	case protocol.CmdSystemInfo:
		if c.s.cfg.Silent {
			return
		}
		reply, _ := json.Marshal(protocol.SystemInfoReply{
			FreeHeap:   c.s.cfg.FreeHeap,
			MAC:        c.s.cfg.MAC,
			Firmware:   c.s.cfg.Firmware,
			SensorTask: c.s.cfg.SensorTask,
		})
		c.write(reply)
	case protocol.CmdStartSensor:
		c.halt()
		c.start(req)
	case protocol.CmdStopTransmission:
		c.halt()
	case protocol.CmdSetAccessPoint, protocol.CmdCommit:
		// stored only
	default:
		log.Warnf("mockdevice: unknown command %q", req.Command)
	}
}

func (c *client) write(b []byte) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err == nil
}

func (c *client) halt() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stream.Wait()
	c.stop = nil
}

func (c *client) start(req protocol.Request) {
	freq := req.Freq
	if freq <= 0 {
		freq = 1000
	}
	accelFS, err := scale.AccelFullScale(req.Accel)
	if err != nil {
		accelFS = 4
	}
	gyroFS, err := scale.GyroFullScale(req.Gyro)
	if err != nil {
		gyroFS = 250
	}
	m := motion{
		toRawG:   scale.Factor(scale.DefaultWordSize, accelFS),
		toRawDPS: scale.Factor(scale.DefaultWordSize, gyroFS),
		battery:  c.s.cfg.BatteryMV,
	}

	const frames = 150
	interval := c.s.cfg.WindowInterval
	if interval <= 0 {
		interval = time.Duration(frames) * time.Second / time.Duration(freq)
	}
	tick := uint64(1_000_000 / freq)

	c.stop = make(chan struct{})
	stop := c.stop
	c.stream.Add(1)
	go func() {
		defer c.stream.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		n := 0
		windows := 0
		win := make([]byte, 0, frames*protocol.M1FrameSize)
		for {
			if stall := c.s.cfg.StallAfter; stall > 0 && windows >= stall {
				<-stop
				return
			}
			windows++
			win = win[:0]
			for i := 0; i < frames; i++ {
				f := m.frame(c.clock, c.s.cfg.ClockStart)
				start := len(win)
				win = protocol.AppendFrame(win, f)
				n++
				if c.s.cfg.CorruptEvery > 0 && n%c.s.cfg.CorruptEvery == 0 {
					win[start+protocol.M1FrameSize-1] = 0x00
				}
				c.clock += tick
			}
			if !c.write(win) {
				return
			}
			select {
			case <-stop:
				return
			case <-t.C:
			}
		}
	}()
}

// motion generates a gently swaying box: roll 20·sin(t), pitch 15·cos(0.7t)
// and a constant 30 °/s yaw.
type motion struct {
	toRawG   float64
	toRawDPS float64
	battery  int16
}

func (m motion) frame(clock, clock0 uint64) protocol.Frame {
	t := float64(clock-clock0) * 1e-6

	roll := 20 * math.Sin(t) * math.Pi / 180
	pitch := 15 * math.Cos(t*0.7) * math.Pi / 180
	rollRate := 20 * math.Cos(t)
	pitchRate := -15 * 0.7 * math.Sin(t*0.7)
	yawRate := 30.0

	acc := [3]float64{
		-math.Sin(pitch),
		math.Sin(roll) * math.Cos(pitch),
		math.Cos(roll) * math.Cos(pitch),
	}
	gyr := [3]float64{rollRate, pitchRate, yawRate}

	f := protocol.Frame{Clock: clock, BatteryMV: m.battery}
	for i := 0; i < 3; i++ {
		f.Accel[i] = clamp16(acc[i] * m.toRawG)
		f.Gyro[i] = clamp16(gyr[i] * m.toRawDPS)
	}
	return f
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
