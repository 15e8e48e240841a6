// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package device is the host-side MuvBox driver: session lifecycle, control
// commands, and the background acquisition loop.
//
// One Device drives one box. Managing several boxes is left to the caller.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/muvbox/internal/buffer"
	"github.com/relabs-tech/muvbox/internal/imu"
	"github.com/relabs-tech/muvbox/internal/orientation"
	"github.com/relabs-tech/muvbox/internal/protocol"
	"github.com/relabs-tech/muvbox/internal/scale"
)

// DefaultPort is the device's TCP control/telemetry port.
const DefaultPort = 8001

var (
	ErrInvalidState      = errors.New("operation not valid in current state")
	ErrAddressResolution = errors.New("cannot resolve device address")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrConnectIO         = errors.New("connect failed")
	ErrHandshake         = errors.New("system_info handshake failed")
	ErrCommand           = errors.New("command failed")
	ErrStreamIO          = errors.New("stream read failed")
)

// State is the lifecycle state. Disconnected, Idle and Streaming are the
// only rest states; the others exist while an operation is in flight.
type State int

const (
	Disconnected State = iota
	Connecting
	Idle
	Starting
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Streaming:
		return "Streaming"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Status is the caller-facing summary shown next to a device.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusOnline
	StatusRunning
	StatusStopping
	StatusError
)

var statusNames = []string{"Offline", "Connecting", "Online", "Running", "Stopping", "Error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Config holds the per-device settings.
type Config struct {
	Number   int    // position of the box in the caller's application
	Hostname string // tried literally, then with ".local"
	IP       string // used when Hostname is empty
	Port     int
	Location string // free text

	Freq       int // nominal acquisition rate, samples/s
	AccelRange int // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	GyroRange  int // 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	ReadTimeout    time.Duration // per telemetry window
	StopTimeout    time.Duration // wait for the loop before forcing the read to end
	DrainTimeout   time.Duration // silence that ends the post-stop drain
	ProvisionPause time.Duration // pause after each provisioning command

	Fusion     bool    // estimate orientation while streaming
	FilterGain float64 // Madgwick β; 0 selects the default

	// ClearOnStart discards samples and orientation at every Start and
	// re-zeroes the time base. When false, data from previous sessions is
	// kept and the time base is left alone.
	ClearOnStart bool
}

// DefaultConfig returns the settings the original firmware setup used.
func DefaultConfig() Config {
	return Config{
		IP:             "192.168.0.1",
		Port:           DefaultPort,
		Freq:           1000,
		AccelRange:     1,
		GyroRange:      0,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		StopTimeout:    10 * time.Second,
		DrainTimeout:   100 * time.Millisecond,
		ProvisionPause: 2 * time.Second,
		ClearOnStart:   true,
	}
}

// Info is what the device reports in its system_info reply.
type Info struct {
	MAC        string          `json:"mac"`
	Firmware   string          `json:"firmware"`
	Family     protocol.Family `json:"family"`
	FreeHeap   int             `json:"free_heap"`
	SensorTask string          `json:"sensor_task"`
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customises a Device.
type Option func(*Device)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(d *Device) { d.resolver = r }
}

// WithDialer replaces the TCP dialer. The connect timeout is still applied
// through the context.
func WithDialer(dl Dialer) Option {
	return func(d *Device) { d.dialer = dl }
}

// Device is one MuvBox session.
type Device struct {
	cfg      Config
	resolver Resolver
	dialer   Dialer
	log      *log.Entry

	mu      sync.Mutex
	state   State
	status  Status
	lastErr error
	ip      string
	info    Info
	layout  protocol.Layout
	codec   *protocol.Codec
	table   scale.Table
	rtc0    float64
	rate    float64
	cancel  context.CancelFunc
	done    chan struct{}
	loopErr error

	// cmdMu serialises commands; two commands never share the socket.
	cmdMu sync.Mutex
	conn  net.Conn

	samples   *buffer.Buffer[imu.Sample]
	orient    *buffer.Buffer[orientation.Sample]
	estimator *orientation.Estimator

	resync atomic.Bool
	fusion atomic.Bool

	finalSamples []imu.Sample
	finalOrient  []orientation.Sample
}

// New creates a disconnected device.
func New(cfg Config, opts ...Option) *Device {
	name := cfg.Hostname
	if name == "" {
		name = cfg.IP
	}
	d := &Device{
		cfg:       cfg,
		resolver:  net.DefaultResolver,
		dialer:    &net.Dialer{},
		log:       log.WithFields(log.Fields{"device": name, "n": cfg.Number}),
		table:     scale.NewTable(),
		samples:   buffer.New[imu.Sample](),
		orient:    buffer.New[orientation.Sample](),
		estimator: orientation.NewEstimator(cfg.FilterGain),
	}
	d.fusion.Store(cfg.Fusion)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the device settings.
func (d *Device) Config() Config { return d.cfg }

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// LastError returns the most recent error surfaced through Status.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// IP returns the resolved address of the last connect.
func (d *Device) IP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Scale returns the active conversion factors.
func (d *Device) Scale() scale.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table
}

// RTC0 returns the reference device time of the current session, seconds.
func (d *Device) RTC0() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rtc0
}

// AcquisitionRate returns the instant sample rate in samples/s.
func (d *Device) AcquisitionRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

// Samples returns the live sample buffer. It may grow while being read.
func (d *Device) Samples() *buffer.Buffer[imu.Sample] { return d.samples }

// Orientation returns the live orientation buffer.
func (d *Device) Orientation() *buffer.Buffer[orientation.Sample] { return d.orient }

// Finalized returns the snapshots taken by the last Stop.
func (d *Device) Finalized() ([]imu.Sample, []orientation.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalSamples, d.finalOrient
}

// SetFusion turns orientation estimation on or off. Turning it on mid-stream
// processes every sample already buffered.
func (d *Device) SetFusion(on bool) { d.fusion.Store(on) }

// Fusion reports whether orientation estimation is on.
func (d *Device) Fusion() bool { return d.fusion.Load() }

// Sync re-zeroes the time base after the next telemetry window and clears
// the buffers.
func (d *Device) Sync() {
	d.resync.Store(true)
	d.log.Debug("sync: time base reset armed")
}

// clear drops both data sequences.
func (d *Device) clear() {
	d.samples.Clear()
	d.orient.Clear()
}

// fail records err as the current error, sets status Error and moves to state.
func (d *Device) fail(state State, err error) error {
	d.mu.Lock()
	d.state = state
	d.status = StatusError
	d.lastErr = err
	d.mu.Unlock()
	d.log.Errorf("[MuvBox Error] %v", err)
	return err
}
