// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package device

import (
	"context"
	"errors"
	"math"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/muvbox/internal/mockdevice"
	"github.com/relabs-tech/muvbox/internal/protocol"
)

func newMock(t *testing.T, mut func(*mockdevice.Config)) *mockdevice.Server {
	t.Helper()
	cfg := mockdevice.DefaultConfig()
	cfg.WindowInterval = 5 * time.Millisecond
	if mut != nil {
		mut(&cfg)
	}
	s, err := mockdevice.Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("mock listen: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.IP = "127.0.0.1"
	cfg.Port = port
	cfg.ConnectTimeout = time.Second
	cfg.CommandTimeout = time.Second
	cfg.ReadTimeout = time.Second
	cfg.StopTimeout = 2 * time.Second
	cfg.DrainTimeout = 20 * time.Millisecond
	cfg.ProvisionPause = 0
	return cfg
}

func connected(t *testing.T, cfg Config) *Device {
	t.Helper()
	d := New(cfg)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(d.Disconnect)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLifecycle(t *testing.T) {
	s := newMock(t, nil)
	ctx := context.Background()
	d := New(testConfig(s.Port()))

	if d.State() != Disconnected || d.Status() != StatusOffline {
		t.Fatalf("new device: %s/%s", d.State(), d.Status())
	}
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.State() != Idle || d.Status() != StatusOnline {
		t.Fatalf("after connect: %s/%s", d.State(), d.Status())
	}
	if info := d.Info(); info.Firmware != "FM10V000.000" || info.Family != protocol.FamilyM1 {
		t.Fatalf("info = %+v", info)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() >= 300 })
	if d.State() != Streaming || d.Status() != StatusRunning {
		t.Fatalf("while streaming: %s/%s", d.State(), d.Status())
	}

	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.State() != Idle || d.Status() != StatusOnline {
		t.Fatalf("after stop: %s/%s", d.State(), d.Status())
	}
	samples, _ := d.Finalized()
	if len(samples) == 0 || len(samples)%150 != 0 {
		t.Fatalf("finalized %d samples, want a whole number of windows", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Time <= samples[i-1].Time {
			t.Fatalf("sample %d: time %v not after %v", i, samples[i].Time, samples[i-1].Time)
		}
	}
	if got := samples[0].Battery; math.Abs(got-50) > 1e-9 {
		t.Fatalf("battery = %v, want 50", got)
	}

	d.Disconnect()
	if d.State() != Disconnected || d.Status() != StatusOffline {
		t.Fatalf("after disconnect: %s/%s", d.State(), d.Status())
	}
	if d.AcquisitionRate() != 0 {
		t.Fatalf("rate after disconnect = %v", d.AcquisitionRate())
	}

	want := []string{protocol.CmdSystemInfo, protocol.CmdStartSensor, protocol.CmdStopTransmission}
	waitFor(t, "commands", func() bool { return slices.Equal(s.Commands(), want) })
}

func TestInvalidStateIsNoOp(t *testing.T) {
	ctx := context.Background()
	d := New(testConfig(1))

	if err := d.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start while disconnected: %v", err)
	}
	if err := d.Stop(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop while disconnected: %v", err)
	}
	if err := d.Provision(ctx, AccessPoint{SSID: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Provision while disconnected: %v", err)
	}
	if d.State() != Disconnected || d.Status() != StatusOffline {
		t.Fatalf("state changed: %s/%s", d.State(), d.Status())
	}

	s := newMock(t, nil)
	d = connected(t, testConfig(s.Port()))
	if err := d.Stop(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop while idle: %v", err)
	}
	if err := d.Connect(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Connect while idle: %v", err)
	}
	if d.State() != Idle || d.Status() != StatusOnline {
		t.Fatalf("state changed: %s/%s", d.State(), d.Status())
	}
}

func TestScaleFromConfig(t *testing.T) {
	s := newMock(t, nil)
	cfg := testConfig(s.Port())
	cfg.AccelRange = 0
	cfg.GyroRange = 1
	d := connected(t, cfg)

	tab := d.Scale()
	if tab.ToG != 16384 {
		t.Fatalf("ToG = %v, want 16384", tab.ToG)
	}
	if math.Abs(tab.ToDPS-65.536) > 1e-12 {
		t.Fatalf("ToDPS = %v, want 65.536", tab.ToDPS)
	}
}

func TestBadScaleCodeKeepsPrevious(t *testing.T) {
	s := newMock(t, nil)
	cfg := testConfig(s.Port())
	cfg.AccelRange = 9
	cfg.GyroRange = 3
	d := connected(t, cfg)

	tab := d.Scale()
	if tab.ToG != 16384 {
		t.Fatalf("ToG = %v, want the initial 2 g factor", tab.ToG)
	}
	if math.Abs(tab.ToDPS-16.384) > 1e-12 {
		t.Fatalf("ToDPS = %v, want 16.384", tab.ToDPS)
	}
}

type fakeResolver struct {
	mu    sync.Mutex
	hosts []string
	addrs map[string][]string
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, host)
	if a, ok := r.addrs[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestResolutionFailure(t *testing.T) {
	r := &fakeResolver{}
	cfg := testConfig(DefaultPort)
	cfg.Hostname = "muvbox-7"
	d := New(cfg, WithResolver(r))

	err := d.Connect(context.Background())
	if !errors.Is(err, ErrAddressResolution) {
		t.Fatalf("Connect = %v, want ErrAddressResolution", err)
	}
	if d.State() != Disconnected || d.Status() != StatusError {
		t.Fatalf("after failure: %s/%s", d.State(), d.Status())
	}
	if !errors.Is(d.LastError(), ErrAddressResolution) {
		t.Fatalf("LastError = %v", d.LastError())
	}
	if !slices.Equal(r.hosts, []string{"muvbox-7", "muvbox-7.local"}) {
		t.Fatalf("lookups = %v", r.hosts)
	}
}

func TestResolveFallsBackToLocal(t *testing.T) {
	s := newMock(t, nil)
	r := &fakeResolver{addrs: map[string][]string{"box.local": {"::1", "127.0.0.1"}}}
	cfg := testConfig(s.Port())
	cfg.Hostname = "box"
	d := New(cfg, WithResolver(r))
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()
	if d.IP() != "127.0.0.1" {
		t.Fatalf("IP = %q, want the IPv4 address", d.IP())
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := New(testConfig(port))
	err = d.Connect(context.Background())
	if !errors.Is(err, ErrConnectIO) && !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect = %v, want a connect error", err)
	}
	if d.State() != Disconnected || d.Status() != StatusError {
		t.Fatalf("after failure: %s/%s", d.State(), d.Status())
	}
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig(DefaultPort)
	cfg.ConnectTimeout = 20 * time.Millisecond
	d := New(cfg, WithDialer(blockingDialer{}))
	if err := d.Connect(context.Background()); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect = %v, want ErrConnectTimeout", err)
	}
	if d.State() != Disconnected || d.Status() != StatusError {
		t.Fatalf("after failure: %s/%s", d.State(), d.Status())
	}
}

func TestUnsupportedFirmware(t *testing.T) {
	s := newMock(t, func(c *mockdevice.Config) { c.Firmware = "FM10V001.000" })
	d := New(testConfig(s.Port()))

	err := d.Connect(context.Background())
	if !errors.Is(err, protocol.ErrUnsupportedFirmware) {
		t.Fatalf("Connect = %v, want ErrUnsupportedFirmware", err)
	}
	if d.State() != Disconnected || d.Status() != StatusError {
		t.Fatalf("after failure: %s/%s", d.State(), d.Status())
	}
	if err := d.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start after failed setup: %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	s := newMock(t, func(c *mockdevice.Config) { c.Silent = true })
	cfg := testConfig(s.Port())
	cfg.CommandTimeout = 50 * time.Millisecond
	d := New(cfg)

	if err := d.Connect(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("Connect = %v, want ErrHandshake", err)
	}
	if d.State() != Disconnected {
		t.Fatalf("state = %s", d.State())
	}
}

func TestStreamErrorReturnsToIdle(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() > 0 })

	s.DropClients()
	waitFor(t, "idle", func() bool { return d.State() == Idle })
	if d.Status() != StatusError {
		t.Fatalf("status = %s, want Error", d.Status())
	}
	if !errors.Is(d.LastError(), ErrStreamIO) {
		t.Fatalf("LastError = %v, want ErrStreamIO", d.LastError())
	}
	if err := d.Stop(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop after stream error: %v", err)
	}
}

func TestSyncResetsTimeBase(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(ctx)

	waitFor(t, "first rtc0", func() bool { return d.RTC0() > 0 && d.Samples().Len() > 0 })
	rtc0 := d.RTC0()
	// ClearOnStart: rtc0 is the last sample of the first window.
	if want := 5.0 + 149e-3; math.Abs(rtc0-want) > 1e-9 {
		t.Fatalf("rtc0 = %v, want %v", rtc0, want)
	}

	d.Sync()
	waitFor(t, "resync", func() bool { return d.RTC0() > rtc0 })
	waitFor(t, "samples after resync", func() bool { return d.Samples().Len() > 0 })
	first := d.Samples().At(0)
	if first.Time <= d.RTC0() {
		t.Fatalf("first sample %v not after rtc0 %v", first.Time, d.RTC0())
	}
}

func TestClearOnStart(t *testing.T) {
	for _, clearOnStart := range []bool{true, false} {
		t.Run(map[bool]string{true: "clear", false: "keep"}[clearOnStart], func(t *testing.T) {
			s := newMock(t, nil)
			cfg := testConfig(s.Port())
			cfg.ClearOnStart = clearOnStart
			d := connected(t, cfg)
			ctx := context.Background()

			if err := d.Start(ctx); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "samples", func() bool { return d.Samples().Len() >= 150 })
			if err := d.Stop(ctx); err != nil {
				t.Fatal(err)
			}
			first, _ := d.Finalized()
			rtc0 := d.RTC0()

			if err := d.Start(ctx); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "more samples", func() bool {
				if clearOnStart {
					return d.RTC0() > rtc0 && d.Samples().Len() >= 150
				}
				return d.Samples().Len() > len(first)
			})
			if err := d.Stop(ctx); err != nil {
				t.Fatal(err)
			}
			second, _ := d.Finalized()

			if clearOnStart {
				if second[0].Time <= first[len(first)-1].Time {
					t.Fatalf("old samples kept: %v <= %v", second[0].Time, first[len(first)-1].Time)
				}
				return
			}
			if rtc0 != 0 || d.RTC0() != 0 {
				t.Fatalf("rtc0 moved without resync: %v, %v", rtc0, d.RTC0())
			}
			if len(second) <= len(first) || second[0] != first[0] {
				t.Fatalf("previous session not kept: %d -> %d samples", len(first), len(second))
			}
		})
	}
}

func TestFusionTracksSamples(t *testing.T) {
	s := newMock(t, nil)
	cfg := testConfig(s.Port())
	cfg.Fusion = true
	d := connected(t, cfg)
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "orientation", func() bool { return d.Orientation().Len() >= 600 })
	if err := d.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	samples, orient := d.Finalized()
	if len(orient) != len(samples) {
		t.Fatalf("%d orientation records for %d samples", len(orient), len(samples))
	}
	for i, o := range orient {
		if o.Time != samples[i].Time {
			t.Fatalf("record %d: time %v, sample %v", i, o.Time, samples[i].Time)
		}
		if n := o.Q.Norm(); math.Abs(n-1) > 1e-9 {
			t.Fatalf("record %d: |q| = %v", i, n)
		}
	}
}

func TestFusionOff(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() >= 300 })
	if d.Orientation().Len() != 0 {
		t.Fatalf("orientation computed with fusion off")
	}

	d.SetFusion(true)
	waitFor(t, "catch up", func() bool {
		return d.Orientation().Len() > 0
	})
	if err := d.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	samples, orient := d.Finalized()
	if len(orient) != len(samples) {
		t.Fatalf("%d orientation records for %d samples", len(orient), len(samples))
	}
}

func TestAcquisitionRate(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(ctx)
	waitFor(t, "rate", func() bool { return d.AcquisitionRate() > 0 })

	// 20 samples span 19 ticks of 1 ms.
	if got, want := d.AcquisitionRate(), 20/0.019; math.Abs(got-want) > 1e-3 {
		t.Fatalf("rate = %v, want %v", got, want)
	}
}

func TestProvision(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))

	ap := AccessPoint{Hostname: "muvbox-3", SSID: "lab", Password: "secret"}
	if err := d.Provision(context.Background(), ap); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	waitFor(t, "commit", func() bool { return len(s.Requests()) == 3 })
	reqs := s.Requests()
	if reqs[1].Command != protocol.CmdSetAccessPoint || reqs[2].Command != protocol.CmdCommit {
		t.Fatalf("commands = %v", s.Commands())
	}
	if reqs[1].Hostname != "muvbox-3" || reqs[1].SSID != "lab" || reqs[1].Password != "secret" {
		t.Fatalf("set_access_point = %+v", reqs[1])
	}
}

func TestDisconnectWhileStreaming(t *testing.T) {
	s := newMock(t, nil)
	d := New(testConfig(s.Port()))
	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() > 0 })

	d.Disconnect()
	if d.State() != Disconnected || d.Status() != StatusOffline {
		t.Fatalf("after disconnect: %s/%s", d.State(), d.Status())
	}
	if d.LastError() != nil {
		t.Fatalf("close during read reported %v", d.LastError())
	}
}

func TestStopIsQuiescent(t *testing.T) {
	s := newMock(t, nil)
	ctx := context.Background()
	cfg := testConfig(s.Port())
	cfg.Fusion = true
	d := connected(t, cfg)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() >= 300 })
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n, m := d.Samples().Len(), d.Orientation().Len()

	// Ten window intervals of the mock.
	time.Sleep(50 * time.Millisecond)
	if got := d.Samples().Len(); got != n {
		t.Fatalf("samples grew after Stop: %d -> %d", n, got)
	}
	if got := d.Orientation().Len(); got != m {
		t.Fatalf("orientation grew after Stop: %d -> %d", m, got)
	}
	samples, orient := d.Finalized()
	if len(samples) != n || len(orient) != m {
		t.Fatalf("finalized %d/%d, buffers hold %d/%d", len(samples), len(orient), n, m)
	}
	if m > n {
		t.Fatalf("%d orientation records for %d samples", m, n)
	}
}

func TestStopWhileReadBlocked(t *testing.T) {
	s := newMock(t, func(c *mockdevice.Config) { c.StallAfter = 2 })
	ctx := context.Background()
	cfg := testConfig(s.Port())
	cfg.ReadTimeout = 10 * time.Second
	cfg.StopTimeout = 200 * time.Millisecond
	cfg.ClearOnStart = false
	d := connected(t, cfg)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() >= 300 })

	// The box went quiet; the loop sits in a read good for ReadTimeout.
	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(ctx) }()
	waitFor(t, "stopping", func() bool { return d.State() == Stopping || d.State() == Idle })

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while the read was blocked")
	}
	if d.State() != Idle || d.Status() != StatusOnline || d.LastError() != nil {
		t.Fatalf("after stop: %s/%s, %v", d.State(), d.Status(), d.LastError())
	}
	if samples, _ := d.Finalized(); len(samples) != 300 {
		t.Fatalf("finalized %d samples, want the 2 windows sent", len(samples))
	}
	waitFor(t, "stop_transmission", func() bool {
		return slices.Contains(s.Commands(), protocol.CmdStopTransmission)
	})
}

func TestStopStateBeforeJoin(t *testing.T) {
	s := newMock(t, func(c *mockdevice.Config) { c.StallAfter = 1 })
	ctx := context.Background()
	cfg := testConfig(s.Port())
	cfg.ReadTimeout = 10 * time.Second
	cfg.StopTimeout = 500 * time.Millisecond
	cfg.ClearOnStart = false
	d := connected(t, cfg)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "samples", func() bool { return d.Samples().Len() >= 150 })

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(ctx) }()
	// The loop cannot leave its read before StopTimeout, so the state is
	// observed while join is still waiting.
	waitFor(t, "stopping", func() bool { return d.State() == Stopping })
	if d.Status() != StatusStopping {
		t.Fatalf("status while stopping = %s", d.Status())
	}
	if err := d.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start while stopping: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.State() != Idle {
		t.Fatalf("after stop: %s", d.State())
	}
}

func TestStartCancelledContext(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start with cancelled context: %v", err)
	}
	if d.State() != Idle || d.Status() != StatusOnline {
		t.Fatalf("after cancelled start: %s/%s", d.State(), d.Status())
	}
	time.Sleep(20 * time.Millisecond)
	if got := s.Commands(); !slices.Equal(got, []string{protocol.CmdSystemInfo}) {
		t.Fatalf("commands = %v, want no start_sensor", got)
	}
}

func TestMagnetometerFollowsFamily(t *testing.T) {
	s := newMock(t, nil)
	d := connected(t, testConfig(s.Port()))
	if d.Info().Family != protocol.FamilyM1 {
		t.Fatalf("family = %v", d.Info().Family)
	}
	if d.estimator.Magnetometer() {
		t.Fatal("MARG fusion selected for a box without magnetometer")
	}
}
