// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/muvbox/internal/device"
	"github.com/relabs-tech/muvbox/internal/orientation"
)

type fakeMessage string

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "test" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte(m) }
func (m fakeMessage) Ack()              {}

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	startErr error
}

func (c *fakeController) record(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *fakeController) failStart(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

func (c *fakeController) Start(context.Context) error {
	c.record("start")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startErr
}

func (c *fakeController) Stop(context.Context) error {
	c.record("stop")
	return nil
}

func (c *fakeController) Sync() { c.record("sync") }

func (c *fakeController) SetFusion(on bool) { c.record(fmt.Sprintf("fusion=%v", on)) }

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestLiveViewAPI(t *testing.T) {
	view := NewLiveView(10*time.Millisecond, nil)
	srv := httptest.NewServer(view.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/orientation")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("orientation before data: %d", resp.StatusCode)
	}

	view.SetOrientation(OrientationPayload{Device: "b", Sample: orientation.Sample{Time: 1, Q: orientation.Identity, Pose: orientation.Pose{Yaw: 12}}})
	resp, err = http.Get(srv.URL + "/api/orientation")
	if err != nil {
		t.Fatal(err)
	}
	var got OrientationPayload
	err = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if err != nil || got.Yaw != 12 || got.Q != orientation.Identity {
		t.Fatalf("orientation = %+v, %v", got, err)
	}

	if code := post(t, srv.URL+"/api/start"); code != http.StatusNotImplemented {
		t.Fatalf("start without controller: %d", code)
	}

	resp, err = http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("index: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestLiveViewControl(t *testing.T) {
	ctrl := &fakeController{}
	view := NewLiveView(10*time.Millisecond, ctrl)
	srv := httptest.NewServer(view.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/api/start", http.StatusNoContent},
		{"/api/sync", http.StatusNoContent},
		{"/api/fusion?on=false", http.StatusNoContent},
		{"/api/fusion?on=maybe", http.StatusBadRequest},
		{"/api/stop", http.StatusNoContent},
	}
	for _, tc := range tests {
		if code := post(t, srv.URL+tc.path); code != tc.want {
			t.Errorf("POST %s = %d, want %d", tc.path, code, tc.want)
		}
	}
	ctrl.mu.Lock()
	got := strings.Join(ctrl.calls, ",")
	ctrl.mu.Unlock()
	if got != "start,sync,fusion=false,stop" {
		t.Fatalf("calls = %s", got)
	}

	resp, err := http.Get(srv.URL + "/api/stop")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/stop = %d", resp.StatusCode)
	}

	ctrl.failStart(fmt.Errorf("start in state Streaming: %w", device.ErrInvalidState))
	if code := post(t, srv.URL+"/api/start"); code != http.StatusConflict {
		t.Fatalf("start while streaming = %d", code)
	}
	ctrl.failStart(errors.New("socket gone"))
	if code := post(t, srv.URL+"/api/start"); code != http.StatusInternalServerError {
		t.Fatalf("failing start = %d", code)
	}
}

func TestLiveViewWebsocket(t *testing.T) {
	view := NewLiveView(5*time.Millisecond, nil)
	srv := httptest.NewServer(view.Handler())
	defer srv.Close()

	view.SetOrientation(OrientationPayload{Device: "b", Sample: orientation.Sample{Time: 1, Pose: orientation.Pose{Roll: 3}}})
	view.SetStatus(StatusPayload{Device: "b", State: "Streaming", Status: device.StatusRunning})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var u WSUpdate
	if err := conn.ReadJSON(&u); err != nil || u.Type != "orientation" || u.Orientation.Roll != 3 {
		t.Fatalf("first update = %+v, %v", u, err)
	}
	u = WSUpdate{}
	if err := conn.ReadJSON(&u); err != nil || u.Type != "status" || u.Status.Status != device.StatusRunning {
		t.Fatalf("second update = %+v, %v", u, err)
	}

	view.SetOrientation(OrientationPayload{Device: "b", Sample: orientation.Sample{Time: 2, Pose: orientation.Pose{Roll: 4}}})
	u = WSUpdate{}
	if err := conn.ReadJSON(&u); err != nil || u.Type != "orientation" || u.Orientation.Roll != 4 {
		t.Fatalf("pushed update = %+v, %v", u, err)
	}
}

func TestLiveViewFollowsDevice(t *testing.T) {
	s := newMock(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := device.New(deviceConfig(s.Port()))
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	view := NewLiveView(5*time.Millisecond, d)
	go view.Follow(ctx, d)
	srv := httptest.NewServer(view.Handler())
	defer srv.Close()

	if code := post(t, srv.URL+"/api/start"); code != http.StatusNoContent {
		t.Fatalf("start = %d", code)
	}
	waitFor(t, "orientation", func() bool {
		pose, st, _ := view.snapshot()
		return pose != nil && st != nil && st.State == "Streaming"
	})
	if code := post(t, srv.URL+"/api/start"); code != http.StatusConflict {
		t.Fatalf("second start = %d", code)
	}
	if code := post(t, srv.URL+"/api/stop"); code != http.StatusNoContent {
		t.Fatalf("stop = %d", code)
	}
	if d.State() != device.Idle {
		t.Fatalf("state after stop = %s", d.State())
	}
}
