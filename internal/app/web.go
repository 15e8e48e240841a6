// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/muvbox/internal/config"
	"github.com/relabs-tech/muvbox/internal/device"
)

//go:embed static/index.html
var indexHTML []byte

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Controller is the part of the driver the web view can operate.
// *device.Device satisfies it.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Sync()
	SetFusion(on bool)
}

// WSUpdate is one message on the /ws live feed.
type WSUpdate struct {
	Type        string              `json:"type"` // orientation, status
	Orientation *OrientationPayload `json:"orientation,omitempty"`
	Status      *StatusPayload      `json:"status,omitempty"`
}

// LiveView holds the latest orientation and status and serves them over
// HTTP and websocket.
type LiveView struct {
	interval time.Duration
	ctrl     Controller // nil when following an MQTT stream

	mu      sync.RWMutex
	pose    *OrientationPayload
	status  *StatusPayload
	version uint64
}

// NewLiveView creates a view that pushes updates to websocket clients every
// interval. ctrl may be nil; the control endpoints then answer 501.
func NewLiveView(interval time.Duration, ctrl Controller) *LiveView {
	return &LiveView{interval: interval, ctrl: ctrl}
}

// SetOrientation records the latest orientation.
func (v *LiveView) SetOrientation(p OrientationPayload) {
	v.mu.Lock()
	v.pose = &p
	v.version++
	v.mu.Unlock()
}

// SetStatus records the latest status.
func (v *LiveView) SetStatus(p StatusPayload) {
	v.mu.Lock()
	v.status = &p
	v.version++
	v.mu.Unlock()
}

func (v *LiveView) snapshot() (*OrientationPayload, *StatusPayload, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pose, v.status, v.version
}

// Handler returns the HTTP routes of the view.
func (v *LiveView) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(indexHTML)
	})
	mux.HandleFunc("/api/orientation", func(w http.ResponseWriter, r *http.Request) {
		pose, _, _ := v.snapshot()
		if pose == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, pose)
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_, st, _ := v.snapshot()
		if st == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, st)
	})
	mux.HandleFunc("/api/start", v.control(func(ctx context.Context, r *http.Request) error {
		return v.ctrl.Start(ctx)
	}))
	mux.HandleFunc("/api/stop", v.control(func(ctx context.Context, r *http.Request) error {
		return v.ctrl.Stop(ctx)
	}))
	mux.HandleFunc("/api/sync", v.control(func(ctx context.Context, r *http.Request) error {
		v.ctrl.Sync()
		return nil
	}))
	mux.HandleFunc("/api/fusion", v.control(func(ctx context.Context, r *http.Request) error {
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			return fmt.Errorf("fusion: query parameter on: %w", errBadRequest)
		}
		v.ctrl.SetFusion(on)
		return nil
	}))
	mux.HandleFunc("/ws", v.serveWS)
	return mux
}

var errBadRequest = errors.New("bad request")

func (v *LiveView) control(fn func(ctx context.Context, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if v.ctrl == nil {
			http.Error(w, "device control not available with an MQTT source", http.StatusNotImplemented)
			return
		}
		if err := fn(r.Context(), r); err != nil {
			code := http.StatusInternalServerError
			switch {
			case errors.Is(err, errBadRequest):
				code = http.StatusBadRequest
			case errors.Is(err, device.ErrInvalidState):
				code = http.StatusConflict
			}
			http.Error(w, err.Error(), code)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, x interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(x); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

// serveWS pushes every change of orientation or status to the client.
func (v *LiveView) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	var sent uint64
	for {
		pose, st, version := v.snapshot()
		if version != sent {
			if pose != nil {
				if err := conn.WriteJSON(WSUpdate{Type: "orientation", Orientation: pose}); err != nil {
					return
				}
			}
			if st != nil {
				if err := conn.WriteJSON(WSUpdate{Type: "status", Status: st}); err != nil {
					return
				}
			}
			sent = version
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// Follow copies the device's latest orientation and status into the view
// every interval until ctx is done.
func (v *LiveView) Follow(ctx context.Context, d *device.Device) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	name := deviceName(d.Config())
	var lastT float64
	have := false
	for {
		if o, ok := d.Orientation().Last(); ok && (!have || o.Time != lastT) {
			v.SetOrientation(OrientationPayload{Device: name, Sample: o})
			lastT, have = o.Time, true
		}
		v.SetStatus(statusOf(d))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Subscribe feeds the view from the MQTT orientation and status topics.
func (v *LiveView) Subscribe(client mqtt.Client, topics config.MQTTOpt) error {
	subs := []struct {
		topic string
		h     mqtt.MessageHandler
	}{
		{topics.TopicOrientation, func(_ mqtt.Client, msg mqtt.Message) {
			var p OrientationPayload
			if err := json.Unmarshal(msg.Payload(), &p); err != nil {
				log.Printf("web: MQTT payload unmarshal error: %v", err)
				return
			}
			v.SetOrientation(p)
		}},
		{topics.TopicStatus, func(_ mqtt.Client, msg mqtt.Message) {
			var p StatusPayload
			if err := json.Unmarshal(msg.Payload(), &p); err != nil {
				log.Printf("web: MQTT payload unmarshal error: %v", err)
				return
			}
			v.SetStatus(p)
		}},
	}
	for _, s := range subs {
		token := client.Subscribe(s.topic, 0, s.h)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("web: subscribed to MQTT topic %s", s.topic)
	}
	return nil
}

// RunWeb serves the live view until ctx is done. With web.source "device"
// it drives the box itself and exposes start/stop/sync; with "mqtt" it
// follows a running stream producer.
func RunWeb(ctx context.Context) error {
	cfg := config.Get()
	interval := time.Duration(cfg.MQTT.PublishIntervalMS) * time.Millisecond

	g, ctx := errgroup.WithContext(ctx)
	var view *LiveView

	switch cfg.Web.Source {
	case "mqtt":
		client, err := connectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientIDWeb)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		view = NewLiveView(interval, nil)
		if err := view.Subscribe(client, cfg.MQTT); err != nil {
			return err
		}
	default:
		d := device.New(cfg.DeviceConfig())
		if err := d.Connect(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), d.Config().StopTimeout+time.Second)
			defer cancel()
			_ = d.Stop(stopCtx)
			d.Disconnect()
		}()
		view = NewLiveView(interval, d)
		g.Go(func() error {
			view.Follow(ctx, d)
			return nil
		})
	}

	addr := net.JoinHostPort(cfg.Web.Interface, strconv.Itoa(cfg.Web.Port))
	srv := &http.Server{Addr: addr, Handler: view.Handler()}
	g.Go(func() error {
		log.Printf("web server listening on %s", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
