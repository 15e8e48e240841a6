// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/muvbox/internal/config"
	"github.com/relabs-tech/muvbox/internal/device"
	"github.com/relabs-tech/muvbox/internal/export"
)

// PublishFunc sends one MQTT message.
type PublishFunc func(topic string, retained bool, payload []byte) error

// Publisher forwards a streaming device to MQTT topics. Each call to Tick
// publishes the samples appended since the previous call, the latest
// orientation record and the device status.
type Publisher struct {
	dev     *device.Device
	publish PublishFunc
	topics  config.MQTTOpt
	name    string

	sent  int
	gen   uint64 // sample buffer generation sent is counted in
	lastT float64
	haveT bool
}

// NewPublisher binds a device to a publish function.
func NewPublisher(d *device.Device, topics config.MQTTOpt, publish PublishFunc) *Publisher {
	return &Publisher{dev: d, publish: publish, topics: topics, name: deviceName(d.Config())}
}

// Tick publishes the pending data.
func (p *Publisher) Tick() error {
	// A resync clears the buffer; Since restarts from 0 then.
	batch, n, gen := p.dev.Samples().Since(p.sent, p.gen)
	if len(batch) > 0 {
		payload, err := json.Marshal(SamplesPayload{Device: p.name, RTC0: p.dev.RTC0(), Samples: batch})
		if err != nil {
			return fmt.Errorf("json marshal error (samples): %w", err)
		}
		if err := p.publish(p.topics.TopicSamples, false, payload); err != nil {
			return fmt.Errorf("MQTT publish error (samples): %w", err)
		}
	}
	p.sent, p.gen = n, gen

	if o, ok := p.dev.Orientation().Last(); ok && (!p.haveT || o.Time != p.lastT) {
		payload, err := json.Marshal(OrientationPayload{Device: p.name, Sample: o})
		if err != nil {
			return fmt.Errorf("json marshal error (orientation): %w", err)
		}
		if err := p.publish(p.topics.TopicOrientation, true, payload); err != nil {
			return fmt.Errorf("MQTT publish error (orientation): %w", err)
		}
		p.lastT, p.haveT = o.Time, true
	}

	return p.PublishStatus()
}

// PublishStatus publishes the device status, retained.
func (p *Publisher) PublishStatus() error {
	st := statusOf(p.dev)
	if math.IsNaN(st.Rate) || math.IsInf(st.Rate, 0) {
		st.Rate = 0
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("json marshal error (status): %w", err)
	}
	if err := p.publish(p.topics.TopicStatus, true, payload); err != nil {
		return fmt.Errorf("MQTT publish error (status): %w", err)
	}
	return nil
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect error: %w", token.Error())
	}
	log.Printf("connected to MQTT broker at %s", broker)
	return client, nil
}

func mqttPublisher(client mqtt.Client) PublishFunc {
	return func(topic string, retained bool, payload []byte) error {
		token := client.Publish(topic, 0, retained, payload)
		token.Wait()
		return token.Error()
	}
}

// StreamOptions tunes RunStream.
type StreamOptions struct {
	// Duration stops the recording after this long; 0 runs until ctx is done.
	Duration time.Duration
	// Export writes the recording to InfluxDB on stop when configured.
	Export  bool
	Comment string
}

// RunStream connects to the box, streams until ctx is done (or the duration
// elapses) and publishes everything to MQTT.
func RunStream(ctx context.Context, opts StreamOptions) error {
	cfg := config.Get()
	log.Println("starting muvbox stream producer")

	client, err := connectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientIDStream)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	d := device.New(cfg.DeviceConfig())
	pub := NewPublisher(d, cfg.MQTT, mqttPublisher(client))

	if err := d.Connect(ctx); err != nil {
		_ = pub.PublishStatus()
		return err
	}
	defer func() {
		d.Disconnect()
		_ = pub.PublishStatus()
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}
	log.Println("device streaming, starting publish loop")

	runCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	ticker := time.NewTicker(time.Duration(cfg.MQTT.PublishIntervalMS) * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			if err := pub.Tick(); err != nil {
				log.Warn(err)
			}
			if d.State() != device.Streaming && d.State() != device.Starting {
				log.Errorf("stream: device left streaming: %v", d.LastError())
				break loop
			}
		}
	}

	// Stop must run even when ctx is already cancelled.
	stopCtx, cancel := context.WithTimeout(context.Background(), d.Config().StopTimeout+time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		log.Warnf("stream: %v", err)
	}
	if err := pub.Tick(); err != nil {
		log.Warn(err)
	}

	if opts.Export {
		exportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return exportRecording(exportCtx, cfg, d, opts.Comment)
	}
	return d.LastError()
}

// exportRecording writes the last finalized recording to InfluxDB.
func exportRecording(ctx context.Context, cfg *config.Config, d *device.Device, comment string) error {
	if cfg.Influx.URL == "" {
		return fmt.Errorf("export requested but influx.url is not set")
	}
	samples, orient := d.Finalized()
	x := export.NewInflux(export.InfluxConfig{
		URL:    cfg.Influx.URL,
		Token:  cfg.Influx.Token,
		Org:    cfg.Influx.Org,
		Bucket: cfg.Influx.Bucket,
	})
	defer x.Close()

	dc := d.Config()
	_, err := x.Write(ctx, export.Options{
		Start:    -1,
		Stop:     math.Inf(1),
		Comment:  comment,
		Device:   deviceName(dc),
		Location: dc.Location,
	}, samples, orient, d.RTC0())
	return err
}
