// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/muvbox/internal/config"
)

func formatSamples(p SamplesPayload) string {
	if len(p.Samples) == 0 {
		return fmt.Sprintf("[IMU ] %s: empty batch\n", p.Device)
	}
	s := p.Samples[len(p.Samples)-1]
	return fmt.Sprintf(
		"[IMU ] %s n=%3d t=%9.3f  ax=%6.3f ay=%6.3f az=%6.3f  gx=%8.2f gy=%8.2f gz=%8.2f\n",
		p.Device, len(p.Samples), s.Time-p.RTC0,
		s.Accel[0], s.Accel[1], s.Accel[2], s.Gyro[0], s.Gyro[1], s.Gyro[2],
	)
}

func formatOrientation(p OrientationPayload) string {
	return fmt.Sprintf(
		"[POSE] %s ROLL=%7.2f  PITCH=%7.2f  YAW=%7.2f\n",
		p.Device, p.Roll, p.Pitch, p.Yaw,
	)
}

func formatStatus(p StatusPayload) string {
	line := fmt.Sprintf(
		"[STAT] %s #%d %s/%s rate=%.1f Hz battery=%s samples=%d",
		p.Device, p.Number, p.State, p.Status, p.Rate, p.BatteryLevel, p.Samples,
	)
	if p.Error != "" {
		line += " error=" + p.Error
	}
	return line + "\n"
}

// handler decodes a payload of type T and prints it with format.
func handler[T any](w io.Writer, name string, format func(T) string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var p T
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("console: %s unmarshal error: %v", name, err)
			return
		}
		fmt.Fprint(w, format(p))
	}
}

// RunConsoleMQTT prints everything a stream producer publishes until ctx is done.
func RunConsoleMQTT(ctx context.Context) error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientIDConsole)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	subs := []struct {
		topic string
		h     mqtt.MessageHandler
	}{
		{cfg.MQTT.TopicSamples, handler(os.Stdout, "samples", formatSamples)},
		{cfg.MQTT.TopicOrientation, handler(os.Stdout, "orientation", formatOrientation)},
		{cfg.MQTT.TopicStatus, handler(os.Stdout, "status", formatStatus)},
	}
	for _, s := range subs {
		token := client.Subscribe(s.topic, 0, s.h)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("console: subscribed to %s", s.topic)
	}

	<-ctx.Done()
	log.Println("console: shutting down")
	return nil
}
