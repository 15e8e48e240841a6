// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package export selects a time window of a finished recording and writes it
// to InfluxDB.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/muvbox/internal/imu"
	"github.com/relabs-tech/muvbox/internal/orientation"
)

// ErrEmpty is returned when the selected window holds no samples.
var ErrEmpty = errors.New("nothing to export")

const batchSize = 5000

// Options describes one export. Start and Stop are seconds relative to the
// recording's rtc0.
type Options struct {
	Start   float64
	Stop    float64
	Comment string

	Device   string // tag "device"
	Location string // tag "location"

	// Origin is the wall-clock time of rtc0. Zero places the last exported
	// sample at the time of the export.
	Origin time.Time
}

// Select returns the half-open index range [first, last) of the samples
// whose rtc0-relative time lies after start and up to stop. A negative
// start selects from the beginning; a stop past the end selects to the end.
func Select(samples []imu.Sample, rtc0, start, stop float64) (first, last int) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}

	if start >= 0 {
		first = n
		for i, s := range samples {
			if s.Time-rtc0 > start {
				first = i
				break
			}
		}
	}

	last = n
	if stop <= samples[n-1].Time-rtc0 {
		for i, s := range samples {
			if s.Time-rtc0 > stop {
				last = i
				break
			}
		}
	}
	if last < first {
		last = first
	}
	return first, last
}

// Points converts the selected window into InfluxDB points, one per sample.
// Orientation fields are added when orient is aligned with samples.
func Points(opts Options, samples []imu.Sample, orient []orientation.Sample, rtc0 float64) []*write.Point {
	first, last := Select(samples, rtc0, opts.Start, opts.Stop)
	if first == last {
		return nil
	}

	origin := opts.Origin
	if origin.IsZero() {
		origin = time.Now().Add(-seconds(samples[last-1].Time - rtc0))
	}
	tags := map[string]string{"device": opts.Device}
	if opts.Location != "" {
		tags["location"] = opts.Location
	}
	if opts.Comment != "" {
		tags["comment"] = opts.Comment
	}
	aligned := len(orient) == len(samples)

	points := make([]*write.Point, 0, last-first)
	for i := first; i < last; i++ {
		s := samples[i]
		rel := s.Time - rtc0
		fields := map[string]interface{}{
			"time":  rel,
			"acc_x": s.Accel[0],
			"acc_y": s.Accel[1],
			"acc_z": s.Accel[2],
			"gyr_x": s.Gyro[0],
			"gyr_y": s.Gyro[1],
			"gyr_z": s.Gyro[2],
			"bat":   s.Battery,
		}
		if aligned {
			o := orient[i]
			fields["roll"] = o.Roll
			fields["pitch"] = o.Pitch
			fields["yaw"] = o.Yaw
			fields["qw"] = o.Q.W
			fields["qx"] = o.Q.X
			fields["qy"] = o.Q.Y
			fields["qz"] = o.Q.Z
		}
		points = append(points, influxdb2.NewPoint("muvbox", tags, fields, origin.Add(seconds(rel))))
	}
	return points
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PointWriter is the part of the InfluxDB blocking write API used here.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig locates the target bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx writes recordings to one bucket.
type Influx struct {
	client influxdb2.Client
	api    PointWriter
}

// NewInflux opens a client for cfg.
func NewInflux(cfg InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{client: client, api: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}
}

// NewInfluxWriter wraps an existing writer, e.g. a test double.
func NewInfluxWriter(w PointWriter) *Influx {
	return &Influx{api: w}
}

// Write exports the selected window and returns the number of points written.
func (x *Influx) Write(ctx context.Context, opts Options, samples []imu.Sample, orient []orientation.Sample, rtc0 float64) (int, error) {
	points := Points(opts, samples, orient, rtc0)
	if len(points) == 0 {
		return 0, fmt.Errorf("%s [%.2f, %.2f]: %w", opts.Device, opts.Start, opts.Stop, ErrEmpty)
	}

	written := 0
	for len(points) > 0 {
		n := min(batchSize, len(points))
		if err := x.api.WritePoint(ctx, points[:n]...); err != nil {
			return written, fmt.Errorf("influx write: %w", err)
		}
		written += n
		points = points[n:]
	}
	log.Infof("export: %d points from %s written (comment %q)", written, opts.Device, opts.Comment)
	return written, nil
}

// Close releases the client.
func (x *Influx) Close() {
	if x.client != nil {
		x.client.Close()
	}
}
