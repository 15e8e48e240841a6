// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the device.
const (
	CmdSystemInfo       = "system_info"
	CmdStartSensor      = "start_sensor"
	CmdStopTransmission = "stop_transmission"
	CmdSetAccessPoint   = "set_access_point"
	CmdCommit           = "commit"
)

// Command is a control message. It marshals as {"command": Name(), ...fields}.
type Command interface {
	Name() string
}

type SystemInfo struct{}

func (SystemInfo) Name() string { return CmdSystemInfo }

// StartSensor starts streaming at Freq Hz with the given range codes.
type StartSensor struct {
	Freq  int `json:"freq"`
	Gyro  int `json:"GYRO"`
	Accel int `json:"ACCEL"`
}

func (StartSensor) Name() string { return CmdStartSensor }

type StopTransmission struct{}

func (StopTransmission) Name() string { return CmdStopTransmission }

// SetAccessPoint stores Wi-Fi credentials and a hostname on the device.
// They take effect after Commit.
type SetAccessPoint struct {
	Hostname string `json:"hostname"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (SetAccessPoint) Name() string { return CmdSetAccessPoint }

type Commit struct{}

func (Commit) Name() string { return CmdCommit }

// MarshalCommand renders c as a single JSON object with the command name first.
func MarshalCommand(c Command) ([]byte, error) {
	fields, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.Name(), err)
	}
	name, _ := json.Marshal(c.Name())

	out := make([]byte, 0, len(fields)+len(name)+16)
	out = append(out, `{"command": `...)
	out = append(out, name...)
	if len(fields) > 2 { // more than "{}"
		out = append(out, ',')
		out = append(out, fields[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Request is the generic decoded form of a control message, used by the
// simulated device.
type Request struct {
	Command  string `json:"command"`
	Freq     int    `json:"freq,omitempty"`
	Gyro     int    `json:"GYRO,omitempty"`
	Accel    int    `json:"ACCEL,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseRequest decodes a control message.
func ParseRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("parse command: %w", err)
	}
	if r.Command == "" {
		return Request{}, fmt.Errorf("parse command: missing \"command\" field")
	}
	return r, nil
}

// SystemInfoReply is the device's answer to system_info.
type SystemInfoReply struct {
	FreeHeap   int    `json:"free_heap"`
	MAC        string `json:"mac"`
	Firmware   string `json:"firmware"`
	SensorTask string `json:"sensor_task"`
}

// ParseSystemInfo decodes a system_info reply.
func ParseSystemInfo(b []byte) (SystemInfoReply, error) {
	var r SystemInfoReply
	if err := json.Unmarshal(b, &r); err != nil {
		return SystemInfoReply{}, fmt.Errorf("parse system_info reply %q: %w", b, err)
	}
	return r, nil
}
