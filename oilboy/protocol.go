// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package oilboy implements the OilBoy command channel: a newline-terminated
// UTF-8 line protocol spoken over the device's Nordic UART service (or a
// direct USB UART when the device is docked).
package oilboy

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Nordic UART service exposed by the OilBoy firmware.
// Command writes go to the TX characteristic, notifications arrive on RX.
const (
	UARTServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTWriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	UARTNotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Outbound commands.
const (
	CmdPing      = "PING"
	CmdBattery   = "BATTERY"
	CmdOilPrefix = "OIL:"
)

const advertisedNamePrefix = "OILBOY_"

// OilCommand builds the dispense command for the given stepper step count.
func OilCommand(amount int) string {
	return fmt.Sprintf("%s%d", CmdOilPrefix, amount)
}

// AdvertisedName returns the BLE name the device with the given serial
// advertises during its wake bursts.
func AdvertisedName(serial string) string {
	return advertisedNamePrefix + strings.ToUpper(strings.TrimSpace(serial))
}

// FrameKind classifies an inbound notification frame.
type FrameKind int

const (
	FrameStatus FrameKind = iota
	FrameBattery
	FrameMalformed
)

// BatteryReport is the decoded battery state of the device.
type BatteryReport struct {
	Voltage    float64
	USBPowered bool
}

// Frame is one decoded inbound notification.
// Text carries the trimmed line for status frames.
type Frame struct {
	Kind    FrameKind
	Text    string
	Battery BatteryReport
}

// Encode frames an outbound command: the command text plus a single trailing
// newline, as UTF-8. Commands must not contain the delimiter themselves.
func Encode(command string) []byte {
	return []byte(command + "\n")
}

// Decode classifies a raw notification payload. It never fails upward: bytes
// that are not valid UTF-8 yield a Malformed frame, and a battery line whose
// fields cannot be extracted degrades to a tagged status frame.
func Decode(raw []byte) Frame {
	if !utf8.Valid(raw) {
		return Frame{Kind: FrameMalformed}
	}
	text := strings.TrimSpace(string(raw))

	switch {
	case strings.HasPrefix(text, "BATTERY_OK,"):
		report, err := parseTaggedBattery(text)
		if err != nil {
			return Frame{Kind: FrameStatus, Text: "battery parse error: " + text}
		}
		return Frame{Kind: FrameBattery, Text: text, Battery: report}
	case strings.HasPrefix(text, "BATTERY:"):
		report, err := parseSimpleBattery(text)
		if err != nil {
			return Frame{Kind: FrameStatus, Text: "battery parse error: " + text}
		}
		return Frame{Kind: FrameBattery, Text: text, Battery: report}
	}

	return Frame{Kind: FrameStatus, Text: text}
}

// parseTaggedBattery handles the comma-separated form, e.g.
// "BATTERY_OK,ID_7,VOLT_4.05,USB_False". Field order is not significant.
func parseTaggedBattery(text string) (BatteryReport, error) {
	var (
		report   BatteryReport
		haveVolt bool
		haveUSB  bool
	)
	for _, part := range strings.Split(text, ",") {
		switch {
		case strings.HasPrefix(part, "VOLT_"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(part, "VOLT_"), 64)
			if err != nil {
				return BatteryReport{}, fmt.Errorf("bad VOLT field %q: %w", part, err)
			}
			report.Voltage = v
			haveVolt = true
		case strings.HasPrefix(part, "USB_"):
			report.USBPowered = strings.TrimPrefix(part, "USB_") == "True"
			haveUSB = true
		}
	}
	if !haveVolt || !haveUSB {
		return BatteryReport{}, fmt.Errorf("missing VOLT or USB field in %q", text)
	}
	return report, nil
}

// parseSimpleBattery handles the short form "BATTERY:3.87V".
// USB power state is unknown in this form and reported as false.
func parseSimpleBattery(text string) (BatteryReport, error) {
	vstr := strings.TrimPrefix(text, "BATTERY:")
	vstr = strings.TrimSuffix(vstr, "V")
	v, err := strconv.ParseFloat(vstr, 64)
	if err != nil {
		return BatteryReport{}, fmt.Errorf("bad voltage %q: %w", vstr, err)
	}
	return BatteryReport{Voltage: v}, nil
}
