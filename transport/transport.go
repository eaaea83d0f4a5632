// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the common boundary between the bridge and the
// OilBoy command channel, independent of the physical medium (BLE radio,
// USB UART, or the in-process simulator).
package transport

import (
	"time"

	"github.com/ffutop/oilboy-bridge/oilboy"
)

// LinkState is the lifecycle state of one command port.
// Ready is the only state from which commands may be sent.
type LinkState int

const (
	Disconnected LinkState = iota
	Scanning
	Connecting
	Ready
	Disconnecting
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// CommandPort is a device endpoint that accepts OilBoy line commands.
// Implementations never propagate transport faults: a failed send is a
// false return plus a status event.
type CommandPort interface {
	// SendCommand writes one command frame, bounded by timeout.
	// It returns false on any failure, including "not connected".
	SendCommand(command string, timeout time.Duration) bool

	// Disconnect tears the port down. It is safe to call when already
	// disconnected; the connected-state event always fires with false.
	Disconnect() bool

	// Ready reports whether the port is in the Ready state.
	Ready() bool
}

// Events carries the three notification classes a command port emits.
// Publish* is safe for concurrent producers (link loop, notification
// delivery, reconnector, bridge) and drops the oldest pending event
// instead of blocking when the consumer lags.
type Events struct {
	Status    chan string
	Connected chan bool
	Battery   chan oilboy.BatteryReport
}

const eventBuffer = 32

// NewEvents allocates buffered event channels.
func NewEvents() *Events {
	return &Events{
		Status:    make(chan string, eventBuffer),
		Connected: make(chan bool, eventBuffer),
		Battery:   make(chan oilboy.BatteryReport, eventBuffer),
	}
}

// PublishStatus emits a human-readable trace line.
func (e *Events) PublishStatus(msg string) {
	publish(e.Status, msg)
}

// PublishConnected emits a connected-state change.
func (e *Events) PublishConnected(connected bool) {
	publish(e.Connected, connected)
}

// PublishBattery emits a decoded battery report.
func (e *Events) PublishBattery(report oilboy.BatteryReport) {
	publish(e.Battery, report)
}

func publish[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			// Consumer is behind, drop the oldest pending event so the
			// radio goroutine never stalls on a slow UI.
			select {
			case <-ch:
			default:
			}
		}
	}
}
