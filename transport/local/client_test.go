// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"testing"
	"time"

	"github.com/ffutop/oilboy-bridge/internal/config"
	"github.com/ffutop/oilboy-bridge/transport"
)

func newTestClient(t *testing.T) (*Client, *transport.Events) {
	t.Helper()
	events := transport.NewEvents()
	client, err := NewClient(config.OilBoyConfig{SerialNumber: "A002"}, events)
	if err != nil {
		t.Fatal(err)
	}
	return client, events
}

func drainStatus(events *transport.Events) []string {
	var lines []string
	for {
		select {
		case s := <-events.Status:
			lines = append(lines, s)
		default:
			return lines
		}
	}
}

func TestClientNotReadyRejectsCommands(t *testing.T) {
	client, events := newTestClient(t)

	if client.SendCommand("PING", time.Second) {
		t.Fatal("send succeeded without Connect")
	}
	lines := drainStatus(events)
	if len(lines) != 1 || lines[0] != "Not connected to OilBoy" {
		t.Fatalf("status = %v", lines)
	}
}

func TestClientBatteryRoundTrip(t *testing.T) {
	client, events := newTestClient(t)
	client.Connect()
	drainStatus(events)

	if !client.SendCommand("BATTERY", time.Second) {
		t.Fatal("BATTERY send failed")
	}
	select {
	case report := <-events.Battery:
		if report.Voltage < 3.0 || report.Voltage > 4.5 {
			t.Fatalf("implausible voltage %v", report.Voltage)
		}
	default:
		t.Fatal("no battery report published")
	}
}

func TestClientLifecycleEvents(t *testing.T) {
	client, events := newTestClient(t)

	client.Connect()
	if !client.Ready() {
		t.Fatal("not ready after Connect")
	}
	select {
	case up := <-events.Connected:
		if !up {
			t.Fatal("first connected event = false")
		}
	default:
		t.Fatal("no connected event")
	}

	client.Disconnect()
	if client.Ready() {
		t.Fatal("still ready after Disconnect")
	}
	select {
	case up := <-events.Connected:
		if up {
			t.Fatal("connected event after Disconnect = true")
		}
	default:
		t.Fatal("no disconnected event")
	}
}

func TestClientSendCheckedDispenses(t *testing.T) {
	client, events := newTestClient(t)
	client.Connect()
	drainStatus(events)

	if !client.SendChecked("OIL:50") {
		t.Fatal("SendChecked failed")
	}
	lines := drainStatus(events)
	if len(lines) != 1 || lines[0] != "OilBoy: Dispensed 50 steps of oil" {
		t.Fatalf("status = %v", lines)
	}
}
