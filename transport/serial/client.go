// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial is a command port over the OilBoy's USB UART. A docked
// device charges over the same cable, so this port skips the radio entirely:
// no scanning, no wake cycles, just an open line.
package serial

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"time"

	gridserial "github.com/grid-x/serial"

	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/transport"
)

const (
	// DefaultBaudRate is the rate the OilBoy's UART bridge runs at.
	DefaultBaudRate = 115200
	// DefaultWriteTimeout bounds one command write when the caller passes
	// no timeout. It also caps the port-level I/O timeout.
	DefaultWriteTimeout = 3 * time.Second
)

// Client implements the CommandPort interface over a serial device.
// Inbound lines are decoded and published on the same event channels a
// radio link uses.
type Client struct {
	// Serial port configuration.
	gridserial.Config

	events *transport.Events

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewClient creates a new serial Client for the given device path.
func NewClient(device string, events *transport.Events) *Client {
	return &Client{
		Config: gridserial.Config{
			Address:  device,
			BaudRate: DefaultBaudRate,
			Timeout:  DefaultWriteTimeout,
		},
		events: events,
	}
}

// Connect opens the serial device and starts the reader.
func (c *Client) Connect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return true
	}

	port, err := gridserial.Open(&c.Config)
	if err != nil {
		slog.Error("Could not open serial device", "device", c.Config.Address, "err", err)
		c.events.PublishStatus("ERROR: could not open " + c.Config.Address)
		return false
	}
	c.port = port
	go c.readLoop(port)

	c.events.PublishConnected(true)
	c.events.PublishStatus("OilBoy is ready.")
	return true
}

// readLoop delivers inbound lines until the port dies. It owns the reader;
// nothing else reads from the port.
func (c *Client) readLoop(port io.ReadWriteCloser) {
	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.deliver(line)
		}
		if err != nil {
			break
		}
	}

	// Distinguish a deliberate Disconnect from a dead cable: after
	// Disconnect the port field no longer holds this port.
	c.mu.Lock()
	lost := c.port == port
	if lost {
		c.port = nil
	}
	c.mu.Unlock()
	if lost {
		port.Close()
		c.events.PublishStatus("Connection to OilBoy lost.")
		c.events.PublishConnected(false)
	}
}

func (c *Client) deliver(raw []byte) {
	frame := oilboy.Decode(raw)
	switch frame.Kind {
	case oilboy.FrameBattery:
		c.events.PublishBattery(frame.Battery)
	case oilboy.FrameStatus:
		c.events.PublishStatus("OilBoy: " + frame.Text)
	default:
		c.events.PublishStatus("OilBoy sent an unreadable frame")
	}
}

// Ready reports whether the port is open.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// SendCommand writes one framed command. The timeout bounds the write; zero
// means DefaultWriteTimeout. The mutex stays held until the write resolves
// or times out, so frames never interleave on the wire.
func (c *Client) SendCommand(command string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		c.events.PublishStatus("Not connected to OilBoy")
		return false
	}

	// The port carries its own I/O timeout, but drivers differ on honoring
	// it for writes, so the caller's bound is enforced here as well.
	port := c.port
	done := make(chan error, 1)
	go func() {
		_, err := port.Write(oilboy.Encode(command))
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			slog.Error("Serial write failed", "command", command, "err", err)
			c.events.PublishStatus("ERROR: failed to send command")
			return false
		}
		return true
	case <-timer.C:
		slog.Error("Serial write timed out", "command", command, "timeout", timeout)
		c.events.PublishStatus("ERROR: command send timed out")
		return false
	}
}

// SendChecked verifies the line with a ping first and retries over a fresh
// open once if the port went away.
func (c *Client) SendChecked(command string) bool {
	if c.Ready() && c.SendCommand(oilboy.CmdPing, 0) {
		return c.SendCommand(command, 0)
	}

	c.events.PublishStatus("Connection check failed, reconnecting to OilBoy...")
	c.Disconnect()
	if !c.Connect() {
		return false
	}
	if !c.SendCommand(oilboy.CmdPing, 0) {
		return false
	}
	return c.SendCommand(command, 0)
}

// Disconnect closes the port. Safe to call when not connected.
func (c *Client) Disconnect() bool {
	c.mu.Lock()
	port := c.port
	c.port = nil
	c.mu.Unlock()

	if port != nil {
		port.Close()
	}
	c.events.PublishConnected(false)
	c.events.PublishStatus("Disconnected from OilBoy.")
	return true
}
