// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local is a command port backed by an in-process simulated OilBoy.
// It lets the whole bridge, procedures included, run without hardware.
package local

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/oilboy-bridge/internal/config"
	"github.com/ffutop/oilboy-bridge/internal/devicesim"
	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/transport"
)

// Client implements the CommandPort interface for a local simulated device.
// Responses come back through the same event channels a radio link uses, so
// consumers cannot tell the difference.
type Client struct {
	device  *devicesim.Device
	storage devicesim.Storage
	events  *transport.Events

	mu    sync.Mutex
	ready bool
}

// NewClient creates a new local Client for the configured serial.
func NewClient(cfg config.OilBoyConfig, events *transport.Events) (*Client, error) {
	var storage devicesim.Storage
	switch cfg.SimPersistence {
	case "file":
		slog.Info("Initializing simulated OilBoy with file persistence", "path", cfg.SimStatePath)
		storage = devicesim.NewFileStorage(cfg.SimStatePath)
	case "mmap":
		slog.Info("Initializing simulated OilBoy with MMAP persistence", "path", cfg.SimStatePath)
		storage = devicesim.NewMmapStorage(cfg.SimStatePath)
	default:
		slog.Info("Initializing simulated OilBoy with memory state (non-persistent)")
		storage = devicesim.NewMemoryStorage()
	}

	device, err := devicesim.NewDevice(cfg.SerialNumber, storage)
	if err != nil {
		// A broken state file should not keep the simulator from starting.
		slog.Error("Failed to load simulated device state, starting fresh", "err", err)
		storage = devicesim.NewMemoryStorage()
		device, _ = devicesim.NewDevice(cfg.SerialNumber, storage)
	}

	return &Client{
		device:  device,
		storage: storage,
		events:  events,
	}, nil
}

// Connect brings the simulated device online. It cannot fail.
func (c *Client) Connect() bool {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.events.PublishStatus("Found " + c.device.AdvertisedName())
	c.events.PublishConnected(true)
	c.events.PublishStatus("OilBoy is ready.")
	return true
}

// Ready reports whether the simulated device is online.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SendCommand runs one command against the device model. The timeout is
// accepted for interface parity; the model answers synchronously.
func (c *Client) SendCommand(command string, timeout time.Duration) bool {
	if !c.Ready() {
		c.events.PublishStatus("Not connected to OilBoy")
		return false
	}
	for _, line := range c.device.Process(command) {
		c.deliver([]byte(line))
	}
	return true
}

// SendChecked satisfies the procedure's command interface. The simulated
// link cannot drop, so the liveness check reduces to a readiness check.
func (c *Client) SendChecked(command string) bool {
	return c.SendCommand(command, 0)
}

// deliver routes a device response the way a radio notification would be.
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

// Disconnect takes the simulated device offline.
func (c *Client) Disconnect() bool {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.events.PublishConnected(false)
	c.events.PublishStatus("Disconnected from OilBoy.")
	return true
}

// Close releases the device's backing storage.
func (c *Client) Close() error {
	if closer, ok := c.storage.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
