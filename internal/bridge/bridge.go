// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge is the application core: it owns the device port, the
// microscope session and the configuration store, serves operator commands
// from the UI boundary, and runs at most one oiling procedure at a time.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/oilboy-bridge/internal/config"
	"github.com/ffutop/oilboy-bridge/internal/procedure"
	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/slidebook"
	"github.com/ffutop/oilboy-bridge/transport"
)

// DevicePort is a command channel to the OilBoy plus its connect policy.
// All three transports (radio, UART, simulator) satisfy it.
type DevicePort interface {
	Connect() bool
	Ready() bool
	SendCommand(command string, timeout time.Duration) bool
	SendChecked(command string) bool
	Disconnect() bool
}

// Scope is the microscope session as the bridge needs it: the control
// operations plus session lifecycle.
type Scope interface {
	slidebook.Controller
	Connect(ctx context.Context) error
	Connected() bool
	Close() error
}

// Bridge wires the ports together and dispatches operator commands.
type Bridge struct {
	store  *config.Store
	scope  Scope
	device DevicePort
	events *transport.Events

	mu       sync.Mutex
	running  bool
	runToken *procedure.Token
}

// New creates a Bridge over the given ports.
func New(store *config.Store, scope Scope, device DevicePort, events *transport.Events) *Bridge {
	return &Bridge{
		store:  store,
		scope:  scope,
		device: device,
		events: events,
	}
}

// Start connects the microscope session and blocks until ctx is cancelled,
// then shuts the ports down. The microscope connection is advisory: the
// bridge comes up without it and procedures stay disabled until it appears.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.scope.Connect(ctx); err != nil {
		slog.Warn("SlideBook not reachable, procedures disabled until it is", "err", err)
		b.events.PublishStatus("SlideBook connection failed")
	} else {
		b.events.PublishStatus("Connected to SlideBook")
	}

	<-ctx.Done()

	slog.Info("Shutting down bridge")
	b.CancelRun()
	if b.device.Ready() {
		b.device.Disconnect()
	}
	if err := b.scope.Close(); err != nil {
		slog.Warn("SlideBook session close failed", "err", err)
	}
	if err := b.store.Save(); err != nil {
		slog.Warn("Config save on shutdown failed", "err", err)
	}
	return nil
}

// ConnectDevice starts a device connection attempt in the background.
func (b *Bridge) ConnectDevice() {
	go func() {
		if !b.device.Connect() {
			slog.Warn("Device connection attempt failed")
		}
	}()
}

// DisconnectDevice drops the device link.
func (b *Bridge) DisconnectDevice() {
	go b.device.Disconnect()
}

// RequestBattery asks the device for a battery report. The answer arrives
// on the battery event channel.
func (b *Bridge) RequestBattery() {
	timeout := b.store.Timing.SendTimeout
	go b.device.SendCommand(oilboy.CmdBattery, timeout)
}

// RunActive reports whether a procedure is currently executing.
func (b *Bridge) RunActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// StartRun launches one procedure. A second request while a run is active
// is refused, not queued.
func (b *Bridge) StartRun(mode int, destObjective string) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.events.PublishStatus("A procedure is already running")
		return
	}
	token := procedure.NewToken()
	b.running = true
	b.runToken = token
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			b.running = false
			b.runToken = nil
			b.mu.Unlock()
		}()

		orch := &procedure.Orchestrator{
			Scope:      b.scope,
			ScopeReady: b.scope.Connected,
			Device:     b.device,
			Status:     b.events.PublishStatus,
		}
		settings := procedure.Settings{
			OilingObjective: b.store.Settings.OilBoyObjectiveLocation,
			OffsetMicrons:   b.store.Settings.OilBoyOffsetMicrons,
			OilAmount:       b.store.Settings.DefaultOilAmount,
			StepSettle:      b.store.Timing.StepSettle,
			OilSettle:       b.store.Timing.OilSettle,
		}

		run, err := orch.Execute(context.Background(), procedure.Mode(mode), destObjective, settings, token)
		if err != nil {
			slog.Warn("Procedure ended with error", "mode", run.Mode.String(), "state", run.State().String(), "err", err)
			return
		}
		slog.Info("Procedure completed", "mode", run.Mode.String(), "steps", len(run.Steps))
	}()
}

// CancelRun flags the active run for cancellation at its next step boundary.
func (b *Bridge) CancelRun() {
	b.mu.Lock()
	token := b.runToken
	b.mu.Unlock()
	if token == nil {
		return
	}
	token.Cancel()
	b.events.PublishStatus("Cancelling procedure...")
}

// SaveSettings persists operator-tuned procedure parameters.
func (b *Bridge) SaveSettings(settings config.SettingsConfig) {
	if err := b.store.SaveSettings(settings); err != nil {
		slog.Warn("Settings save failed", "err", err)
		b.events.PublishStatus("ERROR: could not save settings")
		return
	}
	b.events.PublishStatus("Settings saved")
}

// SaveWindowGeometry persists the dashboard's window placement.
func (b *Bridge) SaveWindowGeometry(geometry string) {
	if geometry == "" {
		return
	}
	if err := b.store.SaveWindowGeometry(geometry); err != nil {
		slog.Warn("Window geometry save failed", "err", err)
	}
}
