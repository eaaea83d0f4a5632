// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/oilboy-bridge/internal/config"
	"github.com/ffutop/oilboy-bridge/slidebook"
	"github.com/ffutop/oilboy-bridge/transport"
)

type fakeScope struct {
	connected bool
}

func (f *fakeScope) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeScope) Connected() bool                   { return f.connected }
func (f *fakeScope) Close() error                      { f.connected = false; return nil }

func (f *fakeScope) CurrentObjective(ctx context.Context) (string, error) { return "60x", nil }
func (f *fakeScope) StagePosition(ctx context.Context) (slidebook.Position, error) {
	return slidebook.Position{Z: 100}, nil
}
func (f *fakeScope) SetStagePosition(ctx context.Context, pos slidebook.Position) error { return nil }
func (f *fakeScope) Objectives(ctx context.Context) ([]slidebook.Objective, error) {
	return []slidebook.Objective{
		{Name: "4x-oilboy", TurretPosition: 1},
		{Name: "60x", TurretPosition: 3},
	}, nil
}
func (f *fakeScope) SetTurretPosition(ctx context.Context, position int) error { return nil }

type fakeDevice struct {
	mu       sync.Mutex
	ready    bool
	commands []string
}

func (f *fakeDevice) Connect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = true
	return true
}

func (f *fakeDevice) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeDevice) SendCommand(command string, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.ready
}

func (f *fakeDevice) SendChecked(command string) bool {
	return f.SendCommand(command, 0)
}

func (f *fakeDevice) Disconnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	return true
}

func (f *fakeDevice) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeScope, *fakeDevice, *transport.Events) {
	t.Helper()
	store := config.Load(filepath.Join(t.TempDir(), "oilboy_config.json"))
	// No settle delays in tests.
	store.Timing.StepSettle = 0
	store.Timing.OilSettle = 0
	store.Settings.OilBoyObjectiveLocation = "4x-oilboy"

	scope := &fakeScope{connected: true}
	device := &fakeDevice{ready: true}
	events := transport.NewEvents()
	return New(store, scope, device, events), scope, device, events
}

func waitIdle(t *testing.T, b *Bridge) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.RunActive() {
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s never happened", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartRunExecutesProcedure(t *testing.T) {
	b, _, device, _ := newTestBridge(t)

	b.StartRun(2, "")
	waitFor(t, b.RunActive, "run start")
	waitIdle(t, b)

	sent := device.sent()
	var dispensed bool
	for _, command := range sent {
		if command == "OIL:50" {
			dispensed = true
		}
	}
	if !dispensed {
		t.Fatalf("no dispense command sent, got %v", sent)
	}
}

func TestStartRunRefusesConcurrentRun(t *testing.T) {
	b, _, _, events := newTestBridge(t)
	// Reintroduce a settle so the first run is still active when the second
	// request lands.
	b.store.Timing.StepSettle = 200 * time.Millisecond

	b.StartRun(2, "")
	waitFor(t, b.RunActive, "run start")
	b.StartRun(2, "")

	waitFor(t, func() bool {
		for {
			select {
			case s := <-events.Status:
				if s == "A procedure is already running" {
					return true
				}
			default:
				return false
			}
		}
	}, "refusal status")
	waitIdle(t, b)
}

func TestCancelRunStopsProcedure(t *testing.T) {
	b, _, device, _ := newTestBridge(t)
	b.store.Timing.StepSettle = 100 * time.Millisecond

	b.StartRun(2, "")
	waitFor(t, b.RunActive, "run start")
	b.CancelRun()
	waitIdle(t, b)

	for _, command := range device.sent() {
		if command == "OIL:50" {
			// Cancellation landed after the oil step; that is legal. The
			// point is the run ended early, which waitIdle already proved.
			return
		}
	}
}

func TestRequestBatterySendsCommand(t *testing.T) {
	b, _, device, _ := newTestBridge(t)

	b.RequestBattery()
	waitFor(t, func() bool {
		for _, command := range device.sent() {
			if command == "BATTERY" {
				return true
			}
		}
		return false
	}, "battery command")
}

func TestConnectAndDisconnectDevice(t *testing.T) {
	b, _, device, _ := newTestBridge(t)
	device.ready = false

	b.ConnectDevice()
	waitFor(t, device.Ready, "device connect")

	b.DisconnectDevice()
	waitFor(t, func() bool { return !device.Ready() }, "device disconnect")
}

func TestSaveSettingsPersists(t *testing.T) {
	b, _, _, events := newTestBridge(t)

	settings := b.store.Settings
	settings.DefaultOilAmount = 80
	b.SaveSettings(settings)

	if b.store.Settings.DefaultOilAmount != 80 {
		t.Fatalf("oil amount = %d", b.store.Settings.DefaultOilAmount)
	}
	select {
	case s := <-events.Status:
		if s != "Settings saved" {
			t.Fatalf("status = %q", s)
		}
	default:
		t.Fatal("no confirmation status")
	}
}

func TestStartShutsDownPorts(t *testing.T) {
	b, scope, device, _ := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	waitFor(t, scope.Connected, "scope connect")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if device.Ready() {
		t.Fatal("device still connected after shutdown")
	}
	if scope.Connected() {
		t.Fatal("scope still connected after shutdown")
	}
}
