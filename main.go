// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ffutop/oilboy-bridge/internal/bridge"
	"github.com/ffutop/oilboy-bridge/internal/config"
	"github.com/ffutop/oilboy-bridge/internal/web"
	"github.com/ffutop/oilboy-bridge/slidebook"
	"github.com/ffutop/oilboy-bridge/transport"
	"github.com/ffutop/oilboy-bridge/transport/ble"
	"github.com/ffutop/oilboy-bridge/transport/local"
	"github.com/ffutop/oilboy-bridge/transport/serial"
)

func main() {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	store := config.Load(*configFile)

	setupLogger(store.Log)

	slog.Info("Starting OilBoy Bridge...")

	events := transport.NewEvents()

	device, err := buildDevicePort(store, events)
	if err != nil {
		slog.Error("Could not set up device transport", "transport", store.OilBoy.Transport, "err", err)
		os.Exit(1)
	}

	scope := slidebook.NewClient(store.SlideBook.Address())
	br := bridge.New(store, scope, device, events)
	hub := web.NewHub(store.Web.Address, events, br)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := hub.Run(ctx); err != nil {
			slog.Error("Web hub stopped with error", "err", err)
		}
	}()

	// Wait for Signal
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := br.Start(ctx); err != nil {
		slog.Error("Bridge stopped with error", "err", err)
	}
	slog.Info("Goodbye.")
}

// buildDevicePort assembles the configured transport for the OilBoy.
func buildDevicePort(store *config.Store, events *transport.Events) (bridge.DevicePort, error) {
	switch store.OilBoy.Transport {
	case "ble":
		radio, err := ble.NewRadio(store.OilBoy.AdapterID)
		if err != nil {
			return nil, err
		}
		link := ble.NewLink(radio, events, ble.LinkConfig{
			ConnectTimeout: store.Timing.ConnectTimeout,
			ScanSlice:      store.Timing.ScanSlice,
			PostBurstWait:  store.Timing.PostBurstWait,
		})
		rec := ble.NewReconnector(link, store, events, buildSchedule(store))
		return &bleDevice{Reconnector: rec, store: store}, nil

	case "serial":
		return serial.NewClient(store.OilBoy.SerialDevice, events), nil

	case "local":
		return local.NewClient(store.OilBoy, events)

	default:
		return nil, fmt.Errorf("unknown transport %q", store.OilBoy.Transport)
	}
}

// buildSchedule maps the configured retry policy and timing calibration onto
// a reconnect schedule.
func buildSchedule(store *config.Store) ble.Schedule {
	var sched ble.Schedule
	switch store.OilBoy.RetryPolicy {
	case "duty-cycle":
		sched = ble.DutyCycleSchedule()
		sched.RetryPause = store.Timing.WakeCycleWait
		sched.BurstWindow = store.Timing.OptimizedScanWindow
	default:
		sched = ble.DefaultSchedule()
		sched.RetryPause = store.Timing.RetryPause
		sched.BurstWindow = store.Timing.BurstWindow
	}
	sched.SettleDelay = store.Timing.BatterySettleDelay
	return sched
}

// bleDevice binds the reconnect controller to the configured serial number.
type bleDevice struct {
	*ble.Reconnector
	store *config.Store
}

func (d *bleDevice) Connect() bool {
	return d.Reconnector.Connect(d.store.OilBoy.SerialNumber)
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
