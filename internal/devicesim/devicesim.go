// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package devicesim models an OilBoy accessory in software: it answers the
// device's line protocol and keeps the lifetime dispense counters a real
// unit accumulates in flash. The bridge runs against it when no hardware is
// on the bench.
package devicesim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ffutop/oilboy-bridge/oilboy"
)

// Battery level reported by a fresh simulated unit. 4.12 V reads as a full
// single-cell LiPo.
const defaultBatteryMillivolts = 4120

// Device is one simulated OilBoy unit.
type Device struct {
	serial   string
	counters *Counters
	storage  Storage
}

// NewDevice loads (or initializes) the unit's state from storage.
func NewDevice(serial string, storage Storage) (*Device, error) {
	counters, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("devicesim: load state: %w", err)
	}
	// A zero battery reading means a fresh record, not a dead cell.
	if counters.BatteryMillivolts() == 0 {
		counters.SetBatteryMillivolts(defaultBatteryMillivolts)
		storage.OnWrite()
	}
	return &Device{
		serial:   serial,
		counters: counters,
		storage:  storage,
	}, nil
}

// Serial returns the unit's serial number.
func (d *Device) Serial() string { return d.serial }

// AdvertisedName returns the name the unit would advertise over the air.
func (d *Device) AdvertisedName() string {
	return oilboy.AdvertisedName(d.serial)
}

// Counters exposes the unit's durable state for inspection and test setup.
func (d *Device) Counters() *Counters { return d.counters }

// Process answers one command line the way the firmware would. The input
// must not carry the trailing newline.
func (d *Device) Process(line string) []string {
	command := strings.TrimSpace(line)
	switch {
	case command == oilboy.CmdPing:
		return []string{"PONG"}

	case command == oilboy.CmdBattery:
		return []string{d.batteryReport()}

	case strings.HasPrefix(command, oilboy.CmdOilPrefix):
		return d.dispense(strings.TrimPrefix(command, oilboy.CmdOilPrefix))

	default:
		return []string{fmt.Sprintf("ERROR: unknown command %q", command)}
	}
}

func (d *Device) batteryReport() string {
	volts := float64(d.counters.BatteryMillivolts()) / 1000.0
	usb := "False"
	if d.counters.USBPowered() {
		usb = "True"
	}
	return fmt.Sprintf("BATTERY_OK,CHARGE_OK,VOLT_%.2f,USB_%s", volts, usb)
}

func (d *Device) dispense(arg string) []string {
	steps, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || steps <= 0 {
		return []string{"ERROR: invalid oil amount"}
	}
	d.counters.RecordDispense(uint32(steps))
	// Each dispense costs a little charge, unless the cell is already low.
	if mv := d.counters.BatteryMillivolts(); !d.counters.USBPowered() && mv > 3300 {
		d.counters.SetBatteryMillivolts(mv - 2)
	}
	d.storage.OnWrite()
	return []string{fmt.Sprintf("Dispensed %d steps of oil", steps)}
}
