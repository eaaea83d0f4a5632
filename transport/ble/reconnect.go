// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ble

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/transport"
)

// ReconnectState is the controller's coarse state, published for observers.
type ReconnectState int32

const (
	Idle ReconnectState = iota
	Attempting
	Connected
	Exhausted
)

func (s ReconnectState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attempting:
		return "attempting"
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// AddressBook maps device serials to last-known hardware addresses. The
// serial is the stable identifier; the address is a cache learned from
// successful connections.
type AddressBook interface {
	Lookup(serial string) (addr string, ok bool)
	Remember(serial, addr string)
}

// Schedule is one retry policy: how often to try a known address, how often
// to fall back to scan bursts, and how the attempts are spaced.
type Schedule struct {
	AddressAttempts int           // direct-connect tries before falling back to scanning
	ScanAttempts    int           // scan bursts before giving up
	RetryPause      time.Duration // wait between attempts
	BurstWindow     time.Duration // scan window per burst
	SettleDelay     time.Duration // wait before the post-connect battery request
}

// DefaultSchedule is the standard policy: quick 2s-paced retries.
func DefaultSchedule() Schedule {
	return Schedule{
		AddressAttempts: 3,
		ScanAttempts:    3,
		RetryPause:      2 * time.Second,
		BurstWindow:     24 * time.Second,
		SettleDelay:     3 * time.Second,
	}
}

// DutyCycleSchedule is tuned for firmware with the deep-sleep advertising
// pattern (~10.1s cycle): each pause is slightly longer than one cycle so
// every attempt crosses at least one advertising window, and the scan
// window is widened to span a full cycle.
func DutyCycleSchedule() Schedule {
	return Schedule{
		AddressAttempts: 3,
		ScanAttempts:    2,
		RetryPause:      10500 * time.Millisecond,
		BurstWindow:     12 * time.Second,
		SettleDelay:     3 * time.Second,
	}
}

// Reconnector wraps the link's connect operations in bounded-attempt retry
// loops and persists learned addresses. It never retries on its own after
// exhausting its budget; the caller must re-invoke.
type Reconnector struct {
	link   *Link
	book   AddressBook
	events *transport.Events
	sched  Schedule

	state atomic.Int32

	mu     sync.Mutex // serializes connect sequences; guards serial
	serial string
}

// NewReconnector creates a controller over link using the given policy.
func NewReconnector(link *Link, book AddressBook, events *transport.Events, sched Schedule) *Reconnector {
	return &Reconnector{
		link:   link,
		book:   book,
		events: events,
		sched:  sched,
	}
}

// State returns the published controller state.
func (r *Reconnector) State() ReconnectState {
	return ReconnectState(r.state.Load())
}

// Ready reports whether the underlying link accepts commands.
func (r *Reconnector) Ready() bool {
	return r.link.Ready()
}

// SendCommand forwards to the link without a liveness probe.
func (r *Reconnector) SendCommand(command string, timeout time.Duration) bool {
	return r.link.SendCommand(command, timeout)
}

// Disconnect tears the link down and returns the controller to idle.
func (r *Reconnector) Disconnect() bool {
	r.state.Store(int32(Idle))
	return r.link.Disconnect()
}

// Connect establishes a connection to the device with the given serial:
// first by its last-known address if one is on record, then by scan bursts.
// On success the learned address is persisted and a battery request is
// scheduled after a settle delay.
func (r *Reconnector) Connect(serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serial = serial
	return r.connectLocked(serial)
}

func (r *Reconnector) connectLocked(serial string) bool {
	r.state.Store(int32(Attempting))

	if addr, ok := r.book.Lookup(serial); ok {
		r.events.PublishStatus(fmt.Sprintf("Trying direct connection to %s...", addr))
		for attempt := 1; attempt <= r.sched.AddressAttempts; attempt++ {
			r.events.PublishStatus(fmt.Sprintf("Direct connection attempt %d/%d...", attempt, r.sched.AddressAttempts))
			if r.link.ConnectByAddress(addr) {
				r.finishConnected(serial)
				return true
			}
			if attempt < r.sched.AddressAttempts {
				time.Sleep(r.sched.RetryPause)
			}
		}
	}

	r.events.PublishStatus(fmt.Sprintf("Scanning for OilBoy %s...", serial))
	for attempt := 1; attempt <= r.sched.ScanAttempts; attempt++ {
		r.events.PublishStatus(fmt.Sprintf("Scan cycle %d/%d...", attempt, r.sched.ScanAttempts))
		if r.link.ScanAndConnect(serial, r.sched.BurstWindow) {
			r.finishConnected(serial)
			return true
		}
		if attempt < r.sched.ScanAttempts {
			time.Sleep(r.sched.RetryPause)
		}
	}

	r.state.Store(int32(Exhausted))
	r.events.PublishStatus("Failed to connect to OilBoy after all attempts")
	return false
}

func (r *Reconnector) finishConnected(serial string) {
	r.state.Store(int32(Connected))
	if addr := r.link.Addr(); addr != "" {
		r.book.Remember(serial, addr)
		r.events.PublishStatus(fmt.Sprintf("Saved address %s for serial %s", addr, serial))
	}
	go r.batteryAfterSettle()
}

// batteryAfterSettle requests battery state once the peripheral has finished
// its post-connect initialization; asking immediately races the firmware.
func (r *Reconnector) batteryAfterSettle() {
	time.Sleep(r.sched.SettleDelay)
	if !r.link.SendCommand(oilboy.CmdBattery, DefaultSendTimeout) {
		r.events.PublishStatus("Battery status request failed")
	}
}

// SendChecked sends a command preceded by a PING liveness probe. A failed
// probe triggers one transparent disconnect-and-reconnect cycle before the
// failure is surfaced.
func (r *Reconnector) SendChecked(command string) bool {
	if r.ping() {
		return r.link.SendCommand(command, DefaultSendTimeout)
	}

	r.events.PublishStatus("OilBoy connection test failed, attempting reconnection...")
	r.link.Disconnect()

	r.mu.Lock()
	serial := r.serial
	reconnected := serial != "" && r.connectLocked(serial)
	r.mu.Unlock()
	if !reconnected {
		return false
	}
	if !r.ping() {
		r.events.PublishStatus("OilBoy connection still failed after reconnection")
		return false
	}
	return r.link.SendCommand(command, DefaultSendTimeout)
}

// ping checks that a lightweight command still goes through. The design does
// not block on a reply payload; a successful write is the liveness signal.
func (r *Reconnector) ping() bool {
	if !r.link.Ready() {
		return false
	}
	return r.link.SendCommand(oilboy.CmdPing, DefaultSendTimeout)
}
