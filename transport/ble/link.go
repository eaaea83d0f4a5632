// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ble owns the OilBoy radio connection: discovery of the advertising
// peripheral, connection establishment, the UART characteristic pair, and
// the retry policies tuned to the device's sleep/advertise duty cycle.
//
// All radio I/O happens on a single goroutine. Public calls are marshalled
// onto it as request closures and block the caller up to an explicit
// deadline strictly greater than the operation's internal timeout, so a call
// site never hangs even if the radio stalls.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/transport"
)

const (
	// DefaultConnectTimeout bounds one connection attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultSendTimeout bounds one command write.
	DefaultSendTimeout = 3 * time.Second
	// DefaultScanSlice is the length of one discovery scan inside a burst
	// window. The device advertises in short bursts, so many short scans
	// beat one long one.
	DefaultScanSlice = 1 * time.Second
	// DefaultPostBurstWait skips the device's refractory period after a
	// burst in which every connection attempt failed.
	DefaultPostBurstWait = 7 * time.Second

	// connectAttemptsPerBurst is how often we retry connecting to a device
	// found within one burst before waiting for the next burst.
	connectAttemptsPerBurst = 3

	// scanIdlePause separates scan slices that saw no matching device.
	scanIdlePause = 500 * time.Millisecond

	// submitGrace is the caller-side margin on top of an operation's
	// internal timeout budget.
	submitGrace = 5 * time.Second
)

var (
	errNotReady    = errors.New("ble: not connected")
	errSetupFailed = errors.New("ble: characteristic setup failed")
	errLinkClosed  = errors.New("ble: link closed")
	errLinkBusy    = errors.New("ble: operation still pending at deadline")
	errAborted     = errors.New("ble: operation aborted by disconnect")
)

// LinkConfig carries the timing constants of the link. Zero values fall
// back to the defaults above; the values are empirical tunings for the
// OilBoy hardware and normally come from the timing config section.
type LinkConfig struct {
	ConnectTimeout time.Duration
	ScanSlice      time.Duration
	PostBurstWait  time.Duration
}

func (c *LinkConfig) withDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ScanSlice == 0 {
		c.ScanSlice = DefaultScanSlice
	}
	if c.PostBurstWait == 0 {
		c.PostBurstWait = DefaultPostBurstWait
	}
}

type request struct {
	op   func() error
	done chan error
}

// Link owns one OilBoy radio connection's lifecycle and I/O.
// It implements transport.CommandPort.
type Link struct {
	radio  Radio
	events *transport.Events
	cfg    LinkConfig

	reqs chan request
	quit chan struct{}

	// Owned by the run loop.
	conn Conn

	state    atomic.Int32 // transport.LinkState, published for observers
	lastAddr atomic.Value // string, address of the last successful connection

	// abort makes a pending scan/connect operation bail out at its next
	// loop boundary so a queued disconnect is not stuck behind a full burst.
	abort atomic.Bool
}

// NewLink creates a link on the given radio and starts its I/O goroutine.
func NewLink(radio Radio, events *transport.Events, cfg LinkConfig) *Link {
	cfg.withDefaults()
	l := &Link{
		radio:  radio,
		events: events,
		cfg:    cfg,
		reqs:   make(chan request),
		quit:   make(chan struct{}),
	}
	l.lastAddr.Store("")
	go l.run()
	return l
}

// State returns the published link state.
func (l *Link) State() transport.LinkState {
	return transport.LinkState(l.state.Load())
}

// Ready reports whether commands may be sent.
func (l *Link) Ready() bool {
	return l.State() == transport.Ready
}

// Addr returns the hardware address of the last successful connection, or ""
// if the link never connected.
func (l *Link) Addr() string {
	return l.lastAddr.Load().(string)
}

// Close stops the I/O goroutine, disconnecting first if needed.
func (l *Link) Close() {
	close(l.quit)
}

// ScanAndConnect scans for the device advertising OILBOY_<serial> for up to
// burstWindow of wall-clock time and connects to it. It returns true only
// once characteristic setup also succeeded.
func (l *Link) ScanAndConnect(serial string, burstWindow time.Duration) bool {
	l.abort.Store(false)
	// Each connect attempt is a dial plus characteristic setup, both bounded
	// by ConnectTimeout.
	budget := burstWindow + time.Duration(2*connectAttemptsPerBurst)*l.cfg.ConnectTimeout + l.cfg.PostBurstWait + submitGrace
	err := l.submit(budget, func() error {
		return l.scanAndConnectOp(serial, burstWindow)
	})
	return err == nil
}

// ConnectByAddress skips discovery and connects directly to a known address.
func (l *Link) ConnectByAddress(addr string) bool {
	l.abort.Store(false)
	// One dial plus characteristic setup, each bounded by ConnectTimeout.
	err := l.submit(2*l.cfg.ConnectTimeout+submitGrace, func() error {
		return l.connectOp(addr)
	})
	return err == nil
}

// SendCommand encodes and writes one command frame, bounded by timeout.
func (l *Link) SendCommand(command string, timeout time.Duration) bool {
	if timeout == 0 {
		timeout = DefaultSendTimeout
	}
	err := l.submit(timeout+submitGrace, func() error {
		return l.sendOp(command, timeout)
	})
	return err == nil
}

// Disconnect tears the connection down. Idempotent: a second call performs
// no hardware I/O but still fires the connected-state event with false. The
// terminal state and connected(false) event are unconditional: a pending
// scan/connect burst is aborted at its next loop boundary, and if the loop
// is wedged on radio I/O past the budget, Disconnect publishes the terminal
// state itself.
func (l *Link) Disconnect() bool {
	l.abort.Store(true)
	// Worst pending work before the abort flag is seen: one in-flight
	// connect attempt (dial + setup) or the post-burst wait.
	budget := 2*l.cfg.ConnectTimeout + l.cfg.PostBurstWait + submitGrace
	err := l.submit(budget, func() error {
		l.abort.Store(false)
		l.teardown()
		return nil
	})
	if err != nil {
		// The run loop never took the request. Observers still get the
		// guaranteed terminal view; the abort flag keeps the stuck
		// operation from resurrecting a connected state afterwards.
		l.setState(transport.Disconnected)
		l.events.PublishConnected(false)
		l.events.PublishStatus("Disconnected from OilBoy.")
	}
	return true
}

// submit hands op to the I/O goroutine and blocks up to deadline for its
// result. The operation keeps running if the deadline fires first; only the
// caller is released.
func (l *Link) submit(deadline time.Duration, op func() error) error {
	done := make(chan error, 1)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case l.reqs <- request{op: op, done: done}:
	case <-timer.C:
		return errLinkBusy
	case <-l.quit:
		return errLinkClosed
	}

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errLinkBusy
	case <-l.quit:
		return errLinkClosed
	}
}

// run is the single goroutine owning all radio I/O and the link state.
func (l *Link) run() {
	for {
		var dropped <-chan struct{}
		if l.conn != nil {
			dropped = l.conn.Disconnected()
		}
		select {
		case req := <-l.reqs:
			req.done <- req.op()
		case <-dropped:
			l.events.PublishStatus("Connection to OilBoy lost.")
			l.conn = nil // peripheral side is already gone
			l.setState(transport.Disconnected)
			l.events.PublishConnected(false)
		case <-l.quit:
			if l.conn != nil {
				l.teardown()
			}
			return
		}
	}
}

func (l *Link) setState(s transport.LinkState) {
	l.state.Store(int32(s))
}

// scanAndConnectOp repeatedly runs short discovery scans for the advertised
// name until the burst window elapses. A found device gets up to three
// connection attempts; if all fail we sit out the device's refractory period
// and resume scanning instead of failing the whole window.
func (l *Link) scanAndConnectOp(serial string, burstWindow time.Duration) error {
	target := oilboy.AdvertisedName(serial)
	l.events.PublishStatus(fmt.Sprintf("Scanning for %s (up to %s)...", target, burstWindow))
	l.setState(transport.Scanning)

	deadline := time.Now().Add(burstWindow)
	attempt := 1
	for time.Now().Before(deadline) {
		if l.abort.Load() {
			l.setState(transport.Disconnected)
			return errAborted
		}
		l.setState(transport.Scanning)
		l.events.PublishStatus(fmt.Sprintf("Scan attempt %d...", attempt))
		found, ok := l.scanOnce(target)
		if !ok {
			time.Sleep(scanIdlePause)
			attempt++
			continue
		}

		l.events.PublishStatus(fmt.Sprintf("Found %s at %s. Connecting...", target, found.Addr))
		for try := 1; try <= connectAttemptsPerBurst; try++ {
			if l.abort.Load() {
				l.setState(transport.Disconnected)
				return errAborted
			}
			err := l.connectOp(found.Addr)
			if err == nil {
				return nil
			}
			if errors.Is(err, errSetupFailed) {
				// Connected but the UART pair is missing: that is a device
				// problem, not a radio problem. Retrying the burst won't fix it.
				return err
			}
			l.events.PublishStatus(fmt.Sprintf("Connection attempt %d failed: %v", try, err))
		}
		l.events.PublishStatus("All connection attempts failed for this burst. Waiting for next burst...")
		time.Sleep(l.cfg.PostBurstWait)
		attempt++
	}

	l.setState(transport.Disconnected)
	l.events.PublishStatus(fmt.Sprintf("%s not found after %s.", target, burstWindow))
	return fmt.Errorf("%s not found within burst window", target)
}

// scanOnce runs one discovery slice and picks the advertisement whose name
// matches the target, case-insensitively.
func (l *Link) scanOnce(target string) (Advertisement, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ScanSlice+time.Second)
	defer cancel()

	advs, err := l.radio.Discover(ctx, l.cfg.ScanSlice)
	if err != nil {
		l.events.PublishStatus("Scan error: " + err.Error())
		return Advertisement{}, false
	}
	for _, a := range advs {
		if strings.EqualFold(a.Name, target) {
			return a, true
		}
	}
	return Advertisement{}, false
}

// connectOp dials the address and performs characteristic setup. Any failure
// after the dial tears the connection down again; there is no partial-ready
// state.
func (l *Link) connectOp(addr string) error {
	l.setState(transport.Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	conn, err := l.radio.Dial(ctx, addr, l.cfg.ConnectTimeout)
	cancel()
	if err != nil {
		l.setState(transport.Disconnected)
		l.events.PublishStatus("Connect failed: " + err.Error())
		return err
	}

	l.conn = conn
	l.events.PublishStatus("Connected. Setting up services...")
	if err := l.setupCharacteristics(); err != nil {
		l.events.PublishStatus("ERROR: UART service characteristics not found.")
		l.teardown()
		return fmt.Errorf("%w: %v", errSetupFailed, err)
	}

	l.lastAddr.Store(conn.Addr())
	l.setState(transport.Ready)
	l.events.PublishConnected(true)
	l.events.PublishStatus("OilBoy is ready.")
	return nil
}

// setupCharacteristics resolves the UART write/notify pair and subscribes
// notifications into the codec. Both handles must be present and the notify
// handle must actually support subscription.
func (l *Link) setupCharacteristics() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	defer cancel()

	chars, err := l.conn.Characteristics(ctx)
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	var haveWrite, haveNotify, notifyCapable bool
	for _, c := range chars {
		switch normalizeUUID(c.UUID) {
		case normalizeUUID(oilboy.UARTWriteCharUUID):
			haveWrite = true
		case normalizeUUID(oilboy.UARTNotifyCharUUID):
			haveNotify = true
			notifyCapable = c.Notify
		}
	}
	if !haveWrite || !haveNotify {
		return errors.New("UART characteristics not found")
	}
	if !notifyCapable {
		return errors.New("RX characteristic does not support notifications")
	}

	if err := l.conn.Subscribe(oilboy.UARTNotifyCharUUID, l.handleNotification); err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	return nil
}

// handleNotification runs on the radio library's delivery goroutine. It only
// decodes and publishes; it never touches link state.
func (l *Link) handleNotification(data []byte) {
	frame := oilboy.Decode(data)
	switch frame.Kind {
	case oilboy.FrameBattery:
		l.events.PublishBattery(frame.Battery)
	case oilboy.FrameStatus:
		l.events.PublishStatus("OilBoy: " + frame.Text)
	case oilboy.FrameMalformed:
		l.events.PublishStatus("BLE notification error: payload is not valid UTF-8")
	}
}

func (l *Link) sendOp(command string, timeout time.Duration) error {
	if l.State() != transport.Ready || l.conn == nil {
		l.events.PublishStatus("Not connected to OilBoy")
		return errNotReady
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := l.conn.Write(ctx, oilboy.UARTWriteCharUUID, oilboy.Encode(command)); err != nil {
		l.events.PublishStatus("Error sending command: " + err.Error())
		return err
	}
	l.events.PublishStatus("Command sent: " + command)
	return nil
}

// teardown unsubscribes (best effort), closes the connection (errors logged,
// not fatal) and always ends in Disconnected with a connected(false) event,
// even when there was nothing to close.
func (l *Link) teardown() {
	if l.conn != nil {
		l.setState(transport.Disconnecting)
		_ = l.conn.Unsubscribe(oilboy.UARTNotifyCharUUID)
		if err := l.conn.Close(); err != nil {
			l.events.PublishStatus("Error during disconnect: " + err.Error())
		}
		l.conn = nil
	}
	l.setState(transport.Disconnected)
	l.events.PublishConnected(false)
	l.events.PublishStatus("Disconnected from OilBoy.")
}
