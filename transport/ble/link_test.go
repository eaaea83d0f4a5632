// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/transport"
)

// fakeConn implements Conn in-memory.
type fakeConn struct {
	mu       sync.Mutex
	addr     string
	chars    []Characteristic
	writeErr error
	writes   []string
	notify   func([]byte)
	closed   int
	dropped  chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr: addr,
		chars: []Characteristic{
			{UUID: oilboy.UARTWriteCharUUID},
			{UUID: oilboy.UARTNotifyCharUUID, Notify: true},
		},
		dropped: make(chan struct{}),
	}
}

func (c *fakeConn) Characteristics(ctx context.Context) ([]Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars, nil
}

func (c *fakeConn) Write(ctx context.Context, uuid string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Subscribe(uuid string, fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
	return nil
}

func (c *fakeConn) Unsubscribe(uuid string) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) Disconnected() <-chan struct{} { return c.dropped }
func (c *fakeConn) Addr() string                  { return c.addr }

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) sentCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeRadio implements Radio and records the order of operations.
type fakeRadio struct {
	mu        sync.Mutex
	advs      []Advertisement
	dialErr   error
	dialDelay time.Duration // makes each dial consume wall-clock time
	conns     []*fakeConn   // conns handed out, in order
	mkConn    func(addr string) *fakeConn
	ops       []string
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{mkConn: newFakeConn}
}

func (r *fakeRadio) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "discover")
	return r.advs, nil
}

func (r *fakeRadio) Dial(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	r.mu.Lock()
	r.ops = append(r.ops, "dial:"+addr)
	delay, dialErr := r.dialDelay, r.dialErr
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.mkConn(addr)
	r.conns = append(r.conns, conn)
	return conn, nil
}

func (r *fakeRadio) lastConn() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func (r *fakeRadio) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

func newTestEvents() *transport.Events { return transport.NewEvents() }

func testLinkConfig() LinkConfig {
	return LinkConfig{
		ConnectTimeout: 200 * time.Millisecond,
		ScanSlice:      5 * time.Millisecond,
		PostBurstWait:  5 * time.Millisecond,
	}
}

// drainConnected collects every pending connected-state event.
func drainConnected(e *transport.Events) []bool {
	var out []bool
	for {
		select {
		case v := <-e.Connected:
			out = append(out, v)
		default:
			return out
		}
	}
}

func drainStatus(e *transport.Events) []string {
	var out []string
	for {
		select {
		case v := <-e.Status:
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestScanAndConnectMatchesAdvertisedName(t *testing.T) {
	radio := newFakeRadio()
	radio.advs = []Advertisement{
		{Name: "SomeOtherDevice", Addr: "AA:AA:AA:AA:AA:AA"},
		{Name: "OILBOY_A002", Addr: "DC:54:75:EB:81:B1"},
	}
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	// Serial with stray whitespace and lower case must still match.
	if !link.ScanAndConnect(" a002 ", 2*time.Second) {
		t.Fatal("ScanAndConnect failed")
	}
	if !link.Ready() {
		t.Fatalf("state = %v, want ready", link.State())
	}
	if got := link.Addr(); got != "DC:54:75:EB:81:B1" {
		t.Fatalf("learned address = %q, want the matched advertisement's", got)
	}

	conns := drainConnected(events)
	if len(conns) != 1 || !conns[0] {
		t.Fatalf("connected events = %v, want exactly [true]", conns)
	}
}

func TestScanAndConnectNotFound(t *testing.T) {
	radio := newFakeRadio() // nothing advertising
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if link.ScanAndConnect("A002", 10*time.Millisecond) {
		t.Fatal("ScanAndConnect should fail when nothing advertises the name")
	}
	if link.State() != transport.Disconnected {
		t.Fatalf("state = %v, want disconnected", link.State())
	}
	if got := drainConnected(events); len(got) != 0 {
		t.Fatalf("connected events = %v, want none before any connection", got)
	}
}

func TestConnectByAddressSetupFailure(t *testing.T) {
	tests := []struct {
		name  string
		chars []Characteristic
	}{
		{"uart pair missing", []Characteristic{{UUID: "0000180a-0000-1000-8000-00805f9b34fb"}}},
		{"notify unsupported", []Characteristic{
			{UUID: oilboy.UARTWriteCharUUID},
			{UUID: oilboy.UARTNotifyCharUUID, Notify: false},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := newFakeRadio()
			radio.mkConn = func(addr string) *fakeConn {
				c := newFakeConn(addr)
				c.chars = tt.chars
				return c
			}
			events := transport.NewEvents()
			link := NewLink(radio, events, testLinkConfig())
			defer link.Close()

			if link.ConnectByAddress("DC:54:75:EB:81:B1") {
				t.Fatal("ConnectByAddress should fail when characteristic setup fails")
			}
			if link.State() != transport.Disconnected {
				t.Fatalf("state = %v, want disconnected", link.State())
			}
			if conn := radio.lastConn(); conn == nil || conn.closed != 1 {
				t.Fatal("the half-set-up connection must be torn down")
			}

			conns := drainConnected(events)
			if len(conns) != 1 || conns[0] {
				t.Fatalf("connected events = %v, want exactly [false]", conns)
			}
		})
	}
}

func TestSendCommandNotReady(t *testing.T) {
	radio := newFakeRadio()
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if link.SendCommand("PING", time.Second) {
		t.Fatal("SendCommand must fail while disconnected")
	}
}

func TestSendCommandWritesFrame(t *testing.T) {
	radio := newFakeRadio()
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if !link.ConnectByAddress("DC:54:75:EB:81:B1") {
		t.Fatal("connect failed")
	}
	if !link.SendCommand("OIL:50", time.Second) {
		t.Fatal("SendCommand failed")
	}

	sent := radio.lastConn().sentCommands()
	if len(sent) != 1 || sent[0] != "OIL:50\n" {
		t.Fatalf("wrote %q, want one newline-terminated frame", sent)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	radio := newFakeRadio()
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if !link.ConnectByAddress("DC:54:75:EB:81:B1") {
		t.Fatal("connect failed")
	}
	drainConnected(events)

	link.Disconnect()
	link.Disconnect()

	if got := radio.lastConn().closed; got != 1 {
		t.Fatalf("hardware close count = %d, want 1", got)
	}
	conns := drainConnected(events)
	if len(conns) != 2 || conns[0] || conns[1] {
		t.Fatalf("connected events = %v, want [false false]", conns)
	}
	if link.State() != transport.Disconnected {
		t.Fatalf("state = %v, want disconnected", link.State())
	}
}

func TestDisconnectInterruptsConnectBurst(t *testing.T) {
	radio := newFakeRadio()
	radio.advs = []Advertisement{{Name: "OILBOY_A002", Addr: "DC:54:75:EB:81:B1"}}
	radio.dialErr = errors.New("connection supervision timeout")
	radio.dialDelay = 200 * time.Millisecond // each dial eats its full timeout
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	result := make(chan bool, 1)
	go func() { result <- link.ScanAndConnect("A002", 5*time.Second) }()
	time.Sleep(50 * time.Millisecond) // let the burst start dialing

	start := time.Now()
	if !link.Disconnect() {
		t.Fatal("Disconnect must report success even during a connect burst")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Disconnect took %v; it must not wait out the burst", elapsed)
	}

	select {
	case ok := <-result:
		if ok {
			t.Fatal("the interrupted burst must not report a connection")
		}
	case <-time.After(time.Second):
		t.Fatal("ScanAndConnect did not return after the disconnect")
	}

	if link.State() != transport.Disconnected {
		t.Fatalf("state = %v, want disconnected", link.State())
	}
	conns := drainConnected(events)
	if len(conns) != 1 || conns[0] {
		t.Fatalf("connected events = %v, want exactly [false]", conns)
	}
}

func TestNotificationRouting(t *testing.T) {
	radio := newFakeRadio()
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if !link.ConnectByAddress("DC:54:75:EB:81:B1") {
		t.Fatal("connect failed")
	}
	drainStatus(events)

	conn := radio.lastConn()
	conn.notify([]byte("BATTERY_OK,ID_7,VOLT_4.05,USB_False"))
	conn.notify([]byte("READY"))

	select {
	case report := <-events.Battery:
		if report.Voltage != 4.05 || report.USBPowered {
			t.Fatalf("battery report = %+v", report)
		}
	default:
		t.Fatal("battery notification was not routed")
	}

	statuses := drainStatus(events)
	var sawReady bool
	for _, s := range statuses {
		if strings.Contains(s, "READY") {
			sawReady = true
		}
	}
	if !sawReady {
		t.Fatalf("status events %v do not carry the READY line", statuses)
	}
}

func TestConnectionLossPublishesDisconnect(t *testing.T) {
	radio := newFakeRadio()
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if !link.ConnectByAddress("DC:54:75:EB:81:B1") {
		t.Fatal("connect failed")
	}
	drainConnected(events)

	close(radio.lastConn().dropped)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if link.State() == transport.Disconnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if link.State() != transport.Disconnected {
		t.Fatal("link did not observe the dropped connection")
	}
	conns := drainConnected(events)
	if len(conns) != 1 || conns[0] {
		t.Fatalf("connected events = %v, want [false]", conns)
	}
}

func TestScanAndConnectSetupFailureDoesNotRetryBurst(t *testing.T) {
	radio := newFakeRadio()
	radio.advs = []Advertisement{{Name: "OILBOY_A002", Addr: "DC:54:75:EB:81:B1"}}
	radio.mkConn = func(addr string) *fakeConn {
		c := newFakeConn(addr)
		c.chars = nil // connected, but no UART service
		return c
	}
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if link.ScanAndConnect("A002", 5*time.Second) {
		t.Fatal("ScanAndConnect should fail on setup failure")
	}
	var dials int
	for _, op := range radio.operations() {
		if strings.HasPrefix(op, "dial:") {
			dials++
		}
	}
	if dials != 1 {
		t.Fatalf("dial count = %d; missing characteristics must not be retried", dials)
	}
}

func TestSendCommandWriteFailure(t *testing.T) {
	radio := newFakeRadio()
	events := transport.NewEvents()
	link := NewLink(radio, events, testLinkConfig())
	defer link.Close()

	if !link.ConnectByAddress("DC:54:75:EB:81:B1") {
		t.Fatal("connect failed")
	}
	radio.lastConn().setWriteErr(errors.New("att write rejected"))

	if link.SendCommand("PING", time.Second) {
		t.Fatal("SendCommand must report write failures as false")
	}
}
