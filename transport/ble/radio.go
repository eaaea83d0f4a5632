// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// Advertisement is one peripheral seen during a discovery scan.
type Advertisement struct {
	Name string
	Addr string
}

// Characteristic describes a GATT characteristic as far as the link cares:
// its identity and whether it supports notification subscription.
type Characteristic struct {
	UUID   string
	Notify bool
}

// Conn is one established peripheral connection.
type Conn interface {
	// Characteristics resolves the characteristics offered by the peripheral.
	Characteristics(ctx context.Context) ([]Characteristic, error)
	// Write writes data to the characteristic with the given UUID.
	Write(ctx context.Context, uuid string, data []byte) error
	// Subscribe routes notifications from the characteristic into fn.
	Subscribe(uuid string, fn func([]byte)) error
	// Unsubscribe stops notification delivery.
	Unsubscribe(uuid string) error
	// Close tears the connection down.
	Close() error
	// Disconnected is closed when the peripheral drops the connection.
	Disconnected() <-chan struct{}
	// Addr is the peripheral's hardware address.
	Addr() string
}

// Radio is the scanning/GATT capability the link runs on. The production
// implementation wraps a go-ble HCI device; tests substitute a fake.
type Radio interface {
	// Discover runs one discovery scan for the given window and returns
	// every peripheral seen, deduplicated by address.
	Discover(ctx context.Context, window time.Duration) ([]Advertisement, error)
	// Dial connects to a peripheral by address, bounded by timeout.
	Dial(ctx context.Context, addr string, timeout time.Duration) (Conn, error)
}

// hciRadio implements Radio on a BlueZ HCI adapter via go-ble.
type hciRadio struct {
	dev goble.Device
}

// NewRadio opens the HCI adapter with the given ID (e.g. 0 for hci0).
func NewRadio(adapterID int) (Radio, error) {
	d, err := linux.NewDevice(goble.OptDeviceID(adapterID))
	if err != nil {
		return nil, fmt.Errorf("open adapter hci%d: %w", adapterID, err)
	}
	return &hciRadio{dev: d}, nil
}

func (r *hciRadio) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Advertisement)
	handler := func(a goble.Advertisement) {
		mu.Lock()
		seen[a.Addr().String()] = Advertisement{Name: a.LocalName(), Addr: a.Addr().String()}
		mu.Unlock()
	}

	err := r.dev.Scan(scanCtx, false, handler)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	advs := make([]Advertisement, 0, len(seen))
	for _, a := range seen {
		advs = append(advs, a)
	}
	return advs, nil
}

func (r *hciRadio) Dial(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, err := r.dev.Dial(dialCtx, goble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &hciConn{cli: cli}, nil
}

// hciConn adapts a go-ble client to the Conn boundary.
type hciConn struct {
	cli goble.Client

	mu    sync.Mutex
	chars map[string]*goble.Characteristic // keyed by normalized UUID
}

func (c *hciConn) Characteristics(ctx context.Context) ([]Characteristic, error) {
	type result struct {
		profile *goble.Profile
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.cli.DiscoverProfile(true)
		done <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("discover profile: %w", res.err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.chars = make(map[string]*goble.Characteristic)
		var out []Characteristic
		for _, svc := range res.profile.Services {
			for _, char := range svc.Characteristics {
				key := normalizeUUID(char.UUID.String())
				c.chars[key] = char
				out = append(out, Characteristic{
					UUID:   key,
					Notify: char.Property&goble.CharNotify != 0,
				})
			}
		}
		return out, nil
	}
}

func (c *hciConn) Write(ctx context.Context, uuid string, data []byte) error {
	char, err := c.lookup(uuid)
	if err != nil {
		return err
	}
	// go-ble writes have no context plumbing; run the write aside so the
	// call stays bounded by ctx even on a wedged connection.
	done := make(chan error, 1)
	go func() {
		done <- c.cli.WriteCharacteristic(char, data, false)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *hciConn) Subscribe(uuid string, fn func([]byte)) error {
	char, err := c.lookup(uuid)
	if err != nil {
		return err
	}
	return c.cli.Subscribe(char, false, func(req []byte) { fn(req) })
}

func (c *hciConn) Unsubscribe(uuid string) error {
	char, err := c.lookup(uuid)
	if err != nil {
		return err
	}
	return c.cli.Unsubscribe(char, false)
}

func (c *hciConn) Close() error {
	return c.cli.CancelConnection()
}

func (c *hciConn) Disconnected() <-chan struct{} {
	return c.cli.Disconnected()
}

func (c *hciConn) Addr() string {
	return c.cli.Addr().String()
}

func (c *hciConn) lookup(uuid string) (*goble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	char, ok := c.chars[normalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not resolved", uuid)
	}
	return char, nil
}

// normalizeUUID strips dashes and lowercases so that UUIDs from different
// sources (config constants, go-ble) compare equal.
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
