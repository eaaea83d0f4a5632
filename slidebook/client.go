// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slidebook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultCallTimeout = 10 * time.Second

// ErrNotConnected is returned for any call issued without an established
// session.
var ErrNotConnected = errors.New("slidebook: not connected")

// Client is a Controller over a newline-delimited JSON request/response
// session on a TCP socket. Calls are mutex-serialized: the socket carries
// exactly one request at a time.
type Client struct {
	Address string
	Timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// NewClient allocates a client for the given host:port. Connect must be
// called before any other method.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: defaultCallTimeout,
	}
}

type rpcRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Connect dials the SlideBook socket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return fmt.Errorf("slidebook: connect %s: %w", c.Address, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	slog.Info("SlideBook connected", "address", c.Address)
	return nil
}

// Connected reports whether a session is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the session down. Safe to call when not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// call performs one request/response cycle under the session mutex.
// Any I/O error poisons the session; the caller must reconnect.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	c.nextID++
	req := rpcRequest{ID: c.nextID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("slidebook: encode %s: %w", method, err)
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := c.conn.Write(payload); err != nil {
		c.closeLocked()
		return fmt.Errorf("slidebook: write %s: %w", method, err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("slidebook: read %s response: %w", method, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("slidebook: decode %s response: %w", method, err)
	}
	if resp.ID != req.ID {
		c.closeLocked()
		return fmt.Errorf("slidebook: response id %d for request %d", resp.ID, req.ID)
	}
	if !resp.OK {
		return fmt.Errorf("slidebook: %s: %s", method, resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("slidebook: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) CurrentObjective(ctx context.Context) (string, error) {
	var name string
	if err := c.call(ctx, "GetCurrentObjective", nil, &name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *Client) StagePosition(ctx context.Context) (Position, error) {
	var pos Position
	if err := c.call(ctx, "GetStagePosition", nil, &pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

func (c *Client) SetStagePosition(ctx context.Context, pos Position) error {
	var moved bool
	if err := c.call(ctx, "SetStagePosition", pos, &moved); err != nil {
		return err
	}
	if !moved {
		return errors.New("slidebook: stage move rejected")
	}
	return nil
}

func (c *Client) Objectives(ctx context.Context) ([]Objective, error) {
	var objectives []Objective
	if err := c.call(ctx, "GetObjectives", nil, &objectives); err != nil {
		return nil, err
	}
	return objectives, nil
}

func (c *Client) SetTurretPosition(ctx context.Context, position int) error {
	params := map[string]int{"position": position}
	var moved bool
	if err := c.call(ctx, "SetTurretPosition", params, &moved); err != nil {
		return err
	}
	if !moved {
		return errors.New("slidebook: turret move rejected")
	}
	return nil
}
