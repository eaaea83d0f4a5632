// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package web is the bridge's UI boundary: a websocket hub that streams
// device and procedure events out to any number of dashboards and accepts
// operator commands back.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ffutop/oilboy-bridge/internal/config"
	"github.com/ffutop/oilboy-bridge/transport"
)

const shutdownTimeout = 5 * time.Second

// Handler receives operator commands from the sockets. Implementations are
// called from socket read goroutines and must not block; long work goes on
// the implementation's own goroutines.
type Handler interface {
	ConnectDevice()
	DisconnectDevice()
	RequestBattery()
	StartRun(mode int, destObjective string)
	CancelRun()
	SaveSettings(settings config.SettingsConfig)
	SaveWindowGeometry(geometry string)
}

// inbound is the envelope for operator commands.
type inbound struct {
	Type     string                 `json:"type"`
	Run      *runRequest            `json:"run,omitempty"`
	Settings *config.SettingsConfig `json:"settings,omitempty"`
	Geometry string                 `json:"geometry,omitempty"`
}

type runRequest struct {
	Mode          int    `json:"mode"`
	DestObjective string `json:"dest_objective"`
}

// Hub owns the websocket clients and fans bridge events out to them.
type Hub struct {
	addr    string
	events  *transport.Events
	handler Handler

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates a hub serving on addr.
func NewHub(addr string, events *transport.Events, handler Handler) *Hub {
	return &Hub{
		addr:    addr,
		events:  events,
		handler: handler,
		// The dashboards are served off localhost; any origin is fine.
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}
}

// Addr returns the bound listen address. Valid after Run has started.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Run serves until ctx is cancelled. It owns the event channels: nothing
// else may drain them while the hub runs.
func (h *Hub) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleSocket)
	h.server = &http.Server{Handler: mux}

	go h.pumpEvents(ctx)
	go func() {
		slog.Info("Web hub listening", "addr", listener.Addr().String())
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("Web hub server failed", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

// pumpEvents turns bridge events into broadcast frames.
func (h *Hub) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-h.events.Status:
			h.Broadcast(map[string]interface{}{"type": "status", "text": text})
		case up := <-h.events.Connected:
			h.Broadcast(map[string]interface{}{"type": "connected", "up": up})
		case report := <-h.events.Battery:
			h.Broadcast(map[string]interface{}{
				"type":        "battery",
				"voltage":     report.Voltage,
				"usb_powered": report.USBPowered,
			})
		}
	}
}

// Broadcast sends one frame to every connected dashboard. Dead sockets are
// dropped on the spot.
func (h *Hub) Broadcast(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Could not encode broadcast frame", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "err", err)
		return
	}
	slog.Info("Dashboard connected", "remote", conn.RemoteAddr().String())

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		slog.Info("Dashboard disconnected", "remote", conn.RemoteAddr().String())
	}()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.dispatch(msg)
	}
}

func (h *Hub) dispatch(msg inbound) {
	switch msg.Type {
	case "connect":
		h.handler.ConnectDevice()
	case "disconnect":
		h.handler.DisconnectDevice()
	case "battery":
		h.handler.RequestBattery()
	case "run":
		if msg.Run != nil {
			h.handler.StartRun(msg.Run.Mode, msg.Run.DestObjective)
		}
	case "cancel":
		h.handler.CancelRun()
	case "save_settings":
		if msg.Settings != nil {
			h.handler.SaveSettings(*msg.Settings)
		}
	case "save_window":
		h.handler.SaveWindowGeometry(msg.Geometry)
	default:
		slog.Warn("Unknown dashboard command", "type", msg.Type)
	}
}
