// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slidebook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

// startMockSlideBook runs a one-session JSON-line server answering the
// methods the client knows.
func startMockSlideBook(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					var req struct {
						ID     uint64          `json:"id"`
						Method string          `json:"method"`
						Params json.RawMessage `json:"params"`
					}
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
						return
					}

					resp := map[string]interface{}{"id": req.ID, "ok": true}
					switch req.Method {
					case "GetCurrentObjective":
						resp["result"] = "60x"
					case "GetStagePosition":
						resp["result"] = map[string]float64{"x": 1.0, "y": 2.0, "z": 100.0}
					case "SetStagePosition":
						resp["result"] = true
					case "GetObjectives":
						resp["result"] = []map[string]interface{}{
							{"name": "10x", "turret_position": 1},
							{"name": "60x", "turret_position": 3},
						}
					case "SetTurretPosition":
						var params struct {
							Position int `json:"position"`
						}
						json.Unmarshal(req.Params, &params)
						// Position 9 does not exist on the mock turret.
						if params.Position == 9 {
							resp["ok"] = false
							resp["error"] = "no such turret position"
						} else {
							resp["result"] = true
						}
					default:
						resp["ok"] = false
						resp["error"] = "unknown method"
					}

					payload, _ := json.Marshal(resp)
					payload = append(payload, '\n')
					c.Write(payload)
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func TestClientRoundTrips(t *testing.T) {
	addr := startMockSlideBook(t)

	client := NewClient(addr)
	client.Timeout = time.Second
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	obj, err := client.CurrentObjective(ctx)
	if err != nil || obj != "60x" {
		t.Fatalf("CurrentObjective = %q, %v", obj, err)
	}

	pos, err := client.StagePosition(ctx)
	if err != nil || pos.Z != 100.0 {
		t.Fatalf("StagePosition = %+v, %v", pos, err)
	}

	if err := client.SetStagePosition(ctx, Position{Z: 150.0}); err != nil {
		t.Fatalf("SetStagePosition: %v", err)
	}

	objectives, err := client.Objectives(ctx)
	if err != nil || len(objectives) != 2 || objectives[1].TurretPosition != 3 {
		t.Fatalf("Objectives = %+v, %v", objectives, err)
	}

	if err := client.SetTurretPosition(ctx, 3); err != nil {
		t.Fatalf("SetTurretPosition: %v", err)
	}
}

func TestClientRemoteError(t *testing.T) {
	addr := startMockSlideBook(t)

	client := NewClient(addr)
	client.Timeout = time.Second
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.SetTurretPosition(ctx, 9); err == nil {
		t.Fatal("expected remote error for unknown turret position")
	}

	// A remote (application-level) error must not poison the session.
	if _, err := client.CurrentObjective(ctx); err != nil {
		t.Fatalf("session unusable after remote error: %v", err)
	}
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient("127.0.0.1:1")
	if _, err := client.CurrentObjective(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	addr := startMockSlideBook(t)
	client := NewClient(addr)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if client.Connected() {
		t.Fatal("client still reports connected after Close")
	}
}
