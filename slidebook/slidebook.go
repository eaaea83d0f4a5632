// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slidebook talks to the SlideBook microscope-control application
// over its local socket. The wire protocol is treated as an opaque remote
// procedure interface; only the handful of calls the bridge needs is
// exposed here.
package slidebook

import "context"

// Objective is one entry of the microscope's objective turret.
type Objective struct {
	Name           string `json:"name"`
	TurretPosition int    `json:"turret_position"`
}

// Position is a stage position in microns.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Controller is the microscope-control surface the bridge drives. The
// session is a single exclusive socket: implementations serialize calls,
// one request in flight at a time.
type Controller interface {
	// CurrentObjective returns the name of the objective currently in place.
	CurrentObjective(ctx context.Context) (string, error)
	// StagePosition reads the stage position in microns.
	StagePosition(ctx context.Context) (Position, error)
	// SetStagePosition commands a stage move in microns.
	SetStagePosition(ctx context.Context, pos Position) error
	// Objectives lists the turret's objectives.
	Objectives(ctx context.Context) ([]Objective, error)
	// SetTurretPosition commands the turret to a physical position.
	SetTurretPosition(ctx context.Context, position int) error
}
