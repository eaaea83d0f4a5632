// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package procedure runs the two oiling procedures: a fixed ordered
// sequence of steps spanning the microscope and the OilBoy, with a
// cooperative cancellation check at every step boundary.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ffutop/oilboy-bridge/oilboy"
	"github.com/ffutop/oilboy-bridge/slidebook"
)

// Mode selects which procedure runs.
//
// Mode1 switches from a low-power objective to an operator-chosen
// destination objective, oiling on the way. Mode2 re-oils the current
// high-power objective and returns to it.
type Mode int

const (
	Mode1 Mode = iota + 1
	Mode2
)

func (m Mode) String() string {
	switch m {
	case Mode1:
		return "mode1"
	case Mode2:
		return "mode2"
	default:
		return "unknown"
	}
}

// State is the run's position in the step sequence.
type State int

const (
	StateInit State = iota
	StateSwitchToOilingObjective
	StateApplyOil
	StateRaiseStage
	StateLowerStage
	StateSwitchToFinalObjective
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSwitchToOilingObjective:
		return "switch-to-oiling-objective"
	case StateApplyOil:
		return "apply-oil"
	case StateRaiseStage:
		return "raise-stage"
	case StateLowerStage:
		return "lower-stage"
	case StateSwitchToFinalObjective:
		return "switch-to-final-objective"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	// ErrPreconditions means the run was rejected before its first step.
	ErrPreconditions = errors.New("procedure: preconditions not met")
	// ErrObjectiveNotFound means an objective name has no turret match.
	ErrObjectiveNotFound = errors.New("procedure: objective not found")
	// ErrCancelled means the cancellation token fired at a step boundary.
	ErrCancelled = errors.New("procedure: cancelled")
	// ErrOilCommand means the dispense command failed even after the
	// controller's one allowed reconnect.
	ErrOilCommand = errors.New("procedure: oil command failed")
	// ErrNoStoredPosition is a programming-invariant violation: a lower
	// was attempted without a stored raise position.
	ErrNoStoredPosition = errors.New("procedure: no original stage position stored")
)

// Token is a per-run cancellation flag, polled at step boundaries.
// In-flight operations are not interrupted; worst-case cancellation latency
// is one operation's timeout, not the remaining procedure.
type Token struct {
	cancelled atomic.Bool
}

func NewToken() *Token { return &Token{} }

func (t *Token) Cancel()         { t.cancelled.Store(true) }
func (t *Token) Cancelled() bool { return t.cancelled.Load() }

// Commander sends liveness-checked commands to the oiling device.
type Commander interface {
	Ready() bool
	SendChecked(command string) bool
}

// Settings are the operator-tunable parameters of one run.
type Settings struct {
	OilingObjective string        // turret position holding the OilBoy nozzle
	OffsetMicrons   float64       // stage raise distance
	OilAmount       int           // dispense step count
	StepSettle      time.Duration // hardware settle after turret/stage steps
	OilSettle       time.Duration // settle after the dispense command
}

// StepResult records one executed step.
type StepResult struct {
	State State
	Err   error
	At    time.Time
}

// Run is the record of one procedure execution. It is created per
// invocation, mutated step by step and never reused.
type Run struct {
	Mode            Mode
	DestObjective   string // Mode1: operator-chosen final objective
	ReturnObjective string // Mode2: objective captured at run start

	// OriginalStagePosition is captured by the raise step and consumed by
	// the lower step. Threading it through the run record makes that
	// dependency explicit instead of hiding it in orchestrator state.
	OriginalStagePosition *slidebook.Position

	Steps []StepResult
	state State
	err   error
}

// State returns the run's current state.
func (r *Run) State() State { return r.state }

// Err returns the error that ended the run, if any.
func (r *Run) Err() error { return r.err }

// Orchestrator executes procedure runs against the microscope and the
// device. Steps are strictly sequential: no call for step N+1 is issued
// before step N's result is observed.
type Orchestrator struct {
	Scope      slidebook.Controller
	ScopeReady func() bool // microscope link state, read not probed
	Device     Commander
	Status     func(string) // human-readable run trace, may be nil
}

func (o *Orchestrator) status(msg string) {
	if o.Status != nil {
		o.Status(msg)
	}
}

// Execute runs one procedure to completion, failure or cancellation.
// The returned Run always reflects what actually happened, also on error.
func (o *Orchestrator) Execute(ctx context.Context, mode Mode, destObjective string, settings Settings, tok *Token) (*Run, error) {
	run := &Run{Mode: mode, DestObjective: destObjective, state: StateInit}
	if tok == nil {
		tok = NewToken()
	}

	if err := o.checkPreconditions(mode, destObjective); err != nil {
		run.state = StateAborted
		run.err = err
		return run, err
	}

	if mode == Mode2 {
		current, err := o.Scope.CurrentObjective(ctx)
		if err != nil {
			run.state = StateAborted
			run.err = fmt.Errorf("%w: read current objective: %v", ErrPreconditions, err)
			return run, run.err
		}
		run.ReturnObjective = current
	}

	o.status(fmt.Sprintf("Starting %s", mode))

	type stepDef struct {
		state  State
		settle time.Duration
		fn     func() error
	}
	steps := []stepDef{
		{StateSwitchToOilingObjective, settings.StepSettle, func() error {
			o.status(fmt.Sprintf("Switching to OilBoy objective (%s)...", settings.OilingObjective))
			return o.switchToObjective(ctx, settings.OilingObjective)
		}},
		{StateApplyOil, settings.OilSettle, func() error {
			o.status("Applying oil...")
			return o.applyOil(settings.OilAmount)
		}},
		{StateRaiseStage, settings.StepSettle, func() error {
			o.status("Raising stage for oil application...")
			return o.raiseStage(ctx, run, settings.OffsetMicrons)
		}},
		{StateLowerStage, settings.StepSettle, func() error {
			o.status("Lowering stage...")
			return o.lowerStage(ctx, run)
		}},
		{StateSwitchToFinalObjective, 0, func() error {
			target := run.finalObjective()
			o.status(fmt.Sprintf("Switching to %s...", target))
			return o.switchToObjective(ctx, target)
		}},
	}

	for _, step := range steps {
		if tok.Cancelled() {
			o.status(fmt.Sprintf("%s cancelled", mode))
			run.state = StateAborted
			run.err = ErrCancelled
			return run, ErrCancelled
		}
		run.state = step.state
		err := step.fn()
		run.Steps = append(run.Steps, StepResult{State: step.state, Err: err, At: time.Now()})
		if err != nil {
			o.status(fmt.Sprintf("Error in %s: %v", mode, err))
			run.state = StateAborted
			run.err = err
			return run, err
		}
		if step.settle > 0 {
			time.Sleep(step.settle)
		}
	}

	run.state = StateDone
	o.status(fmt.Sprintf("%s completed successfully", mode))
	return run, nil
}

func (r *Run) finalObjective() string {
	if r.Mode == Mode2 {
		return r.ReturnObjective
	}
	return r.DestObjective
}

func (o *Orchestrator) checkPreconditions(mode Mode, destObjective string) error {
	// The mode arrives as a raw integer from the control surface; anything
	// outside the two defined procedures must be rejected before hardware
	// is touched.
	if mode != Mode1 && mode != Mode2 {
		return fmt.Errorf("%w: unknown mode %d", ErrPreconditions, mode)
	}
	if o.Scope == nil || o.ScopeReady == nil || !o.ScopeReady() {
		return fmt.Errorf("%w: SlideBook not connected", ErrPreconditions)
	}
	if o.Device == nil || !o.Device.Ready() {
		return fmt.Errorf("%w: OilBoy not connected", ErrPreconditions)
	}
	if mode == Mode1 && destObjective == "" {
		return fmt.Errorf("%w: no destination objective selected", ErrPreconditions)
	}
	return nil
}

// switchToObjective resolves an objective name to its turret position and
// commands the move.
func (o *Orchestrator) switchToObjective(ctx context.Context, name string) error {
	objectives, err := o.Scope.Objectives(ctx)
	if err != nil {
		return fmt.Errorf("list objectives: %w", err)
	}

	position := -1
	for _, obj := range objectives {
		if obj.Name == name {
			position = obj.TurretPosition
			break
		}
	}
	if position < 0 {
		return fmt.Errorf("%w: %q", ErrObjectiveNotFound, name)
	}

	if err := o.Scope.SetTurretPosition(ctx, position); err != nil {
		return fmt.Errorf("switch to objective %q: %w", name, err)
	}
	o.status("Switched to objective: " + name)
	return nil
}

func (o *Orchestrator) applyOil(amount int) error {
	if !o.Device.SendChecked(oilboy.OilCommand(amount)) {
		return ErrOilCommand
	}
	o.status(fmt.Sprintf("Applied %d steps of oil", amount))
	return nil
}

// raiseStage stores the current position in the run record and moves the
// stage up by the configured offset.
func (o *Orchestrator) raiseStage(ctx context.Context, run *Run, offset float64) error {
	pos, err := o.Scope.StagePosition(ctx)
	if err != nil {
		return fmt.Errorf("read stage position: %w", err)
	}
	o.status(fmt.Sprintf("Current Z position: %.2f um", pos.Z))
	run.OriginalStagePosition = &pos

	target := pos
	target.Z += offset
	if err := o.Scope.SetStagePosition(ctx, target); err != nil {
		return fmt.Errorf("raise stage: %w", err)
	}
	o.status(fmt.Sprintf("Raised stage from %.2f to %.2f um", pos.Z, target.Z))
	return nil
}

// lowerStage returns the stage to the position stored by the raise step.
// A failure here leaves the stage raised; no compensating move is issued
// (inherited behavior, the operator is expected to intervene).
func (o *Orchestrator) lowerStage(ctx context.Context, run *Run) error {
	if run.OriginalStagePosition == nil {
		return ErrNoStoredPosition
	}
	if err := o.Scope.SetStagePosition(ctx, *run.OriginalStagePosition); err != nil {
		return fmt.Errorf("lower stage: %w", err)
	}
	o.status(fmt.Sprintf("Lowered stage to %.2f um", run.OriginalStagePosition.Z))
	return nil
}
