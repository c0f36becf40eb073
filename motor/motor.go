// Package motor runs the step generation engine: a per-motor three-state
// pulse machine on the 30 µs tick that chases an integer target step
// counter, plus idle-timeout de-energisation.
package motor

import (
	"sync/atomic"
	"time"

	"github.com/xy-kasumi/Spark-corefw/core"
	"github.com/xy-kasumi/Spark-corefw/tmc"
)

// Count is the number of motors the engine drives: X/Y/Z plus auxiliary
// axes including the wire feed on the last slot.
const Count = 7

// WireFeedMotor is the motor slot driven by the wire-feed controller.
const WireFeedMotor = 6

// TickPeriod is the step engine ISR period.
const TickPeriod = 30 * time.Microsecond

// DefaultIdleTimeout is the de-energisation delay applied to every
// motor until settings say otherwise.
const DefaultIdleTimeout = 200 * time.Millisecond

type stepPhase uint8

const (
	phaseIdle stepPhase = iota
	phaseHigh           // step pin high, one tick
	phaseLow            // step pin low, one tick before the next step
)

// state is one motor's step generation state. target is written
// atomically by the motion tick or queue-step; current is mutated only
// by the engine tick and read atomically elsewhere.
type state struct {
	dev *tmc.Device

	target  atomic.Int32
	current atomic.Int32

	dir   bool
	phase stepPhase

	// energized is written on the tick but read by status dumps.
	energized atomic.Bool

	alwaysOn    atomic.Bool
	idleTimeout atomic.Uint32 // in ticks
	idleTicks   uint32
}

// Engine is the step generation engine for all motors.
type Engine struct {
	motors [Count]state
}

// New creates the engine and attaches it to the 30 µs ticker.
func New(tick *core.Ticker, devs [Count]*tmc.Device) *Engine {
	e := &Engine{}
	for i := range e.motors {
		m := &e.motors[i]
		m.dev = devs[i]
		m.idleTimeout.Store(uint32(DefaultIdleTimeout / TickPeriod))
	}
	tick.Attach(e.handleTick)
	return e
}

func (e *Engine) handleTick() {
	for i := range e.motors {
		e.motors[i].step()
	}
}

func (m *state) ensureEnergized(on bool) {
	if m.energized.Load() != on {
		m.dev.Energize(on)
		m.energized.Store(on)
	}
}

// step advances one motor's pulse machine by one tick. A step pulse is
// one tick wide and the step pin stays low for at least one tick
// between pulses, so a motor moves at most one microstep per two ticks.
func (m *state) step() {
	switch m.phase {
	case phaseIdle:
		m.idle()

	case phaseHigh:
		m.dev.SetStep(false)
		if m.target.Load() > m.current.Load() {
			m.current.Add(1)
		} else {
			m.current.Add(-1)
		}
		m.phase = phaseLow

	case phaseLow:
		// The low half of the pulse is over; the next pulse may
		// begin on this very tick.
		m.phase = phaseIdle
		m.idle()
	}
}

func (m *state) idle() {
	target := m.target.Load()
	current := m.current.Load()
	if target != current {
		m.idleTicks = 0
		m.ensureEnergized(true)

		dir := target > current
		if dir != m.dir {
			m.dir = dir
			m.dev.SetDir(dir)
		}

		m.dev.SetStep(true)
		m.phase = phaseHigh
	} else if !m.alwaysOn.Load() {
		if m.idleTicks < m.idleTimeout.Load() {
			m.idleTicks++
		} else {
			m.ensureEnergized(false)
		}
	}
}

// SetTarget publishes an absolute target position in microsteps. The
// engine chases the target, so reversing it cancels unsent steps.
func (e *Engine) SetTarget(motor int, steps int32) {
	if motor < 0 || motor >= Count {
		return
	}
	e.motors[motor].target.Store(steps)
}

// QueueStep nudges the target by one microstep for ASAP execution.
func (e *Engine) QueueStep(motor int, forward bool) {
	if motor < 0 || motor >= Count {
		return
	}
	if forward {
		e.motors[motor].target.Add(1)
	} else {
		e.motors[motor].target.Add(-1)
	}
}

// Current returns a motor's current position in microsteps.
func (e *Engine) Current(motor int) int32 {
	if motor < 0 || motor >= Count {
		return 0
	}
	return e.motors[motor].current.Load()
}

// Target returns a motor's target position in microsteps.
func (e *Engine) Target(motor int) int32 {
	if motor < 0 || motor >= Count {
		return 0
	}
	return e.motors[motor].target.Load()
}

// Stalled reports the stall observation for a motor.
func (e *Engine) Stalled(motor int) bool {
	if motor < 0 || motor >= Count {
		return false
	}
	return e.motors[motor].dev.Stalled()
}

// Device returns the stepper chip behind a motor, or nil for invalid
// numbers.
func (e *Engine) Device(motor int) *tmc.Device {
	if motor < 0 || motor >= Count {
		return nil
	}
	return e.motors[motor].dev
}

// DeenergizeAfter configures a motor's idle timeout. A negative
// duration keeps the motor energized forever.
func (e *Engine) DeenergizeAfter(motor int, d time.Duration) {
	if motor < 0 || motor >= Count {
		return
	}
	m := &e.motors[motor]
	if d < 0 {
		m.alwaysOn.Store(true)
		return
	}
	m.alwaysOn.Store(false)
	m.idleTimeout.Store(uint32(d / TickPeriod))
}

// Energize forces a motor's enable pin, bypassing the idle-timeout
// bookkeeping. Diagnostics only; normal energisation is driven by the
// tick.
func (e *Engine) Energize(motor int, on bool) {
	if motor < 0 || motor >= Count {
		return
	}
	e.motors[motor].dev.Energize(on)
}

// SGResult reads a motor's StallGuard load measurement.
func (e *Engine) SGResult(motor int) (int, error) {
	if motor < 0 || motor >= Count {
		return 0, tmc.ErrRange
	}
	return e.motors[motor].dev.SGResult()
}

// DumpRegs formats a motor's readable registers.
func (e *Engine) DumpRegs(motor int) string {
	if motor < 0 || motor >= Count {
		return ""
	}
	return e.motors[motor].dev.DumpRegs()
}

// Energized reports whether a motor's driver is currently enabled.
func (e *Engine) Energized(motor int) bool {
	if motor < 0 || motor >= Count {
		return false
	}
	return e.motors[motor].energized.Load()
}
