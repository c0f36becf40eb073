// Package wirefeed advances the wire-feed motor at a constant rate on
// the 1 ms tick.
package wirefeed

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/xy-kasumi/Spark-corefw/core"
	"github.com/xy-kasumi/Spark-corefw/motor"
)

const tickS = 0.001

// Steppers is the step-engine surface the feeder drives.
type Steppers interface {
	SetTarget(motor int, steps int32)
}

// Feeder runs the wire feed. Start and Stop are safe from the main
// task; the tick handler owns the position.
type Feeder struct {
	machine  *core.Machine
	steppers Steppers

	feeding atomic.Bool

	mu        sync.Mutex
	unitsteps float64 // microsteps per mm
	posMM     float64
	rateMMMin float64
	mmPerTick float64
}

// New creates the feeder and attaches it to the 1 ms ticker.
func New(machine *core.Machine, steppers Steppers, tick *core.Ticker) *Feeder {
	f := &Feeder{
		machine:   machine,
		steppers:  steppers,
		unitsteps: 200.0,
	}
	tick.Attach(f.handleTick)
	return f
}

func (f *Feeder) handleTick() {
	if !f.feeding.Load() {
		return
	}
	if f.machine.CancelRequested() {
		f.feeding.Store(false)
		return
	}

	f.mu.Lock()
	f.posMM += f.mmPerTick
	target := int32(math.Round(f.posMM * f.unitsteps))
	f.mu.Unlock()

	f.steppers.SetTarget(motor.WireFeedMotor, target)
}

// Start begins feeding at the given rate in mm/min.
func (f *Feeder) Start(rateMMMin float64) {
	f.mu.Lock()
	f.rateMMMin = rateMMMin
	f.mmPerTick = rateMMMin / 60.0 * tickS
	f.mu.Unlock()
	f.feeding.Store(true)
}

// Stop halts feeding; the wire position is retained.
func (f *Feeder) Stop() {
	f.feeding.Store(false)
}

// SetUnitsteps sets the wire motor's microsteps-per-mm factor.
func (f *Feeder) SetUnitsteps(unitsteps float64) {
	f.mu.Lock()
	f.unitsteps = unitsteps
	f.mu.Unlock()
}

// Status returns the feeder state for diagnostics.
func (f *Feeder) Status() (feeding bool, posMM, rateMMMin, unitsteps float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeding.Load(), f.posMM, f.rateMMMin, f.unitsteps
}
