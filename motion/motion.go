package motion

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xy-kasumi/Spark-corefw/core"
)

// NumAxes is the number of Cartesian axes under motion control.
const NumAxes = 3

// TickPeriod is the motion engine period.
const TickPeriod = time.Millisecond

const (
	// velocityMMPerS is the commanded velocity of normal moves.
	velocityMMPerS = 10.0
	// maxTravelMM bounds a homing move.
	maxTravelMM = 500.0
	// tickS is the tick period in seconds.
	tickS = 0.001

	// EDM feed steps: inch forward while the gap reads open, retract
	// faster while it reads shorted. Bang-bang, no hysteresis.
	edmForwardMM = 1e-3
	edmRetractMM = 5e-3

	// minMoveMM is the no-op threshold for enqueued moves.
	minMoveMM = 0.001
)

// State is the motion state.
type State int32

const (
	StateStopped State = iota
	StateMoving
)

// StopReason records why motion stopped.
type StopReason int32

const (
	StopTargetReached StopReason = iota
	StopProbeTriggered
	StopStallDetected
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopTargetReached:
		return "target reached"
	case StopProbeTriggered:
		return "probe triggered"
	case StopStallDetected:
		return "stall detected"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown reason"
	}
}

// Steppers is the step engine surface the motion engine drives.
type Steppers interface {
	SetTarget(motor int, steps int32)
	Current(motor int) int32
	Stalled(motor int) bool
}

// GapRates is the pulser feedback the EDM feed loop reads. The values
// are cached snapshots; reading them never blocks on I²C.
type GapRates interface {
	OpenRate() uint8
	ShortRate() uint8
}

// Engine advances the physical position along the path buffer on every
// 1 ms tick, applies the termination predicates, and publishes driver
// targets to the step engine.
type Engine struct {
	machine  *core.Machine
	steppers Steppers
	gap      GapRates

	state      atomic.Int32
	stopReason atomic.Int32

	mu         sync.Mutex
	pos        Pos
	path       PathBuffer
	edm        bool
	stopStall  bool
	homingAxis int

	unitsteps  [NumAxes]float64
	homeOrigin [NumAxes]float64
	homeSide   [NumAxes]float64
	offset     [NumAxes]int32
}

// New creates the engine and attaches it to the 1 ms ticker.
func New(machine *core.Machine, steppers Steppers, gap GapRates, tick *core.Ticker) *Engine {
	e := &Engine{
		machine:    machine,
		steppers:   steppers,
		gap:        gap,
		homingAxis: -1,
	}
	for i := range e.unitsteps {
		e.unitsteps[i] = 200.0
		e.homeSide[i] = 1.0
	}
	tick.Attach(e.handleTick)
	return e
}

// State returns the current motion state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastStopReason returns why the last move stopped.
func (e *Engine) LastStopReason() StopReason {
	return StopReason(e.stopReason.Load())
}

// CurrentPos returns the current physical position.
func (e *Engine) CurrentPos() Pos {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *Engine) stop(r StopReason) {
	e.stopReason.Store(int32(r))
	e.state.Store(int32(StateStopped))
}

// physToDrv maps a physical position to driver microsteps, applying
// unitsteps and the homing offset.
func (e *Engine) physToDrv(p Pos) [NumAxes]int32 {
	var drv [NumAxes]int32
	for i := 0; i < NumAxes; i++ {
		drv[i] = int32(math.Round(p.Axis(i)*e.unitsteps[i])) + e.offset[i]
	}
	return drv
}

// updateHomingOffset rewrites the homed axis' offset so the current
// driver position maps to the configured home origin.
func (e *Engine) updateHomingOffset(axis int) {
	current := e.steppers.Current(axis)
	rawExpected := int32(math.Round(e.homeOrigin[axis] * e.unitsteps[axis]))
	e.offset[axis] = current - rawExpected
}

func (e *Engine) handleTick() {
	if e.State() != StateMoving {
		return
	}

	// Cancellation wins over every other predicate.
	if e.machine.CancelRequested() {
		e.stop(StopCancelled)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopStall && e.homingAxis >= 0 && e.steppers.Stalled(e.homingAxis) {
		axis := e.homingAxis
		e.updateHomingOffset(axis)
		e.pos.SetAxis(axis, e.homeOrigin[axis])
		e.stop(StopStallDetected)
		return
	}

	if e.edm {
		switch {
		case e.gap.OpenRate() > 127:
			// Too much open time: too far from the workpiece.
			e.path.Move(edmForwardMM)
		case e.gap.ShortRate() > 127:
			// Too much short time: too close.
			e.path.Move(-edmRetractMM)
		}
	} else {
		e.path.Move(velocityMMPerS * tickS)
	}
	e.pos = e.path.Pos()

	if e.path.AtEnd() {
		e.stop(StopTargetReached)
		return
	}

	drv := e.physToDrv(e.pos)
	for i := 0; i < NumAxes; i++ {
		e.steppers.SetTarget(i, drv[i])
	}
}

// enqueue starts a move if the engine is stopped and the distance is
// meaningful. It reports whether motion started.
func (e *Engine) enqueue(to Pos, edm, stopStall bool, homingAxis int) bool {
	if e.State() == StateMoving {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.Dist(to) < minMoveMM {
		// Nothing to do; report an immediate arrival.
		e.stopReason.Store(int32(StopTargetReached))
		return false
	}

	e.path.Init(e.pos, to, true)
	e.edm = edm
	e.stopStall = stopStall
	e.homingAxis = homingAxis
	e.state.Store(int32(StateMoving))
	return true
}

// EnqueueMove starts a normal move to the target position.
func (e *Engine) EnqueueMove(to Pos) {
	e.enqueue(to, false, false, -1)
}

// EnqueueEDMMove starts a feedback-controlled EDM move to the target
// position.
func (e *Engine) EnqueueEDMMove(to Pos) {
	e.enqueue(to, true, false, -1)
}

// EnqueueHome starts a homing move: drive the axis toward its
// mechanical limit on the configured side, stopping on stall.
func (e *Engine) EnqueueHome(axis int) {
	if axis < 0 || axis >= NumAxes {
		return
	}
	e.mu.Lock()
	target := e.pos
	target.SetAxis(axis, target.Axis(axis)+e.homeSide[axis]*maxTravelMM)
	e.mu.Unlock()
	e.enqueue(target, false, true, axis)
}

// SetUnitsteps sets an axis' mm→microstep conversion factor. Changing
// it during a move gives undefined positioning.
func (e *Engine) SetUnitsteps(axis int, unitsteps float64) {
	if axis < 0 || axis >= NumAxes {
		return
	}
	e.mu.Lock()
	e.unitsteps[axis] = unitsteps
	e.mu.Unlock()
}

// SetHomeOrigin sets the physical coordinate an axis maps to after
// homing.
func (e *Engine) SetHomeOrigin(axis int, originMM float64) {
	if axis < 0 || axis >= NumAxes {
		return
	}
	e.mu.Lock()
	e.homeOrigin[axis] = originMM
	e.mu.Unlock()
}

// SetHomeSide sets the travel direction of a homing move (+1 or -1).
func (e *Engine) SetHomeSide(axis int, side float64) {
	if axis < 0 || axis >= NumAxes {
		return
	}
	e.mu.Lock()
	e.homeSide[axis] = side
	e.mu.Unlock()
}
