package motion

import (
	"math"
	"testing"
	"time"

	"github.com/xy-kasumi/Spark-corefw/core"
)

// fakeSteppers records published driver targets.
type fakeSteppers struct {
	targets [NumAxes]int32
	current [NumAxes]int32
	stalled [NumAxes]bool
}

func (f *fakeSteppers) SetTarget(motor int, steps int32) {
	if motor >= 0 && motor < NumAxes {
		f.targets[motor] = steps
	}
}

func (f *fakeSteppers) Current(motor int) int32 { return f.current[motor] }
func (f *fakeSteppers) Stalled(motor int) bool  { return f.stalled[motor] }

// fakeGap holds fixed discharge ratios.
type fakeGap struct {
	open, short uint8
}

func (f *fakeGap) OpenRate() uint8  { return f.open }
func (f *fakeGap) ShortRate() uint8 { return f.short }

func newTestEngine() (*Engine, *fakeSteppers, *fakeGap, *core.Ticker, *core.Machine) {
	machine := core.NewMachine()
	steppers := &fakeSteppers{}
	gap := &fakeGap{}
	tick := core.NewTicker(time.Millisecond)
	e := New(machine, steppers, gap, tick)
	return e, steppers, gap, tick, machine
}

func runUntilStopped(t *testing.T, e *Engine, tick *core.Ticker, maxTicks int) int {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		tick.Tick()
		if e.State() == StateStopped {
			return i + 1
		}
	}
	t.Fatalf("motion did not stop within %d ticks", maxTicks)
	return 0
}

func TestMoveReachesTarget(t *testing.T) {
	e, steppers, _, tick, _ := newTestEngine()

	target := Pos{X: 10.5, Y: 20.3}
	e.EnqueueMove(target)
	if e.State() != StateMoving {
		t.Fatal("enqueue should start motion")
	}

	runUntilStopped(t, e, tick, 10000)

	if got := e.LastStopReason(); got != StopTargetReached {
		t.Errorf("stop reason = %v, want target reached", got)
	}
	pos := e.CurrentPos()
	if math.Abs(pos.X-10.5) > 2*Resolution || math.Abs(pos.Y-20.3) > 2*Resolution || pos.Z != 0 {
		t.Errorf("final position = %v, want (10.5, 20.3, 0)", pos)
	}

	// Driver targets trail the final position by at most the last
	// tick's advance (unitsteps default 200/mm).
	wantX := int32(math.Round(10.5 * 200))
	if diff := wantX - steppers.targets[0]; diff < 0 || diff > 4 {
		t.Errorf("X driver target = %d, want close to %d", steppers.targets[0], wantX)
	}
}

func TestMoveNoOp(t *testing.T) {
	e, _, _, _, _ := newTestEngine()

	e.EnqueueMove(Pos{X: 0.0001})
	if e.State() != StateStopped {
		t.Error("sub-threshold move should not start motion")
	}
	if e.LastStopReason() != StopTargetReached {
		t.Error("no-op move should report an immediate arrival")
	}
}

func TestCancelStopsWithinTicks(t *testing.T) {
	e, _, _, tick, machine := newTestEngine()

	e.EnqueueMove(Pos{X: 100})
	for i := 0; i < 10; i++ {
		tick.Tick()
	}
	machine.RequestCancel()

	tick.Tick()
	tick.Tick()
	if e.State() != StateStopped {
		t.Fatal("cancel should stop motion within two ticks")
	}
	if e.LastStopReason() != StopCancelled {
		t.Errorf("stop reason = %v, want cancelled", e.LastStopReason())
	}
}

func TestHomingStall(t *testing.T) {
	e, steppers, _, tick, _ := newTestEngine()

	e.SetHomeOrigin(0, 5.0)
	steppers.current[0] = 1234

	e.EnqueueHome(0)
	if e.State() != StateMoving {
		t.Fatal("homing should start motion")
	}

	for i := 0; i < 137; i++ {
		tick.Tick()
	}
	steppers.stalled[0] = true
	tick.Tick()

	if e.State() != StateStopped {
		t.Fatal("stall should stop homing")
	}
	if e.LastStopReason() != StopStallDetected {
		t.Errorf("stop reason = %v, want stall detected", e.LastStopReason())
	}
	if got := e.CurrentPos().X; got != 5.0 {
		t.Errorf("homed X = %v, want origin 5.0", got)
	}

	// A move back to the origin is a no-op.
	steppers.stalled[0] = false
	e.EnqueueMove(Pos{X: 5.0})
	if e.State() != StateStopped {
		t.Error("move to the homed origin should produce no motion")
	}

	// The rewritten offset maps the origin to the stalled driver
	// position: offset = 1234 - round(5*200) = 234.
	e.EnqueueMove(Pos{X: 6.0})
	runUntilStopped(t, e, tick, 1000)
	want := int32(math.Round(6.0*200)) + 234
	if diff := want - steppers.targets[0]; diff < 0 || diff > 4 {
		t.Errorf("X driver target after homing = %d, want close to %d", steppers.targets[0], want)
	}
}

func TestHomingSide(t *testing.T) {
	e, steppers, _, tick, _ := newTestEngine()

	e.SetHomeSide(2, -1)
	e.EnqueueHome(2)
	for i := 0; i < 50; i++ {
		tick.Tick()
	}
	if steppers.targets[2] >= 0 {
		t.Errorf("Z target = %d, want negative travel", steppers.targets[2])
	}
}

func TestEDMFeedControl(t *testing.T) {
	e, _, gap, tick, _ := newTestEngine()

	e.EnqueueEDMMove(Pos{X: 1.0})

	// Gap mostly open: inch forward 1 µm per tick.
	gap.open, gap.short = 200, 0
	for i := 0; i < 10; i++ {
		tick.Tick()
	}
	posOpen := e.CurrentPos().X
	if math.Abs(posOpen-0.010) > 2*Resolution {
		t.Errorf("forward feed position = %v, want ~0.010", posOpen)
	}

	// Gap mostly shorted: retract 5 µm per tick.
	gap.open, gap.short = 0, 200
	tick.Tick()
	posShort := e.CurrentPos().X
	if posShort >= posOpen {
		t.Errorf("short condition should retract: %v -> %v", posOpen, posShort)
	}

	// Neither dominates: hold position.
	gap.open, gap.short = 50, 50
	hold := e.CurrentPos()
	tick.Tick()
	if e.CurrentPos() != hold {
		t.Error("balanced gap should hold position")
	}
}

func TestUnitstepsMapping(t *testing.T) {
	e, steppers, _, tick, _ := newTestEngine()

	e.SetUnitsteps(0, 400)
	e.EnqueueMove(Pos{X: 1.0})
	runUntilStopped(t, e, tick, 1000)

	want := int32(400)
	if diff := want - steppers.targets[0]; diff < 0 || diff > 8 {
		t.Errorf("X target = %d, want close to %d with 400 unitsteps", steppers.targets[0], want)
	}
}
