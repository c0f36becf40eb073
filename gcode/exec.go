package gcode

import (
	"strconv"
	"strings"
	"time"

	"github.com/xy-kasumi/Spark-corefw/comm"
	"github.com/xy-kasumi/Spark-corefw/core"
	"github.com/xy-kasumi/Spark-corefw/motion"
	"github.com/xy-kasumi/Spark-corefw/motor"
	"github.com/xy-kasumi/Spark-corefw/settings"
)

// Defaults applied by M3/M4 when a parameter is omitted.
const (
	defaultPulseUS  = 500.0
	defaultCurrentA = 1.0
	defaultDutyPct  = 25.0
)

// steptestSteps is two rotations at 32 microsteps.
const steptestSteps = 2 * 200 * 32

// Motion is the motion-engine surface the dispatcher drives.
type Motion interface {
	CurrentPos() motion.Pos
	EnqueueMove(to motion.Pos)
	EnqueueEDMMove(to motion.Pos)
	EnqueueHome(axis int)
	State() motion.State
	LastStopReason() motion.StopReason
}

// Pulser is the pulser surface the dispatcher drives.
type Pulser interface {
	Energize(negative bool, pulseUS, currentA, dutyPct float64) error
	Deenergize() error
	Snapshot() (nPulse, rPulse, rShort, rOpen uint8)
	BufferCount() int
	PollCount() uint32
	Temperature() (uint8, error)
	CopyLog(maxBytes int) []byte
	ClearLog()
}

// WireFeed is the wire-feed surface the dispatcher drives.
type WireFeed interface {
	Start(rateMMMin float64)
	Stop()
	Status() (feeding bool, posMM, rateMMMin, unitsteps float64)
}

// Motors is the step-engine surface the console diagnostics use.
type Motors interface {
	QueueStep(motor int, forward bool)
	Current(motor int) int32
	Energized(motor int) bool
	Stalled(motor int) bool
	SGResult(motor int) (int, error)
	DumpRegs(motor int) string
	Energize(motor int, on bool)
}

// Dispatcher binds console commands to subsystem actions.
type Dispatcher struct {
	machine *core.Machine
	out     *comm.Printer
	mot     Motion
	pul     Pulser
	feed    WireFeed
	motors  Motors
	store   *settings.Store

	// pollPeriod is the motion-completion poll interval; tests
	// shorten it.
	pollPeriod time.Duration
	// stepDelay paces the steptest loop.
	stepDelay time.Duration
}

// NewDispatcher wires a dispatcher to its collaborators.
func NewDispatcher(machine *core.Machine, out *comm.Printer, mot Motion, pul Pulser, feed WireFeed, motors Motors, store *settings.Store) *Dispatcher {
	return &Dispatcher{
		machine:    machine,
		out:        out,
		mot:        mot,
		pul:        pul,
		feed:       feed,
		motors:     motors,
		store:      store,
		pollPeriod: 10 * time.Millisecond,
		stepDelay:  250 * time.Microsecond,
	}
}

// Exec runs one console command to completion.
func (d *Dispatcher) Exec(line string) {
	if strings.HasPrefix(line, "G") || strings.HasPrefix(line, "M") {
		d.execGM(line)
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		d.cmdHelp()
	case "regs":
		d.cmdRegs()
	case "steptest":
		d.cmdSteptest(args)
	case "stat":
		d.cmdStat(args)
	case "dump":
		d.cmdDump(args)
	case "clear":
		d.cmdClear(args)
	case "get":
		d.cmdGet(args)
	case "set":
		d.cmdSet(args)
	default:
		d.out.Err("unknown command: %s; type 'help' for available commands", cmd)
	}
}

// overlayTarget builds a move target by overlaying supplied axis values
// on the current position. It reports false (with an error printed) for
// bare axes or when no axis is given.
func (d *Dispatcher) overlayTarget(name string, p Parsed) (motion.Pos, bool) {
	if p.XState == AxisOnly || p.YState == AxisOnly || p.ZState == AxisOnly {
		d.out.Err("%s requires axis values (e.g., X10.5), not bare axes", name)
		return motion.Pos{}, false
	}
	if p.XState == AxisNotSpecified && p.YState == AxisNotSpecified && p.ZState == AxisNotSpecified {
		d.out.Err("%s requires at least one axis parameter", name)
		return motion.Pos{}, false
	}

	target := d.mot.CurrentPos()
	if p.XState == AxisWithValue {
		target.X = p.X
	}
	if p.YState == AxisWithValue {
		target.Y = p.Y
	}
	if p.ZState == AxisWithValue {
		target.Z = p.Z
	}
	return target, true
}

func (d *Dispatcher) execGM(line string) {
	p, err := Parse(line)
	if err != nil {
		d.out.Err("Failed to parse G/M-code: %s", line)
		return
	}

	switch {
	case p.Type == CmdG && p.Code == 0 && p.SubCode == -1:
		target, ok := d.overlayTarget("G0", p)
		if !ok {
			return
		}
		d.mot.EnqueueMove(target)
		d.waitMotion()

	case p.Type == CmdG && p.Code == 1 && p.SubCode == -1:
		target, ok := d.overlayTarget("G1", p)
		if !ok {
			return
		}
		d.mot.EnqueueEDMMove(target)
		d.waitMotion()

	case p.Type == CmdG && p.Code == 28 && p.SubCode == -1:
		if p.XState == AxisWithValue || p.YState == AxisWithValue || p.ZState == AxisWithValue {
			d.out.Err("G28 requires exactly one axis without value (X, Y, or Z)")
			return
		}
		axis := -1
		count := 0
		if p.XState == AxisOnly {
			axis, count = 0, count+1
		}
		if p.YState == AxisOnly {
			axis, count = 1, count+1
		}
		if p.ZState == AxisOnly {
			axis, count = 2, count+1
		}
		if count != 1 {
			d.out.Err("G28 requires exactly one axis without value (X, Y, or Z)")
			return
		}
		d.mot.EnqueueHome(axis)
		d.waitMotion()

	case p.Type == CmdM && (p.Code == 3 || p.Code == 4) && p.SubCode == -1:
		pulseUS := defaultPulseUS
		if p.PState == ParamSpecified {
			pulseUS = p.P
		}
		currentA := defaultCurrentA
		if p.QState == ParamSpecified {
			currentA = p.Q
		}
		dutyPct := defaultDutyPct
		if p.RState == ParamSpecified {
			dutyPct = p.R
		}
		negative := p.Code == 3
		if err := d.pul.Energize(negative, pulseUS, currentA, dutyPct); err != nil {
			d.out.Err("Pulser energize failed: %v", err)
			return
		}
		polarity := "T+"
		if negative {
			polarity = "T-"
		}
		d.out.Print("Pulser energized: %s, %.0fus, %.1fA, %.0f%%", polarity, pulseUS, currentA, dutyPct)

	case p.Type == CmdM && p.Code == 5 && p.SubCode == -1:
		if err := d.pul.Deenergize(); err != nil {
			d.out.Err("Pulser deenergize failed: %v", err)
			return
		}
		d.out.Print("Pulser deenergized")

	case p.Type == CmdM && p.Code == 10 && p.SubCode == -1:
		if p.RState != ParamSpecified {
			d.out.Err("M10 requires R parameter (feed rate in mm/min)")
			return
		}
		d.feed.Start(p.R)
		d.out.Print("wirefeed: start feed=%.3f mm/min", p.R)

	case p.Type == CmdM && p.Code == 11 && p.SubCode == -1:
		d.feed.Stop()
		d.out.Print("wirefeed: stop")

	default:
		switch p.Type {
		case CmdG:
			d.out.Err("Unsupported G-code: G%d", p.Code)
		case CmdM:
			d.out.Err("Unsupported M-code: M%d", p.Code)
		default:
			d.out.Err("Unknown command type")
		}
	}
}

// waitMotion blocks until the motion engine stops and reports the stop
// reason. A cancelled move additionally de-energises the pulser.
func (d *Dispatcher) waitMotion() {
	for d.mot.State() != motion.StateStopped {
		time.Sleep(d.pollPeriod)
	}

	reason := d.mot.LastStopReason()
	d.out.Print("Motion completed: %s", reason)
	if reason == motion.StopCancelled {
		d.pul.Deenergize()
		d.out.Print("Pulser de-energized due to cancel")
	}
}

func (d *Dispatcher) cmdHelp() {
	d.out.Print("help - Show this help")
	d.out.Print("regs - Read stepper driver registers")
	d.out.Print("steptest <motor> - Step motor test")
	d.out.Print("stat motor|pulser|wirefeed - Dump subsystem status")
	d.out.Print("dump edm - Upload EDM poll log as blob")
	d.out.Print("clear edm - Clear EDM poll log")
	d.out.Print("set <var> <val> - Set variable to value")
	d.out.Print("get - List all variables with values")
	d.out.Print("get <var> - Get specific variable value")
	d.out.Print("G0 X.. Y.. Z.. - Rapid move")
	d.out.Print("G1 X.. Y.. Z.. - EDM move")
	d.out.Print("G28 X|Y|Z - Home one axis")
	d.out.Print("M3/M4 [P..] [Q..] [R..] - Energize pulser")
	d.out.Print("M5 - De-energize pulser")
	d.out.Print("M10 R<mm/min> - Start wire feed")
	d.out.Print("M11 - Stop wire feed")
	d.out.Print("! - Cancel current operation")
}

func (d *Dispatcher) cmdRegs() {
	for i := 0; i < motor.Count; i++ {
		d.out.Print("mot%d: %s", i, d.motors.DumpRegs(i))
	}
}

func (d *Dispatcher) parseMotor(args []string) (int, bool) {
	if len(args) != 1 {
		d.out.Err("Usage: steptest <motor>")
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n >= motor.Count {
		d.out.Err("Invalid motor number: %s", args[0])
		return 0, false
	}
	return n, true
}

func (d *Dispatcher) cmdSteptest(args []string) {
	n, ok := d.parseMotor(args)
	if !ok {
		return
	}

	d.out.Print("Running steptest on motor %d", n)
	d.motors.Energize(n, true)
	defer d.motors.Energize(n, false)

	for i := 0; i < steptestSteps; i++ {
		if d.machine.CancelRequested() {
			d.out.Print("Steptest cancelled at step %d", i)
			return
		}

		d.motors.QueueStep(n, true)
		time.Sleep(d.stepDelay)

		if i%100 == 0 {
			sg, _ := d.motors.SGResult(n)
			d.out.Print("SG:%d", sg)
		}

		if d.motors.Stalled(n) {
			d.out.Print("Stall detected at step %d", i)
			return
		}
	}
}

func (d *Dispatcher) cmdStat(args []string) {
	if len(args) != 1 {
		d.out.Err("Usage: stat motor|pulser|wirefeed")
		return
	}
	switch args[0] {
	case "motor":
		for i := 0; i < motor.Count; i++ {
			d.out.Print("mot%d: current_steps:%d energized:%t", i, d.motors.Current(i), d.motors.Energized(i))
		}
	case "pulser":
		nPulse, rPulse, rShort, rOpen := d.pul.Snapshot()
		d.out.Print("poll count: %d", d.pul.PollCount())
		d.out.Print("EDM state: n_pulse=%d, r_pulse=%d, r_short=%d, r_open=%d", nPulse, rPulse, rShort, rOpen)
		d.out.Print("EDM buffer: %d entries", d.pul.BufferCount())
		if temp, err := d.pul.Temperature(); err == nil {
			d.out.Print("temperature: %d", temp)
		} else {
			d.out.Err("temperature read failed: %v", err)
		}
	case "wirefeed":
		feeding, posMM, rate, unitsteps := d.feed.Status()
		state := "STOPPED"
		if feeding {
			state = "FEEDING"
		}
		d.out.Print("state: %s", state)
		d.out.Print("position: %.3f mm", posMM)
		d.out.Print("feedrate: %.3f mm/min", rate)
		d.out.Print("unitsteps: %.3f steps/mm", unitsteps)
	default:
		d.out.Err("Unknown stat target: %s", args[0])
	}
}

func (d *Dispatcher) cmdDump(args []string) {
	if len(args) != 1 || args[0] != "edm" {
		d.out.Err("Usage: dump edm")
		return
	}
	d.out.Blob(d.pul.CopyLog(pulserLogMaxBytes))
}

// pulserLogMaxBytes covers the whole poll ring.
const pulserLogMaxBytes = 40000

func (d *Dispatcher) cmdClear(args []string) {
	if len(args) != 1 || args[0] != "edm" {
		d.out.Err("Usage: clear edm")
		return
	}
	d.pul.ClearLog()
	d.out.Print("EDM poll log cleared")
}

func (d *Dispatcher) cmdGet(args []string) {
	switch len(args) {
	case 0:
		d.store.Each(func(key string, value float64) {
			d.out.Print("%s %.1f", key, value)
		})
	case 1:
		if value, ok := d.store.Get(args[0]); ok {
			d.out.Print("%.1f", value)
		} else {
			d.out.Err("Unknown variable %s", args[0])
		}
	default:
		d.out.Err("Usage: get [var]")
	}
}

func (d *Dispatcher) cmdSet(args []string) {
	if len(args) != 2 {
		d.out.Err("Usage: set <var> <val>")
		return
	}
	if err := d.store.SetString(args[0], args[1]); err != nil {
		d.out.Err("Failed to set %s: %v", args[0], err)
	}
}
