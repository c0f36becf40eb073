// Command corefw is the EDM machine control firmware: it brings up the
// stepper, pulser and motion subsystems, pushes the boot settings, and
// runs the console command loop on the host serial link.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/xy-kasumi/Spark-corefw/comm"
	"github.com/xy-kasumi/Spark-corefw/core"
	"github.com/xy-kasumi/Spark-corefw/gcode"
	"github.com/xy-kasumi/Spark-corefw/motion"
	"github.com/xy-kasumi/Spark-corefw/motor"
	"github.com/xy-kasumi/Spark-corefw/onewire"
	"github.com/xy-kasumi/Spark-corefw/pulser"
	"github.com/xy-kasumi/Spark-corefw/settings"
	"github.com/xy-kasumi/Spark-corefw/tmc"
	"github.com/xy-kasumi/Spark-corefw/wirefeed"
)

// pinSet names one motor's control pins in the GPIO registry.
type pinSet struct {
	step, dir, enable, diag, uart string
}

// boardPins is the controller board's wiring, one row per motor slot.
var boardPins = [motor.Count]pinSet{
	{"GPIO2", "GPIO3", "GPIO4", "GPIO5", "GPIO6"},
	{"GPIO7", "GPIO8", "GPIO9", "GPIO10", "GPIO11"},
	{"GPIO12", "GPIO13", "GPIO14", "GPIO15", "GPIO16"},
	{"GPIO17", "GPIO18", "GPIO19", "GPIO20", "GPIO21"},
	{"GPIO22", "GPIO23", "GPIO24", "GPIO25", "GPIO26"},
	{"GPIO27", "GPIO32", "GPIO33", "GPIO34", "GPIO35"},
	{"GPIO36", "GPIO37", "GPIO38", "GPIO39", "GPIO40"},
}

const gatePinName = "GPIO41"

func mustPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %s not found", name)
	}
	return p, nil
}

// seedSettings is the boot-time settings dictionary. Only these keys
// are writable at runtime.
func seedSettings() []settings.Entry {
	var entries []settings.Entry
	for i := 0; i < 3; i++ {
		n := strconv.Itoa(i)
		entries = append(entries,
			settings.Entry{Key: "m." + n + ".microstep", Value: 32},
			settings.Entry{Key: "m." + n + ".current", Value: 30},
			settings.Entry{Key: "m." + n + ".thresh", Value: 2},
			settings.Entry{Key: "m." + n + ".unitsteps", Value: 200},
			settings.Entry{Key: "m." + n + ".idle_ms", Value: 200},
		)
	}
	for _, axis := range []string{"x", "y", "z"} {
		entries = append(entries,
			settings.Entry{Key: "home." + axis + ".origin", Value: 0},
			settings.Entry{Key: "home." + axis + ".side", Value: 1},
		)
	}
	entries = append(entries, settings.Entry{Key: "wf.unitsteps", Value: 200})
	return entries
}

func axisIndex(name string) int {
	switch name {
	case "x":
		return 0
	case "y":
		return 1
	case "z":
		return 2
	}
	return -1
}

// applySetting pushes one settings key to the subsystem it targets.
func applySetting(motors *motor.Engine, mot *motion.Engine, feed *wirefeed.Feeder, key string, value float64) error {
	parts := strings.Split(key, ".")

	switch {
	case len(parts) == 3 && parts[0] == "m":
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 0 || n >= motor.Count {
			return fmt.Errorf("invalid motor number in %s", key)
		}
		dev := motors.Device(n)
		switch parts[2] {
		case "microstep":
			return dev.SetMicrostep(int(value))
		case "current":
			return dev.SetCurrent(int(value), 0)
		case "thresh":
			return dev.SetStallThreshold(uint8(value))
		case "unitsteps":
			mot.SetUnitsteps(n, value)
			return nil
		case "idle_ms":
			motors.DeenergizeAfter(n, time.Duration(value)*time.Millisecond)
			return nil
		}

	case len(parts) == 3 && parts[0] == "home":
		axis := axisIndex(parts[1])
		if axis < 0 {
			return fmt.Errorf("invalid axis in %s", key)
		}
		switch parts[2] {
		case "origin":
			mot.SetHomeOrigin(axis, value)
			return nil
		case "side":
			mot.SetHomeSide(axis, value)
			return nil
		}

	case len(parts) == 2 && parts[0] == "wf" && parts[1] == "unitsteps":
		feed.SetUnitsteps(value)
		return nil
	}

	return fmt.Errorf("unknown setting %s", key)
}

func run() error {
	port := flag.String("port", "/dev/ttyAMA0", "console serial device")
	baud := flag.Int("baud", 115200, "console baud rate")
	i2cBus := flag.String("i2c", "", "I2C bus for the pulser (empty for default)")
	flag.Parse()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init: %w", err)
	}

	console, err := serial.OpenPort(&serial.Config{Name: *port, Baud: *baud})
	if err != nil {
		return fmt.Errorf("open console %s: %w", *port, err)
	}

	// Core: state machine, tick sources, work queue. The step engine
	// and the single-wire UART share the one 30 µs ticker.
	machine := core.NewMachine()
	isrTick := core.NewTicker(motor.TickPeriod)
	msTick := core.NewTicker(time.Millisecond)
	wq := core.NewWorkQueue(8)

	printer := comm.NewPrinter(console, machine)
	reader := comm.NewReader(console, console, machine)

	bus, err := onewire.Init(isrTick)
	if err != nil {
		return err
	}

	var devs [motor.Count]*tmc.Device
	for i, pins := range boardPins {
		step, err := mustPin(pins.step)
		if err != nil {
			return err
		}
		dir, err := mustPin(pins.dir)
		if err != nil {
			return err
		}
		enable, err := mustPin(pins.enable)
		if err != nil {
			return err
		}
		diag, err := mustPin(pins.diag)
		if err != nil {
			return err
		}
		uart, err := mustPin(pins.uart)
		if err != nil {
			return err
		}
		if err := diag.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return fmt.Errorf("configure diag %s: %w", pins.diag, err)
		}
		devs[i] = &tmc.Device{
			Bus:    bus,
			Line:   uart,
			Step:   step,
			Dir:    dir,
			Enable: enable,
			Diag:   diag,
		}
	}

	motors := motor.New(isrTick, devs)
	printer.Print("Step generation initialized")

	i2cb, err := i2creg.Open(*i2cBus)
	if err != nil {
		return fmt.Errorf("open I2C: %w", err)
	}
	gate, err := mustPin(gatePinName)
	if err != nil {
		return err
	}
	pul, err := pulser.New(i2cb, gate, msTick, wq)
	if err != nil {
		return err
	}
	printer.Print("pulser: init ok (1ms tick)")

	mot := motion.New(machine, motors, pul, msTick)
	printer.Print("Motion initialized with 1ms tick")

	feed := wirefeed.New(machine, motors, msTick)
	printer.Print("wirefeed: ready")

	// The ticks must run before any register traffic: single-wire
	// transactions block on the 30 µs handler driving the bits.
	isrTick.Start()
	msTick.Start()

	store := settings.New(seedSettings(), func(key string, value float64) error {
		return applySetting(motors, mot, feed, key, value)
	})
	if err := store.ApplyAll(); err != nil {
		printer.Err("settings push: %v", err)
	} else {
		printer.Print("Default settings applied")
	}

	for i := 0; i < motor.Count; i++ {
		if err := devs[i].SetCoolThreshold(750000); err != nil {
			printer.Err("Failed to set TCOOLTHRS for motor %d", i)
		}
	}

	disp := gcode.NewDispatcher(machine, printer, mot, pul, feed, motors, store)

	go reader.Run()

	printer.Print("Spark corefw: Type 'help' for commands")

	for {
		line := reader.Next()

		machine.SetState(core.StateExecInteractive)
		printer.Ack()

		disp.Exec(line)

		machine.ClearCancel()
		machine.SetState(core.StateIdle)
		pos := mot.CurrentPos()
		printer.Print("ready X%.3f Y%.3f Z%.3f", pos.X, pos.Y, pos.Z)
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
