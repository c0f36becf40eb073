// Package pulser drives the EDM pulser board: an I²C register map for
// pulse parameters and discharge statistics, and a gate GPIO that
// enables the power output. A 1 ms poll keeps a ring of discharge
// samples for the motion engine's adaptive feed and for later upload.
package pulser

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"

	"github.com/xy-kasumi/Spark-corefw/core"
)

// Addr is the pulser board's I²C slave address.
const Addr = 0x3B

// Register map.
const (
	regPolarity     = 0x01 // RW: 0=off, 1=T+ W-, 2=T- W+
	regPulseCurrent = 0x02 // RW: pulse current in 100 mA units (1-200)
	regTemperature  = 0x03 // R:  heatsink temperature in °C
	regPulseDur     = 0x04 // RW: pulse duration in 10 µs units (5-100)
	regMaxDuty      = 0x05 // RW: max duty factor in percent (1-95)
	regCkpNPulse    = 0x10 // R:  number of pulses (checkpoint read)
	regTIgnition    = 0x11 // R:  avg ignition time in 5 µs units
	regTIgnitionSD  = 0x12 // R:  std dev of ignition time in 5 µs units
	regRPulse       = 0x13 // R:  ratio spent discharging (0-255)
	regRShort       = 0x14 // R:  ratio spent shorted (0-255)
	regROpen        = 0x15 // R:  ratio spent waiting (0-255)
)

// RingSize is the capacity of the polling ring: one sample per
// millisecond, ten seconds of history.
const RingSize = 10000

// SampleSize is the packed byte size of one ring entry in blob output.
const SampleSize = 4

// ErrWrite is returned when programming the pulse registers fails.
var ErrWrite = errors.New("pulser: register write failed")

// Sample is one 1 ms capture of discharge statistics.
type Sample struct {
	RShort   uint8
	ROpen    uint8
	NumPulse uint8
}

// Device is the pulser board handle.
type Device struct {
	dev  i2c.Dev
	gate gpio.PinIO
	wq   *core.WorkQueue

	// Latest snapshot, each byte written and read independently so
	// tearing across fields is tolerated.
	lastRPulse atomic.Uint32
	lastRShort atomic.Uint32
	lastROpen  atomic.Uint32
	lastNPulse atomic.Uint32

	pollCount atomic.Uint32

	// Ring state is owned by the work-queue goroutine; copying
	// suppresses writes so bulk readout sees a frozen snapshot.
	copying atomic.Bool
	ring    [RingSize]Sample
	head    uint32
	count   uint32
}

// New creates the device and starts the 1 ms poll: the ticker submits
// the I²C burst to the work queue so the long transaction never runs in
// tick context.
func New(bus i2c.Bus, gate gpio.PinIO, tick *core.Ticker, wq *core.WorkQueue) (*Device, error) {
	if err := gate.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("pulser: configure gate: %w", err)
	}
	d := &Device{
		dev:  i2c.Dev{Bus: bus, Addr: Addr},
		gate: gate,
		wq:   wq,
	}
	tick.Attach(func() {
		wq.Submit(d.poll)
	})
	return d, nil
}

func (d *Device) writeReg(reg, value uint8) error {
	return d.dev.Tx([]byte{reg, value}, nil)
}

func (d *Device) readReg(reg uint8) (uint8, error) {
	var buf [1]byte
	if err := d.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// poll issues the six-byte burst read starting at the pulse-count
// register and appends the sample to the ring unless a copy is in
// progress.
func (d *Device) poll() {
	var buf [regROpen - regCkpNPulse + 1]byte
	if err := d.dev.Tx([]byte{regCkpNPulse}, buf[:]); err != nil {
		return
	}

	nPulse := buf[regCkpNPulse-regCkpNPulse]
	rPulse := buf[regRPulse-regCkpNPulse]
	rShort := buf[regRShort-regCkpNPulse]
	rOpen := buf[regROpen-regCkpNPulse]

	d.lastNPulse.Store(uint32(nPulse))
	d.lastRPulse.Store(uint32(rPulse))
	d.lastRShort.Store(uint32(rShort))
	d.lastROpen.Store(uint32(rOpen))
	d.pollCount.Add(1)

	if d.copying.Load() {
		return
	}
	d.ring[d.head] = Sample{RShort: rShort, ROpen: rOpen, NumPulse: nPulse}
	d.head = (d.head + 1) % RingSize
	if d.count < RingSize {
		d.count++
	}
}

// Energize programs the pulse parameters and raises the gate. Polarity
// register 2 is tool-negative, 1 is tool-positive. Current is clamped
// to the 100 mA register floor.
func (d *Device) Energize(negative bool, pulseUS, currentA, dutyPct float64) error {
	dur10us := uint8(pulseUS * 0.1)
	current100mA := uint8(currentA * 10.0)
	duty := uint8(dutyPct)
	polarity := uint8(1)
	if negative {
		polarity = 2
	}
	if current100mA == 0 {
		current100mA = 1
	}

	ok := d.writeReg(regPulseCurrent, current100mA) == nil
	ok = d.writeReg(regPulseDur, dur10us) == nil && ok
	ok = d.writeReg(regMaxDuty, duty) == nil && ok
	ok = d.writeReg(regPolarity, polarity) == nil && ok
	if !ok {
		return ErrWrite
	}

	return d.gate.Out(gpio.High)
}

// Deenergize lowers the gate, then zeroes the polarity register.
func (d *Device) Deenergize() error {
	if err := d.gate.Out(gpio.Low); err != nil {
		return err
	}
	if d.writeReg(regPolarity, 0) != nil {
		return ErrWrite
	}
	return nil
}

// OpenRate returns the latest open-gap ratio (0-255).
func (d *Device) OpenRate() uint8 {
	return uint8(d.lastROpen.Load())
}

// ShortRate returns the latest shorted-gap ratio (0-255).
func (d *Device) ShortRate() uint8 {
	return uint8(d.lastRShort.Load())
}

// HasDischarge reports whether the last poll saw any discharge or
// short activity.
func (d *Device) HasDischarge() bool {
	return d.lastRPulse.Load() > 0 || d.lastRShort.Load() > 0
}

// Temperature reads the heatsink temperature register.
func (d *Device) Temperature() (uint8, error) {
	return d.readReg(regTemperature)
}

// BufferCount returns the number of samples currently retained.
func (d *Device) BufferCount() int {
	return int(d.count)
}

// PollCount returns the number of successful 1 ms polls.
func (d *Device) PollCount() uint32 {
	return d.pollCount.Load()
}

// Snapshot returns the latest polled statistics.
func (d *Device) Snapshot() (nPulse, rPulse, rShort, rOpen uint8) {
	return uint8(d.lastNPulse.Load()), uint8(d.lastRPulse.Load()),
		uint8(d.lastRShort.Load()), uint8(d.lastROpen.Load())
}

// CopyLog freezes the ring and returns its contents oldest-first as
// packed 4-byte entries (r_short, r_open, n_pulse, reserved), at most
// maxBytes long. Poll writes are suppressed while the copy runs.
func (d *Device) CopyLog(maxBytes int) []byte {
	d.copying.Store(true)
	defer d.copying.Store(false)

	maxEntries := maxBytes / SampleSize
	n := int(d.count)
	if n > maxEntries {
		n = maxEntries
	}

	out := make([]byte, 0, n*SampleSize)
	for i := 0; i < n; i++ {
		idx := uint32(i)
		if d.count == RingSize {
			idx = (d.head + uint32(i)) % RingSize
		}
		s := d.ring[idx]
		out = append(out, s.RShort, s.ROpen, s.NumPulse, 0)
	}
	return out
}

// ClearLog resets the ring under the copy freeze.
func (d *Device) ClearLog() {
	d.copying.Store(true)
	d.head = 0
	d.count = 0
	d.copying.Store(false)
}
