// Package tmc implements a register-level driver for TMC2209 stepper
// chips reached over the single-wire UART bus, plus direct control of
// the STEP/DIR/EN/DIAG pins.
package tmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Register addresses.
const (
	GCONF      = 0x00
	GSTAT      = 0x01
	IFCNT      = 0x02
	SLAVECONF  = 0x03
	IOIN       = 0x06
	IHOLD_IRUN = 0x10
	TSTEP      = 0x12
	TCOOLTHRS  = 0x14
	SGTHRS     = 0x40
	SG_RESULT  = 0x41
	COOLCONF   = 0x42
	CHOPCONF   = 0x6C
	DRV_STATUS = 0x6F
)

const (
	syncNibble = 0x05
	masterAddr = 0xFF
	writeFlag  = 0x80

	// mstep_reg_select in GCONF: microstep resolution comes from MRES.
	gconfMstepRegSelect = 1 << 7

	// MRES field position in CHOPCONF.
	mresShift = 24
	mresMask  = 0xF << mresShift
)

// busIdleGuard keeps the line quiet after each transaction so the chip's
// send-delay logic can settle before the next datagram.
const busIdleGuard = 10 * time.Millisecond

var (
	// ErrCRC is returned when a reply fails CRC validation.
	ErrCRC = errors.New("tmc: reply CRC mismatch")
	// ErrBadReply is returned when a reply carries unexpected
	// register or master address fields.
	ErrBadReply = errors.New("tmc: unexpected reply fields")
	// ErrInvalidMicrostep is returned for non-power-of-two or
	// out-of-range microstep values.
	ErrInvalidMicrostep = errors.New("tmc: microstep must be a power of two in [1,256]")
	// ErrRange is returned for out-of-range wrapper arguments.
	ErrRange = errors.New("tmc: value out of range")
)

// Wire is the single-wire bus a device talks through. *onewire.Bus
// satisfies it.
type Wire interface {
	Write(pin gpio.PinIO, data []byte) error
	Read(pin gpio.PinIO, out []byte) error
}

// Device is one stepper driver chip: its slot on the shared single-wire
// bus plus its dedicated control pins.
type Device struct {
	Bus  Wire
	Line gpio.PinIO // single-wire UART line
	Addr uint8      // node address on the line

	Step   gpio.PinIO
	Dir    gpio.PinIO
	Enable gpio.PinIO
	Diag   gpio.PinIO // stall indication from the chip
}

// CRC8 computes the datagram checksum: polynomial 0x07, data bits
// consumed LSB first, initial value 0.
func CRC8(data []byte) byte {
	crc := byte(0)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc>>7)^(b&1) != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
			b >>= 1
		}
	}
	return crc
}

// readRequest frames a 4-byte read request datagram.
func readRequest(node, reg uint8) [4]byte {
	var d [4]byte
	d[0] = syncNibble
	d[1] = node
	d[2] = reg &^ writeFlag
	d[3] = CRC8(d[:3])
	return d
}

// writeRequest frames an 8-byte write request datagram. The value is
// big-endian.
func writeRequest(node, reg uint8, value uint32) [8]byte {
	var d [8]byte
	d[0] = syncNibble
	d[1] = node
	d[2] = reg | writeFlag
	binary.BigEndian.PutUint32(d[3:7], value)
	d[7] = CRC8(d[:7])
	return d
}

// RegRead reads one register. Any framing, CRC or addressing problem
// yields a zero value and an error; the bus idle guard is applied on
// the success path.
func (d *Device) RegRead(reg uint8) (uint32, error) {
	req := readRequest(d.Addr, reg)
	if err := d.Bus.Write(d.Line, req[:]); err != nil {
		return 0, fmt.Errorf("tmc: read reg 0x%02x: %w", reg, err)
	}

	var reply [8]byte
	if err := d.Bus.Read(d.Line, reply[:]); err != nil {
		return 0, fmt.Errorf("tmc: read reg 0x%02x: %w", reg, err)
	}
	if CRC8(reply[:7]) != reply[7] {
		return 0, ErrCRC
	}
	if reply[1] != masterAddr || reply[2]&^writeFlag != reg {
		return 0, ErrBadReply
	}
	time.Sleep(busIdleGuard)
	return binary.BigEndian.Uint32(reply[3:7]), nil
}

// RegWrite writes one register.
func (d *Device) RegWrite(reg uint8, value uint32) error {
	req := writeRequest(d.Addr, reg, value)
	if err := d.Bus.Write(d.Line, req[:]); err != nil {
		return fmt.Errorf("tmc: write reg 0x%02x: %w", reg, err)
	}
	time.Sleep(busIdleGuard)
	return nil
}

// SetMicrostep programs the microstep resolution (power of two in
// [1,256]).
func (d *Device) SetMicrostep(microstep int) error {
	if microstep < 1 || microstep > 256 || microstep&(microstep-1) != 0 {
		return ErrInvalidMicrostep
	}

	gconf, err := d.RegRead(GCONF)
	if err != nil {
		return err
	}
	if err := d.RegWrite(GCONF, gconf|gconfMstepRegSelect); err != nil {
		return err
	}

	// MRES: 0=256 µsteps .. 8=full step.
	mres := uint32(8)
	for m := microstep; m > 1; m >>= 1 {
		mres--
	}

	chopconf, err := d.RegRead(CHOPCONF)
	if err != nil {
		return err
	}
	chopconf = chopconf&^uint32(mresMask) | mres<<mresShift
	return d.RegWrite(CHOPCONF, chopconf)
}

// SetCurrent programs run and hold current as percentages, quantised to
// the 32-step IRUN/IHOLD register fields.
func (d *Device) SetCurrent(runPct, holdPct int) error {
	if runPct < 0 || runPct > 100 || holdPct < 0 || holdPct > 100 {
		return ErrRange
	}
	irun := uint32(runPct*31+50) / 100
	ihold := uint32(holdPct*31+50) / 100
	const iholdDelay = 10
	return d.RegWrite(IHOLD_IRUN, iholdDelay<<16|irun<<8|ihold)
}

// SetStallThreshold programs SGTHRS; higher is more sensitive.
func (d *Device) SetStallThreshold(threshold uint8) error {
	return d.RegWrite(SGTHRS, uint32(threshold))
}

// SetCoolThreshold programs TCOOLTHRS, the velocity threshold below
// which StallGuard is suppressed. Value must be in [1, 2^20-1].
func (d *Device) SetCoolThreshold(value int) error {
	if value < 1 || value >= 1<<20 {
		return ErrRange
	}
	return d.RegWrite(TCOOLTHRS, uint32(value))
}

// SGResult reads the 10-bit StallGuard load measurement (0 = highest
// load).
func (d *Device) SGResult() (int, error) {
	v, err := d.RegRead(SG_RESULT)
	return int(v & 0x3FF), err
}

// Stalled reports the DIAG pin level.
func (d *Device) Stalled() bool {
	return d.Diag.Read() == gpio.High
}

// Energize drives the enable pin.
func (d *Device) Energize(on bool) {
	d.Enable.Out(gpio.Level(on))
}

// SetStep drives the step pin.
func (d *Device) SetStep(high bool) {
	d.Step.Out(gpio.Level(high))
}

// SetDir drives the direction pin.
func (d *Device) SetDir(forward bool) {
	d.Dir.Out(gpio.Level(forward))
}

// DumpRegs formats the readable registers for diagnostics. Read errors
// show as zero values, matching RegRead's error convention.
func (d *Device) DumpRegs() string {
	gconf, _ := d.RegRead(GCONF)
	ioin, _ := d.RegRead(IOIN)
	sg, _ := d.RegRead(SG_RESULT)
	chopconf, _ := d.RegRead(CHOPCONF)
	return fmt.Sprintf("GCONF:0x%08x IOIN:0x%08x SG_RESULT:0x%08x CHOPCONF:0x%08x",
		gconf, ioin, sg, chopconf)
}
