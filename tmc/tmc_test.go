package tmc

import (
	"encoding/binary"
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// fakeWire emulates a driver chip on the single-wire bus: it records
// write datagrams, applies register writes, and frames replies for
// read requests.
type fakeWire struct {
	regs     map[uint8]uint32
	writes   [][]byte
	corrupt  bool // corrupt the reply CRC
	wrongReg bool // answer with a different register address
}

func newFakeWire() *fakeWire {
	return &fakeWire{regs: map[uint8]uint32{}}
}

func (f *fakeWire) Write(pin gpio.PinIO, data []byte) error {
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	if len(data) == 8 && data[2]&writeFlag != 0 {
		f.regs[data[2]&^writeFlag] = binary.BigEndian.Uint32(data[3:7])
	}
	return nil
}

func (f *fakeWire) Read(pin gpio.PinIO, out []byte) error {
	if len(f.writes) == 0 {
		return errors.New("no pending request")
	}
	req := f.writes[len(f.writes)-1]
	reg := req[2] &^ writeFlag
	if f.wrongReg {
		reg++
	}

	var reply [8]byte
	reply[0] = syncNibble
	reply[1] = masterAddr
	reply[2] = reg
	binary.BigEndian.PutUint32(reply[3:7], f.regs[reg])
	reply[7] = CRC8(reply[:7])
	if f.corrupt {
		reply[7] ^= 0xFF
	}
	copy(out, reply[:len(out)])
	return nil
}

func newTestDevice() (*Device, *fakeWire) {
	w := newFakeWire()
	d := &Device{
		Bus:    w,
		Line:   &gpiotest.Pin{N: "muart"},
		Step:   &gpiotest.Pin{N: "step"},
		Dir:    &gpiotest.Pin{N: "dir"},
		Enable: &gpiotest.Pin{N: "en"},
		Diag:   &gpiotest.Pin{N: "diag"},
	}
	return d, w
}

func TestCRC8Reference(t *testing.T) {
	// Hand-computed over the head of a node-0 read request.
	if got := CRC8([]byte{0x05, 0x00, 0x00}); got != 0x48 {
		t.Errorf("CRC8({05 00 00}) = 0x%02x, want 0x48", got)
	}
	if CRC8(nil) != 0 {
		t.Error("CRC8 of empty input must be 0")
	}
}

func TestReadRequestFraming(t *testing.T) {
	req := readRequest(0, SG_RESULT)
	if req[0] != 0x05 {
		t.Errorf("sync byte = 0x%02x, want 0x05", req[0])
	}
	if req[1] != 0 {
		t.Errorf("node addr = 0x%02x, want 0", req[1])
	}
	if req[2] != SG_RESULT {
		t.Errorf("reg byte = 0x%02x, want write bit clear", req[2])
	}
	if req[3] != CRC8(req[:3]) {
		t.Error("trailing CRC mismatch")
	}
}

func TestWriteRequestFraming(t *testing.T) {
	req := writeRequest(0, SGTHRS, 0x01020304)
	if req[2] != SGTHRS|writeFlag {
		t.Errorf("reg byte = 0x%02x, want write bit set", req[2])
	}
	if binary.BigEndian.Uint32(req[3:7]) != 0x01020304 {
		t.Error("value must be big-endian")
	}
	if req[7] != CRC8(req[:7]) {
		t.Error("trailing CRC mismatch")
	}
}

func TestRegReadWrite(t *testing.T) {
	d, w := newTestDevice()

	if err := d.RegWrite(SGTHRS, 42); err != nil {
		t.Fatalf("RegWrite failed: %v", err)
	}
	if w.regs[SGTHRS] != 42 {
		t.Errorf("register = %d, want 42", w.regs[SGTHRS])
	}

	got, err := d.RegRead(SGTHRS)
	if err != nil {
		t.Fatalf("RegRead failed: %v", err)
	}
	if got != 42 {
		t.Errorf("RegRead = %d, want 42", got)
	}
}

func TestRegReadErrorsReturnZero(t *testing.T) {
	d, w := newTestDevice()
	w.regs[GCONF] = 0xDEADBEEF

	w.corrupt = true
	if v, err := d.RegRead(GCONF); !errors.Is(err, ErrCRC) || v != 0 {
		t.Errorf("corrupt reply = (%d, %v), want (0, ErrCRC)", v, err)
	}

	w.corrupt = false
	w.wrongReg = true
	if v, err := d.RegRead(GCONF); !errors.Is(err, ErrBadReply) || v != 0 {
		t.Errorf("wrong reply = (%d, %v), want (0, ErrBadReply)", v, err)
	}
}

func TestSetMicrostep(t *testing.T) {
	d, w := newTestDevice()

	if err := d.SetMicrostep(32); err != nil {
		t.Fatalf("SetMicrostep failed: %v", err)
	}
	if w.regs[GCONF]&gconfMstepRegSelect == 0 {
		t.Error("mstep_reg_select must be set in GCONF")
	}
	if mres := w.regs[CHOPCONF] >> mresShift & 0xF; mres != 3 {
		t.Errorf("MRES = %d for 32 microsteps, want 3", mres)
	}

	for _, bad := range []int{0, 3, 512, -1} {
		if err := d.SetMicrostep(bad); !errors.Is(err, ErrInvalidMicrostep) {
			t.Errorf("SetMicrostep(%d) = %v, want ErrInvalidMicrostep", bad, err)
		}
	}
}

func TestSetCurrent(t *testing.T) {
	d, w := newTestDevice()

	if err := d.SetCurrent(100, 0); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	reg := w.regs[IHOLD_IRUN]
	if irun := reg >> 8 & 0x1F; irun != 31 {
		t.Errorf("IRUN = %d for 100%%, want 31", irun)
	}
	if ihold := reg & 0x1F; ihold != 0 {
		t.Errorf("IHOLD = %d for 0%%, want 0", ihold)
	}

	if err := d.SetCurrent(101, 0); !errors.Is(err, ErrRange) {
		t.Errorf("SetCurrent(101) = %v, want ErrRange", err)
	}
}

func TestStallObservation(t *testing.T) {
	d, _ := newTestDevice()
	diag := d.Diag.(*gpiotest.Pin)

	if d.Stalled() {
		t.Error("low DIAG must read as not stalled")
	}
	diag.L = gpio.High
	if !d.Stalled() {
		t.Error("high DIAG must read as stalled")
	}
}

func TestSGResultMasked(t *testing.T) {
	d, w := newTestDevice()
	w.regs[SG_RESULT] = 0xFFFFF

	got, err := d.SGResult()
	if err != nil {
		t.Fatalf("SGResult failed: %v", err)
	}
	if got != 0x3FF {
		t.Errorf("SGResult = %d, want 10-bit mask 0x3FF", got)
	}
}
