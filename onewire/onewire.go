// Package onewire implements the bit-banged half-duplex single-wire UART
// used by the stepper control bus.
//
// One open-drain line per device, all devices sharing one 30 µs ticker.
// Three ticks make one baud (≈90 µs, ≈11.1 kbit/s). Each frame is one
// start bit (0), eight data bits LSB first, one stop bit (1). The line
// idles high; the external device masters the line for its reply, so
// receive re-synchronises on the start-bit falling edge and samples the
// middle of each subsequent bit.
package onewire

import (
	"errors"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/xy-kasumi/Spark-corefw/core"
)

// BufferSize is the maximum transfer length in bytes.
const BufferSize = 8

var (
	// ErrBusy is returned when another operation is in flight.
	ErrBusy = errors.New("onewire: bus busy")
	// ErrTimeout is returned when an operation does not complete in time.
	ErrTimeout = errors.New("onewire: timeout")
	// ErrTooLong is returned for transfers above BufferSize.
	ErrTooLong = errors.New("onewire: transfer exceeds buffer size")
	// ErrTickerMismatch is returned by Init when a bus already exists
	// on a different ticker.
	ErrTickerMismatch = errors.New("onewire: already initialized with different ticker")
)

// opTimeout bounds a whole transfer: 8 bytes × 10 bits × 90 µs ≈ 7.2 ms,
// so 15 ms leaves slack for reply turnaround.
const opTimeout = 15 * time.Millisecond

const (
	stateIdle int32 = iota
	stateSend
	stateReceive
	stateReceiveSynced
)

// Bus is the shared bit-bang engine. Exactly one operation runs at a
// time across all pins; concurrent callers get ErrBusy.
type Bus struct {
	tick *core.Ticker

	busy atomic.Bool
	done chan struct{}

	// state is the publication point between the caller and the tick
	// handler: the caller fills the fields below, then stores state;
	// the handler loads state first on every tick.
	state atomic.Int32

	// Tick-handler-owned while state != stateIdle.
	pin     gpio.PinIO
	buf     [BufferSize]byte
	size    int
	byteIdx int
	bitIdx  int // 0=START, 1..8=DATA, 9=STOP
	phase   int // 3 phases per baud
}

// New creates a bus and attaches its handler to the ticker.
func New(tick *core.Ticker) *Bus {
	b := &Bus{
		tick: tick,
		done: make(chan struct{}, 1),
	}
	tick.Attach(b.handleTick)
	return b
}

var shared *Bus

// Init returns the process-wide bus, creating it on first call.
// Re-init with the same ticker is a no-op; a different ticker is an
// error. All stepper devices share this one bus.
func Init(tick *core.Ticker) (*Bus, error) {
	if shared != nil {
		if shared.tick != tick {
			return nil, ErrTickerMismatch
		}
		return shared, nil
	}
	shared = New(tick)
	return shared, nil
}

// Write transmits data on pin, blocking until the last stop bit or
// timeout.
func (b *Bus) Write(pin gpio.PinIO, data []byte) error {
	if len(data) > BufferSize {
		return ErrTooLong
	}
	if !b.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer b.busy.Store(false)

	// Drive the line; idle level is high.
	if err := pin.Out(gpio.High); err != nil {
		return err
	}

	b.pin = pin
	copy(b.buf[:], data)
	b.size = len(data)
	b.byteIdx = 0
	b.bitIdx = 0
	b.phase = 0
	b.drainDone()
	b.state.Store(stateSend)

	return b.wait()
}

// Read switches pin to input and receives len(out) bytes, blocking
// until completion or timeout. On timeout out is left untouched.
func (b *Bus) Read(pin gpio.PinIO, out []byte) error {
	if len(out) > BufferSize {
		return ErrTooLong
	}
	if !b.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer b.busy.Store(false)

	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return err
	}

	b.pin = pin
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.size = len(out)
	b.byteIdx = 0
	b.bitIdx = 0
	b.phase = 0
	b.drainDone()
	b.state.Store(stateReceive)

	if err := b.wait(); err != nil {
		return err
	}
	copy(out, b.buf[:len(out)])
	return nil
}

func (b *Bus) drainDone() {
	select {
	case <-b.done:
	default:
	}
}

func (b *Bus) wait() error {
	select {
	case <-b.done:
		return nil
	case <-time.After(opTimeout):
		b.state.Store(stateIdle)
		return ErrTimeout
	}
}

func (b *Bus) complete() {
	b.state.Store(stateIdle)
	select {
	case b.done <- struct{}{}:
	default:
	}
}

// handleTick advances the transfer by one 30 µs tick.
func (b *Bus) handleTick() {
	switch b.state.Load() {
	case stateIdle:
		return

	case stateSend:
		if b.phase == 0 {
			var level gpio.Level
			switch {
			case b.bitIdx == 0:
				level = gpio.Low // START
			case b.bitIdx >= 1 && b.bitIdx <= 8:
				level = gpio.Level((b.buf[b.byteIdx]>>(b.bitIdx-1))&1 == 1)
			default:
				level = gpio.High // STOP
			}
			b.pin.Out(level)
			b.bitIdx++

			if b.bitIdx >= 10 {
				b.bitIdx = 0
				b.byteIdx++
				if b.byteIdx >= b.size {
					b.complete()
					return
				}
			}
		}
		b.phase = (b.phase + 1) % 3

	case stateReceive:
		// Wait for the START bit falling edge to re-synchronise.
		if b.pin.Read() == gpio.Low {
			b.state.Store(stateReceiveSynced)
			// The edge is phase 0; the next tick lands at phase 1,
			// the middle of the bit, which is where we sample.
			b.phase = 1
			b.bitIdx = 0
		}

	case stateReceiveSynced:
		if b.phase == 1 {
			if b.bitIdx >= 1 && b.bitIdx <= 8 {
				if b.pin.Read() == gpio.High {
					b.buf[b.byteIdx] |= 1 << (b.bitIdx - 1)
				}
			}
			b.bitIdx++

			if b.bitIdx >= 10 {
				b.state.Store(stateReceive)
				b.byteIdx++
				if b.byteIdx >= b.size {
					b.complete()
					return
				}
			}
		}
		b.phase = (b.phase + 1) % 3
	}
}
