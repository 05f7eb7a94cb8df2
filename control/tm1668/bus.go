package tm1668

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"periph.io/x/conn/v3/gpio"
)

// Commands understood by the TM1668.  The low bits of the address and display control commands carry
// arguments; see Address and DisplayControl.
const (
	CmdDataAutoIncrement byte = 0x40 // Write display data, auto-increment address.
	CmdAddress0          byte = 0xC0 // Set start address 0.
	CmdDisplayOnMax      byte = 0x8F // Display on, brightest pulse width.

	cmdDisplayControl byte = 0x80
	displayOn         byte = 0x08

	// MaxBrightness is the largest pulse width setting.
	MaxBrightness uint8 = 7
)

// DefaultDelay is the settle time between line transitions.  The chip is happy with much faster clocks,
// but long wires to the board are not.
const DefaultDelay = 2 * time.Microsecond

var (
	framesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm1668_frames_sent",
		Help: "count of strobe-bounded frames clocked out to the chip",
	})
	transportErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm1668_transport_errors",
		Help: "count of frames aborted because a GPIO line could not be driven",
	})
)

// Address returns the command that sets the display memory write address.
func Address(a uint8) byte {
	return CmdAddress0 | (a & 0x0f)
}

// DisplayControl returns the command that switches the display on or off at the given brightness (0-7).
func DisplayControl(on bool, brightness uint8) byte {
	cmd := cmdDisplayControl | (brightness & MaxBrightness)
	if on {
		cmd |= displayOn
	}
	return cmd
}

// BusOpts configures the bit-banged bus.
type BusOpts struct {
	// Delay is inserted after every line transition.  Zero means DefaultDelay.
	Delay time.Duration
	// Sleep waits for the given duration.  Nil means a busy-wait, since the scheduler can't be trusted with
	// microseconds.
	Sleep func(time.Duration)
}

// Bus drives the TM1668's strobe, clock and data lines by hand.
//
// A frame is: strobe low, one command byte, zero or more data bytes, strobe high.  Bytes go out LSB
// first; the chip latches data on the rising edge of the clock.
type Bus struct {
	mu    sync.Mutex // held for the duration of a frame.
	stb   gpio.PinOut
	clk   gpio.PinOut
	dio   gpio.PinOut
	delay time.Duration
	sleep func(time.Duration)
}

// NewBus configures the three lines as outputs and leaves the strobe in its idle (high) state.
func NewBus(stb, clk, dio gpio.PinOut, opts *BusOpts) (*Bus, error) {
	if stb == nil || clk == nil || dio == nil {
		return nil, errors.New("tm1668: strobe, clock and data pins are all required")
	}
	if opts == nil {
		opts = &BusOpts{}
	}
	b := &Bus{
		stb:   stb,
		clk:   clk,
		dio:   dio,
		delay: opts.Delay,
		sleep: opts.Sleep,
	}
	if b.delay <= 0 {
		b.delay = DefaultDelay
	}
	if b.sleep == nil {
		b.sleep = spin
	}
	// periph switches a pin to output mode on the first call to Out.
	if err := b.clk.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("tm1668: configure clock %s: %w", clk, err)
	}
	if err := b.dio.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("tm1668: configure data %s: %w", dio, err)
	}
	if err := b.stb.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("tm1668: configure strobe %s: %w", stb, err)
	}
	return b, nil
}

// SendFrame clocks out one command byte followed by the payload, framed by the strobe.
//
// Nothing in the protocol acknowledges a frame, so the only errors are failures to drive a line.  On
// error the strobe is returned high so the chip discards the partial frame.
func (b *Bus) SendFrame(cmd byte, payload ...byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.frame(cmd, payload); err != nil {
		transportErrorsCounter.Inc()
		b.stb.Out(gpio.High) // nolint:errcheck
		return fmt.Errorf("tm1668: send frame 0x%02x: %w", cmd, err)
	}
	framesSentCounter.Inc()
	return nil
}

func (b *Bus) frame(cmd byte, payload []byte) error {
	if err := b.stb.Out(gpio.Low); err != nil {
		return fmt.Errorf("assert strobe: %w", err)
	}
	b.sleep(b.delay)
	if err := b.writeByte(cmd); err != nil {
		return err
	}
	for i, d := range payload {
		if err := b.writeByte(d); err != nil {
			return fmt.Errorf("payload byte %d: %w", i, err)
		}
	}
	if err := b.stb.Out(gpio.High); err != nil {
		return fmt.Errorf("release strobe: %w", err)
	}
	b.sleep(b.delay)
	return nil
}

func (b *Bus) writeByte(d byte) error {
	for i := 0; i < 8; i++ {
		if err := b.clk.Out(gpio.Low); err != nil {
			return fmt.Errorf("clock low: %w", err)
		}
		if err := b.dio.Out(gpio.Level((d>>i)&1 == 1)); err != nil {
			return fmt.Errorf("data bit %d: %w", i, err)
		}
		b.sleep(b.delay)
		if err := b.clk.Out(gpio.High); err != nil {
			return fmt.Errorf("clock high: %w", err)
		}
		b.sleep(b.delay)
	}
	return nil
}

// Halt leaves the bus idle.  It does not blank the display; see Dev.Halt.
func (b *Bus) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.stb.Out(gpio.High); err != nil {
		return fmt.Errorf("tm1668: idle strobe: %w", err)
	}
	return nil
}

func (b *Bus) String() string {
	return fmt.Sprintf("tm1668.Bus{stb: %s, clk: %s, dio: %s}", b.stb, b.clk, b.dio)
}

// spin busy-waits for d.  time.Sleep rounds microsecond sleeps up to the timer slack, which would make a
// refresh take tens of milliseconds.
func spin(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
