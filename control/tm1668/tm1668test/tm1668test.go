// Package tm1668test provides GPIO pins that record every transition, and a decoder that turns the
// recording back into the frames the chip would have seen.
package tm1668test

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Line identifies one of the three bus lines.
type Line int

const (
	STB Line = iota
	CLK
	DIO
)

func (l Line) String() string {
	switch l {
	case STB:
		return "STB"
	case CLK:
		return "CLK"
	case DIO:
		return "DIO"
	}
	return fmt.Sprintf("Line(%d)", int(l))
}

// Event is one call to Out.
type Event struct {
	Line  Line
	Level gpio.Level
}

// Pin is a gpiotest.Pin that reports every Out call to its Recorder.
type Pin struct {
	gpiotest.Pin
	r    *Recorder
	line Line
}

// Out records the transition, then sets the level.
func (p *Pin) Out(l gpio.Level) error {
	if err := p.r.record(p.line, l); err != nil {
		return err
	}
	return p.Pin.Out(l)
}

// Recorder owns the three bus pins and the log of what was done to them.
type Recorder struct {
	STB, CLK, DIO *Pin

	mu        sync.Mutex
	events    []Event
	failAfter int // when >0, Out calls fail once this many more have succeeded
	failErr   error
	sleeps    int
}

// NewRecorder returns a recorder with fresh pins.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.STB = &Pin{Pin: gpiotest.Pin{N: "STB", Num: 1}, r: r, line: STB}
	r.CLK = &Pin{Pin: gpiotest.Pin{N: "CLK", Num: 2}, r: r, line: CLK}
	r.DIO = &Pin{Pin: gpiotest.Pin{N: "DIO", Num: 3}, r: r, line: DIO}
	return r
}

func (r *Recorder) record(line Line, l gpio.Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		if r.failAfter == 0 {
			return r.failErr
		}
		r.failAfter--
	}
	r.events = append(r.events, Event{Line: line, Level: l})
	return nil
}

// FailAfter makes every Out call fail with err once n more calls have succeeded.  A nil err clears the
// failure.
func (r *Recorder) FailAfter(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfter = n
	r.failErr = err
}

// Sleep counts delays; pass it as tm1668.BusOpts.Sleep to keep tests fast.
func (r *Recorder) Sleep(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps++
}

// Sleeps returns how many delays were requested.
func (r *Recorder) Sleeps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sleeps
}

// Events returns a copy of the recording.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.sleeps = 0
}

// Frames decodes the recording.  Each frame is the bytes clocked in while the strobe was low, command
// byte first.  Data is sampled on rising clock edges, LSB first.
func (r *Recorder) Frames() ([][]byte, error) {
	return Decode(r.Events())
}

// Decode turns a list of transitions into frames.  The clock is assumed to start high.
func Decode(events []Event) ([][]byte, error) {
	var (
		frames  [][]byte
		inFrame bool
		clk     = gpio.High
		dio     = gpio.Low
		cur     []byte
		nbits   int
	)
	for i, e := range events {
		switch e.Line {
		case STB:
			if e.Level == gpio.Low {
				if inFrame {
					return nil, fmt.Errorf("event %d: strobe asserted twice", i)
				}
				inFrame, cur, nbits = true, nil, 0
				continue
			}
			if !inFrame {
				continue
			}
			if nbits%8 != 0 {
				return nil, fmt.Errorf("event %d: frame ended after %d bits", i, nbits)
			}
			frames = append(frames, cur)
			inFrame = false
		case CLK:
			if inFrame && clk == gpio.Low && e.Level == gpio.High {
				if nbits%8 == 0 {
					cur = append(cur, 0)
				}
				if dio == gpio.High {
					cur[len(cur)-1] |= 1 << (nbits % 8)
				}
				nbits++
			}
			clk = e.Level
		case DIO:
			dio = e.Level
		}
	}
	if inFrame {
		return frames, fmt.Errorf("recording ends inside a frame (%d bits)", nbits)
	}
	return frames, nil
}
