// Package tm1668 drives a TM1668 LED controller over a bit-banged 3-wire bus.
//
// Producers write a whole display image with Write at whatever rate they like.  A refresh loop owned by
// the Dev wakes up every Interval, and if the image changed since the last transmission, clocks the
// entire image out to the chip followed by the display-on command.  The chip forgets its display control
// register across some state transitions, so every refresh re-sends the full command sequence rather than
// tracking what the chip already knows.
package tm1668

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrockway/beaglebone-tm1668/control/devreg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

const (
	// Segments is the number of display memory bytes sent on every refresh.
	Segments = 9
	// DefaultName is the name the device is registered under.
	DefaultName = "tm1668"
	// DefaultInterval is how often the refresh loop checks for a new image.
	DefaultInterval = 10 * time.Millisecond
)

var (
	// ErrSize is returned by Write when the image is not exactly Segments bytes.
	ErrSize = errors.New("tm1668: invalid buffer size")
	// ErrNotReady is returned when the device has not been brought up, or has been halted.
	ErrNotReady = errors.New("tm1668: device not initialized")
)

var (
	refreshesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm1668_refreshes",
		Help: "count of refresh ticks, by whether the image was clean (skipped) or transmitted (synced)",
	}, []string{"result"})

	rejectedWritesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm1668_rejected_writes",
		Help: "count of writes rejected for having the wrong size or arriving before bring-up",
	})

	refreshDurationMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tm1668_refresh_duration_seconds",
		Help:    "time spent in one refresh tick, including transmission",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	})
)

// Registrar is where a Dev makes itself available to producers.  *devreg.Table implements it.
type Registrar interface {
	Register(name string, dev devreg.Device, class devreg.Class, flags devreg.Flag) error
	Unregister(name string) error
}

// Opts configures a Dev.
type Opts struct {
	// Name to register under.  Empty means DefaultName.
	Name string
	// Interval between refresh ticks.  Zero means DefaultInterval.
	Interval time.Duration
	// Brightness is the initial pulse width, 0 to MaxBrightness.  Nil means MaxBrightness.
	Brightness *uint8
	// OnRefresh, if set, is called from the refresh loop with a copy of each image after it has been
	// transmitted.
	OnRefresh func(image []byte)
}

// Dev is a TM1668 with a front buffer for producers and a back buffer holding what was last sent to the
// chip.
type Dev struct {
	bus       *Bus
	reg       Registrar
	name      string
	interval  time.Duration
	onRefresh func([]byte)

	mu      sync.Mutex
	front   []byte // must hold mu to read or write.
	control byte   // display control command to send after the image; must hold mu.
	ready   bool   // true between bring-up and Halt; must hold mu.
	opened  bool   // must hold mu.

	refreshMu   sync.Mutex
	back        []byte // must hold refreshMu to read or write.
	sentControl byte   // must hold refreshMu.
	stale       bool   // last transmission failed partway, so the chip's memory is unknown; must hold refreshMu.

	cancel context.CancelFunc
	done   chan struct{}
}

// New brings the display up on bus: it allocates blank front and back buffers, registers the device
// with reg (which may be nil), and starts the refresh loop.  If registration fails, nothing is left
// running or registered.
func New(bus *Bus, reg Registrar, opts *Opts) (*Dev, error) {
	if bus == nil {
		return nil, errors.New("tm1668: bus is required")
	}
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("tm1668: refresh interval must not be negative (got %v)", opts.Interval)
	}
	brightness := MaxBrightness
	if opts.Brightness != nil {
		brightness = *opts.Brightness
	}
	if brightness > MaxBrightness {
		return nil, fmt.Errorf("tm1668: brightness %d out of range 0-%d", brightness, MaxBrightness)
	}
	d := &Dev{
		bus:         bus,
		reg:         reg,
		name:        opts.Name,
		interval:    opts.Interval,
		onRefresh:   opts.OnRefresh,
		front:       make([]byte, Segments),
		back:        make([]byte, Segments),
		control:     DisplayControl(true, brightness),
		sentControl: DisplayControl(true, brightness),
	}
	if d.name == "" {
		d.name = DefaultName
	}
	if d.interval == 0 {
		d.interval = DefaultInterval
	}

	if reg != nil {
		if err := reg.Register(d.name, d, devreg.ClassMisc, devreg.WriteOnly); err != nil {
			d.front, d.back = nil, nil
			return nil, fmt.Errorf("tm1668: register %q: %w", d.name, err)
		}
	}

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
	return d, nil
}

// run is the refresh timer.  Ticks are handled on this goroutine only, so they never overlap.
func (d *Dev) run(ctx context.Context) {
	defer close(d.done)
	l := trace.NewEventLog("tm1668", d.name)
	defer l.Finish()
	l.Printf("refreshing every %v", d.interval)

	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Printf("refresh loop stopped: %v", ctx.Err())
			return
		case <-t.C:
			start := time.Now()
			if err := d.Refresh(); err != nil && !errors.Is(err, ErrNotReady) {
				l.Errorf("refresh: %v", err)
			}
			refreshDurationMetric.Observe(time.Since(start).Seconds())
		}
	}
}

// Open marks the device open.  Opening an open device does nothing.  The TM1668 is output only, so any
// read intent is refused.
func (d *Dev) Open(flag devreg.Flag) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrNotReady
	}
	if flag&devreg.ReadOnly != 0 {
		return fmt.Errorf("tm1668: open for %v: %w", flag, devreg.ErrAccess)
	}
	d.opened = true
	return nil
}

// Opened reports whether the device has been opened since bring-up.
func (d *Dev) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Write replaces the front buffer with p, which must be exactly Segments bytes.  Nothing is copied if
// the size is wrong.  The image reaches the chip on the next refresh tick.
func (d *Dev) Write(p []byte) (int, error) {
	if len(p) != Segments {
		rejectedWritesCounter.Inc()
		return 0, ErrSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		rejectedWritesCounter.Inc()
		return 0, ErrNotReady
	}
	copy(d.front, p)
	return len(p), nil
}

// WriteAt implements devreg.Device.  The chip has no partial updates, so off is ignored.
func (d *Dev) WriteAt(p []byte, off int64) (int, error) {
	return d.Write(p)
}

// SetBrightness changes the pulse width (0-7) sent with every refresh.  It takes effect on the next tick.
func (d *Dev) SetBrightness(level uint8) error {
	if level > MaxBrightness {
		return fmt.Errorf("tm1668: brightness %d out of range 0-%d", level, MaxBrightness)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrNotReady
	}
	d.control = DisplayControl(true, level)
	return nil
}

// Refresh is one tick of the refresh loop.  If the front buffer matches what was last sent, it does
// nothing.  Otherwise it copies the front buffer to the back buffer and sends three frames: data mode,
// the image at address 0, and display control.  If sending fails, the back buffer keeps its previous
// contents and the next tick sends the image again.
//
// The refresh loop calls this; it is exported so that callers can force a tick.
func (d *Dev) Refresh() error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	d.mu.Lock()
	if !d.ready {
		d.mu.Unlock()
		return ErrNotReady
	}
	if !d.stale && d.control == d.sentControl && bytes.Equal(d.front, d.back) {
		d.mu.Unlock()
		refreshesCounter.WithLabelValues("skipped").Inc()
		return nil
	}
	prev := append([]byte(nil), d.back...)
	copy(d.back, d.front)
	control := d.control
	d.mu.Unlock()

	if err := d.transmit(control); err != nil {
		// back only ever holds what the chip received.  A later write could make front match it again,
		// so stale forces the resend regardless.
		copy(d.back, prev)
		d.stale = true
		return err
	}
	d.stale = false
	d.sentControl = control
	refreshesCounter.WithLabelValues("synced").Inc()
	if d.onRefresh != nil {
		d.onRefresh(append([]byte(nil), d.back...))
	}
	return nil
}

func (d *Dev) transmit(control byte) error {
	if err := d.bus.SendFrame(CmdDataAutoIncrement); err != nil {
		return fmt.Errorf("select data mode: %w", err)
	}
	if err := d.bus.SendFrame(CmdAddress0, d.back...); err != nil {
		return fmt.Errorf("write display memory: %w", err)
	}
	if err := d.bus.SendFrame(control); err != nil {
		return fmt.Errorf("display control: %w", err)
	}
	return nil
}

// Front returns a copy of the image most recently written by a producer.
func (d *Dev) Front() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.front...)
}

// Back returns a copy of the image most recently sent to the chip.
func (d *Dev) Back() []byte {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return append([]byte(nil), d.back...)
}

// Halt stops the refresh loop, waiting for a tick in progress, turns the display off, unregisters the
// device, and releases the buffers.  Calling Halt again does nothing.
func (d *Dev) Halt() error {
	d.mu.Lock()
	if !d.ready {
		d.mu.Unlock()
		return nil
	}
	d.ready = false
	d.opened = false
	d.mu.Unlock()

	d.cancel()
	<-d.done

	var errs []string
	if err := d.bus.SendFrame(DisplayControl(false, 0)); err != nil {
		errs = append(errs, err.Error())
	}
	if d.reg != nil {
		if err := d.reg.Unregister(d.name); err != nil {
			errs = append(errs, err.Error())
		}
	}

	d.refreshMu.Lock()
	d.back = nil
	d.refreshMu.Unlock()
	d.mu.Lock()
	d.front = nil
	d.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("tm1668: halt: %v", errs)
	}
	return nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("tm1668.Dev{%s, every %v}", d.name, d.interval)
}
