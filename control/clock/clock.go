// Package clock produces display images in step with the wall clock.
package clock

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jrockway/beaglebone-tm1668/control/board"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_ticks",
		Help: "count of ticks that were generated but never received by anything",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between seconds tick and when it is sent to the channel, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	writeErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clock_write_errors",
		Help: "count of images the display refused",
	})
)

// Tick sends the current time to the provided channel at the exact instant that the seconds change.
// An absent listener will not receive an outdated time; the tick will be skipped and the
// missedTicksCounter incremented.  Cancelling the context causes this to return immediately.
func Tick(ctx context.Context, ch chan time.Time) error {
	for {
		nextSecond := time.Now().Add(time.Second).Truncate(time.Second)

		// Wait until the next second starts.
		select {
		case <-time.After(time.Until(nextSecond)):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next second: %w", ctx.Err())
		}

		// Send the time to the channel.
		select {
		case <-time.After(500 * time.Millisecond):
			missedTicksCounter.Inc()
		case <-ctx.Done():
			return fmt.Errorf("waiting to send tick: %w", ctx.Err())
		case ch <- nextSecond:
			tickDelayMetric.Observe(float64(time.Since(nextSecond).Nanoseconds()))
		}
	}
}

// Dimmer is something whose brightness can be changed; *tm1668.Dev is one.
type Dimmer interface {
	SetBrightness(level uint8) error
}

// Clock walks a single lit LED around the board, one position per second, so that the LED number shows
// the current second modulo the number of LEDs.
type Clock struct {
	display      io.Writer
	board        board.Map
	dimmer       Dimmer
	BrightnessCh chan uint8
}

// New returns a clock that writes images for board m to w.  dimmer may be nil, in which case brightness
// requests are ignored.
func New(w io.Writer, m board.Map, dimmer Dimmer) *Clock {
	return &Clock{display: w, board: m, dimmer: dimmer, BrightnessCh: make(chan uint8)}
}

// imageFor returns the image to show at time t.
func (c *Clock) imageFor(t time.Time) ([]byte, error) {
	return c.board.Frame(t.Second() % len(c.board))
}

func (c *Clock) show(t time.Time) error {
	img, err := c.imageFor(t)
	if err != nil {
		return fmt.Errorf("render %s: %w", t.Format("15:04:05"), err)
	}
	if _, err := c.display.Write(img); err != nil {
		// The next tick tries again with a fresh image.
		writeErrorsCounter.Inc()
	}
	return nil
}

// Run runs the clock until the context is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	if len(c.board) == 0 {
		return fmt.Errorf("clock: board has no leds")
	}
	tickErrCh := make(chan error)
	tickCh := make(chan time.Time)
	go func() {
		err := Tick(ctx, tickCh)
		select {
		case tickErrCh <- err:
		case <-ctx.Done():
		}
		close(tickErrCh)
		close(tickCh)
	}()
	if err := c.show(time.Now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("clock: %w", ctx.Err())
		case t, ok := <-tickCh:
			if !ok {
				return fmt.Errorf("ticker stopped: %w", ctx.Err())
			}
			if err := c.show(t); err != nil {
				return err
			}
		case err := <-tickErrCh:
			return fmt.Errorf("ticker: %w", err)
		case level := <-c.BrightnessCh:
			if c.dimmer == nil {
				continue
			}
			if err := c.dimmer.SetBrightness(level); err != nil {
				return fmt.Errorf("set brightness: %w", err)
			}
		}
	}
}
