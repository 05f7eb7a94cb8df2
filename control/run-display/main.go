package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jrockway/beaglebone-tm1668/control/board"
	"github.com/jrockway/beaglebone-tm1668/control/clock"
	"github.com/jrockway/beaglebone-tm1668/control/devreg"
	"github.com/jrockway/beaglebone-tm1668/control/screen"
	"github.com/jrockway/beaglebone-tm1668/control/tm1668"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	bind       = flag.String("bind", ":8080", "address to bind for debug/metrics server")
	stbPin     = flag.String("stb", "P9_12", "gpio pin wired to the TM1668's STB line")
	clkPin     = flag.String("clk", "P9_14", "gpio pin wired to the TM1668's CLK line")
	dioPin     = flag.String("dio", "P9_16", "gpio pin wired to the TM1668's DIO line")
	interval   = flag.Duration("interval", tm1668.DefaultInterval, "how often to push the image to the chip")
	boardFile  = flag.String("board", "", "yaml file describing the led wiring; empty means the built-in 35-led board")
	leds       = flag.String("leds", "", "comma-separated leds to light and hold; empty runs the clock")
	brightness = flag.Uint("brightness", uint(tm1668.MaxBrightness), "display brightness, 0-7")
	verbose    = flag.Bool("v", false, "log at debug level")
)

func pin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin named %q", name)
	}
	return p, nil
}

func loadBoard() (board.Map, error) {
	if *boardFile == "" {
		return board.NianDong, nil
	}
	f, err := board.LoadFile(*boardFile)
	if err != nil {
		return nil, err
	}
	logrus.WithField("board", f.Name).Infof("loaded %d-led board from %s", len(f.Map), *boardFile)
	return f.Map, nil
}

func parseLEDs(s string) ([]int, error) {
	var result []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse led %q: %w", part, err)
		}
		result = append(result, n)
	}
	return result, nil
}

// holdLEDs writes a fixed image once; the refresh loop keeps it on the chip.
func holdLEDs(ctx context.Context, w *devreg.Handle, m board.Map, which []int) error {
	img, err := m.Frame(which...)
	if err != nil {
		return err
	}
	if _, err := w.Write(img); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *brightness > uint(tm1668.MaxBrightness) {
		logrus.Fatalf("brightness %d out of range 0-%d", *brightness, tm1668.MaxBrightness)
	}
	if _, err := host.Init(); err != nil {
		logrus.Fatalf("init periph.io: %v", err)
	}

	m, err := loadBoard()
	if err != nil {
		logrus.Fatalf("load board: %v", err)
	}
	var static []int
	if *leds != "" {
		static, err = parseLEDs(*leds)
		if err != nil {
			logrus.Fatalf("-leds: %v", err)
		}
	}

	var lines [3]gpio.PinIO
	for i, name := range []string{*stbPin, *clkPin, *dioPin} {
		if lines[i], err = pin(name); err != nil {
			logrus.Fatal(err)
		}
	}
	bus, err := tm1668.NewBus(lines[0], lines[1], lines[2], nil)
	if err != nil {
		logrus.Fatalf("init bus: %v", err)
	}
	logrus.Debugf("bus: %v", bus)

	preview := screen.NewScreen()
	devices := devreg.NewTable()
	level := uint8(*brightness)
	dev, err := tm1668.New(bus, devices, &tm1668.Opts{
		Interval:   *interval,
		Brightness: &level,
		OnRefresh:  preview.Show,
	})
	if err != nil {
		logrus.Fatalf("bring up display: %v", err)
	}
	logrus.WithField("devices", devices.Names()).Infof("%v ready", dev)

	// Producers reach the display through the device table, like any other client would.
	display, err := devices.Find(tm1668.DefaultName)
	if err != nil {
		logrus.Fatalf("find display: %v", err)
	}
	if err := display.Open(devreg.WriteOnly); err != nil {
		logrus.Fatalf("open display: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var cl *clock.Clock
	if static == nil {
		cl = clock.New(display, m, dev)
	}

	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/display.png", http.StatusFound)
	})
	http.Handle("/display.png", preview)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/devices", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("content-type", "text/plain")
		for _, line := range devices.Describe() {
			fmt.Fprintln(w, line)
		}
	})
	http.HandleFunc("/brightness", func(w http.ResponseWriter, req *http.Request) {
		level, err := strconv.ParseUint(req.FormValue("level"), 10, 8)
		if err != nil {
			http.Error(w, fmt.Sprintf("parse level: %v", err), http.StatusBadRequest)
			return
		}
		if level > uint64(tm1668.MaxBrightness) {
			http.Error(w, fmt.Sprintf("level %d out of range 0-%d", level, tm1668.MaxBrightness), http.StatusBadRequest)
			return
		}
		if cl == nil {
			if err := dev.SetBrightness(uint8(level)); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		} else {
			select {
			case cl.BrightnessCh <- uint8(level):
			case <-req.Context().Done():
				return
			case <-ctx.Done():
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintf(w, "brightness %d\n", level)
	})

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: *bind}
	go func() {
		logrus.Infof("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopDoneCh := make(chan error)
	go func() {
		var err error
		if cl == nil {
			err = holdLEDs(ctx, display, m, static)
		} else {
			err = cl.Run(ctx)
		}
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		logrus.WithError(err).Error("http server died")
		httpAlive = false
	case err := <-loopDoneCh:
		logrus.WithError(err).Error("display loop died")
	case sig := <-sigCh:
		logrus.Infof("%v", sig)
	}
	signal.Stop(sigCh)
	cancel()

	// Wait for the producer to stop, so its last image can't land on top of the blank one.
	producerTimeout := time.After(time.Second)
wait:
	for {
		select {
		case _, ok := <-loopDoneCh:
			if !ok {
				break wait
			}
		case <-producerTimeout:
			logrus.Warn("display loop did not stop; blanking anyway")
			break wait
		}
	}

	// Give the chip a blank image before turning it off, so a later bring-up doesn't flash the old one.
	if blank, err := m.Frame(); err == nil {
		if _, err := display.Write(blank); err != nil {
			logrus.WithError(err).Warn("blank display")
		} else if err := dev.Refresh(); err != nil {
			logrus.WithError(err).Warn("refresh blank image")
		}
	}
	display.Close()
	if err := dev.Halt(); err != nil {
		logrus.WithError(err).Warn("halt display")
	}
	if err := bus.Halt(); err != nil {
		logrus.WithError(err).Warn("halt bus")
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		if err := httpServer.Shutdown(tctx); err != nil {
			logrus.WithError(err).Warn("shutdown http server")
		}
		c()
	}
	os.Exit(1)
}
