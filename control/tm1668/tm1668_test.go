package tm1668

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jrockway/beaglebone-tm1668/control/devreg"
	"github.com/jrockway/beaglebone-tm1668/control/tm1668/tm1668test"
)

// newTestDev returns a Dev whose refresh loop never fires on its own, so tests drive ticks with Refresh.
func newTestDev(t *testing.T, reg Registrar) (*Dev, *tm1668test.Recorder) {
	t.Helper()
	b, r := newTestBus(t)
	d, err := New(b, reg, &Opts{Interval: time.Hour})
	if err != nil {
		t.Fatalf("bring up: %v", err)
	}
	t.Cleanup(func() { d.Halt() })
	return d, r
}

func mustFrames(t *testing.T, r *tm1668test.Recorder) [][]byte {
	t.Helper()
	frames, err := r.Frames()
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	return frames
}

func TestWriteSize(t *testing.T) {
	d, _ := newTestDev(t, nil)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	if n, err := d.Write(want); err != nil || n != Segments {
		t.Fatalf("write 9 bytes: n=%v err=%v", n, err)
	}
	for _, size := range []int{0, 1, 8, 10, 64} {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			n, err := d.Write(bytes.Repeat([]byte{0xff}, size))
			if got, want := n, 0; got != want {
				t.Errorf("bytes accepted:\n  got: %v\n want: %v", got, want)
			}
			if !errors.Is(err, ErrSize) {
				t.Errorf("error:\n  got: %v\n want: %v", err, ErrSize)
			}
			if got := d.Front(); !bytes.Equal(got, want) {
				t.Errorf("front buffer after rejected write:\n  got: %x\n want: %x", got, want)
			}
		})
	}
}

func TestOpenIdempotent(t *testing.T) {
	d, _ := newTestDev(t, nil)
	img := []byte{0x85, 0, 0, 0, 0, 0, 0, 0xAB, 0xAB}
	if _, err := d.Write(img); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := d.Open(devreg.WriteOnly); err != nil {
			t.Errorf("open %d: %v", i, err)
		}
	}
	if !d.Opened() {
		t.Error("device should be open")
	}
	if got, want := d.Front(), img; !bytes.Equal(got, want) {
		t.Errorf("front buffer after reopening:\n  got: %x\n want: %x", got, want)
	}
	if err := d.Open(devreg.ReadWrite); !errors.Is(err, devreg.ErrAccess) {
		t.Errorf("open for reading:\n  got: %v\n want: %v", err, devreg.ErrAccess)
	}
}

func TestNotReady(t *testing.T) {
	d := new(Dev)
	if err := d.Open(devreg.WriteOnly); !errors.Is(err, ErrNotReady) {
		t.Errorf("open before bring-up:\n  got: %v\n want: %v", err, ErrNotReady)
	}
	if _, err := d.Write(make([]byte, Segments)); !errors.Is(err, ErrNotReady) {
		t.Errorf("write before bring-up:\n  got: %v\n want: %v", err, ErrNotReady)
	}
	if err := d.Refresh(); !errors.Is(err, ErrNotReady) {
		t.Errorf("refresh before bring-up:\n  got: %v\n want: %v", err, ErrNotReady)
	}
}

func TestRefreshSkipsCleanImage(t *testing.T) {
	d, r := newTestDev(t, nil)
	// A blank image matches the freshly zeroed back buffer, so writing it leaves the display clean.
	if n, err := d.Write(make([]byte, Segments)); n != Segments || err != nil {
		t.Fatalf("write blank image: n=%v err=%v", n, err)
	}
	for i := 0; i < 3; i++ {
		if err := d.Refresh(); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if got := mustFrames(t, r); len(got) != 0 {
		t.Errorf("frames sent for a clean image: %x", got)
	}
}

func TestRefreshSendsDirtyImage(t *testing.T) {
	d, r := newTestDev(t, nil)
	var seen [][]byte
	d.onRefresh = func(img []byte) { seen = append(seen, img) }

	img := []byte{0x01, 0, 0, 0, 0, 0, 0, 0xAB, 0xAB}
	if _, err := d.Write(img); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got, want := d.Back(), img; !bytes.Equal(got, want) {
		t.Errorf("back buffer:\n  got: %x\n want: %x", got, want)
	}
	want := [][]byte{
		{CmdDataAutoIncrement},
		append([]byte{CmdAddress0}, img...),
		{CmdDisplayOnMax},
	}
	if got := mustFrames(t, r); !reflect.DeepEqual(got, want) {
		t.Errorf("frames:\n  got: %x\n want: %x", got, want)
	}
	if got, want := seen, [][]byte{img}; !reflect.DeepEqual(got, want) {
		t.Errorf("refresh callback:\n  got: %x\n want: %x", got, want)
	}

	r.Reset()
	if err := d.Refresh(); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := mustFrames(t, r); len(got) != 0 {
		t.Errorf("frames sent on a clean second tick: %x", got)
	}
}

func TestScenarioShortWrite(t *testing.T) {
	d, r := newTestDev(t, nil)
	if n, err := d.Write(make([]byte, 8)); n != 0 || err == nil {
		t.Errorf("short write: n=%v err=%v", n, err)
	}
	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := mustFrames(t, r); len(got) != 0 {
		t.Errorf("frames sent after a rejected write: %x", got)
	}
	if got, want := d.Back(), make([]byte, Segments); !bytes.Equal(got, want) {
		t.Errorf("back buffer:\n  got: %x\n want: %x", got, want)
	}
}

func TestRefreshRetriesAfterTransportError(t *testing.T) {
	d, r := newTestDev(t, nil)
	img := []byte{0xff, 0, 0, 0, 0, 0, 0, 0xAB, 0xAB}
	if _, err := d.Write(img); err != nil {
		t.Fatalf("write: %v", err)
	}
	broken := errors.New("line stuck")
	r.FailAfter(10, broken)
	if err := d.Refresh(); !errors.Is(err, broken) {
		t.Fatalf("refresh with broken pin:\n  got: %v\n want: %v", err, broken)
	}
	if got, want := d.Back(), make([]byte, Segments); !bytes.Equal(got, want) {
		t.Errorf("back buffer after a failed refresh:\n  got: %x\n want: %x", got, want)
	}
	r.FailAfter(0, nil)
	r.Reset()

	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh after recovery: %v", err)
	}
	// The image is unchanged since the failed tick, but it never reached the chip, so it is sent again.
	frames := mustFrames(t, r)
	if got, want := len(frames), 3; got != want {
		t.Fatalf("frames after recovery:\n  got: %v\n want: %v", got, want)
	}
	if got, want := frames[1][1:], img; !bytes.Equal(got, want) {
		t.Errorf("image after recovery:\n  got: %x\n want: %x", got, want)
	}
	if got, want := d.Back(), img; !bytes.Equal(got, want) {
		t.Errorf("back buffer after recovery:\n  got: %x\n want: %x", got, want)
	}
}

func TestRetryAfterWritingPreviousImage(t *testing.T) {
	d, r := newTestDev(t, nil)
	if _, err := d.Write(bytes.Repeat([]byte{0x0f}, Segments)); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.FailAfter(40, errors.New("line stuck"))
	if err := d.Refresh(); err == nil {
		t.Fatal("expected refresh to fail")
	}
	r.FailAfter(0, nil)
	r.Reset()

	// The producer goes back to the image the chip last acknowledged, but the chip's memory was
	// partly overwritten by the failed refresh.
	blank := make([]byte, Segments)
	if _, err := d.Write(blank); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	frames := mustFrames(t, r)
	if got, want := len(frames), 3; got != want {
		t.Fatalf("frames:\n  got: %v\n want: %v", got, want)
	}
	if got, want := frames[1][1:], blank; !bytes.Equal(got, want) {
		t.Errorf("image:\n  got: %x\n want: %x", got, want)
	}
}

func TestInitialBrightness(t *testing.T) {
	b, r := newTestBus(t)
	level := uint8(2)
	d, err := New(b, nil, &Opts{Interval: time.Hour, Brightness: &level})
	if err != nil {
		t.Fatalf("bring up: %v", err)
	}
	t.Cleanup(func() { d.Halt() })

	// Brightness alone does not make a blank display dirty.
	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := mustFrames(t, r); len(got) != 0 {
		t.Errorf("frames sent for a clean image: %x", got)
	}

	if _, err := d.Write([]byte{0x01, 0, 0, 0, 0, 0, 0, 0xAB, 0xAB}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	frames := mustFrames(t, r)
	if got, want := len(frames), 3; got != want {
		t.Fatalf("frames:\n  got: %v\n want: %v", got, want)
	}
	if got, want := frames[2], []byte{0x8A}; !bytes.Equal(got, want) {
		t.Errorf("display control frame:\n  got: %x\n want: %x", got, want)
	}

	bright := MaxBrightness + 1
	if _, err := New(b, nil, &Opts{Brightness: &bright}); err == nil {
		t.Error("expected an error for brightness 8")
	}
}

func TestSetBrightness(t *testing.T) {
	d, r := newTestDev(t, nil)
	if err := d.SetBrightness(8); err == nil {
		t.Error("expected an error for brightness 8")
	}
	if err := d.SetBrightness(2); err != nil {
		t.Fatalf("set brightness: %v", err)
	}
	if err := d.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	frames := mustFrames(t, r)
	if got, want := len(frames), 3; got != want {
		t.Fatalf("frames after a brightness change:\n  got: %v\n want: %v", got, want)
	}
	if got, want := frames[2], []byte{DisplayControl(true, 2)}; !bytes.Equal(got, want) {
		t.Errorf("display control frame:\n  got: %x\n want: %x", got, want)
	}
}

func TestBringUpRegistrationFailure(t *testing.T) {
	table := devreg.NewTable()
	squatter, _ := newTestDev(t, table)
	b, r := newTestBus(t)

	d, err := New(b, table, nil)
	if !errors.Is(err, devreg.ErrExists) {
		t.Fatalf("bring up with a taken name:\n  got: %v\n want: %v", err, devreg.ErrExists)
	}
	if d != nil {
		t.Errorf("bring up returned a device despite failing: %v", d)
	}
	if got, want := table.Names(), []string{DefaultName}; !reflect.DeepEqual(got, want) {
		t.Errorf("registered devices:\n  got: %v\n want: %v", got, want)
	}
	time.Sleep(3 * DefaultInterval)
	if got := r.Events(); len(got) != 0 {
		t.Errorf("failed bring-up touched the bus: %v", got)
	}

	if err := squatter.Halt(); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if got := table.Names(); len(got) != 0 {
		t.Errorf("devices registered after halt: %v", got)
	}
}

func TestRefreshLoop(t *testing.T) {
	b, r := newTestBus(t)
	table := devreg.NewTable()
	synced := make(chan []byte, 1)
	d, err := New(b, table, &Opts{Name: "face", Interval: time.Millisecond, OnRefresh: func(img []byte) {
		select {
		case synced <- img:
		default:
		}
	}})
	if err != nil {
		t.Fatalf("bring up: %v", err)
	}

	h, err := table.Find("face")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := h.Open(devreg.WriteOnly); err != nil {
		t.Fatalf("open: %v", err)
	}
	img := []byte{0, 1, 0, 1, 0, 1, 0, 0xAB, 0xAB}
	if _, err := h.Write(img); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-synced:
		if !bytes.Equal(got, img) {
			t.Errorf("image sent by refresh loop:\n  got: %x\n want: %x", got, img)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the refresh loop")
	}

	if err := d.Halt(); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if err := d.Halt(); err != nil {
		t.Errorf("second halt: %v", err)
	}
	if _, err := h.Write(img); !errors.Is(err, devreg.ErrNotFound) {
		t.Errorf("write through a handle after halt:\n  got: %v\n want: %v", err, devreg.ErrNotFound)
	}
	if _, err := d.Write(img); !errors.Is(err, ErrNotReady) {
		t.Errorf("write after halt:\n  got: %v\n want: %v", err, ErrNotReady)
	}
	frames := mustFrames(t, r)
	if got, want := frames[len(frames)-1], []byte{DisplayControl(false, 0)}; !bytes.Equal(got, want) {
		t.Errorf("last frame:\n  got: %x\n want: %x", got, want)
	}
}

func TestNoTornFrames(t *testing.T) {
	d, r := newTestDev(t, nil)
	a := bytes.Repeat([]byte{0xaa}, Segments)
	b := bytes.Repeat([]byte{0x55}, Segments)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, img := range [][]byte{a, b} {
		wg.Add(1)
		go func(img []byte) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.Write(img)
				}
			}
		}(img)
	}
	for i := 0; i < 200; i++ {
		if err := d.Refresh(); err != nil {
			t.Errorf("refresh %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	for _, f := range mustFrames(t, r) {
		if f[0] != CmdAddress0 {
			continue
		}
		if img := f[1:]; !bytes.Equal(img, a) && !bytes.Equal(img, b) {
			t.Errorf("torn image transmitted: %x", img)
		}
	}
}
