// Package devreg is a small table of named output devices, so that producers can find a display by name
// instead of holding a reference to the driver that brought it up.
package devreg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flag describes the access a device supports, or the access an opener intends.
type Flag uint16

const (
	ReadOnly Flag = 1 << iota
	WriteOnly
	ReadWrite = ReadOnly | WriteOnly
)

func (f Flag) String() string {
	switch f {
	case ReadOnly:
		return "r"
	case WriteOnly:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Flag(%d)", uint16(f))
	}
}

// Class classifies a device for listing purposes.
type Class int

const (
	ClassChar Class = iota
	ClassMisc
)

func (c Class) String() string {
	switch c {
	case ClassChar:
		return "char"
	case ClassMisc:
		return "misc"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Device is what a driver exposes to the table.
type Device interface {
	// Open prepares the device for use.  It must be safe to call repeatedly.
	Open(flag Flag) error
	// WriteAt writes p to the device.  Devices without addressing ignore off.
	WriteAt(p []byte, off int64) (int, error)
}

var (
	ErrExists      = errors.New("devreg: device already registered")
	ErrNotFound    = errors.New("devreg: no such device")
	ErrInvalidName = errors.New("devreg: invalid device name")
	ErrAccess      = errors.New("devreg: access mode not supported by device")
	ErrClosed      = errors.New("devreg: handle is not open")
)

var registeredGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "devreg_devices",
	Help: "number of devices currently registered",
})

type entry struct {
	name  string
	dev   Device
	class Class
	flags Flag

	refs int  // guarded by Table.mu
	gone bool // guarded by Table.mu; set on Unregister
}

// Table maps names to devices.  The zero value is not usable; call NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register adds dev under name.  Names are unique and may not contain whitespace or slashes.
func (t *Table) Register(name string, dev Device, class Class, flags Flag) error {
	if name == "" || strings.ContainsAny(name, " \t\n/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if dev == nil {
		return fmt.Errorf("devreg: register %q: nil device", name)
	}
	if flags&ReadWrite == 0 {
		return fmt.Errorf("devreg: register %q: %w", name, ErrAccess)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrExists, name)
	}
	t.entries[name] = &entry{name: name, dev: dev, class: class, flags: flags}
	registeredGauge.Inc()
	return nil
}

// Unregister removes the device.  Handles that are still open start failing with ErrNotFound.
func (t *Table) Unregister(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.gone = true
	delete(t.entries, name)
	registeredGauge.Dec()
	return nil
}

// Find returns an unopened handle to the named device.
func (t *Table) Find(name string) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return &Handle{t: t, e: e}, nil
}

// Names returns the registered names in sorted order.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]string, 0, len(t.entries))
	for name := range t.entries {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Describe returns a one-line summary of each device, like "tm1668 misc w refs=1".
func (t *Table) Describe() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []string
	for _, e := range t.entries {
		result = append(result, fmt.Sprintf("%s %v %v refs=%d", e.name, e.class, e.flags, e.refs))
	}
	sort.Strings(result)
	return result
}

// Handle is one opener's view of a device.
type Handle struct {
	t    *Table
	e    *entry
	flag Flag
	open bool
}

// Open opens the device with the given intent.  Opening an open handle does nothing.
func (h *Handle) Open(flag Flag) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if h.e.gone {
		return fmt.Errorf("%w: %q", ErrNotFound, h.e.name)
	}
	if h.open {
		return nil
	}
	if flag&ReadWrite == 0 || flag&^h.e.flags != 0 {
		return fmt.Errorf("devreg: open %q for %v (device is %v): %w", h.e.name, flag, h.e.flags, ErrAccess)
	}
	if err := h.e.dev.Open(flag); err != nil {
		return fmt.Errorf("devreg: open %q: %w", h.e.name, err)
	}
	h.open = true
	h.flag = flag
	h.e.refs++
	return nil
}

// Write sends p to the device.
func (h *Handle) Write(p []byte) (int, error) {
	h.t.mu.Lock()
	open, gone, flag := h.open, h.e.gone, h.flag
	h.t.mu.Unlock()
	switch {
	case gone:
		return 0, fmt.Errorf("%w: %q", ErrNotFound, h.e.name)
	case !open:
		return 0, ErrClosed
	case flag&WriteOnly == 0:
		return 0, fmt.Errorf("devreg: write %q: %w", h.e.name, ErrAccess)
	}
	return h.e.dev.WriteAt(p, 0)
}

// Close releases the handle's reference.  Closing a closed handle does nothing.
func (h *Handle) Close() error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if !h.open {
		return nil
	}
	h.open = false
	h.e.refs--
	return nil
}

// Refs returns the number of open handles on the device.
func (h *Handle) Refs() int {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.e.refs
}
