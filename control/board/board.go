// Package board describes how the LEDs on a particular board are wired to the TM1668's display memory,
// and builds display images for it.
//
// The board is treated as a Rows x Cols grid of bits.  Row r is display memory byte r, and column c is
// bit c of that byte.  The last SentinelBytes bytes of every image are not wired to LEDs on the
// reference board but must be sent as Sentinel.
package board

import (
	"errors"
	"fmt"
	"os"

	"github.com/jrockway/beaglebone-tm1668/control/tm1668"
	"gopkg.in/yaml.v3"
)

const (
	Rows          = tm1668.Segments - SentinelBytes
	Cols          = 8
	SentinelBytes = 2
	Sentinel      = 0xAB
)

// Map maps a logical LED number (the index) to a physical bit in the grid (row*Cols + col).
type Map []int

// NianDong is the wiring of the reference 35-LED board.
var NianDong = Map{
	52, 36, 20, 4, 50, 34,
	18, 2, 48, 32, 16, 0,
	55, 39, 23, 7, 8, 24,
	53, 37, 21, 5, 51, 35,
	19, 3, 49, 33, 17, 1,
	54, 38, 22, 6, 40,
}

// Validate checks that every LED maps to a distinct bit inside the grid.
func (m Map) Validate() error {
	if len(m) == 0 {
		return errors.New("board: map is empty")
	}
	seen := make(map[int]int, len(m))
	for led, bit := range m {
		if bit < 0 || bit >= Rows*Cols {
			return fmt.Errorf("board: led %d maps to bit %d, outside the %dx%d grid", led, bit, Rows, Cols)
		}
		if other, ok := seen[bit]; ok {
			return fmt.Errorf("board: leds %d and %d both map to bit %d", other, led, bit)
		}
		seen[bit] = led
	}
	return nil
}

// PackRow turns a row of bits into a byte; row[i] becomes bit i.
func PackRow(row [Cols]bool) byte {
	var result byte
	for i, on := range row {
		if on {
			result |= 1 << i
		}
	}
	return result
}

// UnpackRow is the inverse of PackRow.
func UnpackRow(b byte) [Cols]bool {
	var row [Cols]bool
	for i := range row {
		row[i] = b&(1<<i) != 0
	}
	return row
}

// Grid is the logical state of every LED position.
type Grid [Rows][Cols]bool

// Set turns on the LEDs with the given logical numbers.
func (m Map) Set(g *Grid, leds ...int) error {
	for _, led := range leds {
		if led < 0 || led >= len(m) {
			return fmt.Errorf("board: led %d does not exist (board has %d)", led, len(m))
		}
		bit := m[led]
		g[bit/Cols][bit%Cols] = true
	}
	return nil
}

// Image packs the grid into a complete display image, sentinels included.
func (g *Grid) Image() []byte {
	result := make([]byte, 0, tm1668.Segments)
	for _, row := range g {
		result = append(result, PackRow(row))
	}
	for i := 0; i < SentinelBytes; i++ {
		result = append(result, Sentinel)
	}
	return result
}

// Frame returns the display image with exactly the given LEDs lit.
func (m Map) Frame(leds ...int) ([]byte, error) {
	var g Grid
	if err := m.Set(&g, leds...); err != nil {
		return nil, err
	}
	return g.Image(), nil
}

// File is the on-disk description of a board.
type File struct {
	Name string `yaml:"name"`
	Map  Map    `yaml:"map"`
}

// LoadFile reads and validates a YAML board description.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse board file %s: %w", path, err)
	}
	if err := f.Map.Validate(); err != nil {
		return nil, fmt.Errorf("board %q in %s: %w", f.Name, path, err)
	}
	return &f, nil
}
