// Package viewport tracks the visible axis ranges of a chart.
package viewport

import (
	"errors"
	"math"
	"sync"
)

// ErrInvalidRange is returned for ranges with non-finite or inverted bounds.
var ErrInvalidRange = errors.New("invalid viewport range")

// Range is a closed interval on one axis.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports whether the range is finite and not inverted.
func (r Range) Valid() bool {
	return !math.IsNaN(r.Min) && !math.IsNaN(r.Max) &&
		!math.IsInf(r.Min, 0) && !math.IsInf(r.Max, 0) &&
		r.Min <= r.Max
}

// Span returns Max - Min.
func (r Range) Span() float64 { return r.Max - r.Min }

// Model holds the visible x and y ranges. It is safe for concurrent use.
type Model struct {
	mu sync.RWMutex
	x  Range
	y  Range
}

// NewModel creates a model showing the given ranges.
func NewModel(x, y Range) *Model {
	return &Model{x: x, y: y}
}

// XExtrema returns the visible x range.
func (m *Model) XExtrema() (float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.x.Min, m.x.Max
}

// YExtrema returns the visible y range.
func (m *Model) YExtrema() (float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.y.Min, m.y.Max
}

// Ranges returns both ranges.
func (m *Model) Ranges() (x, y Range) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.x, m.y
}

// Set replaces both ranges.
func (m *Model) Set(x, y Range) error {
	if !x.Valid() || !y.Valid() {
		return ErrInvalidRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.x, m.y = x, y
	return nil
}

// Pan shifts the view by dx, dy in data units.
func (m *Model) Pan(dx, dy float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x := Range{Min: m.x.Min + dx, Max: m.x.Max + dx}
	y := Range{Min: m.y.Min + dy, Max: m.y.Max + dy}
	if !x.Valid() || !y.Valid() {
		return ErrInvalidRange
	}
	m.x, m.y = x, y
	return nil
}

// Zoom scales the view around its center; factor > 1 zooms in.
func (m *Model) Zoom(factor float64) error {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return ErrInvalidRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.x = scale(m.x, factor)
	m.y = scale(m.y, factor)
	return nil
}

func scale(r Range, factor float64) Range {
	c := (r.Min + r.Max) / 2
	half := r.Span() / 2 / factor
	return Range{Min: c - half, Max: c + half}
}
