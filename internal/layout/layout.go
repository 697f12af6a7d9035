// Package layout holds the persisted layout of a chart instance: the cube
// description, the last fetched data pages and the detail-page cache.
package layout

import (
	"sync"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
)

// Meta carries flags set by whoever created the layout.
type Meta struct {
	IsSnapshot bool `json:"is_snapshot"`
}

// Service stores one chart's layout. It is safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	layout    hypercube.Layout
	dataPages []hypercube.DataPage
	meta      Meta
}

// NewService creates a live layout service.
func NewService(l hypercube.Layout) *Service {
	return &Service{layout: l}
}

// NewSnapshotService creates a layout service in snapshot mode: fetches
// replay l.DataPages instead of querying the engine.
func NewSnapshotService(l hypercube.Layout) *Service {
	return &Service{layout: l, meta: Meta{IsSnapshot: true}}
}

// Layout returns the current layout.
func (s *Service) Layout() hypercube.Layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layout
}

// SetCompressionResolution updates the declared base aggregation level.
func (s *Service) SetCompressionResolution(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout.CompressionResolution = level
}

// LayoutDataPages returns the persisted pages. Callers may reformat them
// in place; they must not resize the slice.
func (s *Service) LayoutDataPages() []hypercube.DataPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layout.DataPages
}

// SetLayoutDataPages persists pages, or clears them when pages is nil.
func (s *Service) SetLayoutDataPages(pages []hypercube.DataPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout.DataPages = pages
}

// DataPages returns the detail pages.
func (s *Service) DataPages() []hypercube.DataPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataPages
}

// SetDataPages replaces the detail pages.
func (s *Service) SetDataPages(pages []hypercube.DataPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataPages = pages
}

// Meta returns the layout flags.
func (s *Service) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// IsSnapshot reports whether the layout is a persisted, non-interactive
// snapshot.
func (s *Service) IsSnapshot() bool {
	return s.Meta().IsSnapshot
}

// Export returns a deep copy of the layout, including persisted pages,
// suitable for storage.
func (s *Service) Export() hypercube.Layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.layout
	out.HyperCube.MeasureInfo = append([]hypercube.MeasureInfo(nil), s.layout.HyperCube.MeasureInfo...)
	out.DataPages = hypercube.ClonePages(s.layout.DataPages)
	return out
}
