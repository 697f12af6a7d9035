// Package service provides chart instances and snapshot replay on top of
// the binned fetcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/soma-tiles/scatterbins/internal/binned"
	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/layout"
	"github.com/soma-tiles/scatterbins/internal/snapshotstore"
	"github.com/soma-tiles/scatterbins/internal/viewport"
)

// ErrNotFound is returned for unknown charts and snapshots.
var ErrNotFound = errors.New("not found")

// ChartServiceConfig contains chart configuration.
type ChartServiceConfig struct {
	ID        string // generated when empty
	Title     string
	Cube      hypercube.Layout
	Transport hypercube.Transport
	// CompressionResolution is the declared base level; 0 means default.
	CompressionResolution int
	MaxRows               int
	// FetchTimeout bounds each Refresh; zero means no deadline.
	FetchTimeout time.Duration
}

// ChartService is one interactive chart instance: its layout, its visible
// ranges and the fetcher serving its bins.
type ChartService struct {
	id           string
	title        string
	createdAt    time.Time
	fetchTimeout time.Duration

	layout   *layout.Service
	viewport *viewport.Model
	fetcher  *binned.Fetcher
}

// RefreshResult summarizes one Refresh.
type RefreshResult struct {
	Superseded      bool                `json:"superseded"`
	Binned          bool                `json:"binned"`
	Snapshot        bool                `json:"snapshot"`
	ResolutionLevel int                 `json:"resolution_level"`
	Request         binned.FetchRequest `json:"request"`
	BinCount        int                 `json:"bin_count"`
	DetailCount     int                 `json:"detail_count"`
}

// DetailPoint is one non-aggregated point.
type DetailPoint struct {
	ElemNumber int     `json:"elem"`
	Label      string  `json:"label"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

// ChartView is what a renderer needs to draw the chart.
type ChartView struct {
	ID                    string         `json:"id"`
	Title                 string         `json:"title,omitempty"`
	Snapshot              bool           `json:"snapshot"`
	Binned                bool           `json:"binned"`
	Busy                  bool           `json:"busy"`
	Queued                bool           `json:"queued"`
	CompressionResolution int            `json:"compression_resolution"`
	X                     viewport.Range `json:"x"`
	Y                     viewport.Range `json:"y"`
	MaxDensity            float64        `json:"max_density"`
	Bins                  []binned.Bin   `json:"bins"`
	Points                []DetailPoint  `json:"points"`
}

// NewChartService creates a live chart showing the whole cube.
func NewChartService(cfg ChartServiceConfig) *ChartService {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	l := cfg.Cube
	l.CompressionResolution = cfg.CompressionResolution
	l.DataPages = nil

	ls := layout.NewService(l)
	vp := viewport.NewModel(initialRanges(l))

	return &ChartService{
		id:           id,
		title:        cfg.Title,
		createdAt:    time.Now(),
		fetchTimeout: cfg.FetchTimeout,
		layout:       ls,
		viewport:     vp,
		fetcher: binned.NewFetcher(binned.FetcherConfig{
			Layout:    ls,
			Extrema:   vp,
			Transport: cfg.Transport,
			MaxRows:   cfg.MaxRows,
		}),
	}
}

// NewSnapshotChart creates a read-only chart that replays a stored snapshot.
// Its fetcher never reaches a transport.
func NewSnapshotChart(snap *snapshotstore.Snapshot) *ChartService {
	ls := layout.NewSnapshotService(snap.Layout)
	vp := viewport.NewModel(initialRanges(snap.Layout))
	return &ChartService{
		id:        snap.ID,
		createdAt: snap.CreatedAt,
		layout:    ls,
		viewport:  vp,
		fetcher: binned.NewFetcher(binned.FetcherConfig{
			Layout:  ls,
			Extrema: vp,
		}),
	}
}

// initialRanges spans the declared measure ranges, x first then y.
func initialRanges(l hypercube.Layout) (x, y viewport.Range) {
	if m, ok := l.Measure(0); ok {
		x = viewport.Range{Min: m.Min, Max: m.Max}
	}
	if m, ok := l.Measure(1); ok {
		y = viewport.Range{Min: m.Min, Max: m.Max}
	}
	return x, y
}

// ID returns the chart id.
func (s *ChartService) ID() string { return s.id }

// CreatedAt returns when the chart was created.
func (s *ChartService) CreatedAt() time.Time { return s.createdAt }

// SetViewport changes the visible ranges. It does not fetch.
func (s *ChartService) SetViewport(x, y viewport.Range) error {
	return s.viewport.Set(x, y)
}

// Zoom scales the visible ranges around their center.
func (s *ChartService) Zoom(factor float64) error {
	return s.viewport.Zoom(factor)
}

// Pan shifts the visible ranges by dx and dy.
func (s *ChartService) Pan(dx, dy float64) error {
	return s.viewport.Pan(dx, dy)
}

// SetCompressionResolution changes the declared base level used by the
// next fetch.
func (s *ChartService) SetCompressionResolution(level int) {
	s.layout.SetCompressionResolution(level)
}

// Refresh fetches bins for the current viewport. A fetch displaced by a
// newer one is reported with Superseded set, not as an error.
func (s *ChartService) Refresh(ctx context.Context) (*RefreshResult, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	res, err := s.fetcher.Fetch(ctx)
	if errors.Is(err, binned.ErrSuperseded) {
		return &RefreshResult{Superseded: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chart %s: %w", s.id, err)
	}

	return &RefreshResult{
		Binned:          res.Binned,
		Snapshot:        res.Snapshot,
		ResolutionLevel: res.ResolutionLevel,
		Request:         res.Request,
		BinCount:        len(s.fetcher.BinArray()),
		DetailCount:     len(s.detailPoints()),
	}, nil
}

// View returns the drawable state of the chart.
func (s *ChartService) View() ChartView {
	state := s.fetcher.State()
	x, y := s.viewport.Ranges()
	l := s.layout.Layout()

	v := ChartView{
		ID:                    s.id,
		Title:                 s.title,
		Snapshot:              s.layout.IsSnapshot(),
		Binned:                state.Binned,
		Busy:                  s.fetcher.Busy(),
		Queued:                s.fetcher.Queued(),
		CompressionResolution: l.CompressionResolution,
		X:                     x,
		Y:                     y,
		MaxDensity:            state.MaxDensity,
		Bins:                  state.Bins,
		Points:                []DetailPoint{},
	}
	if !state.Binned {
		v.Points = s.detailPoints()
	}
	return v
}

// detailPoints decodes the detail page rows [label, x, y].
func (s *ChartService) detailPoints() []DetailPoint {
	pages := s.layout.DataPages()
	if len(pages) == 0 {
		return []DetailPoint{}
	}
	out := make([]DetailPoint, 0, len(pages[0].Matrix))
	for _, row := range pages[0].Matrix {
		if len(row) < 3 {
			continue
		}
		out = append(out, DetailPoint{
			ElemNumber: row[0].ElemNumber,
			Label:      row[0].Text,
			X:          row[1].Num,
			Y:          row[2].Num,
		})
	}
	return out
}

// SnapshotSaver persists snapshots.
type SnapshotSaver interface {
	Save(snap *snapshotstore.Snapshot) error
}

// Snapshot persists the chart's layout together with its last fetched pages.
func (s *ChartService) Snapshot(store SnapshotSaver) (*snapshotstore.Snapshot, error) {
	if s.layout.IsSnapshot() {
		return nil, fmt.Errorf("chart %s is already a snapshot", s.id)
	}
	snap := &snapshotstore.Snapshot{
		ID:      uuid.NewString(),
		ChartID: s.id,
		Layout:  s.layout.Export(),
	}
	if err := store.Save(snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	log.Printf("[Chart] saved snapshot %s of chart %s (%d pages)", snap.ID, s.id, len(snap.Layout.DataPages))
	return snap, nil
}
