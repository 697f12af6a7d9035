// Package binned acquires aggregated density bins for a scatter chart. It
// picks the aggregation resolution, coalesces overlapping fetches into at
// most one in-flight request plus one queued caller, and publishes the
// parsed bins atomically to readers.
package binned

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/metrics"
)

// DefaultMaxRows is the transport page-size maximum used when none is
// configured.
const DefaultMaxRows = 10000

var (
	// ErrSuperseded is returned to a queued caller displaced by a newer one
	// before its request was issued. Callers ignore it.
	ErrSuperseded = errors.New("binned fetch superseded")
	// ErrNoPages is returned when the transport answers with no pages.
	ErrNoPages = errors.New("transport returned no data pages")
)

// LayoutService is the persisted-state surface of the chart.
type LayoutService interface {
	Layout() hypercube.Layout
	// LayoutDataPages returns the last persisted pages.
	LayoutDataPages() []hypercube.DataPage
	SetLayoutDataPages(pages []hypercube.DataPage)
	// SetDataPages sets the detail pages drawn when data is not binned.
	SetDataPages(pages []hypercube.DataPage)
	IsSnapshot() bool
}

// ExtremaSource supplies the currently visible axis ranges.
type ExtremaSource interface {
	XExtrema() (min, max float64)
	YExtrema() (min, max float64)
}

// FetchRequest is the spatial window and zoom step of one issued request.
type FetchRequest struct {
	Left      float64 `json:"left"`
	Top       float64 `json:"top"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	ZoomLevel int     `json:"zoom_level"`
}

// FetchResult describes the pages a fetch resolved with.
type FetchResult struct {
	Pages           []hypercube.DataPage
	Binned          bool
	Snapshot        bool
	Request         FetchRequest
	ResolutionLevel int
}

// FetcherConfig contains fetcher dependencies.
type FetcherConfig struct {
	Layout    LayoutService
	Extrema   ExtremaSource
	Transport hypercube.Transport
	Path      string // defaults to hypercube.DefaultPath
	MaxRows   int    // defaults to DefaultMaxRows
}

// Fetcher serializes binned-data requests for one chart instance.
//
// The coalescing state is {idle, in flight} plus an optional pending slot.
// A caller arriving while a request is in flight takes the pending slot,
// displacing (with ErrSuperseded) any caller already there. When the
// in-flight request completes, successfully or not, the pending caller is
// served by a fresh request built from the latest extrema.
type Fetcher struct {
	layout    LayoutService
	extrema   ExtremaSource
	transport hypercube.Transport
	path      string
	maxRows   int

	mu       sync.Mutex
	inFlight bool
	pending  *pendingSlot

	stateMu sync.RWMutex
	state   BinState

	// Replays reformat persisted pages in place.
	replayMu sync.Mutex
}

type fetchOutcome struct {
	res *FetchResult
	err error
}

type pendingSlot struct {
	ctx  context.Context
	done chan fetchOutcome
}

func newPendingSlot(ctx context.Context) *pendingSlot {
	return &pendingSlot{ctx: ctx, done: make(chan fetchOutcome, 1)}
}

func (s *pendingSlot) deliver(res *FetchResult, err error) {
	select {
	case s.done <- fetchOutcome{res: res, err: err}:
	default:
	}
}

// NewFetcher creates a fetcher for one chart instance.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	path := cfg.Path
	if path == "" {
		path = hypercube.DefaultPath
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Fetcher{
		layout:    cfg.Layout,
		extrema:   cfg.Extrema,
		transport: cfg.Transport,
		path:      path,
		maxRows:   maxRows,
		state:     BinState{Bins: []Bin{}},
	}
}

// BinArray returns the current bins. The slice is replaced, never edited,
// on each successful fetch.
func (f *Fetcher) BinArray() []Bin {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state.Bins
}

// MaxBinDensity returns the density ceiling of the current bins.
func (f *Fetcher) MaxBinDensity() float64 {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state.MaxDensity
}

// State returns the binned flag, bins and max density as one consistent
// value.
func (f *Fetcher) State() BinState {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

func (f *Fetcher) publish(s BinState) {
	if s.Bins == nil {
		s.Bins = []Bin{}
	}
	f.stateMu.Lock()
	f.state = s
	f.stateMu.Unlock()
}

// Fetch requests bins for the current view. In snapshot mode it replays the
// persisted pages without issuing a request. Otherwise it either issues a
// request or, when one is already in flight, waits in the pending slot.
// A waiting caller returns ErrSuperseded if a newer caller displaces it,
// or ctx.Err() if its context ends first.
func (f *Fetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	if f.layout.IsSnapshot() {
		return f.replay(), nil
	}

	f.mu.Lock()
	if f.inFlight {
		if f.pending != nil {
			f.pending.deliver(nil, ErrSuperseded)
			metrics.FetchSupersededTotal.Inc()
		}
		slot := newPendingSlot(ctx)
		f.pending = slot
		f.mu.Unlock()
		return f.wait(ctx, slot)
	}
	f.inFlight = true
	f.mu.Unlock()

	return f.run(ctx)
}

// Busy reports whether a request is in flight.
func (f *Fetcher) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Queued reports whether a caller is waiting in the pending slot.
func (f *Fetcher) Queued() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending != nil
}

func (f *Fetcher) wait(ctx context.Context, slot *pendingSlot) (*FetchResult, error) {
	select {
	case out := <-slot.done:
		return out.res, out.err
	case <-ctx.Done():
		f.mu.Lock()
		if f.pending == slot {
			f.pending = nil
		}
		f.mu.Unlock()
		select {
		case out := <-slot.done:
			return out.res, out.err
		default:
		}
		return nil, ctx.Err()
	}
}

// run issues one request while holding the in-flight marker, then hands
// the marker on.
func (f *Fetcher) run(ctx context.Context) (*FetchResult, error) {
	res, err := f.issue(ctx)
	f.complete()
	return res, err
}

// complete clears the in-flight marker, or passes it straight to the
// pending caller so no other request can slip in between.
func (f *Fetcher) complete() {
	f.mu.Lock()
	slot := f.pending
	f.pending = nil
	if slot == nil {
		f.inFlight = false
	}
	f.mu.Unlock()

	if slot != nil {
		go f.serve(slot)
	}
}

func (f *Fetcher) serve(slot *pendingSlot) {
	if err := slot.ctx.Err(); err != nil {
		slot.deliver(nil, err)
		f.complete()
		return
	}
	res, err := f.run(slot.ctx)
	slot.deliver(res, err)
}

func (f *Fetcher) issue(ctx context.Context) (*FetchResult, error) {
	req, breq := f.buildRequest()

	metrics.FetchRequestsTotal.Inc()
	start := time.Now()
	pages, err := f.transport.GetBinnedData(ctx, breq)
	metrics.FetchDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.FetchFailuresTotal.Inc()
		log.Printf("[Fetcher] binned request failed (level=%d): %v", breq.ResolutionLevel, err)
		return nil, fmt.Errorf("binned data request failed: %w", err)
	}
	if len(pages) == 0 {
		metrics.FetchFailuresTotal.Inc()
		return nil, ErrNoPages
	}

	binned := f.apply(pages)
	return &FetchResult{
		Pages:           pages,
		Binned:          binned,
		Request:         req,
		ResolutionLevel: breq.ResolutionLevel,
	}, nil
}

// buildRequest reads the latest extrema and layout. The window spans the
// whole visible area: left = xMin, top = yMax.
func (f *Fetcher) buildRequest() (FetchRequest, hypercube.BinnedDataRequest) {
	layout := f.layout.Layout()
	xMin, xMax := f.extrema.XExtrema()
	yMin, yMax := f.extrema.YExtrema()

	zoom := 0
	if m, ok := layout.Measure(1); ok {
		zoom = ZoomLevel(m.Min, m.Max, yMin, yMax)
	}

	req := FetchRequest{
		Left:      xMin,
		Top:       yMax,
		Width:     xMax - xMin,
		Height:    yMax - yMin,
		ZoomLevel: zoom,
	}

	var source []hypercube.Rect
	if size := layout.HyperCube.Size; size.Cx > 0 || size.Cy > 0 {
		source = []hypercube.Rect{{
			Width:  float64(size.Cx),
			Height: float64(size.Cy),
		}}
	}

	return req, hypercube.BinnedDataRequest{
		Path:          f.path,
		SourceWindows: source,
		PageSize:      hypercube.Size{},
		TargetWindows: []hypercube.Rect{{
			Left:   req.Left,
			Top:    req.Top,
			Width:  req.Width,
			Height: req.Height,
		}},
		MaxRows:         f.maxRows,
		ResolutionLevel: ComputeResolution(layout.CompressionResolution, zoom),
	}
}

// apply stores a transport response and reports whether it was binned.
func (f *Fetcher) apply(pages []hypercube.DataPage) bool {
	if pages[0].HasRows() {
		state := BinState{
			Binned:     true,
			Bins:       ParseBins(&pages[0]),
			MaxDensity: topDensity(&pages[0]),
		}
		f.layout.SetLayoutDataPages(pages)
		f.layout.SetDataPages(nil)
		f.publish(state)
		metrics.AggregatedResponsesTotal.WithLabelValues("binned").Inc()
		return true
	}

	detail := []hypercube.DataPage{}
	if len(pages) > 1 {
		detail = append(detail, pages[1])
	}
	f.layout.SetLayoutDataPages(nil)
	f.layout.SetDataPages(detail)
	f.publish(BinState{})
	metrics.AggregatedResponsesTotal.WithLabelValues("detail").Inc()
	return false
}

func (f *Fetcher) replay() *FetchResult {
	f.replayMu.Lock()
	defer f.replayMu.Unlock()

	pages := f.layout.LayoutDataPages()
	state, ok := RestoreFromSnapshot(pages)
	if ok {
		f.publish(state)
	}
	metrics.SnapshotReplaysTotal.Inc()
	return &FetchResult{Pages: pages, Binned: ok, Snapshot: true}
}
