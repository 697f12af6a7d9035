// Package engine is an in-memory hypercube engine that answers binned-data
// requests over a point dataset. Windows holding more points than the
// requested row limit are aggregated into a density grid; smaller windows
// are returned as detail rows.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/soma-tiles/scatterbins/internal/cache"
	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/metrics"
)

const (
	// MaxLevel caps the grid at 2^MaxLevel cells per axis.
	MaxLevel = 8
	// DefaultMaxRows applies when a request does not set MaxRows.
	DefaultMaxRows = 10000

	ctxCheckEvery = 1 << 15
)

// ErrNoTargetWindow is returned for requests without a target window.
var ErrNoTargetWindow = errors.New("request has no target window")

// Config contains engine configuration.
type Config struct {
	Dataset *Dataset
	Cache   *cache.Manager // optional
}

// Engine serves binned-data requests for one dataset.
type Engine struct {
	dataset *Dataset
	cache   *cache.Manager
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Dataset == nil || len(cfg.Dataset.Points) == 0 {
		return nil, ErrEmptyDataset
	}
	return &Engine{dataset: cfg.Dataset, cache: cfg.Cache}, nil
}

// Layout describes the cube: one label dimension and the x and y measures.
func (e *Engine) Layout() hypercube.Layout {
	b := e.dataset.Bounds
	return hypercube.Layout{
		HyperCube: hypercube.HyperCube{
			Size: hypercube.CubeSize{Cx: 3, Cy: len(e.dataset.Points)},
			MeasureInfo: []hypercube.MeasureInfo{
				{Title: "x", Min: b.MinX, Max: b.MaxX},
				{Title: "y", Min: b.MinY, Max: b.MaxY},
			},
		},
	}
}

// GetBinnedData implements hypercube.Transport.
func (e *Engine) GetBinnedData(ctx context.Context, req hypercube.BinnedDataRequest) ([]hypercube.DataPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.TargetWindows) == 0 {
		return nil, ErrNoTargetWindow
	}

	key := cache.QueryKey(e.dataset.Name, req.CacheKey())
	if e.cache != nil {
		if data, ok := e.cache.GetQuery(key); ok {
			var pages []hypercube.DataPage
			if err := json.Unmarshal(data, &pages); err == nil {
				metrics.EngineQueriesTotal.WithLabelValues("hit").Inc()
				return pages, nil
			}
		}
	}
	metrics.EngineQueriesTotal.WithLabelValues("miss").Inc()

	pages, err := e.query(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		data, err := json.Marshal(pages)
		if err != nil {
			log.Printf("[Engine] failed to encode aggregate for cache: %v", err)
		} else {
			e.cache.SetQuery(key, data)
		}
	}
	return pages, nil
}

type window struct {
	x0, x1, y0, y1 float64
}

func (w window) contains(p Point) bool {
	return p.X >= w.x0 && p.X <= w.x1 && p.Y >= w.y0 && p.Y <= w.y1
}

func (e *Engine) query(ctx context.Context, req hypercube.BinnedDataRequest) ([]hypercube.DataPage, error) {
	t := req.TargetWindows[0]
	w := window{x0: t.Left, x1: t.Left + t.Width, y0: t.Top - t.Height, y1: t.Top}

	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	inside := make([]int, 0, 1024)
	for i, p := range e.dataset.Points {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if w.contains(p) {
			inside = append(inside, i)
		}
	}

	if len(inside) <= maxRows || t.Width <= 0 || t.Height <= 0 {
		return []hypercube.DataPage{
			{Matrix: [][]hypercube.Cell{}},
			e.detailPage(inside, maxRows),
		}, nil
	}

	page, err := e.aggregate(ctx, w, inside, clampLevel(req.ResolutionLevel), maxRows)
	if err != nil {
		return nil, err
	}
	return []hypercube.DataPage{page, {Matrix: [][]hypercube.Cell{}}}, nil
}

func (e *Engine) detailPage(inside []int, maxRows int) hypercube.DataPage {
	if len(inside) > maxRows {
		inside = inside[:maxRows]
	}
	matrix := make([][]hypercube.Cell, len(inside))
	for r, idx := range inside {
		p := e.dataset.Points[idx]
		matrix[r] = []hypercube.Cell{
			{Text: p.Label, Num: float64(idx), ElemNumber: idx},
			{Text: formatFloat(p.X), Num: p.X},
			{Text: formatFloat(p.Y), Num: p.Y},
		}
	}
	return hypercube.DataPage{
		Matrix: matrix,
		Area:   hypercube.Rect{Width: 3, Height: float64(len(matrix))},
	}
}

type gridCell struct {
	index int
	count int
}

// aggregate counts points per grid cell. Row 0 of the page is the totals
// row; cell rows follow sorted by density, descending.
func (e *Engine) aggregate(ctx context.Context, w window, inside []int, level, maxRows int) (hypercube.DataPage, error) {
	n := 1 << level
	width := w.x1 - w.x0
	height := w.y1 - w.y0
	counts := make([]int, n*n)

	for k, idx := range inside {
		if k%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return hypercube.DataPage{}, err
			}
		}
		p := e.dataset.Points[idx]
		cx := gridIndex((p.X-w.x0)/width, n)
		cy := gridIndex((p.Y-w.y0)/height, n)
		counts[cy*n+cx]++
	}

	cells := make([]gridCell, 0, 256)
	for i, c := range counts {
		if c > 0 {
			cells = append(cells, gridCell{index: i, count: c})
		}
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].count != cells[j].count {
			return cells[i].count > cells[j].count
		}
		return cells[i].index < cells[j].index
	})
	if len(cells) > maxRows {
		cells = cells[:maxRows]
	}

	cellW := width / float64(n)
	cellH := height / float64(n)

	matrix := make([][]hypercube.Cell, 0, len(cells)+1)
	matrix = append(matrix, []hypercube.Cell{{
		Text:       strconv.Itoa(len(inside)),
		Num:        float64(cells[0].count),
		ElemNumber: -1,
	}})
	for _, c := range cells {
		cx := c.index % n
		cy := c.index / n
		extent := [4]float64{
			w.x0 + float64(cx)*cellW,
			w.y0 + float64(cy)*cellH,
			w.x0 + float64(cx+1)*cellW,
			w.y0 + float64(cy+1)*cellH,
		}
		matrix = append(matrix, []hypercube.Cell{{
			Text:       formatExtent(extent),
			Num:        float64(c.count),
			ElemNumber: c.index,
		}})
	}

	return hypercube.DataPage{
		Matrix: matrix,
		Area:   hypercube.Rect{Width: 1, Height: float64(len(matrix))},
	}, nil
}

func gridIndex(frac float64, n int) int {
	i := int(frac * float64(n))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

func formatExtent(e [4]float64) string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = formatFloat(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// String describes the engine for logs.
func (e *Engine) String() string {
	return fmt.Sprintf("engine(%s, %d points)", e.dataset.Name, len(e.dataset.Points))
}
