// Package hypercube defines the data-engine types exchanged with the
// binned-data transport: windows, cells, data pages and the cube layout.
package hypercube

import (
	"context"
	"encoding/json"
)

// DefaultPath is the hypercube definition path binned requests target.
const DefaultPath = "/qHyperCubeDef"

// Rect is a rectangular window over the cube or over the data space.
type Rect struct {
	Left   float64 `json:"qLeft"`
	Top    float64 `json:"qTop"`
	Width  float64 `json:"qWidth"`
	Height float64 `json:"qHeight"`
}

// Size is a page size hint in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Cell is one matrix cell. For aggregated pages Text carries the serialized
// extent of the bin and Num its density. Extent is filled once the page has
// been reformatted.
type Cell struct {
	Text       string    `json:"qText"`
	Num        float64   `json:"qNum"`
	ElemNumber int       `json:"qElemNumber"`
	Extent     []float64 `json:"extent,omitempty"`
}

// DataPage is one page of a binned-data response.
type DataPage struct {
	Matrix      [][]Cell `json:"qMatrix"`
	Area        Rect     `json:"qArea"`
	Reformatted bool     `json:"reformatted,omitempty"`
}

// HasRows reports whether the page carries at least one matrix row.
func (p *DataPage) HasRows() bool {
	return p != nil && len(p.Matrix) > 0
}

// Clone returns a deep copy of the page.
func (p DataPage) Clone() DataPage {
	out := DataPage{Area: p.Area, Reformatted: p.Reformatted}
	if p.Matrix == nil {
		return out
	}
	out.Matrix = make([][]Cell, len(p.Matrix))
	for i, row := range p.Matrix {
		r := make([]Cell, len(row))
		for j, c := range row {
			if c.Extent != nil {
				c.Extent = append([]float64(nil), c.Extent...)
			}
			r[j] = c
		}
		out.Matrix[i] = r
	}
	return out
}

// ClonePages deep-copies a page slice.
func ClonePages(pages []DataPage) []DataPage {
	if pages == nil {
		return nil
	}
	out := make([]DataPage, len(pages))
	for i, p := range pages {
		out[i] = p.Clone()
	}
	return out
}

// MeasureInfo describes one measure of the cube.
type MeasureInfo struct {
	Title string  `json:"qFallbackTitle"`
	Min   float64 `json:"qMin"`
	Max   float64 `json:"qMax"`
}

// CubeSize is the column/row extent of the cube.
type CubeSize struct {
	Cx int `json:"qcx"`
	Cy int `json:"qcy"`
}

// HyperCube is the layout's cube description.
type HyperCube struct {
	Size        CubeSize      `json:"qSize"`
	MeasureInfo []MeasureInfo `json:"qMeasureInfo"`
}

// Layout is the persisted chart layout.
type Layout struct {
	// CompressionResolution is the declared base aggregation level; 0 means
	// the layout did not declare one.
	CompressionResolution int        `json:"compressionResolution,omitempty"`
	HyperCube             HyperCube  `json:"qHyperCube"`
	DataPages             []DataPage `json:"dataPages,omitempty"`
}

// Measure returns the measure at idx, or false if it is not declared.
func (l *Layout) Measure(idx int) (MeasureInfo, bool) {
	if l == nil || idx < 0 || idx >= len(l.HyperCube.MeasureInfo) {
		return MeasureInfo{}, false
	}
	return l.HyperCube.MeasureInfo[idx], true
}

// BinnedDataRequest is the single outbound operation of the transport.
type BinnedDataRequest struct {
	Path            string `json:"path"`
	SourceWindows   []Rect `json:"source_windows,omitempty"`
	PageSize        Size   `json:"page_size"`
	TargetWindows   []Rect `json:"target_windows"`
	MaxRows         int    `json:"max_rows"`
	ResolutionLevel int    `json:"resolution_level"`
	Flags           int    `json:"flags"`
}

// CacheKey returns a stable key for the request.
func (r BinnedDataRequest) CacheKey() string {
	b, _ := json.Marshal(r)
	return "binned:" + string(b)
}

// Transport issues binned-data requests against a data engine. The response
// always holds two pages: index 0 is aggregated, index 1 is the detail page.
type Transport interface {
	GetBinnedData(ctx context.Context, req BinnedDataRequest) ([]DataPage, error)
}
