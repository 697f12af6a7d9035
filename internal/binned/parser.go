package binned

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg/oj"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/metrics"
)

// Bin is one aggregated cell of the density grid.
type Bin struct {
	ElemNumber int        `json:"elem"`
	Extent     [4]float64 `json:"extent"` // x0, y0, x1, y1
	Density    float64    `json:"density"`
}

// Center returns the midpoint of the bin extent.
func (b Bin) Center() (x, y float64) {
	return (b.Extent[0] + b.Extent[2]) / 2, (b.Extent[1] + b.Extent[3]) / 2
}

var errShortExtent = errors.New("extent has fewer than 4 values")

// ParseBins rebuilds the bin sequence from an aggregated page. Row 0 is the
// totals row and is skipped. Rows whose extent cannot be read are dropped.
//
// When the page has not been reformatted yet, each cell's serialized extent
// is decoded into Cell.Extent in place and the page is flagged, so a repeat
// parse of the same page reuses the decoded values.
func ParseBins(page *hypercube.DataPage) []Bin {
	if page == nil || len(page.Matrix) < 2 {
		return []Bin{}
	}

	bins := make([]Bin, 0, len(page.Matrix)-1)
	for i := 1; i < len(page.Matrix); i++ {
		row := page.Matrix[i]
		if len(row) == 0 {
			metrics.MalformedBinsTotal.Inc()
			continue
		}
		cell := &row[0]

		if !page.Reformatted {
			extent, err := decodeExtent(cell.Text)
			if err != nil {
				cell.Extent = nil
				metrics.MalformedBinsTotal.Inc()
				continue
			}
			cell.Extent = extent
		}

		bin, ok := binFromCell(cell)
		if !ok {
			if page.Reformatted {
				metrics.MalformedBinsTotal.Inc()
			}
			continue
		}
		bins = append(bins, bin)
	}
	page.Reformatted = true

	return bins
}

func binFromCell(cell *hypercube.Cell) (Bin, bool) {
	if len(cell.Extent) < 4 {
		return Bin{}, false
	}
	b := Bin{ElemNumber: cell.ElemNumber, Density: cell.Num}
	copy(b.Extent[:], cell.Extent[:4])
	return b, true
}

// decodeExtent parses a serialized extent such as "[0,0.5,1,1.5]".
func decodeExtent(text string) ([]float64, error) {
	v, err := oj.ParseString(text)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("extent is %T, not an array", v)
	}
	if len(list) < 4 {
		return nil, errShortExtent
	}
	out := make([]float64, len(list))
	for i, item := range list {
		switch n := item.(type) {
		case int64:
			out[i] = float64(n)
		case float64:
			out[i] = n
		default:
			return nil, fmt.Errorf("extent[%d] is %T", i, item)
		}
	}
	return out, nil
}
