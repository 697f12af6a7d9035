package binned

import "github.com/soma-tiles/scatterbins/internal/hypercube"

// BinState is the renderer-facing result of a fetch: the bin sequence and
// the density ceiling used for normalization. Binned is false after a
// detail response. A published BinState is never modified.
type BinState struct {
	Binned     bool    `json:"binned"`
	Bins       []Bin   `json:"bins"`
	MaxDensity float64 `json:"max_density"`
}

// RestoreFromSnapshot rebuilds bin state from persisted pages. It reports
// false when the pages hold no aggregated data (fewer than two pages).
func RestoreFromSnapshot(pages []hypercube.DataPage) (BinState, bool) {
	if len(pages) < 2 {
		return BinState{}, false
	}
	return BinState{
		Binned:     true,
		Bins:       ParseBins(&pages[0]),
		MaxDensity: topDensity(&pages[0]),
	}, true
}

// topDensity reads the density ceiling from the first cell of the page.
// The engine returns cells sorted by density, descending.
func topDensity(page *hypercube.DataPage) float64 {
	if !page.HasRows() || len(page.Matrix[0]) == 0 {
		return 0
	}
	return page.Matrix[0][0].Num
}
