package binned

import "math"

const (
	// DefaultResolutionLevel applies when the layout declares no
	// compression resolution.
	DefaultResolutionLevel = 6
	// MaxResolutionLevel caps the aggregation granularity requested from
	// the engine.
	MaxResolutionLevel = 8

	// maxZoomLevel bounds the zoom heuristic so that degenerate windows
	// still yield a usable integer.
	maxZoomLevel = 1 << 16
)

// ComputeResolution returns the aggregation level for the next fetch.
// A hint <= 0 means the layout did not declare one. Zoom level 0 adds
// nothing; any positive zoom level adds zoomLevel-1.
func ComputeResolution(hint, zoomLevel int) int {
	if hint <= 0 {
		hint = DefaultResolutionLevel
	}
	change := 0
	if zoomLevel > 0 {
		change = zoomLevel - 1
	}
	level := hint + change
	if level > MaxResolutionLevel {
		level = MaxResolutionLevel
	}
	return level
}

// ZoomLevel maps the declared range of the bound measure relative to the
// visible y window onto a discrete zoom step:
//
//	floor(sqrt((measureMax-measureMin) / (yMax-yMin)))
//
// The formula is a tunable heuristic used only to bias resolution.
func ZoomLevel(measureMin, measureMax, yMin, yMax float64) int {
	z := math.Floor(math.Sqrt((measureMax - measureMin) / (yMax - yMin)))
	switch {
	case math.IsNaN(z) || z < 0:
		return 0
	case z > maxZoomLevel:
		return maxZoomLevel
	}
	return int(z)
}
