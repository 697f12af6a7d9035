package engine

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Point is one scatter point.
type Point struct {
	X     float64
	Y     float64
	Label string
}

// Bounds is the bounding box of a dataset.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Dataset is an immutable set of points.
type Dataset struct {
	Name   string
	Points []Point
	Bounds Bounds
}

// ErrEmptyDataset is returned when a source holds no usable points.
var ErrEmptyDataset = errors.New("dataset has no points")

// NewDataset computes bounds over points.
func NewDataset(name string, points []Point) (*Dataset, error) {
	if len(points) == 0 {
		return nil, ErrEmptyDataset
	}
	b := Bounds{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
	}
	for _, p := range points {
		b.MinX = math.Min(b.MinX, p.X)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return &Dataset{Name: name, Points: points, Bounds: b}, nil
}

// LoadFile reads a CSV dataset. Files ending in .gz, .zst or .xz are
// decompressed on the fly.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xr
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.TrimSuffix(name, ".csv")
	return ReadCSV(name, r)
}

// ReadCSV parses rows of x,y[,label]. A first row whose x column is not
// numeric is treated as a header. Rows with unparseable or non-finite
// coordinates are rejected with their line number.
func ReadCSV(name string, r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var points []Point
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line++
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: expected at least 2 columns, got %d", line, len(rec))
		}

		x, errX := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if line == 1 && errX != nil {
			continue // header
		}
		if errX != nil || errY != nil || !finite(x) || !finite(y) {
			return nil, fmt.Errorf("line %d: invalid coordinates %q,%q", line, rec[0], rec[1])
		}

		label := strconv.Itoa(len(points))
		if len(rec) > 2 && rec[2] != "" {
			label = rec[2]
		}
		points = append(points, Point{X: x, Y: y, Label: label})
	}

	return NewDataset(name, points)
}

// Synthetic generates a reproducible dataset of n points spread over a few
// gaussian clusters, for demos and tests.
func Synthetic(name string, n int, seed int64) (*Dataset, error) {
	rng := rand.New(rand.NewSource(seed))
	centers := [][2]float64{{-5, -5}, {0, 3}, {6, -1}, {2, 8}}
	points := make([]Point, n)
	for i := range points {
		c := centers[i%len(centers)]
		points[i] = Point{
			X:     c[0] + rng.NormFloat64()*1.5,
			Y:     c[1] + rng.NormFloat64()*1.5,
			Label: "p" + strconv.Itoa(i),
		}
	}
	return NewDataset(name, points)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
