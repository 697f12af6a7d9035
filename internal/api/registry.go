package api

import (
	"sort"
	"sync"
	"time"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/service"
)

// ChartInfo describes a registered chart for the API response.
type ChartInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChartDefaults are applied to every chart the registry creates.
type ChartDefaults struct {
	Cube              hypercube.Layout
	Transport         hypercube.Transport
	DefaultResolution int
	MaxRows           int
	FetchTimeout      time.Duration
}

// ChartRegistry holds the live chart instances.
type ChartRegistry struct {
	defaults ChartDefaults
	title    string

	mu     sync.RWMutex
	charts map[string]*registeredChart
}

type registeredChart struct {
	svc   *service.ChartService
	title string
}

// NewChartRegistry creates a new chart registry.
func NewChartRegistry(defaults ChartDefaults, title string) *ChartRegistry {
	return &ChartRegistry{
		defaults: defaults,
		title:    title,
		charts:   make(map[string]*registeredChart),
	}
}

// Create registers a new chart over the whole cube. A zero resolution
// uses the configured default.
func (r *ChartRegistry) Create(title string, compressionResolution int) *service.ChartService {
	if compressionResolution <= 0 {
		compressionResolution = r.defaults.DefaultResolution
	}
	svc := service.NewChartService(service.ChartServiceConfig{
		Title:                 title,
		Cube:                  r.defaults.Cube,
		Transport:             r.defaults.Transport,
		CompressionResolution: compressionResolution,
		MaxRows:               r.defaults.MaxRows,
		FetchTimeout:          r.defaults.FetchTimeout,
	})

	r.mu.Lock()
	r.charts[svc.ID()] = &registeredChart{svc: svc, title: title}
	r.mu.Unlock()
	return svc
}

// Get returns the chart service for an id, or nil if not found.
func (r *ChartRegistry) Get(id string) *service.ChartService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.charts[id]; ok {
		return c.svc
	}
	return nil
}

// Delete removes a chart and reports whether it existed.
func (r *ChartRegistry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.charts[id]; !ok {
		return false
	}
	delete(r.charts, id)
	return true
}

// Charts returns info for all registered charts, oldest first.
func (r *ChartRegistry) Charts() []ChartInfo {
	r.mu.RLock()
	infos := make([]ChartInfo, 0, len(r.charts))
	for id, c := range r.charts {
		infos = append(infos, ChartInfo{ID: id, Title: c.title, CreatedAt: c.svc.CreatedAt()})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Cube returns the cube description charts are created over.
func (r *ChartRegistry) Cube() hypercube.Layout {
	return r.defaults.Cube
}

// Title returns the configured site title.
func (r *ChartRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "scatterbins"
}
