// Package api provides HTTP handlers for the scatterbins server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/metrics"
	"github.com/soma-tiles/scatterbins/internal/service"
	"github.com/soma-tiles/scatterbins/internal/viewport"
)

const maxBodyBytes = 1 << 20

// LocalEngine is an in-process engine served on the hypercube routes.
type LocalEngine interface {
	hypercube.Transport
	Layout() hypercube.Layout
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ChartRegistry
	Snapshots   *service.SnapshotService
	Engine      LocalEngine // optional
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/api/info", infoHandler(cfg.Registry))

	// Engine endpoints, served only when the engine runs in this process.
	if cfg.Engine != nil {
		r.Post(hypercube.BinnedEndpoint, engineBinnedHandler(cfg.Engine))
		r.Get(hypercube.LayoutEndpoint, engineLayoutHandler(cfg.Engine))
	}

	r.Route("/api/charts", func(r chi.Router) {
		r.Get("/", chartsHandler(cfg.Registry))
		r.Post("/", createChartHandler(cfg.Registry))

		r.Route("/{chart}", func(r chi.Router) {
			r.Use(chartMiddleware(cfg.Registry))

			r.Get("/", chartBinsHandler)
			r.Delete("/", deleteChartHandler(cfg.Registry))
			r.Get("/bins", chartBinsHandler)
			r.Post("/viewport", chartViewportHandler)
			r.Post("/zoom", chartZoomHandler)
			r.Post("/pan", chartPanHandler)
			r.Post("/resolution", chartResolutionHandler)
			r.Post("/refresh", chartRefreshHandler)
			r.Get("/snapshots", chartSnapshotsHandler(cfg.Snapshots))
			r.Post("/snapshots", createSnapshotHandler(cfg.Snapshots))
		})
	})

	r.Route("/api/snapshots/{snapshot}", func(r chi.Router) {
		r.Get("/bins", snapshotBinsHandler(cfg.Snapshots))
		r.Delete("/", deleteSnapshotHandler(cfg.Snapshots))
	})

	return r
}

// Context key for chart service
type ctxKey string

const chartServiceKey ctxKey = "chartService"

// chartMiddleware resolves the chart from URL and injects its service into context.
func chartMiddleware(registry *ChartRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			chartID := chi.URLParam(r, "chart")
			svc := registry.Get(chartID)
			if svc == nil {
				http.Error(w, "chart not found: "+chartID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), chartServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getChartService(r *http.Request) *service.ChartService {
	svc, _ := r.Context().Value(chartServiceKey).(*service.ChartService)
	return svc
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// refreshError maps a failed fetch to a status code.
func refreshError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func infoHandler(registry *ChartRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"title":  registry.Title(),
			"cube":   registry.Cube().HyperCube,
			"charts": len(registry.Charts()),
		})
	}
}

func engineBinnedHandler(e LocalEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req hypercube.BinnedDataRequest
		if !decodeBody(w, r, &req) {
			return
		}
		pages, err := e.GetBinnedData(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, pages)
	}
}

func engineLayoutHandler(e LocalEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Layout())
	}
}

func chartsHandler(registry *ChartRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"charts": registry.Charts(),
		})
	}
}

type createChartRequest struct {
	Title                 string `json:"title"`
	CompressionResolution int    `json:"compression_resolution"`
}

func createChartHandler(registry *ChartRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createChartRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.CompressionResolution < 0 {
			http.Error(w, "compression_resolution must be >= 0", http.StatusBadRequest)
			return
		}
		svc := registry.Create(req.Title, req.CompressionResolution)
		writeJSON(w, http.StatusCreated, svc.View())
	}
}

func deleteChartHandler(registry *ChartRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.Delete(chi.URLParam(r, "chart"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func chartBinsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getChartService(r)
	writeJSON(w, http.StatusOK, svc.View())
}

type refreshResponse struct {
	Refresh *service.RefreshResult `json:"refresh"`
	View    service.ChartView      `json:"view"`
}

func refreshAndRespond(w http.ResponseWriter, r *http.Request, svc *service.ChartService) {
	res, err := svc.Refresh(r.Context())
	if err != nil {
		refreshError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Refresh: res, View: svc.View()})
}

type viewportRequest struct {
	XMin *float64 `json:"x_min"`
	XMax *float64 `json:"x_max"`
	YMin *float64 `json:"y_min"`
	YMax *float64 `json:"y_max"`
}

func chartViewportHandler(w http.ResponseWriter, r *http.Request) {
	svc := getChartService(r)

	var req viewportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.XMin == nil || req.XMax == nil || req.YMin == nil || req.YMax == nil {
		http.Error(w, "x_min, x_max, y_min and y_max are required", http.StatusBadRequest)
		return
	}
	x := viewport.Range{Min: *req.XMin, Max: *req.XMax}
	y := viewport.Range{Min: *req.YMin, Max: *req.YMax}
	if err := svc.SetViewport(x, y); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	refreshAndRespond(w, r, svc)
}

type zoomRequest struct {
	Factor float64 `json:"factor"`
}

func chartZoomHandler(w http.ResponseWriter, r *http.Request) {
	svc := getChartService(r)

	var req zoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := svc.Zoom(req.Factor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	refreshAndRespond(w, r, svc)
}

type panRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func chartPanHandler(w http.ResponseWriter, r *http.Request) {
	svc := getChartService(r)

	var req panRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := svc.Pan(req.DX, req.DY); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	refreshAndRespond(w, r, svc)
}

type resolutionRequest struct {
	CompressionResolution *int `json:"compression_resolution"`
}

func chartResolutionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getChartService(r)

	var req resolutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CompressionResolution == nil || *req.CompressionResolution < 0 {
		http.Error(w, "compression_resolution must be >= 0", http.StatusBadRequest)
		return
	}
	svc.SetCompressionResolution(*req.CompressionResolution)
	refreshAndRespond(w, r, svc)
}

func chartRefreshHandler(w http.ResponseWriter, r *http.Request) {
	refreshAndRespond(w, r, getChartService(r))
}

func chartSnapshotsHandler(snaps *service.SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snaps == nil {
			http.Error(w, "snapshot store not configured", http.StatusNotImplemented)
			return
		}
		list, err := snaps.List(getChartService(r).ID())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": list})
	}
}

func createSnapshotHandler(snaps *service.SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snaps == nil {
			http.Error(w, "snapshot store not configured", http.StatusNotImplemented)
			return
		}
		snap, err := snaps.Save(getChartService(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"snapshot_id": snap.ID,
			"chart_id":    snap.ChartID,
			"created_at":  snap.CreatedAt,
		})
	}
}

func snapshotBinsHandler(snaps *service.SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snaps == nil {
			http.Error(w, "snapshot store not configured", http.StatusNotImplemented)
			return
		}
		id := chi.URLParam(r, "snapshot")
		data, err := snaps.ViewJSON(r.Context(), id)
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "snapshot not found: "+id, http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

func deleteSnapshotHandler(snaps *service.SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snaps == nil {
			http.Error(w, "snapshot store not configured", http.StatusNotImplemented)
			return
		}
		if err := snaps.Delete(chi.URLParam(r, "snapshot")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
