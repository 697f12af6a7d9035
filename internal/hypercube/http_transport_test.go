package hypercube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPTransport_GetBinnedData(t *testing.T) {
	var got BinnedDataRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != BinnedEndpoint {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %q", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		pages := []DataPage{
			{Matrix: [][]Cell{{{Num: 7}}, {{Text: "[0,0,1,1]", Num: 7, ElemNumber: 3}}}},
			{},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pages)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", 5*time.Second)
	pages, err := tr.GetBinnedData(context.Background(), BinnedDataRequest{
		Path:            DefaultPath,
		TargetWindows:   []Rect{{Left: 1, Top: 2, Width: 3, Height: 4}},
		MaxRows:         100,
		ResolutionLevel: 7,
	})
	if err != nil {
		t.Fatalf("GetBinnedData: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if pages[0].Matrix[1][0].ElemNumber != 3 {
		t.Errorf("unexpected elem number %d", pages[0].Matrix[1][0].ElemNumber)
	}
	if got.ResolutionLevel != 7 || got.MaxRows != 100 {
		t.Errorf("request not forwarded: %+v", got)
	}
	if len(got.TargetWindows) != 1 || got.TargetWindows[0].Height != 4 {
		t.Errorf("unexpected target windows: %+v", got.TargetWindows)
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, 0).GetBinnedData(context.Background(), BinnedDataRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "engine busy") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDataPageClone(t *testing.T) {
	p := DataPage{Matrix: [][]Cell{{{Extent: []float64{1, 2, 3, 4}}}}}
	c := p.Clone()
	c.Matrix[0][0].Extent[0] = 99
	if p.Matrix[0][0].Extent[0] != 1 {
		t.Fatal("clone shares extent storage")
	}
}

func TestHTTPTransport_Layout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != LayoutEndpoint || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Layout{
			HyperCube: HyperCube{
				Size:        CubeSize{Cx: 3, Cy: 42},
				MeasureInfo: []MeasureInfo{{Title: "x", Min: -1, Max: 1}, {Title: "y", Min: 0, Max: 5}},
			},
		})
	}))
	defer srv.Close()

	l, err := NewHTTPTransport(srv.URL, time.Second).Layout(context.Background())
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if l.HyperCube.Size.Cy != 42 {
		t.Errorf("unexpected size %+v", l.HyperCube.Size)
	}
	if m, ok := l.Measure(1); !ok || m.Max != 5 {
		t.Errorf("unexpected y measure %+v", m)
	}
}
