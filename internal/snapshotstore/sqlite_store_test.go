package snapshotstore

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "snapshots.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveGet(t *testing.T) {
	s := newTestStore(t)

	pages := []hypercube.DataPage{
		{
			Matrix: [][]hypercube.Cell{
				{{Text: "12", Num: 9}},
				{{Text: "[0,0,1,1]", Num: 9, ElemNumber: 4, Extent: []float64{0, 0, 1, 1}}},
			},
			Reformatted: true,
		},
		{Matrix: [][]hypercube.Cell{}},
	}
	snap := &Snapshot{
		ID:      "s1",
		ChartID: "c1",
		Layout: hypercube.Layout{
			CompressionResolution: 7,
			HyperCube: hypercube.HyperCube{
				Size:        hypercube.CubeSize{Cx: 3, Cy: 12},
				MeasureInfo: []hypercube.MeasureInfo{{Title: "x", Min: 0, Max: 1}, {Title: "y", Min: 0, Max: 1}},
			},
			DataPages: pages,
		},
	}
	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("snapshot not found")
	}
	if got.ChartID != "c1" || got.Layout.CompressionResolution != 7 {
		t.Errorf("unexpected snapshot %+v", got)
	}
	if !reflect.DeepEqual(got.Layout.DataPages, pages) {
		t.Errorf("pages did not round-trip:\n got %+v\nwant %+v", got.Layout.DataPages, pages)
	}
	if !got.CreatedAt.Equal(snap.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, snap.CreatedAt)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v", got, err)
	}
}

func TestStore_ListDeleteExpire(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)

	for _, snap := range []*Snapshot{
		{ID: "old", ChartID: "c1", CreatedAt: old},
		{ID: "new", ChartID: "c1"},
		{ID: "other", ChartID: "c2"},
	} {
		if err := s.Save(snap); err != nil {
			t.Fatalf("Save(%s): %v", snap.ID, err)
		}
	}

	list, err := s.List("c1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected list %+v", list)
	}

	ids, err := s.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("expired %v, want [old]", ids)
	}
	if got, _ := s.Get("old"); got != nil {
		t.Error("expired snapshot still stored")
	}
	if ids, _ := s.DeleteOlderThan(24 * time.Hour); len(ids) != 0 {
		t.Errorf("second cleanup removed %v", ids)
	}

	if err := s.Delete("other"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Get("other"); got != nil {
		t.Error("snapshot not deleted")
	}
}
