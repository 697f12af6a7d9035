package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/soma-tiles/scatterbins/internal/cache"
	"github.com/soma-tiles/scatterbins/internal/snapshotstore"
)

// SnapshotStore is the persistence surface used for snapshots.
type SnapshotStore interface {
	SnapshotSaver
	Get(id string) (*snapshotstore.Snapshot, error)
	List(chartID string) ([]snapshotstore.Summary, error)
	Delete(id string) error
	DeleteOlderThan(retention time.Duration) ([]string, error)
}

// SnapshotService replays stored snapshots. Encoded views are cached since
// snapshots never change once saved.
type SnapshotService struct {
	store SnapshotStore
	cache *cache.Manager // optional

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSnapshotService creates a snapshot service.
func NewSnapshotService(store SnapshotStore, cm *cache.Manager) *SnapshotService {
	return &SnapshotService{store: store, cache: cm, stopCh: make(chan struct{})}
}

// StartCleanup removes expired snapshots every period until Stop.
func (s *SnapshotService) StartCleanup(period, retention time.Duration) {
	if period <= 0 {
		period = time.Hour
	}
	s.wg.Add(1)
	go s.cleaner(period, retention)
}

// Stop ends the cleanup loop.
func (s *SnapshotService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *SnapshotService) cleaner(period, retention time.Duration) {
	defer s.wg.Done()
	s.Cleanup(retention)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Cleanup(retention)
		}
	}
}

// Save persists a snapshot of a live chart.
func (s *SnapshotService) Save(chart *ChartService) (*snapshotstore.Snapshot, error) {
	return chart.Snapshot(s.store)
}

// View replays a snapshot and returns its view.
func (s *SnapshotService) View(ctx context.Context, id string) (*ChartView, error) {
	snap, err := s.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}
	if snap == nil {
		return nil, ErrNotFound
	}

	chart := NewSnapshotChart(snap)
	if _, err := chart.Refresh(ctx); err != nil {
		return nil, err
	}
	v := chart.View()
	return &v, nil
}

// ViewJSON returns the encoded view of a snapshot, served from cache when
// possible.
func (s *SnapshotService) ViewJSON(ctx context.Context, id string) ([]byte, error) {
	key := cache.SnapshotKey(id)
	if s.cache != nil {
		if data, ok := s.cache.GetSnapshot(key); ok {
			return data, nil
		}
	}

	v, err := s.View(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot view: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetSnapshot(key, data); err != nil {
			log.Printf("[Snapshot] failed to cache view %s (%d bytes): %v", id, len(data), err)
		}
	}
	return data, nil
}

// List returns the snapshots of a chart, newest first.
func (s *SnapshotService) List(chartID string) ([]snapshotstore.Summary, error) {
	return s.store.List(chartID)
}

// Delete removes a snapshot and its cached view.
func (s *SnapshotService) Delete(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.DeleteSnapshot(cache.SnapshotKey(id))
	}
	return nil
}

// Cleanup removes snapshots older than retention along with their
// cached views.
func (s *SnapshotService) Cleanup(retention time.Duration) {
	ids, err := s.store.DeleteOlderThan(retention)
	if err != nil {
		log.Printf("[Snapshot] cleanup failed: %v", err)
		return
	}
	if s.cache != nil {
		for _, id := range ids {
			s.cache.DeleteSnapshot(cache.SnapshotKey(id))
		}
	}
	if len(ids) > 0 {
		log.Printf("[Snapshot] removed %d snapshots older than %v", len(ids), retention)
	}
}
