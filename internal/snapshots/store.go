// Package snapshots keeps the client's view of the shared snapshot
// collection and writes new page captures to it.
package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"afteryou/internal/models"

	"github.com/rs/zerolog"
)

type Gateway interface {
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	Subscribe(path string, fn func(json.RawMessage)) (func(), error)
}

// Store mirrors the "snapshots" collection, newest first.
type Store struct {
	gw     Gateway
	logger zerolog.Logger

	mu          sync.Mutex
	list        []models.Snapshot
	watchers    map[int]func([]models.Snapshot)
	nextWatcher int
	cancel      func()
}

func New(gw Gateway, logger zerolog.Logger) *Store {
	return &Store{
		gw:       gw,
		logger:   logger.With().Str("component", "snapshots").Logger(),
		list:     []models.Snapshot{},
		watchers: make(map[int]func([]models.Snapshot)),
	}
}

// Capture stores the last SnapshotLineCount lines under the decimal
// timestamp. A capture in the same millisecond as another overwrites it.
func (s *Store) Capture(ctx context.Context, lines []models.Line, timestamp int64) (models.Snapshot, error) {
	snap := models.NewSnapshot(lines, timestamp)
	if err := s.gw.Set(ctx, models.SnapshotPath(snap.ID), snap); err != nil {
		return snap, fmt.Errorf("failed to store snapshot %s: %w", snap.ID, err)
	}
	s.logger.Info().Str("snapshot", snap.ID).Int("lines", len(snap.Lines)).Msg("📸 snapshot captured")
	return snap, nil
}

// Delete removes exactly one snapshot. Anyone may delete any snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if err := s.gw.Remove(ctx, models.SnapshotPath(id)); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}

// Watch follows the collection until Close.
func (s *Store) Watch() error {
	cancel, err := s.gw.Subscribe(models.PathSnapshots, s.onValue)
	if err != nil {
		return fmt.Errorf("failed to watch snapshots: %w", err)
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

func (s *Store) onValue(raw json.RawMessage) {
	list := models.DecodeSnapshots(raw)

	s.mu.Lock()
	s.list = list
	watchers := make([]func([]models.Snapshot), 0, len(s.watchers))
	for i := 0; i < s.nextWatcher; i++ {
		if w, ok := s.watchers[i]; ok {
			watchers = append(watchers, w)
		}
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w(cloneList(list))
	}
}

// OnChange registers fn for every later change and returns its cancel.
func (s *Store) OnChange(fn func([]models.Snapshot)) func() {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) List() []models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneList(s.list)
}

// Filter is List narrowed to snapshots with a line of the given color;
// "all" or "" keeps everything.
func (s *Store) Filter(color string) []models.Snapshot {
	return models.FilterSnapshots(s.List(), color)
}

func (s *Store) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func cloneList(in []models.Snapshot) []models.Snapshot {
	out := make([]models.Snapshot, len(in))
	copy(out, in)
	return out
}
