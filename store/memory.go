// Package store holds the persistence backends for journeys, choke points and
// agent descriptors.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/trafficmesh/core"
)

// Compile-time checks.
var (
	_ core.JourneyStore    = (*Memory)(nil)
	_ core.ChokePointStore = (*Memory)(nil)
	_ core.AgentStore      = (*Memory)(nil)
)

type agentRecord struct {
	desc      core.AgentDescriptor
	expiresAt time.Time
}

// Memory is a volatile store backed by process local maps. It is safe for
// concurrent access. Every returned value is a clone so callers cannot mutate
// internal state.
type Memory struct {
	now func() time.Time

	mu          sync.RWMutex
	journeys    map[string]core.Journey
	chokePoints map[string]core.ChokePoint
	agents      map[string]agentRecord
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		journeys:    map[string]core.Journey{},
		chokePoints: map[string]core.ChokePoint{},
		agents:      map[string]agentRecord{},
	}
}

func (s *Memory) GetJourney(_ context.Context, id string) (core.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[id]
	if !ok {
		return core.Journey{}, fmt.Errorf("journey %q: %w", id, core.ErrNotFound)
	}
	return j.Clone(), nil
}

// ListJourneys returns the journeys matching filter ordered by id.
func (s *Memory) ListJourneys(_ context.Context, filter core.JourneyFilter) ([]core.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Journey, 0, len(s.journeys))
	for _, j := range s.journeys {
		if filter.Match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// PutJourney inserts or overwrites j, bumping the stored version.
func (s *Memory) PutJourney(_ context.Context, j core.Journey) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j = j.Clone()
	j.Version = s.journeys[j.ID].Version + 1
	j.UpdatedAt = s.now().UTC()
	s.journeys[j.ID] = j
	return nil
}

// UpdateJourney replaces the journey when its stored version equals
// expectedVersion and returns the stored copy with the new version.
func (s *Memory) UpdateJourney(_ context.Context, j core.Journey, expectedVersion int64) (core.Journey, error) {
	if err := j.Validate(); err != nil {
		return core.Journey{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.journeys[j.ID]
	if !ok {
		return core.Journey{}, fmt.Errorf("journey %q: %w", j.ID, core.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return core.Journey{}, fmt.Errorf("journey %q at version %d, expected %d: %w", j.ID, cur.Version, expectedVersion, core.ErrConflict)
	}
	j = j.Clone()
	j.Version = expectedVersion + 1
	j.UpdatedAt = s.now().UTC()
	s.journeys[j.ID] = j
	return j.Clone(), nil
}

func (s *Memory) DeleteJourney(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.journeys[id]; !ok {
		return fmt.Errorf("journey %q: %w", id, core.ErrNotFound)
	}
	delete(s.journeys, id)
	return nil
}

func (s *Memory) GetChokePoint(_ context.Context, id string) (core.ChokePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.chokePoints[id]
	if !ok {
		return core.ChokePoint{}, fmt.Errorf("choke point %q: %w", id, core.ErrNotFound)
	}
	return cp, nil
}

// ListChokePoints returns the catalog ordered by id.
func (s *Memory) ListChokePoints(_ context.Context) ([]core.ChokePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ChokePoint, 0, len(s.chokePoints))
	for _, cp := range s.chokePoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *Memory) PutChokePoint(_ context.Context, cp core.ChokePoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chokePoints[cp.ID] = cp
	return nil
}

func (s *Memory) UpdateChokePointCount(_ context.Context, id string, count int, at time.Time) error {
	if count < 0 {
		return core.DataError("update choke point count", fmt.Errorf("negative count %d for %q", count, id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.chokePoints[id]
	if !ok {
		return fmt.Errorf("choke point %q: %w", id, core.ErrNotFound)
	}
	cp.VehicleCount = count
	cp.CountUpdatedAt = at.UTC()
	s.chokePoints[id] = cp
	return nil
}

func (s *Memory) SaveAgent(_ context.Context, d core.AgentDescriptor, expiresAt time.Time) error {
	if d.AgentID == "" {
		return core.DataError("save agent", fmt.Errorf("empty agent id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[d.AgentID] = agentRecord{desc: d.Clone(), expiresAt: expiresAt}
	return nil
}

// ListAgents returns all stored descriptors ordered by id.
func (s *Memory) ListAgents(_ context.Context) ([]core.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.AgentDescriptor, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec.desc.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AgentID < out[b].AgentID })
	return out, nil
}

func (s *Memory) DeleteAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("agent %q: %w", agentID, core.ErrNotFound)
	}
	delete(s.agents, agentID)
	return nil
}

func (s *Memory) DeleteExpiredAgents(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.agents {
		if !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt) {
			delete(s.agents, id)
			n++
		}
	}
	return n, nil
}
