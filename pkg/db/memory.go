package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// MemoryDB is a process-local Database used for development and tests
type MemoryDB struct {
	mu      sync.RWMutex
	order   []string
	visits  map[string]model.Visit
	details map[string]model.DetailRecord // keyed by schedule id
}

// NewMemoryDB creates an empty in-memory database
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		visits:  make(map[string]model.Visit),
		details: make(map[string]model.DetailRecord),
	}
}

// GetVisit retrieves a visit by schedule id
func (m *MemoryDB) GetVisit(ctx context.Context, scheduleID string) (model.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.visits[scheduleID]
	if !ok {
		return model.Visit{}, fmt.Errorf("visit %s: %w", scheduleID, ErrNotFound)
	}
	return v.Clone(), nil
}

// ListVisits returns all visits in insertion order
func (m *MemoryDB) ListVisits(ctx context.Context) ([]model.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visits := make([]model.Visit, 0, len(m.order))
	for _, id := range m.order {
		visits = append(visits, m.visits[id].Clone())
	}
	return visits, nil
}

// InsertVisit inserts a new visit record
func (m *MemoryDB) InsertVisit(ctx context.Context, visit model.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.visits[visit.ScheduleID]; exists {
		return fmt.Errorf("visit %s already exists", visit.ScheduleID)
	}
	m.visits[visit.ScheduleID] = visit.Clone()
	m.order = append(m.order, visit.ScheduleID)
	return nil
}

// UpdateVisit replaces an existing visit record
func (m *MemoryDB) UpdateVisit(ctx context.Context, visit model.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.visits[visit.ScheduleID]; !exists {
		return fmt.Errorf("visit %s: %w", visit.ScheduleID, ErrNotFound)
	}
	m.visits[visit.ScheduleID] = visit.Clone()
	return nil
}

// GetDetailBySchedule retrieves the detail record attached to a visit
func (m *MemoryDB) GetDetailBySchedule(ctx context.Context, scheduleID string) (model.DetailRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.details[scheduleID]
	if !ok {
		return model.DetailRecord{}, fmt.Errorf("detail for visit %s: %w", scheduleID, ErrNotFound)
	}
	return d.Clone(), nil
}

// UpsertDetail creates or replaces the detail record for its visit
func (m *MemoryDB) UpsertDetail(ctx context.Context, detail model.DetailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.visits[detail.ScheduleID]; !exists {
		return fmt.Errorf("visit %s: %w", detail.ScheduleID, ErrNotFound)
	}
	m.details[detail.ScheduleID] = detail.Clone()
	return nil
}
