package db

import (
	"context"
	"errors"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// ErrNotFound is returned when no record matches the requested id
var ErrNotFound = errors.New("record not found")

// VisitStore defines the interface for visit database operations
type VisitStore interface {
	GetVisit(ctx context.Context, scheduleID string) (model.Visit, error)
	ListVisits(ctx context.Context) ([]model.Visit, error)
	InsertVisit(ctx context.Context, visit model.Visit) error
	UpdateVisit(ctx context.Context, visit model.Visit) error
}

// DetailStore defines the interface for farm-type detail record operations
type DetailStore interface {
	GetDetailBySchedule(ctx context.Context, scheduleID string) (model.DetailRecord, error)
	UpsertDetail(ctx context.Context, detail model.DetailRecord) error
}

// Database defines the interface for all database operations.
// Both the in-memory db.MemoryDB and postgres.DB implement this interface.
type Database interface {
	VisitStore
	DetailStore
}
