package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/db"
)

const visitColumns = `
	schedule_id, advisor_id, farm_id, manager_id, farm_type, proposed_date,
	latitude, longitude, visit_purpose, is_urgent, visit_status, approval_status,
	approval_note, actual_visit_date, visit_summary, next_follow_up, follow_up_note,
	started_by, completed_by, form_filled, deleted, updated_at`

// GetVisit retrieves a visit by schedule id
func (d *DB) GetVisit(ctx context.Context, scheduleID string) (model.Visit, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+visitColumns+` FROM visit WHERE schedule_id = $1`, scheduleID)

	v, err := scanVisit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Visit{}, fmt.Errorf("visit %s: %w", scheduleID, db.ErrNotFound)
	}
	if err != nil {
		return model.Visit{}, fmt.Errorf("failed to get visit %s: %w", scheduleID, err)
	}
	return v, nil
}

// ListVisits returns all visits ordered by creation time
func (d *DB) ListVisits(ctx context.Context) ([]model.Visit, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+visitColumns+` FROM visit ORDER BY created_at, schedule_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var visits []model.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visits: %w", err)
	}

	return visits, nil
}

// InsertVisit inserts a new visit record
func (d *DB) InsertVisit(ctx context.Context, v model.Visit) error {
	lat, lng := locationColumns(v.Location)
	_, err := d.pool.Exec(ctx, `
		INSERT INTO visit (`+visitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		v.ScheduleID, v.AdvisorID, v.FarmID, v.ManagerID, string(v.FarmType), v.ProposedDate,
		lat, lng, v.VisitPurpose, v.IsUrgent, string(v.VisitStatus), string(v.ApprovalStatus),
		v.ApprovalNote, v.ActualVisitDate, v.VisitSummary, v.NextFollowUpDate, v.FollowUpNote,
		v.StartedBy, v.CompletedBy, v.FormFilled, v.Deleted, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert visit %s: %w", v.ScheduleID, err)
	}
	return nil
}

// UpdateVisit replaces every mutable column of an existing visit
func (d *DB) UpdateVisit(ctx context.Context, v model.Visit) error {
	lat, lng := locationColumns(v.Location)
	tag, err := d.pool.Exec(ctx, `
		UPDATE visit SET
			advisor_id = $2, farm_id = $3, manager_id = $4, farm_type = $5, proposed_date = $6,
			latitude = $7, longitude = $8, visit_purpose = $9, is_urgent = $10,
			visit_status = $11, approval_status = $12, approval_note = $13,
			actual_visit_date = $14, visit_summary = $15, next_follow_up = $16, follow_up_note = $17,
			started_by = $18, completed_by = $19, form_filled = $20, deleted = $21, updated_at = $22
		WHERE schedule_id = $1
	`,
		v.ScheduleID, v.AdvisorID, v.FarmID, v.ManagerID, string(v.FarmType), v.ProposedDate,
		lat, lng, v.VisitPurpose, v.IsUrgent, string(v.VisitStatus), string(v.ApprovalStatus),
		v.ApprovalNote, v.ActualVisitDate, v.VisitSummary, v.NextFollowUpDate, v.FollowUpNote,
		v.StartedBy, v.CompletedBy, v.FormFilled, v.Deleted, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update visit %s: %w", v.ScheduleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visit %s: %w", v.ScheduleID, db.ErrNotFound)
	}
	return nil
}

func scanVisit(row pgx.Row) (model.Visit, error) {
	var (
		v                         model.Visit
		farmType, status, approve string
		lat, lng                  *float64
		actual, followUp          *time.Time
	)

	err := row.Scan(
		&v.ScheduleID, &v.AdvisorID, &v.FarmID, &v.ManagerID, &farmType, &v.ProposedDate,
		&lat, &lng, &v.VisitPurpose, &v.IsUrgent, &status, &approve,
		&v.ApprovalNote, &actual, &v.VisitSummary, &followUp, &v.FollowUpNote,
		&v.StartedBy, &v.CompletedBy, &v.FormFilled, &v.Deleted, &v.UpdatedAt,
	)
	if err != nil {
		return model.Visit{}, err
	}

	v.FarmType = model.FarmType(farmType)
	v.VisitStatus = model.VisitStatus(status)
	v.ApprovalStatus = model.ApprovalStatus(approve)
	v.Location = locationFromColumns(lat, lng)
	v.ActualVisitDate = actual
	v.NextFollowUpDate = followUp
	return v, nil
}

func locationColumns(loc *model.Location) (*float64, *float64) {
	if loc == nil {
		return nil, nil
	}
	lat, lng := loc.Latitude, loc.Longitude
	return &lat, &lng
}

func locationFromColumns(lat, lng *float64) *model.Location {
	if lat == nil || lng == nil {
		return nil
	}
	return &model.Location{Latitude: *lat, Longitude: *lng}
}
