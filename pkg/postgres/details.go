package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/db"
)

// GetDetailBySchedule retrieves the detail record attached to a visit
func (d *DB) GetDetailBySchedule(ctx context.Context, scheduleID string) (model.DetailRecord, error) {
	var (
		rec          model.DetailRecord
		farmType     string
		lat, lng     *float64
		layer, dairy []byte
	)

	err := d.pool.QueryRow(ctx, `
		SELECT detail_id, schedule_id, farm_type, latitude, longitude, layer, dairy,
		       recommendations, created_at, updated_at
		FROM visit_detail
		WHERE schedule_id = $1
	`, scheduleID).Scan(
		&rec.DetailID, &rec.ScheduleID, &farmType, &lat, &lng, &layer, &dairy,
		&rec.Recommendations, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DetailRecord{}, fmt.Errorf("detail for visit %s: %w", scheduleID, db.ErrNotFound)
	}
	if err != nil {
		return model.DetailRecord{}, fmt.Errorf("failed to get detail for visit %s: %w", scheduleID, err)
	}

	rec.FarmType = model.FarmType(farmType)
	rec.Location = locationFromColumns(lat, lng)

	if len(layer) > 0 {
		rec.Layer = &model.LayerVisit{}
		if err := json.Unmarshal(layer, rec.Layer); err != nil {
			return model.DetailRecord{}, fmt.Errorf("failed to decode layer detail %s: %w", rec.DetailID, err)
		}
	}
	if len(dairy) > 0 {
		rec.Dairy = &model.DairyVisit{}
		if err := json.Unmarshal(dairy, rec.Dairy); err != nil {
			return model.DetailRecord{}, fmt.Errorf("failed to decode dairy detail %s: %w", rec.DetailID, err)
		}
	}

	return rec, nil
}

// UpsertDetail creates or replaces the detail record for its visit.
// The visit's schedule_id is unique in visit_detail so a visit never has two forms.
func (d *DB) UpsertDetail(ctx context.Context, rec model.DetailRecord) error {
	layer, err := marshalNullable(rec.Layer)
	if err != nil {
		return fmt.Errorf("failed to encode layer detail: %w", err)
	}
	dairy, err := marshalNullable(rec.Dairy)
	if err != nil {
		return fmt.Errorf("failed to encode dairy detail: %w", err)
	}

	lat, lng := locationColumns(rec.Location)
	_, err = d.pool.Exec(ctx, `
		INSERT INTO visit_detail (
			detail_id, schedule_id, farm_type, latitude, longitude, layer, dairy,
			recommendations, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (schedule_id) DO UPDATE SET
			farm_type = EXCLUDED.farm_type,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			layer = EXCLUDED.layer,
			dairy = EXCLUDED.dairy,
			recommendations = EXCLUDED.recommendations,
			updated_at = EXCLUDED.updated_at
	`,
		rec.DetailID, rec.ScheduleID, string(rec.FarmType), lat, lng, layer, dairy,
		rec.Recommendations, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert detail for visit %s: %w", rec.ScheduleID, err)
	}
	return nil
}

// marshalNullable encodes v as JSON, or returns nil so the column stays NULL
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
