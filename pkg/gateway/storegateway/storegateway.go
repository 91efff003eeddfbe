// Package storegateway implements the mutation gateway directly on top of a
// visit store. It is the server-side orchestrator: every transition goes
// through the lifecycle state machine before anything is written.
package storegateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/pkg/core/lifecycle"
	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/db"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

// Notifier is told when a fill has been committed to the store
type Notifier interface {
	FillCommitted(ctx context.Context, scheduleID string) error
}

// Gateway serializes read-modify-write cycles so concurrent retries of the
// same request observe each other's effects
type Gateway struct {
	mu       sync.Mutex
	database db.Database
	logger   *zap.Logger
	notifier Notifier
	now      func() time.Time
	newID    func() string
}

var _ gateway.Gateway = (*Gateway)(nil)

// Option configures a Gateway
type Option func(*Gateway)

// WithNotifier publishes fill commits, e.g. to the Redis confirmation channel
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// WithClock overrides the time source used for UpdatedAt and start dates
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithIDGenerator overrides uuid generation for schedule and detail ids
func WithIDGenerator(newID func() string) Option {
	return func(g *Gateway) { g.newID = newID }
}

// New creates a store-backed gateway
func New(database db.Database, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		database: database,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create stores a new draft visit
func (g *Gateway) Create(ctx context.Context, req gateway.CreateVisitRequest) (model.Visit, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.Visit{}, err
	}

	farmType, _ := model.ParseFarmType(string(req.FarmType))
	visit := model.Visit{
		ScheduleID:     g.newID(),
		AdvisorID:      req.AdvisorID,
		FarmID:         req.FarmID,
		ManagerID:      req.ManagerID,
		FarmType:       farmType,
		ProposedDate:   req.ProposedDate,
		Location:       req.Location,
		VisitPurpose:   req.VisitPurpose,
		IsUrgent:       req.IsUrgent,
		VisitStatus:    model.VisitDraft,
		ApprovalStatus: model.ApprovalNone,
		UpdatedAt:      g.now(),
	}

	g.logger.Debug("Creating visit",
		zap.String("schedule_id", visit.ScheduleID),
		zap.String("farm_id", visit.FarmID),
		zap.String("farm_type", string(visit.FarmType)))

	if err := g.database.InsertVisit(ctx, visit); err != nil {
		return model.Visit{}, fmt.Errorf("failed to insert visit: %w", err)
	}

	return visit, nil
}

// Update patches a visit. Structural fields are frozen once the visit is approved.
func (g *Gateway) Update(ctx context.Context, id string, patch gateway.VisitPatch) (model.Visit, error) {
	if err := gateway.ValidateRequest(patch); err != nil {
		return model.Visit{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}

	if visit.VisitStatus.IsTerminal() {
		return model.Visit{}, &gateway.ValidationError{
			Message: "visit cannot be edited",
			Fields:  map[string]string{"VisitStatus": fmt.Sprintf("%s visits cannot be edited", visit.VisitStatus)},
		}
	}
	if patch.Structural() && visit.ApprovalStatus.Is(model.ApprovalApproved) {
		return model.Visit{}, &gateway.ValidationError{
			Message: "visit cannot be edited",
			Fields:  map[string]string{"ApprovalStatus": "approved visits cannot be edited"},
		}
	}
	if patch.IsEmpty() {
		return visit, nil
	}

	applyPatch(&visit, patch)
	visit.UpdatedAt = g.now()

	if err := g.save(ctx, visit); err != nil {
		return model.Visit{}, err
	}
	return visit, nil
}

func applyPatch(v *model.Visit, p gateway.VisitPatch) {
	if p.AdvisorID != nil {
		v.AdvisorID = *p.AdvisorID
	}
	if p.FarmID != nil {
		v.FarmID = *p.FarmID
	}
	if p.ManagerID != nil {
		v.ManagerID = *p.ManagerID
	}
	if p.FarmType != nil {
		ft, _ := model.ParseFarmType(string(*p.FarmType))
		v.FarmType = ft
	}
	if p.ProposedDate != nil {
		v.ProposedDate = *p.ProposedDate
	}
	if p.Location != nil {
		loc := *p.Location
		v.Location = &loc
	}
	if p.VisitPurpose != nil {
		v.VisitPurpose = *p.VisitPurpose
	}
	if p.IsUrgent != nil {
		v.IsUrgent = *p.IsUrgent
	}
}

// Submit sends a draft for approval by approverID
func (g *Gateway) Submit(ctx context.Context, id string, approverID string) (model.Visit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}

	// A retried submit finds the visit already pending with the same approver
	if visit.VisitStatus.Is(model.VisitScheduled) && visit.ApprovalStatus.Is(model.ApprovalPending) &&
		(approverID == "" || approverID == visit.ManagerID) {
		return visit, nil
	}

	return g.transition(ctx, visit, lifecycle.Command{Action: lifecycle.ActionSubmit, Actor: approverID})
}

// ProcessApproval records a manager's approve, reject or postpone decision
func (g *Gateway) ProcessApproval(ctx context.Context, id string, req gateway.ApprovalRequest) (model.Visit, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.Visit{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}

	cmd := lifecycle.Command{
		Actor:         req.ApproverID,
		Reason:        req.Reason,
		PostponedDate: req.PostponedDate,
	}
	switch req.Action {
	case gateway.Approve:
		if visit.VisitStatus.Is(model.VisitScheduled) && visit.ApprovalStatus.Is(model.ApprovalApproved) &&
			visit.ManagerID == req.ApproverID {
			return visit, nil
		}
		cmd.Action = lifecycle.ActionApprove
	case gateway.Reject:
		cmd.Action = lifecycle.ActionReject
	case gateway.Postpone:
		cmd.Action = lifecycle.ActionPostpone
	default:
		return model.Visit{}, &gateway.ValidationError{Fields: map[string]string{"Action": fmt.Sprintf("unknown approval action %q", req.Action)}}
	}

	g.logger.Debug("Processing approval",
		zap.String("schedule_id", id),
		zap.String("action", string(req.Action)),
		zap.String("approver_id", req.ApproverID))

	return g.transition(ctx, visit, cmd)
}

// Start moves an approved visit into progress. Starting an in-progress visit is a no-op.
func (g *Gateway) Start(ctx context.Context, id string, startedBy string, req gateway.StartRequest) (model.Visit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}

	if visit.VisitStatus.Is(model.VisitInProgress) {
		return visit, nil
	}

	return g.transition(ctx, visit, lifecycle.Command{
		Action:   lifecycle.ActionStart,
		Actor:    startedBy,
		Location: req.Location,
	})
}

// Fill creates or updates the farm-type detail record for an in-progress visit
func (g *Gateway) Fill(ctx context.Context, farmType model.FarmType, req gateway.FillRequest) (model.DetailRecord, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.DetailRecord{}, err
	}

	rec, err := g.fill(ctx, farmType, req)
	if err != nil {
		return model.DetailRecord{}, err
	}

	if g.notifier != nil {
		if err := g.notifier.FillCommitted(ctx, req.ScheduleID); err != nil {
			g.logger.Warn("Failed to publish fill confirmation", zap.String("schedule_id", req.ScheduleID), zap.Error(err))
		}
	}

	return rec, nil
}

func (g *Gateway) fill(ctx context.Context, farmType model.FarmType, req gateway.FillRequest) (model.DetailRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, req.ScheduleID)
	if err != nil {
		return model.DetailRecord{}, err
	}

	if !visit.VisitStatus.Is(model.VisitInProgress) {
		return model.DetailRecord{}, &gateway.ValidationError{
			Message: "visit cannot be filled",
			Fields:  map[string]string{"VisitStatus": fmt.Sprintf("visit must be in progress to fill (current status: %s)", visit.VisitStatus)},
		}
	}

	ft, ok := model.ParseFarmType(string(farmType))
	if !ok || ft != visit.FarmType {
		return model.DetailRecord{}, &gateway.ValidationError{
			Fields: map[string]string{"FarmType": fmt.Sprintf("form type %q does not match visit farm type %s", farmType, visit.FarmType)},
		}
	}

	switch ft {
	case model.FarmLayer:
		if req.Layer == nil {
			return model.DetailRecord{}, &gateway.MissingFieldError{Field: "Layer"}
		}
	case model.FarmDairy:
		if req.Dairy == nil {
			return model.DetailRecord{}, &gateway.MissingFieldError{Field: "Dairy"}
		}
	default:
		return model.DetailRecord{}, &gateway.ValidationError{
			Fields: map[string]string{"FarmType": fmt.Sprintf("%s visits have no detail form", ft)},
		}
	}

	now := g.now()
	rec := model.DetailRecord{
		ScheduleID:      visit.ScheduleID,
		FarmType:        ft,
		Location:        req.Location,
		Recommendations: req.Recommendations,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if ft == model.FarmLayer {
		rec.Layer = req.Layer
	} else {
		rec.Dairy = req.Dairy
	}
	if rec.Location == nil {
		rec.Location = visit.Location
	}

	existing, err := g.database.GetDetailBySchedule(ctx, visit.ScheduleID)
	switch {
	case err == nil:
		if req.DetailID != "" && req.DetailID != existing.DetailID {
			return model.DetailRecord{}, &gateway.ValidationError{
				Fields: map[string]string{"DetailID": fmt.Sprintf("visit already has detail record %s", existing.DetailID)},
			}
		}
		rec.DetailID = existing.DetailID
		rec.CreatedAt = existing.CreatedAt
		g.logger.Debug("Updating detail record", zap.String("schedule_id", visit.ScheduleID), zap.String("detail_id", rec.DetailID))
	case errors.Is(err, db.ErrNotFound):
		if req.DetailID != "" {
			return model.DetailRecord{}, &gateway.NotFoundError{ID: req.DetailID, Message: fmt.Sprintf("detail record %s not found", req.DetailID)}
		}
		rec.DetailID = g.newID()
		g.logger.Debug("Creating detail record", zap.String("schedule_id", visit.ScheduleID), zap.String("detail_id", rec.DetailID))
	default:
		return model.DetailRecord{}, fmt.Errorf("failed to load detail record: %w", err)
	}

	if err := g.database.UpsertDetail(ctx, rec); err != nil {
		return model.DetailRecord{}, fmt.Errorf("failed to save detail record: %w", err)
	}

	visit.FormFilled = true
	if visit.Location == nil && req.Location != nil {
		loc := *req.Location
		visit.Location = &loc
	}
	visit.UpdatedAt = now
	if err := g.save(ctx, visit); err != nil {
		return model.DetailRecord{}, err
	}

	return rec, nil
}

// Complete finishes an in-progress visit. Repeating an identical completion
// returns the stored visit unchanged.
func (g *Gateway) Complete(ctx context.Context, id string, req gateway.CompleteRequest) (model.Visit, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.Visit{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}

	if visit.VisitStatus.Is(model.VisitCompleted) {
		if visit.VisitSummary == req.VisitSummary && visit.CompletedBy == req.CompletedBy {
			g.logger.Debug("Visit already completed with identical payload", zap.String("schedule_id", id))
			return visit, nil
		}
		return model.Visit{}, &gateway.ValidationError{
			Message: "visit is already completed",
			Fields:  map[string]string{"VisitStatus": "visit is already completed"},
		}
	}

	return g.transition(ctx, visit, lifecycle.Command{
		Action:           lifecycle.ActionComplete,
		Actor:            req.CompletedBy,
		ActualVisitDate:  req.ActualVisitDate,
		VisitSummary:     req.VisitSummary,
		NextFollowUpDate: req.NextFollowUpDate,
		FollowUpNote:     req.FollowUpNote,
	})
}

// Cancel moves a draft or scheduled visit to Cancelled
func (g *Gateway) Cancel(ctx context.Context, id string, actor string, reason string) (model.Visit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.load(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}
	if visit.VisitStatus.Is(model.VisitCancelled) {
		return visit, nil
	}

	return g.transition(ctx, visit, lifecycle.Command{Action: lifecycle.ActionCancel, Actor: actor, Reason: reason})
}

// Delete soft-deletes a visit. Deleting twice is not an error.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	visit, err := g.database.GetVisit(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return &gateway.NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to load visit %s: %w", id, err)
	}
	if visit.Deleted {
		return nil
	}

	visit.Deleted = true
	visit.UpdatedAt = g.now()
	g.logger.Info("Deleting visit", zap.String("schedule_id", id))
	return g.save(ctx, visit)
}

// GetFilledForm returns the visit and its detail record. A visit that has not
// been filled yields an empty FilledForm.
func (g *Gateway) GetFilledForm(ctx context.Context, id string) (model.FilledForm, error) {
	visit, err := g.load(ctx, id)
	if err != nil {
		return model.FilledForm{}, err
	}

	rec, err := g.database.GetDetailBySchedule(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return model.FilledForm{}, nil
	}
	if err != nil {
		return model.FilledForm{}, fmt.Errorf("failed to load detail record: %w", err)
	}

	return model.FilledForm{Schedule: &visit, Form: &rec}, nil
}

// Get returns a single visit
func (g *Gateway) Get(ctx context.Context, id string) (model.Visit, error) {
	return g.load(ctx, id)
}

// List returns the visits that pass the server-side filter
func (g *Gateway) List(ctx context.Context, filter gateway.ListFilter) ([]model.Visit, error) {
	visits, err := g.database.ListVisits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}

	out := make([]model.Visit, 0, len(visits))
	for _, v := range visits {
		if filter.Matches(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (g *Gateway) transition(ctx context.Context, visit model.Visit, cmd lifecycle.Command) (model.Visit, error) {
	next, err := lifecycle.Apply(visit, cmd, g.now())
	if err != nil {
		return model.Visit{}, transitionError(err)
	}

	if err := lifecycle.CheckInvariants(next); err != nil {
		return model.Visit{}, fmt.Errorf("refusing to store visit %s: %w", next.ScheduleID, err)
	}

	if err := g.save(ctx, next); err != nil {
		return model.Visit{}, err
	}

	g.logger.Info("Visit transitioned",
		zap.String("schedule_id", next.ScheduleID),
		zap.String("action", string(cmd.Action)),
		zap.String("visit_status", string(next.VisitStatus)),
		zap.String("approval_status", string(next.ApprovalStatus)))

	return next, nil
}

// load fetches a live visit; deleted visits are reported as not found
func (g *Gateway) load(ctx context.Context, id string) (model.Visit, error) {
	visit, err := g.database.GetVisit(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && visit.Deleted) {
		return model.Visit{}, &gateway.NotFoundError{ID: id}
	}
	if err != nil {
		return model.Visit{}, fmt.Errorf("failed to load visit %s: %w", id, err)
	}
	return visit, nil
}

func (g *Gateway) save(ctx context.Context, visit model.Visit) error {
	err := g.database.UpdateVisit(ctx, visit)
	if errors.Is(err, db.ErrNotFound) {
		return &gateway.NotFoundError{ID: visit.ScheduleID}
	}
	if err != nil {
		return fmt.Errorf("failed to save visit %s: %w", visit.ScheduleID, err)
	}
	return nil
}

// transitionError converts state machine failures into the gateway taxonomy
func transitionError(err error) error {
	var pe *lifecycle.PreconditionError
	if errors.As(err, &pe) {
		if len(pe.Fields) == 1 {
			return &gateway.MissingFieldError{Field: pe.Fields[0]}
		}
		fields := make(map[string]string, len(pe.Fields))
		for _, f := range pe.Fields {
			fields[f] = "is required"
		}
		return &gateway.ValidationError{Message: fmt.Sprintf("cannot %s visit", strings.ToLower(string(pe.Action))), Fields: fields}
	}

	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		return &gateway.ValidationError{Message: te.Error(), Fields: map[string]string{"VisitStatus": "not allowed in current state"}}
	}

	return err
}
