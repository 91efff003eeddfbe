// Package services holds the visit session: the single coordinating
// component that owns the visit list and the reconciliation flags, gates every
// user action on the validation rules and turns failures into messages.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/pkg/core/lifecycle"
	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/projection"
	"github.com/jakechorley/farm-visits/pkg/core/reconcile"
	"github.com/jakechorley/farm-visits/pkg/core/rules"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

// ErrCreateInProgress is returned when a create is already outstanding
var ErrCreateInProgress = errors.New("a visit is already being created")

// ActionError means the rules do not allow the action in the visit's current state
type ActionError struct {
	Action lifecycle.Action
	ID     string
	Reason string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("cannot %s visit %s: %s", strings.ToLower(string(e.Action)), e.ID, e.Reason)
}

// NotReadyError lists every unmet completion precondition
type NotReadyError struct {
	Reasons []string
}

func (e *NotReadyError) Error() string {
	return "visit is not ready to complete: " + strings.Join(e.Reasons, "; ")
}

// SessionConfig configures a Session
type SessionConfig struct {
	// UserID is the acting user for start, fill, complete and approval
	UserID       string
	FollowUpRule string
	Reconcile    reconcile.Config
}

// CompleteInput is the user's completion form
type CompleteInput struct {
	ActualVisitDate  *time.Time
	VisitSummary     string
	NextFollowUpDate *time.Time
	FollowUpNote     string
}

// Session is one user's view of the visits
type Session struct {
	gw     gateway.Gateway
	logger *zap.Logger
	cfg    SessionConfig

	flags  *reconcile.Flags
	list   *projection.List
	engine *reconcile.Engine

	mu           sync.Mutex
	serverFilter gateway.ListFilter

	creating atomic.Bool
}

var _ reconcile.Cache = (*Session)(nil)

// NewSession creates a session over gw. opts are passed to the reconciliation engine.
func NewSession(gw gateway.Gateway, logger *zap.Logger, cfg SessionConfig, opts ...reconcile.Option) *Session {
	flags := reconcile.NewFlags()
	s := &Session{
		gw:     gw,
		logger: logger,
		cfg:    cfg,
		flags:  flags,
		list:   projection.New(flags),
	}

	opts = append([]reconcile.Option{reconcile.WithConfig(cfg.Reconcile)}, opts...)
	s.engine = reconcile.NewEngine(gw, s, flags, logger, opts...)
	return s
}

// Engine exposes the reconciliation engine, e.g. to wait on or nudge a loop
func (s *Session) Engine() *reconcile.Engine {
	return s.engine
}

// Flags exposes the reconciliation flags
func (s *Session) Flags() *reconcile.Flags {
	return s.flags
}

// Refresh refetches the list with the current server-side filter
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	filter := s.serverFilter
	s.mu.Unlock()

	visits, err := s.gw.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list visits: %w", err)
	}

	s.list.Replace(visits)
	s.logger.Debug("Visit list refreshed", zap.Int("count", len(visits)))
	return nil
}

// Reload implements reconcile.Cache
func (s *Session) Reload(ctx context.Context) error {
	return s.Refresh(ctx)
}

// Merge implements reconcile.Cache
func (s *Session) Merge(v model.Visit) error {
	return s.list.Merge(v)
}

// SetServerFilter changes the server-side filter and refetches
func (s *Session) SetServerFilter(ctx context.Context, f gateway.ListFilter) error {
	s.mu.Lock()
	s.serverFilter = f
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// SetLocalFilter narrows the rows without a round trip
func (s *Session) SetLocalFilter(f projection.LocalFilter) {
	s.list.SetFilter(f)
}

// Rows returns the visible rows
func (s *Session) Rows() []projection.Row {
	return s.list.Rows()
}

// Visit returns a listed visit
func (s *Session) Visit(id string) (model.Visit, bool) {
	return s.list.Get(id)
}

// Create creates a draft. Only one create may be outstanding; the lock is
// released whether or not the create succeeds so the user can retry.
func (s *Session) Create(ctx context.Context, req gateway.CreateVisitRequest) (model.Visit, error) {
	if !s.creating.CompareAndSwap(false, true) {
		return model.Visit{}, ErrCreateInProgress
	}
	defer s.creating.Store(false)

	if req.AdvisorID == "" {
		req.AdvisorID = s.cfg.UserID
	}

	v, err := s.gw.Create(ctx, req)
	if err != nil {
		return model.Visit{}, err
	}

	s.mu.Lock()
	listed := s.serverFilter.Matches(v)
	s.mu.Unlock()
	if listed {
		s.list.Upsert(v)
	}

	s.logger.Info("Visit created", zap.String("schedule_id", v.ScheduleID))
	return v, nil
}

// Update patches a visit. Structural changes are refused once it is approved.
func (s *Session) Update(ctx context.Context, id string, patch gateway.VisitPatch) (model.Visit, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}
	if v.VisitStatus.IsTerminal() {
		return model.Visit{}, &ActionError{Action: "Edit", ID: id, Reason: fmt.Sprintf("visit is %s", v.VisitStatus)}
	}
	if patch.Structural() && !rules.CanEdit(v) {
		return model.Visit{}, &ActionError{Action: "Edit", ID: id, Reason: "approved visits cannot be edited"}
	}

	updated, err := s.gw.Update(ctx, id, patch)
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	s.apply(ctx, updated)
	return updated, nil
}

// Submit sends a draft to approverID for approval
func (s *Session) Submit(ctx context.Context, id string, approverID string) (model.Visit, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}
	if !rules.CanSubmit(v) {
		return model.Visit{}, &ActionError{Action: lifecycle.ActionSubmit, ID: id, Reason: fmt.Sprintf("only drafts can be submitted (current status: %s)", v.VisitStatus)}
	}

	updated, err := s.gw.Submit(ctx, id, approverID)
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	s.apply(ctx, updated)
	return updated, nil
}

// ProcessApproval approves, rejects or postpones a submitted visit. An empty
// ApproverID is filled with the session user.
func (s *Session) ProcessApproval(ctx context.Context, id string, req gateway.ApprovalRequest) (model.Visit, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}
	if !rules.CanApprove(v) {
		return model.Visit{}, &ActionError{
			Action: lifecycle.Action(req.Action),
			ID:     id,
			Reason: fmt.Sprintf("visit is not awaiting approval (status %s, approval %s)", v.VisitStatus, v.ApprovalStatus),
		}
	}
	if req.ApproverID == "" {
		req.ApproverID = s.cfg.UserID
	}

	updated, err := s.gw.ProcessApproval(ctx, id, req)
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	s.apply(ctx, updated)
	return updated, nil
}

// Start moves an approved visit into progress
func (s *Session) Start(ctx context.Context, id string, loc *model.Location) (model.Visit, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}
	if !rules.CanStart(v) {
		return model.Visit{}, &ActionError{Action: lifecycle.ActionStart, ID: id, Reason: "only approved, scheduled visits can be started"}
	}
	if loc == nil && v.Location == nil {
		return model.Visit{}, &gateway.MissingFieldError{Field: "Location"}
	}

	updated, err := s.gw.Start(ctx, id, s.cfg.UserID, gateway.StartRequest{Location: loc})
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	s.apply(ctx, updated)
	return updated, nil
}

// Fill submits the visit form through the reconciliation engine
func (s *Session) Fill(ctx context.Context, id string, form reconcile.FillForm) (reconcile.FillResult, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return reconcile.FillResult{}, err
	}

	res, err := s.engine.Fill(ctx, s.cfg.UserID, v, form)
	if err != nil {
		return res, s.failed(ctx, err)
	}
	return res, nil
}

// Complete finishes an in-progress visit. When no follow-up date is given and
// a follow-up rule is configured, the next occurrence after the visit is used.
func (s *Session) Complete(ctx context.Context, id string, in CompleteInput) (model.Visit, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}

	readiness := rules.ValidateCompleteRequirements(v, &rules.CompleteDraft{
		ActualVisitDate: in.ActualVisitDate,
		VisitSummary:    in.VisitSummary,
	})
	if !readiness.Ready {
		return model.Visit{}, &NotReadyError{Reasons: readiness.Reasons}
	}

	followUp := in.NextFollowUpDate
	if followUp == nil && s.cfg.FollowUpRule != "" {
		base := v.ActualVisitDate
		if in.ActualVisitDate != nil {
			base = in.ActualVisitDate
		}
		next, err := NextFollowUp(s.cfg.FollowUpRule, *base)
		if err != nil {
			s.logger.Warn("Could not suggest follow-up date", zap.Error(err))
		} else if next != nil {
			followUp = next
			s.logger.Debug("Suggested follow-up date", zap.String("schedule_id", id), zap.Time("next_follow_up", *next))
		}
	}

	updated, err := s.gw.Complete(ctx, id, gateway.CompleteRequest{
		CompletedBy:      s.cfg.UserID,
		VisitSummary:     in.VisitSummary,
		ActualVisitDate:  in.ActualVisitDate,
		NextFollowUpDate: followUp,
		FollowUpNote:     in.FollowUpNote,
	})
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	s.apply(ctx, updated)
	return updated, nil
}

// Cancel cancels a visit that has not started
func (s *Session) Cancel(ctx context.Context, id string, reason string) (model.Visit, error) {
	v, err := s.lookup(ctx, id)
	if err != nil {
		return model.Visit{}, err
	}
	if !rules.CanCancel(v) {
		return model.Visit{}, &ActionError{Action: lifecycle.ActionCancel, ID: id, Reason: fmt.Sprintf("visit is %s", v.VisitStatus)}
	}

	updated, err := s.gw.Cancel(ctx, id, s.cfg.UserID, reason)
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	s.apply(ctx, updated)
	return updated, nil
}

// Delete soft-deletes a visit and stops any confirmation still running for it
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.gw.Delete(ctx, id); err != nil {
		if !gateway.IsNotFound(err) {
			return err
		}
		s.logger.Info("Visit already gone", zap.String("schedule_id", id))
	}

	s.engine.Cancel(id)
	s.list.Remove(id)
	return nil
}

// Close stops every confirmation loop, e.g. on sign-out
func (s *Session) Close() {
	s.engine.Close()
}

// lookup prefers the listed copy and falls back to fetching the visit
func (s *Session) lookup(ctx context.Context, id string) (model.Visit, error) {
	if v, ok := s.list.Get(id); ok {
		return v, nil
	}

	v, err := s.gw.Get(ctx, id)
	if err != nil {
		return model.Visit{}, s.failed(ctx, err)
	}
	return v, nil
}

// apply merges a mutated visit into the list, refetching if it is not listed
func (s *Session) apply(ctx context.Context, v model.Visit) {
	if err := s.list.Merge(v); err != nil {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("Failed to refresh visit list", zap.Error(err))
		}
	}
}

// failed refreshes the list when the id turned out to be stale
func (s *Session) failed(ctx context.Context, err error) error {
	if gateway.IsNotFound(err) {
		s.logger.Info("Stale visit id, refreshing list", zap.Error(err))
		if rerr := s.Refresh(ctx); rerr != nil {
			s.logger.Warn("Failed to refresh visit list", zap.Error(rerr))
		}
	}
	return err
}
