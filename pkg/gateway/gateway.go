// Package gateway defines the contract through which visits are mutated and read
// back from the persistence/service layer, together with its request types and
// error taxonomy. Loosely-typed backend payloads are normalised here, once.
package gateway

import (
	"context"
	"time"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// Gateway issues every visit-mutating operation and the confirmation read.
// Implementations must make retries of the same request safe.
type Gateway interface {
	Create(ctx context.Context, req CreateVisitRequest) (model.Visit, error)
	Update(ctx context.Context, id string, patch VisitPatch) (model.Visit, error)
	Submit(ctx context.Context, id string, approverID string) (model.Visit, error)
	ProcessApproval(ctx context.Context, id string, req ApprovalRequest) (model.Visit, error)
	Start(ctx context.Context, id string, startedBy string, req StartRequest) (model.Visit, error)
	Fill(ctx context.Context, farmType model.FarmType, req FillRequest) (model.DetailRecord, error)
	Complete(ctx context.Context, id string, req CompleteRequest) (model.Visit, error)
	Cancel(ctx context.Context, id string, actor string, reason string) (model.Visit, error)
	Delete(ctx context.Context, id string) error
	GetFilledForm(ctx context.Context, id string) (model.FilledForm, error)
	Get(ctx context.Context, id string) (model.Visit, error)
	List(ctx context.Context, filter ListFilter) ([]model.Visit, error)
}

// CreateVisitRequest is the payload for a new draft visit
type CreateVisitRequest struct {
	AdvisorID    string          `json:"AdvisorID" validate:"required"`
	FarmID       string          `json:"FarmID" validate:"required"`
	ManagerID    string          `json:"ManagerID,omitempty"`
	FarmType     model.FarmType  `json:"FarmType" validate:"required,farmtype"`
	ProposedDate time.Time       `json:"ProposedDate" validate:"required"`
	Location     *model.Location `json:"Location,omitempty"`
	VisitPurpose string          `json:"VisitPurpose" validate:"required"`
	IsUrgent     bool            `json:"IsUrgent"`
}

// VisitPatch updates a visit. Nil fields are left unchanged.
type VisitPatch struct {
	AdvisorID    *string         `json:"AdvisorID,omitempty" validate:"omitempty,min=1"`
	FarmID       *string         `json:"FarmID,omitempty" validate:"omitempty,min=1"`
	ManagerID    *string         `json:"ManagerID,omitempty"`
	FarmType     *model.FarmType `json:"FarmType,omitempty" validate:"omitempty,farmtype"`
	ProposedDate *time.Time      `json:"ProposedDate,omitempty"`
	Location     *model.Location `json:"Location,omitempty"`
	VisitPurpose *string         `json:"VisitPurpose,omitempty"`
	IsUrgent     *bool           `json:"IsUrgent,omitempty"`
}

// Structural reports whether the patch touches fields that freeze on approval.
// Location is not structural: it may be recorded on an approved visit before it starts.
func (p VisitPatch) Structural() bool {
	return p.AdvisorID != nil || p.FarmID != nil || p.ManagerID != nil || p.FarmType != nil ||
		p.ProposedDate != nil || p.VisitPurpose != nil || p.IsUrgent != nil
}

// IsEmpty reports whether the patch changes nothing
func (p VisitPatch) IsEmpty() bool {
	return !p.Structural() && p.Location == nil
}

// ApprovalAction is a manager decision on a submitted visit
type ApprovalAction string

const (
	Approve  ApprovalAction = "Approve"
	Reject   ApprovalAction = "Reject"
	Postpone ApprovalAction = "Postpone"
)

// ApprovalRequest is the payload for processApproval
type ApprovalRequest struct {
	Action        ApprovalAction `json:"Action" validate:"required,oneof=Approve Reject Postpone"`
	ApproverID    string         `json:"ApproverID" validate:"required"`
	Reason        string         `json:"Reason,omitempty" validate:"required_if=Action Reject"`
	PostponedDate *time.Time     `json:"PostponedDate,omitempty" validate:"required_if=Action Postpone"`
}

// StartRequest is the payload for starting a visit
type StartRequest struct {
	Location *model.Location `json:"Location,omitempty"`
}

// FillRequest is the farm-type-specific visit form. A non-empty DetailID
// updates the existing detail record instead of creating one.
type FillRequest struct {
	ScheduleID      string            `json:"ScheduleID" validate:"required"`
	DetailID        string            `json:"DetailID,omitempty"`
	Location        *model.Location   `json:"Location,omitempty"`
	Layer           *model.LayerVisit `json:"Layer,omitempty"`
	Dairy           *model.DairyVisit `json:"Dairy,omitempty"`
	Recommendations string            `json:"Recommendations,omitempty"`
	FilledBy        string            `json:"FilledBy,omitempty"`
}

// CompleteRequest is the payload for completing a visit
type CompleteRequest struct {
	CompletedBy      string     `json:"CompletedBy" validate:"required"`
	VisitSummary     string     `json:"VisitSummary" validate:"required"`
	ActualVisitDate  *time.Time `json:"ActualVisitDate,omitempty"`
	NextFollowUpDate *time.Time `json:"NextFollowUpDate,omitempty"`
	FollowUpNote     string     `json:"FollowUpNote,omitempty"`
}

// ListFilter holds the server-side filters for listing visits
type ListFilter struct {
	AdvisorID      string
	FarmID         string
	FarmType       model.FarmType
	UrgentOnly     bool
	IncludeDeleted bool
}

// Matches reports whether a visit passes the filter
func (f ListFilter) Matches(v model.Visit) bool {
	if v.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.AdvisorID != "" && v.AdvisorID != f.AdvisorID {
		return false
	}
	if f.FarmID != "" && v.FarmID != f.FarmID {
		return false
	}
	if f.FarmType != "" && model.NormalizeStatus(string(v.FarmType)) != model.NormalizeStatus(string(f.FarmType)) {
		return false
	}
	if f.UrgentOnly && !v.IsUrgent {
		return false
	}
	return true
}
