package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

type stubFlags map[string]model.FillState

func (s stubFlags) FillState(id string) model.FillState {
	return s[id]
}

func visit(status model.VisitStatus, approval model.ApprovalStatus) model.Visit {
	return model.Visit{ScheduleID: "s-1", VisitStatus: status, ApprovalStatus: approval}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name       string
		v          model.Visit
		canEdit    bool
		canSubmit  bool
		canApprove bool
		canStart   bool
		canCancel  bool
	}{
		{"draft", visit(model.VisitDraft, model.ApprovalNone), true, true, false, false, true},
		{"pending", visit(model.VisitScheduled, model.ApprovalPending), true, false, true, false, true},
		{"rejected", visit(model.VisitScheduled, model.ApprovalRejected), true, false, true, false, true},
		{"postponed", visit(model.VisitScheduled, model.ApprovalPostponed), true, false, true, false, true},
		{"approved", visit(model.VisitScheduled, model.ApprovalApproved), false, false, false, true, true},
		{"in progress", visit(model.VisitInProgress, model.ApprovalApproved), false, false, false, false, false},
		{"completed", visit(model.VisitCompleted, model.ApprovalApproved), false, false, false, false, false},
		{"loose casing", visit("in progress", "approved"), false, false, false, false, false},
		{"empty record", model.Visit{}, true, false, false, false, false},
		{"scheduled without approval marker", visit(model.VisitScheduled, model.ApprovalNone), true, false, true, false, true},
		{"unrecognised statuses", visit("Pending Approval", "Maybe"), true, false, false, false, false},
		{"unrecognised approval", visit(model.VisitScheduled, "Maybe"), true, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.canEdit, CanEdit(tt.v), "CanEdit")
			assert.Equal(t, tt.canSubmit, CanSubmit(tt.v), "CanSubmit")
			assert.Equal(t, tt.canApprove, CanApprove(tt.v), "CanApprove")
			assert.Equal(t, tt.canStart, CanStart(tt.v), "CanStart")
			assert.Equal(t, tt.canCancel, CanCancel(tt.v), "CanCancel")
		})
	}
}

func TestCanFill(t *testing.T) {
	approved := visit(model.VisitScheduled, model.ApprovalApproved)
	inProgress := visit(model.VisitInProgress, model.ApprovalApproved)
	filled := inProgress
	filled.FormFilled = true

	tests := []struct {
		name  string
		v     model.Visit
		flags FlagSource
		want  bool
	}{
		{"approved, no flags source", approved, nil, true},
		{"in progress", inProgress, stubFlags{}, true},
		{"pending approval", visit(model.VisitScheduled, model.ApprovalPending), nil, false},
		{"already filled", filled, nil, false},
		{"recently filled locally", inProgress, stubFlags{"s-1": model.FillRecent}, false},
		{"confirmed locally", inProgress, stubFlags{"s-1": model.FillConfirmed}, false},
		{"flag on another visit", inProgress, stubFlags{"s-2": model.FillRecent}, true},
		{"completed", visit(model.VisitCompleted, model.ApprovalApproved), nil, false},
		{"cancelled", visit(model.VisitCancelled, model.ApprovalApproved), nil, false},
		{"empty record", model.Visit{}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanFill(tt.v, tt.flags))
		})
	}
}

func TestValidateCompleteRequirements(t *testing.T) {
	started := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	inProgress := visit(model.VisitInProgress, model.ApprovalApproved)
	inProgress.ActualVisitDate = &started

	t.Run("ready", func(t *testing.T) {
		r := ValidateCompleteRequirements(inProgress, &CompleteDraft{VisitSummary: "healthy"})
		assert.True(t, r.Ready)
		assert.Empty(t, r.Reasons)
	})

	t.Run("date from the draft", func(t *testing.T) {
		v := inProgress
		v.ActualVisitDate = nil
		r := ValidateCompleteRequirements(v, &CompleteDraft{ActualVisitDate: &started, VisitSummary: "healthy"})
		assert.True(t, r.Ready)
	})

	t.Run("blank summary", func(t *testing.T) {
		r := ValidateCompleteRequirements(inProgress, &CompleteDraft{VisitSummary: "   "})
		assert.False(t, r.Ready)
		assert.Equal(t, []string{"visit summary is required"}, r.Reasons)
	})

	t.Run("every reason at once", func(t *testing.T) {
		r := ValidateCompleteRequirements(model.Visit{}, nil)
		assert.False(t, r.Ready)
		assert.Equal(t, []string{
			"visit must be in progress to complete (current status: unknown)",
			"actual visit date is required",
			"visit summary is required",
		}, r.Reasons)
	})

	t.Run("wrong status named", func(t *testing.T) {
		r := ValidateCompleteRequirements(visit(model.VisitScheduled, model.ApprovalApproved), &CompleteDraft{ActualVisitDate: &started, VisitSummary: "x"})
		assert.Equal(t, []string{"visit must be in progress to complete (current status: Scheduled)"}, r.Reasons)
	})
}
