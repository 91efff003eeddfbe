package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/rules"
)

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func draft() model.Visit {
	return model.Visit{
		ScheduleID:     "s-1",
		AdvisorID:      "adv-1",
		FarmID:         "farm-1",
		ManagerID:      "mgr-1",
		FarmType:       model.FarmLayer,
		ProposedDate:   now.AddDate(0, 0, 7),
		VisitPurpose:   "routine",
		VisitStatus:    model.VisitDraft,
		ApprovalStatus: model.ApprovalNone,
	}
}

func mustApply(t *testing.T, v model.Visit, cmd Command) model.Visit {
	t.Helper()
	next, err := Apply(v, cmd, now)
	require.NoError(t, err)
	require.NoError(t, CheckInvariants(next))
	return next
}

func approved(t *testing.T) model.Visit {
	t.Helper()
	v := mustApply(t, draft(), Command{Action: ActionSubmit, Actor: "mgr-1"})
	return mustApply(t, v, Command{Action: ActionApprove, Actor: "mgr-1"})
}

func TestApply_HappyPath(t *testing.T) {
	v := draft()

	v = mustApply(t, v, Command{Action: ActionSubmit, Actor: "mgr-1"})
	assert.Equal(t, model.VisitScheduled, v.VisitStatus)
	assert.Equal(t, model.ApprovalPending, v.ApprovalStatus)

	v = mustApply(t, v, Command{Action: ActionApprove, Actor: "mgr-1"})
	assert.Equal(t, model.VisitScheduled, v.VisitStatus, "approval never moves VisitStatus")
	assert.Equal(t, model.ApprovalApproved, v.ApprovalStatus)

	loc := &model.Location{Latitude: 9.03, Longitude: 38.74}
	v = mustApply(t, v, Command{Action: ActionStart, Actor: "adv-1", Location: loc})
	assert.Equal(t, model.VisitInProgress, v.VisitStatus)
	assert.Equal(t, loc, v.Location)
	require.NotNil(t, v.ActualVisitDate)
	assert.Equal(t, now, *v.ActualVisitDate)
	assert.Equal(t, "adv-1", v.StartedBy)

	followUp := now.AddDate(0, 1, 0)
	v = mustApply(t, v, Command{Action: ActionComplete, Actor: "adv-1", VisitSummary: "healthy flock", NextFollowUpDate: &followUp})
	assert.Equal(t, model.VisitCompleted, v.VisitStatus)
	assert.Equal(t, model.ApprovalApproved, v.ApprovalStatus)
	assert.Equal(t, "adv-1", v.CompletedBy)
	assert.Equal(t, &followUp, v.NextFollowUpDate)
}

func TestApply_DoesNotModifyInput(t *testing.T) {
	v := draft()
	_, err := Apply(v, Command{Action: ActionSubmit, Actor: "mgr-1"}, now)
	require.NoError(t, err)
	assert.Equal(t, model.VisitDraft, v.VisitStatus)
	assert.Equal(t, model.ApprovalNone, v.ApprovalStatus)
}

func TestApply_IllegalTransitions(t *testing.T) {
	completed := approved(t)
	completed = mustApply(t, completed, Command{Action: ActionStart, Location: &model.Location{}})
	completed = mustApply(t, completed, Command{Action: ActionComplete, VisitSummary: "done"})

	cancelled := mustApply(t, draft(), Command{Action: ActionCancel})

	tests := []struct {
		name   string
		visit  model.Visit
		action Action
	}{
		{"approve a draft", draft(), ActionApprove},
		{"start a draft", draft(), ActionStart},
		{"complete a scheduled visit", approved(t), ActionComplete},
		{"submit twice", approved(t), ActionSubmit},
		{"approve an approved visit", approved(t), ActionApprove},
		{"start a completed visit", completed, ActionStart},
		{"cancel a completed visit", completed, ActionCancel},
		{"submit a cancelled visit", cancelled, ActionSubmit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Allowed(tt.visit, tt.action))

			_, err := Apply(tt.visit, Command{
				Action:        tt.action,
				Actor:         "mgr-1",
				Reason:        "r",
				Location:      &model.Location{},
				VisitSummary:  "s",
				PostponedDate: &now,
			}, now)
			var te *TransitionError
			assert.True(t, errors.As(err, &te), "got %v", err)
		})
	}
}

func TestApply_StartNeedsApproval(t *testing.T) {
	for _, approval := range []model.ApprovalStatus{model.ApprovalPending, model.ApprovalRejected, model.ApprovalPostponed} {
		t.Run(string(approval), func(t *testing.T) {
			v := draft()
			v.VisitStatus = model.VisitScheduled
			v.ApprovalStatus = approval

			_, err := Apply(v, Command{Action: ActionStart, Location: &model.Location{}}, now)
			var te *TransitionError
			assert.True(t, errors.As(err, &te))
		})
	}
}

func TestApply_ReconsiderAfterRejectOrPostpone(t *testing.T) {
	v := mustApply(t, draft(), Command{Action: ActionSubmit, Actor: "mgr-1"})
	v = mustApply(t, v, Command{Action: ActionReject, Actor: "mgr-1", Reason: "clashes with vaccination"})
	assert.Equal(t, model.ApprovalRejected, v.ApprovalStatus)
	assert.Equal(t, "clashes with vaccination", v.ApprovalNote)

	newDate := now.AddDate(0, 0, 21)
	v = mustApply(t, v, Command{Action: ActionPostpone, Actor: "mgr-1", PostponedDate: &newDate})
	assert.Equal(t, model.ApprovalPostponed, v.ApprovalStatus)
	assert.Equal(t, newDate, v.ProposedDate)

	v = mustApply(t, v, Command{Action: ActionApprove, Actor: "mgr-1"})
	assert.Equal(t, model.ApprovalApproved, v.ApprovalStatus)
}

func TestApply_Preconditions(t *testing.T) {
	submitted := mustApply(t, draft(), Command{Action: ActionSubmit, Actor: "mgr-1"})

	t.Run("reject without reason", func(t *testing.T) {
		_, err := Apply(submitted, Command{Action: ActionReject, Actor: "mgr-1"}, now)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, []string{"Reason"}, pe.Fields)
	})

	t.Run("postpone without date", func(t *testing.T) {
		_, err := Apply(submitted, Command{Action: ActionPostpone, Actor: "mgr-1"}, now)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, []string{"PostponedDate"}, pe.Fields)
	})

	t.Run("start without location", func(t *testing.T) {
		_, err := Apply(approved(t), Command{Action: ActionStart}, now)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, []string{"Location"}, pe.Fields)
	})

	t.Run("start uses recorded location", func(t *testing.T) {
		v := approved(t)
		v.Location = &model.Location{Latitude: 1, Longitude: 2}
		_, err := Apply(v, Command{Action: ActionStart}, now)
		assert.NoError(t, err)
	})

	t.Run("complete lists every missing field", func(t *testing.T) {
		v := approved(t)
		v.VisitStatus = model.VisitInProgress
		_, err := Apply(v, Command{Action: ActionComplete}, now)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, []string{"ActualVisitDate", "VisitSummary"}, pe.Fields)
	})

	t.Run("submit incomplete draft", func(t *testing.T) {
		v := draft()
		v.FarmID = ""
		v.ProposedDate = time.Time{}
		_, err := Apply(v, Command{Action: ActionSubmit, Actor: "mgr-1"}, now)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, []string{"FarmID", "ProposedDate"}, pe.Fields)
	})
}

func TestApply_OnlyAssignedApprover(t *testing.T) {
	submitted := mustApply(t, draft(), Command{Action: ActionSubmit, Actor: "mgr-1"})

	_, err := Apply(submitted, Command{Action: ActionApprove, Actor: "someone-else"}, now)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "not the assigned approver")
}

func TestApply_StatusesCompareNormalized(t *testing.T) {
	v := draft()
	v.VisitStatus = "in_progress"
	v.ApprovalStatus = "APPROVED"
	v.Location = &model.Location{}
	started := now
	v.ActualVisitDate = &started

	assert.True(t, Allowed(v, ActionComplete))
	next, err := Apply(v, Command{Action: ActionComplete, VisitSummary: "ok"}, now)
	require.NoError(t, err)
	assert.Equal(t, model.VisitCompleted, next.VisitStatus)
}

func TestCheckInvariants(t *testing.T) {
	started := now

	tests := []struct {
		name   string
		mutate func(v *model.Visit)
	}{
		{"unknown visit status", func(v *model.Visit) { v.VisitStatus = "Archived" }},
		{"unknown approval status", func(v *model.Visit) { v.ApprovalStatus = "Maybe" }},
		{"actual date on scheduled visit", func(v *model.Visit) {
			v.VisitStatus = model.VisitScheduled
			v.ApprovalStatus = model.ApprovalApproved
			v.ActualVisitDate = &started
		}},
		{"in progress without location", func(v *model.Visit) {
			v.VisitStatus = model.VisitInProgress
			v.ActualVisitDate = &started
		}},
		{"completed without summary", func(v *model.Visit) {
			v.VisitStatus = model.VisitCompleted
			v.Location = &model.Location{}
			v.ActualVisitDate = &started
		}},
		{"draft with approval", func(v *model.Visit) { v.ApprovalStatus = model.ApprovalPending }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := draft()
			tt.mutate(&v)
			assert.Error(t, CheckInvariants(v))
		})
	}

	assert.NoError(t, CheckInvariants(draft()))
}

func TestApply_ApproveScheduledWithoutPendingMarker(t *testing.T) {
	v := draft()
	v.VisitStatus = model.VisitScheduled
	v.ApprovalStatus = model.ApprovalNone

	next := mustApply(t, v, Command{Action: ActionApprove, Actor: "mgr-1"})
	assert.Equal(t, model.ApprovalApproved, next.ApprovalStatus)
}

func TestAllowed_MatchesCanApprove(t *testing.T) {
	approvals := []model.ApprovalStatus{
		"", model.ApprovalNone, model.ApprovalPending, model.ApprovalApproved,
		model.ApprovalRejected, model.ApprovalPostponed, "Maybe",
	}
	statuses := []model.VisitStatus{
		model.VisitDraft, model.VisitScheduled, model.VisitInProgress,
		model.VisitCompleted, model.VisitCancelled, "Pending Approval",
	}

	for _, status := range statuses {
		for _, approval := range approvals {
			v := draft()
			v.VisitStatus = status
			v.ApprovalStatus = approval

			for _, action := range []Action{ActionApprove, ActionReject, ActionPostpone} {
				assert.Equal(t, rules.CanApprove(v), Allowed(v, action),
					"%s on %s/%s", action, status, approval)
			}
		}
	}
}
