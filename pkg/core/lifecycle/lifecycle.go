// Package lifecycle defines the visit status state machine.
// VisitStatus and ApprovalStatus are kept as two independent axes: approval
// outcomes never change VisitStatus and VisitStatus is never inferred from approval.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// Action is a user action that may move a visit between states
type Action string

const (
	ActionSubmit   Action = "Submit"
	ActionApprove  Action = "Approve"
	ActionReject   Action = "Reject"
	ActionPostpone Action = "Postpone"
	ActionStart    Action = "Start"
	ActionComplete Action = "Complete"
	ActionCancel   Action = "Cancel"
)

// Command carries an action and the inputs its precondition needs
type Command struct {
	Action           Action
	Actor            string
	Reason           string
	PostponedDate    *time.Time
	Location         *model.Location
	ActualVisitDate  *time.Time
	VisitSummary     string
	NextFollowUpDate *time.Time
	FollowUpNote     string
}

// TransitionError is returned when an action is not legal from the visit's current state
type TransitionError struct {
	Action   Action
	From     model.VisitStatus
	Approval model.ApprovalStatus
	Reason   string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s visit in status %s (approval %s)", strings.ToLower(string(e.Action)), e.From, e.Approval)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PreconditionError lists every field an otherwise legal transition is missing
type PreconditionError struct {
	Action Action
	Fields []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s visit: missing %s", strings.ToLower(string(e.Action)), strings.Join(e.Fields, ", "))
}

type transition struct {
	from     []model.VisitStatus
	approval []model.ApprovalStatus // nil accepts any approval status
	to       model.VisitStatus
	require  func(v model.Visit, cmd Command) []string
	apply    func(v *model.Visit, cmd Command, now time.Time)
}

// undecided is every approval state a manager may still decide on. None is
// included for services that leave a submitted visit without a Pending marker.
var undecided = []model.ApprovalStatus{model.ApprovalNone, model.ApprovalPending, model.ApprovalRejected, model.ApprovalPostponed}

var transitions = map[Action]transition{
	ActionSubmit: {
		from: []model.VisitStatus{model.VisitDraft},
		to:   model.VisitScheduled,
		require: func(v model.Visit, cmd Command) []string {
			var missing []string
			if v.AdvisorID == "" {
				missing = append(missing, "AdvisorID")
			}
			if v.FarmID == "" {
				missing = append(missing, "FarmID")
			}
			if !v.FarmType.IsValid() {
				missing = append(missing, "FarmType")
			}
			if v.ProposedDate.IsZero() {
				missing = append(missing, "ProposedDate")
			}
			if cmd.Actor == "" && v.ManagerID == "" {
				missing = append(missing, "ManagerID")
			}
			return missing
		},
		apply: func(v *model.Visit, cmd Command, _ time.Time) {
			if cmd.Actor != "" {
				v.ManagerID = cmd.Actor
			}
			v.ApprovalStatus = model.ApprovalPending
			v.ApprovalNote = ""
		},
	},
	ActionApprove: {
		from:     []model.VisitStatus{model.VisitScheduled},
		approval: undecided,
		to:       model.VisitScheduled,
		require: func(v model.Visit, cmd Command) []string {
			if cmd.Actor == "" {
				return []string{"ApproverID"}
			}
			return nil
		},
		apply: func(v *model.Visit, cmd Command, _ time.Time) {
			v.ManagerID = cmd.Actor
			v.ApprovalStatus = model.ApprovalApproved
			v.ApprovalNote = cmd.Reason
		},
	},
	ActionReject: {
		from:     []model.VisitStatus{model.VisitScheduled},
		approval: undecided,
		to:       model.VisitScheduled,
		require: func(v model.Visit, cmd Command) []string {
			var missing []string
			if cmd.Actor == "" {
				missing = append(missing, "ApproverID")
			}
			if strings.TrimSpace(cmd.Reason) == "" {
				missing = append(missing, "Reason")
			}
			return missing
		},
		apply: func(v *model.Visit, cmd Command, _ time.Time) {
			v.ManagerID = cmd.Actor
			v.ApprovalStatus = model.ApprovalRejected
			v.ApprovalNote = cmd.Reason
		},
	},
	ActionPostpone: {
		from:     []model.VisitStatus{model.VisitScheduled},
		approval: undecided,
		to:       model.VisitScheduled,
		require: func(v model.Visit, cmd Command) []string {
			var missing []string
			if cmd.Actor == "" {
				missing = append(missing, "ApproverID")
			}
			if cmd.PostponedDate == nil || cmd.PostponedDate.IsZero() {
				missing = append(missing, "PostponedDate")
			}
			return missing
		},
		apply: func(v *model.Visit, cmd Command, _ time.Time) {
			v.ManagerID = cmd.Actor
			v.ApprovalStatus = model.ApprovalPostponed
			v.ApprovalNote = cmd.Reason
			v.ProposedDate = *cmd.PostponedDate
		},
	},
	ActionStart: {
		from:     []model.VisitStatus{model.VisitScheduled},
		approval: []model.ApprovalStatus{model.ApprovalApproved},
		to:       model.VisitInProgress,
		require: func(v model.Visit, cmd Command) []string {
			if cmd.Location == nil && v.Location == nil {
				return []string{"Location"}
			}
			return nil
		},
		apply: func(v *model.Visit, cmd Command, now time.Time) {
			if cmd.Location != nil {
				loc := *cmd.Location
				v.Location = &loc
			}
			started := now
			v.ActualVisitDate = &started
			v.StartedBy = cmd.Actor
		},
	},
	ActionComplete: {
		from: []model.VisitStatus{model.VisitInProgress},
		to:   model.VisitCompleted,
		require: func(v model.Visit, cmd Command) []string {
			var missing []string
			if cmd.ActualVisitDate == nil && v.ActualVisitDate == nil {
				missing = append(missing, "ActualVisitDate")
			}
			if strings.TrimSpace(cmd.VisitSummary) == "" && strings.TrimSpace(v.VisitSummary) == "" {
				missing = append(missing, "VisitSummary")
			}
			return missing
		},
		apply: func(v *model.Visit, cmd Command, _ time.Time) {
			if cmd.ActualVisitDate != nil {
				d := *cmd.ActualVisitDate
				v.ActualVisitDate = &d
			}
			if strings.TrimSpace(cmd.VisitSummary) != "" {
				v.VisitSummary = cmd.VisitSummary
			}
			if cmd.NextFollowUpDate != nil {
				d := *cmd.NextFollowUpDate
				v.NextFollowUpDate = &d
			}
			if cmd.FollowUpNote != "" {
				v.FollowUpNote = cmd.FollowUpNote
			}
			v.CompletedBy = cmd.Actor
		},
	},
	ActionCancel: {
		from: []model.VisitStatus{model.VisitDraft, model.VisitScheduled},
		to:   model.VisitCancelled,
		apply: func(v *model.Visit, cmd Command, _ time.Time) {
			if cmd.Reason != "" {
				v.ApprovalNote = cmd.Reason
			}
		},
	},
}

// Allowed reports whether action is legal from the visit's current state,
// ignoring the inputs the action would need
func Allowed(v model.Visit, action Action) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	return t.accepts(v)
}

// Apply returns a copy of v with the command applied, or an error if the
// transition is illegal or its preconditions are not met. v itself is never modified.
func Apply(v model.Visit, cmd Command, now time.Time) (model.Visit, error) {
	t, ok := transitions[cmd.Action]
	if !ok {
		return v, fmt.Errorf("unknown action %q", cmd.Action)
	}

	if !t.accepts(v) {
		return v, &TransitionError{Action: cmd.Action, From: v.VisitStatus, Approval: v.ApprovalStatus}
	}

	if cmd.Action == ActionApprove && v.ManagerID != "" && cmd.Actor != "" && cmd.Actor != v.ManagerID {
		return v, &TransitionError{
			Action:   cmd.Action,
			From:     v.VisitStatus,
			Approval: v.ApprovalStatus,
			Reason:   fmt.Sprintf("%s is not the assigned approver", cmd.Actor),
		}
	}

	if t.require != nil {
		if missing := t.require(v, cmd); len(missing) > 0 {
			return v, &PreconditionError{Action: cmd.Action, Fields: missing}
		}
	}

	next := v
	if t.apply != nil {
		t.apply(&next, cmd, now)
	}
	next.VisitStatus = t.to
	next.UpdatedAt = now

	return next, nil
}

func (t transition) accepts(v model.Visit) bool {
	fromOK := false
	for _, s := range t.from {
		if v.VisitStatus.Is(s) {
			fromOK = true
			break
		}
	}
	if !fromOK {
		return false
	}

	if t.approval == nil {
		return true
	}
	for _, a := range t.approval {
		if v.ApprovalStatus.Is(a) {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the structural invariants every stored visit must satisfy
func CheckInvariants(v model.Visit) error {
	if !v.VisitStatus.IsValid() {
		return fmt.Errorf("invalid visit status %q", v.VisitStatus)
	}
	if !v.ApprovalStatus.IsValid() {
		return fmt.Errorf("invalid approval status %q", v.ApprovalStatus)
	}

	executing := v.VisitStatus.Is(model.VisitCompleted) || v.VisitStatus.Is(model.VisitInProgress)
	if v.ActualVisitDate != nil && !executing {
		return fmt.Errorf("actual visit date set on %s visit", v.VisitStatus)
	}
	if v.ActualVisitDate == nil && executing {
		return fmt.Errorf("%s visit has no actual visit date", v.VisitStatus)
	}

	if v.VisitStatus.Is(model.VisitInProgress) && v.Location == nil {
		return fmt.Errorf("in-progress visit has no location")
	}
	if v.VisitStatus.Is(model.VisitCompleted) && strings.TrimSpace(v.VisitSummary) == "" {
		return fmt.Errorf("completed visit has no summary")
	}
	if v.VisitStatus.Is(model.VisitDraft) && !v.ApprovalStatus.Is(model.ApprovalNone) {
		return fmt.Errorf("draft visit has approval status %s", v.ApprovalStatus)
	}

	return nil
}
