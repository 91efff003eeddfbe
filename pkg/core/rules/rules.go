// Package rules holds the pure predicates that gate user actions on a visit.
// Every predicate is total: absent fields count as "condition not met".
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// FlagSource exposes the local reconciliation flag for a visit
type FlagSource interface {
	FillState(scheduleID string) model.FillState
}

// CompleteDraft is the pending local completion form
type CompleteDraft struct {
	ActualVisitDate *time.Time
	VisitSummary    string
}

// Readiness is the outcome of a multi-condition check.
// Reasons lists every unmet precondition, not just the first.
type Readiness struct {
	Ready   bool
	Reasons []string
}

// CanEdit is false once the visit has been approved
func CanEdit(v model.Visit) bool {
	return !v.ApprovalStatus.Is(model.ApprovalApproved)
}

// CanSubmit is true only for drafts
func CanSubmit(v model.Visit) bool {
	return v.VisitStatus.Is(model.VisitDraft)
}

// CanApprove is true for scheduled visits that are not yet approved.
// An unrecognised approval status counts as not approvable.
func CanApprove(v model.Visit) bool {
	return v.VisitStatus.Is(model.VisitScheduled) &&
		v.ApprovalStatus.IsValid() &&
		!v.ApprovalStatus.Is(model.ApprovalApproved)
}

// CanStart is true for approved visits that have not started
func CanStart(v model.Visit) bool {
	return v.VisitStatus.Is(model.VisitScheduled) && v.ApprovalStatus.Is(model.ApprovalApproved)
}

// CanFill is true for approved visits that are not completed, not already filled
// and have no outstanding local reconciliation flag. flags may be nil.
func CanFill(v model.Visit, flags FlagSource) bool {
	if v.VisitStatus.Is(model.VisitCompleted) || v.VisitStatus.Is(model.VisitCancelled) {
		return false
	}
	if v.FormFilled {
		return false
	}
	if flags != nil && v.ScheduleID != "" && flags.FillState(v.ScheduleID) != model.FillNone {
		return false
	}
	return v.ApprovalStatus.Is(model.ApprovalApproved)
}

// ValidateCompleteRequirements checks a visit and its pending completion form.
// draft may be nil.
func ValidateCompleteRequirements(v model.Visit, draft *CompleteDraft) Readiness {
	var reasons []string

	if !v.VisitStatus.Is(model.VisitInProgress) {
		current := string(v.VisitStatus)
		if current == "" {
			current = "unknown"
		}
		reasons = append(reasons, fmt.Sprintf("visit must be in progress to complete (current status: %s)", current))
	}

	hasActualDate := v.ActualVisitDate != nil && !v.ActualVisitDate.IsZero()
	if draft != nil && draft.ActualVisitDate != nil && !draft.ActualVisitDate.IsZero() {
		hasActualDate = true
	}
	if !hasActualDate {
		reasons = append(reasons, "actual visit date is required")
	}

	if draft == nil || strings.TrimSpace(draft.VisitSummary) == "" {
		reasons = append(reasons, "visit summary is required")
	}

	return Readiness{Ready: len(reasons) == 0, Reasons: reasons}
}

// CanCancel is true for visits that have not started
func CanCancel(v model.Visit) bool {
	return v.VisitStatus.Is(model.VisitDraft) || v.VisitStatus.Is(model.VisitScheduled)
}
