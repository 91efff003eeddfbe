package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/projection"
	"github.com/jakechorley/farm-visits/pkg/core/services"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

// parseDate accepts RFC 3339, "2006-01-02T15:04" or a bare date (UTC midnight)
func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD or RFC 3339)", s)
}

// fail logs the underlying error and returns the message a user should see
func fail(app *AppContext, err error) error {
	app.Logger.Debug("Command failed", zap.Error(err))
	return errors.New(services.UserMessage(err))
}

func statusColor(v model.Visit) string {
	switch {
	case v.VisitStatus.Is(model.VisitCompleted):
		return colorGreen
	case v.VisitStatus.Is(model.VisitCancelled):
		return colorDim
	case v.VisitStatus.Is(model.VisitInProgress):
		return colorCyan
	case v.ApprovalStatus.Is(model.ApprovalRejected):
		return colorRed
	case v.ApprovalStatus.Is(model.ApprovalPending), v.ApprovalStatus.Is(model.ApprovalPostponed):
		return colorYellow
	default:
		return ""
	}
}

// actions lists the enabled actions for a row, e.g. "edit,submit"
func actions(r projection.Row) string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(r.CanEdit, "edit")
	add(r.CanSubmit, "submit")
	add(r.CanApprove, "approve")
	add(r.CanStart, "start")
	add(r.CanFill, "fill")
	add(r.CanComplete, "complete")
	add(r.CanCancel, "cancel")
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

func printRows(w io.Writer, rows []projection.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No visits found.")
		return
	}

	fmt.Fprintf(w, "\nFound %d visits:\n\n", len(rows))
	fmt.Fprintf(w, "%-38s %-12s %-8s %-11s %-12s %-10s %-6s %s\n",
		"ID", "FARM", "TYPE", "DATE", "STATUS", "APPROVAL", "FORM", "ACTIONS")

	for _, r := range rows {
		v := r.Visit
		form := "-"
		switch {
		case v.FormFilled:
			form = "filled"
		case r.FillState == model.FillRecent:
			form = "saving"
		}
		urgent := ""
		if v.IsUrgent {
			urgent = " !"
		}

		color := statusColor(v)
		reset := ""
		if color != "" {
			reset = colorReset
		}
		fmt.Fprintf(w, "%-38s %-12s %-8s %-11s %s%-12s %-10s%s %-6s %s%s\n",
			v.ScheduleID,
			v.FarmID,
			v.FarmType,
			v.ProposedDate.Format("2006-01-02"),
			color, v.VisitStatus, v.ApprovalStatus, reset,
			form,
			actions(r),
			urgent,
		)
	}
	fmt.Fprintln(w)
}

func printVisit(w io.Writer, v model.Visit) {
	fmt.Fprintf(w, "\nVisit %s\n\n", v.ScheduleID)
	fmt.Fprintf(w, "  Farm:          %s (%s)\n", v.FarmID, v.FarmType)
	fmt.Fprintf(w, "  Advisor:       %s\n", v.AdvisorID)
	if v.ManagerID != "" {
		fmt.Fprintf(w, "  Manager:       %s\n", v.ManagerID)
	}
	fmt.Fprintf(w, "  Proposed date: %s\n", v.ProposedDate.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "  Purpose:       %s\n", v.VisitPurpose)
	if v.IsUrgent {
		fmt.Fprintf(w, "  Urgent:        yes\n")
	}
	fmt.Fprintf(w, "  Status:        %s%s%s / %s\n", statusColor(v), v.VisitStatus, colorReset, v.ApprovalStatus)
	if v.ApprovalNote != "" {
		fmt.Fprintf(w, "  Note:          %s\n", v.ApprovalNote)
	}
	if v.Location != nil {
		fmt.Fprintf(w, "  Location:      %s\n", v.Location)
	}
	if v.ActualVisitDate != nil {
		fmt.Fprintf(w, "  Visited:       %s\n", v.ActualVisitDate.Format("2006-01-02 15:04"))
	}
	if v.StartedBy != "" {
		fmt.Fprintf(w, "  Started by:    %s\n", v.StartedBy)
	}
	if v.VisitSummary != "" {
		fmt.Fprintf(w, "  Summary:       %s\n", v.VisitSummary)
	}
	if v.CompletedBy != "" {
		fmt.Fprintf(w, "  Completed by:  %s\n", v.CompletedBy)
	}
	if v.NextFollowUpDate != nil {
		fmt.Fprintf(w, "  Follow-up:     %s\n", v.NextFollowUpDate.Format("2006-01-02"))
	}
	if v.FollowUpNote != "" {
		fmt.Fprintf(w, "  Follow-up note: %s\n", v.FollowUpNote)
	}
	fmt.Fprintf(w, "  Form filled:   %t\n", v.FormFilled)
}

func printDetail(w io.Writer, d *model.DetailRecord) {
	if d.IsEmpty() {
		fmt.Fprintf(w, "\n  %sNo form filled yet%s\n\n", colorDim, colorReset)
		return
	}

	fmt.Fprintf(w, "\n  Form %s\n", d.DetailID)
	if l := d.Layer; l != nil {
		fmt.Fprintf(w, "    Flock size:        %d (age %d weeks, mortality %d)\n", l.FlockSize, l.BirdAgeWeeks, l.Mortality)
		fmt.Fprintf(w, "    Egg production:    %.1f%%\n", l.EggProductionPercent)
		fmt.Fprintf(w, "    Feed / water:      %.0f g / %.1f l\n", l.FeedIntakeGrams, l.WaterIntakeLitres)
		fmt.Fprintf(w, "    Biosecurity score: %d/10\n", l.BiosecurityScore)
		if l.Observations != "" {
			fmt.Fprintf(w, "    Observations:      %s\n", l.Observations)
		}
	}
	if dv := d.Dairy; dv != nil {
		fmt.Fprintf(w, "    Herd:              %d (%d milking)\n", dv.HerdSize, dv.MilkingCows)
		fmt.Fprintf(w, "    Milk yield:        %.1f l\n", dv.MilkYieldLitres)
		if dv.BodyConditionScore > 0 {
			fmt.Fprintf(w, "    Body condition:    %.1f\n", dv.BodyConditionScore)
		}
		fmt.Fprintf(w, "    Mastitis cases:    %d\n", dv.MastitisCases)
		if dv.FeedType != "" {
			fmt.Fprintf(w, "    Feed type:         %s\n", dv.FeedType)
		}
		if dv.Observations != "" {
			fmt.Fprintf(w, "    Observations:      %s\n", dv.Observations)
		}
	}
	if d.Recommendations != "" {
		fmt.Fprintf(w, "    Recommendations:   %s\n", d.Recommendations)
	}
	fmt.Fprintln(w)
}
