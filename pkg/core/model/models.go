package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// VisitStatus is the position of a visit in the physical process
type VisitStatus string

const (
	VisitDraft      VisitStatus = "Draft"
	VisitScheduled  VisitStatus = "Scheduled"
	VisitInProgress VisitStatus = "InProgress"
	VisitCompleted  VisitStatus = "Completed"
	VisitCancelled  VisitStatus = "Cancelled"
)

// ApprovalStatus is the manager sign-off outcome, orthogonal to VisitStatus
type ApprovalStatus string

const (
	ApprovalNone      ApprovalStatus = "None"
	ApprovalPending   ApprovalStatus = "Pending"
	ApprovalApproved  ApprovalStatus = "Approved"
	ApprovalRejected  ApprovalStatus = "Rejected"
	ApprovalPostponed ApprovalStatus = "Postponed"
)

// FarmType selects which detail form a visit is filled with
type FarmType string

const (
	FarmDairy   FarmType = "DAIRY"
	FarmLayer   FarmType = "LAYER"
	FarmBroiler FarmType = "BROILER"
)

var visitStatuses = []VisitStatus{VisitDraft, VisitScheduled, VisitInProgress, VisitCompleted, VisitCancelled}

var approvalStatuses = []ApprovalStatus{ApprovalNone, ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalPostponed}

var farmTypes = []FarmType{FarmDairy, FarmLayer, FarmBroiler}

// NormalizeStatus strips everything but letters and digits and lower-cases the rest,
// so "In Progress", "in_progress" and "InProgress" compare equal
func NormalizeStatus(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ParseVisitStatus maps a backend value onto a VisitStatus
func ParseVisitStatus(s string) (VisitStatus, bool) {
	n := NormalizeStatus(s)
	if n == "canceled" {
		return VisitCancelled, true
	}
	for _, st := range visitStatuses {
		if NormalizeStatus(string(st)) == n {
			return st, true
		}
	}
	return "", false
}

// ParseApprovalStatus maps a backend value onto an ApprovalStatus. Empty means None.
func ParseApprovalStatus(s string) (ApprovalStatus, bool) {
	n := NormalizeStatus(s)
	if n == "" {
		return ApprovalNone, true
	}
	for _, st := range approvalStatuses {
		if NormalizeStatus(string(st)) == n {
			return st, true
		}
	}
	return "", false
}

// ParseFarmType maps a backend value onto a FarmType
func ParseFarmType(s string) (FarmType, bool) {
	n := NormalizeStatus(s)
	for _, ft := range farmTypes {
		if NormalizeStatus(string(ft)) == n {
			return ft, true
		}
	}
	return "", false
}

func (s VisitStatus) IsValid() bool {
	_, ok := ParseVisitStatus(string(s))
	return ok && s != ""
}

// Is compares two statuses after normalisation, so "Canceled" is Cancelled
func (s VisitStatus) Is(other VisitStatus) bool {
	return s.canonical() == other.canonical()
}

func (s VisitStatus) canonical() string {
	if st, ok := ParseVisitStatus(string(s)); ok {
		return string(st)
	}
	return NormalizeStatus(string(s))
}

// IsTerminal reports whether no further transition may leave this status
func (s VisitStatus) IsTerminal() bool {
	return s.Is(VisitCompleted) || s.Is(VisitCancelled)
}

func (s ApprovalStatus) IsValid() bool {
	_, ok := ParseApprovalStatus(string(s))
	return ok
}

func (s ApprovalStatus) Is(other ApprovalStatus) bool {
	a, _ := ParseApprovalStatus(string(s))
	b, _ := ParseApprovalStatus(string(other))
	return a == b
}

func (f FarmType) IsValid() bool {
	_, ok := ParseFarmType(string(f))
	return ok
}

// Location is the geocoordinate recorded for a visit
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ParseLocation parses "lat,lng" (e.g. "9.03,38.74")
func ParseLocation(s string) (*Location, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("location must be \"lat,lng\", got %q", s)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, fmt.Errorf("location %q out of range", s)
	}

	return &Location{Latitude: lat, Longitude: lng}, nil
}

func (l Location) String() string {
	return strconv.FormatFloat(l.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', -1, 64)
}

// Visit is the client's cached copy of a schedule/visit record.
// The backing store owns the authoritative copy.
type Visit struct {
	ScheduleID       string         `json:"ScheduleID"`
	AdvisorID        string         `json:"AdvisorID"`
	FarmID           string         `json:"FarmID"`
	ManagerID        string         `json:"ManagerID,omitempty"`
	FarmType         FarmType       `json:"FarmType"`
	ProposedDate     time.Time      `json:"ProposedDate"`
	Location         *Location      `json:"Location,omitempty"`
	VisitPurpose     string         `json:"VisitPurpose"`
	IsUrgent         bool           `json:"IsUrgent"`
	VisitStatus      VisitStatus    `json:"VisitStatus"`
	ApprovalStatus   ApprovalStatus `json:"ApprovalStatus"`
	ApprovalNote     string         `json:"ApprovalNote,omitempty"`
	ActualVisitDate  *time.Time     `json:"ActualVisitDate,omitempty"`
	VisitSummary     string         `json:"VisitSummary,omitempty"`
	NextFollowUpDate *time.Time     `json:"NextFollowUpDate,omitempty"`
	FollowUpNote     string         `json:"FollowUpNote,omitempty"`
	StartedBy        string         `json:"StartedBy,omitempty"`
	CompletedBy      string         `json:"CompletedBy,omitempty"`
	FormFilled       bool           `json:"FormFilled"`
	Deleted          bool           `json:"Deleted,omitempty"`
	UpdatedAt        time.Time      `json:"UpdatedAt"`
}

// HasLocation reports whether a location has been recorded on the visit
func (v Visit) HasLocation() bool {
	return v.Location != nil
}

// FillState is the local reconciliation flag for a visit
type FillState int

const (
	FillNone FillState = iota
	FillRecent
	FillConfirmed
)

func (s FillState) String() string {
	switch s {
	case FillRecent:
		return "recentlyFilled"
	case FillConfirmed:
		return "confirmedFilled"
	default:
		return "none"
	}
}

// Clone returns a copy that shares no pointers with v
func (v Visit) Clone() Visit {
	out := v
	if v.Location != nil {
		loc := *v.Location
		out.Location = &loc
	}
	out.ActualVisitDate = cloneTime(v.ActualVisitDate)
	out.NextFollowUpDate = cloneTime(v.NextFollowUpDate)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
