// Package projection combines the last authoritative visit list with the local
// reconciliation flags and client-side filters into the rows that are shown.
package projection

import (
	"errors"
	"sync"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/rules"
)

// ErrNotInList is returned by Merge when the visit is not in the current list
var ErrNotInList = errors.New("visit not in list")

// FlagStore is the reconciliation flag set seen by the projection
type FlagStore interface {
	FillState(scheduleID string) model.FillState
	Handoff(scheduleID string) bool
}

// LocalFilter narrows the server result without a round trip. Empty fields match everything.
type LocalFilter struct {
	ApprovalStatus model.ApprovalStatus
	VisitStatus    model.VisitStatus
}

// Matches compares statuses after normalisation
func (f LocalFilter) Matches(v model.Visit) bool {
	if f.ApprovalStatus != "" && !v.ApprovalStatus.Is(f.ApprovalStatus) {
		return false
	}
	if f.VisitStatus != "" && !v.VisitStatus.Is(f.VisitStatus) {
		return false
	}
	return true
}

// Row is one rendered visit with the actions currently open to it
type Row struct {
	Visit       model.Visit
	FillState   model.FillState
	CanEdit     bool
	CanSubmit   bool
	CanApprove  bool
	CanStart    bool
	CanFill     bool
	CanComplete bool
	CanCancel   bool
}

// List holds the authoritative visits in server order
type List struct {
	mu     sync.RWMutex
	flags  FlagStore
	order  []string
	visits map[string]model.Visit
	filter LocalFilter
}

// New creates an empty list reading flags from flags
func New(flags FlagStore) *List {
	return &List{
		flags:  flags,
		visits: make(map[string]model.Visit),
	}
}

// Replace swaps in a freshly fetched list. Confirmed flags for visits the
// list now shows as filled are handed off.
func (l *List) Replace(visits []model.Visit) {
	l.mu.Lock()
	l.order = make([]string, 0, len(visits))
	l.visits = make(map[string]model.Visit, len(visits))
	for _, v := range visits {
		if _, dup := l.visits[v.ScheduleID]; !dup {
			l.order = append(l.order, v.ScheduleID)
		}
		l.visits[v.ScheduleID] = v.Clone()
	}
	l.mu.Unlock()

	for _, v := range visits {
		l.handoff(v)
	}
}

// Merge replaces a single visit by id
func (l *List) Merge(v model.Visit) error {
	l.mu.Lock()
	if _, ok := l.visits[v.ScheduleID]; !ok {
		l.mu.Unlock()
		return ErrNotInList
	}
	l.visits[v.ScheduleID] = v.Clone()
	l.mu.Unlock()

	l.handoff(v)
	return nil
}

// Upsert merges v, appending it if it is not yet listed
func (l *List) Upsert(v model.Visit) {
	l.mu.Lock()
	if _, ok := l.visits[v.ScheduleID]; !ok {
		l.order = append(l.order, v.ScheduleID)
	}
	l.visits[v.ScheduleID] = v.Clone()
	l.mu.Unlock()

	l.handoff(v)
}

// Remove drops a visit from the list
func (l *List) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.visits[id]; !ok {
		return
	}
	delete(l.visits, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Get returns the listed visit with id
func (l *List) Get(id string) (model.Visit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v, ok := l.visits[id]
	if !ok {
		return model.Visit{}, false
	}
	return v.Clone(), true
}

// Visits returns every listed visit in server order, unfiltered
func (l *List) Visits() []model.Visit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Visit, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.visits[id].Clone())
	}
	return out
}

// Len is the unfiltered number of visits
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// SetFilter changes the local filter
func (l *List) SetFilter(f LocalFilter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

// Filter returns the local filter
func (l *List) Filter() LocalFilter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filter
}

// Rows computes the visible rows. Nothing is cached: flags, filter and list
// are read fresh on every call so a change to any of them shows up at once.
func (l *List) Rows() []Row {
	l.mu.RLock()
	visits := make([]model.Visit, 0, len(l.order))
	for _, id := range l.order {
		v := l.visits[id]
		if l.filter.Matches(v) {
			visits = append(visits, v.Clone())
		}
	}
	l.mu.RUnlock()

	rows := make([]Row, 0, len(visits))
	for _, v := range visits {
		rows = append(rows, l.row(v))
	}
	return rows
}

func (l *List) row(v model.Visit) Row {
	var state model.FillState
	var flags rules.FlagSource
	if l.flags != nil {
		state = l.flags.FillState(v.ScheduleID)
		flags = l.flags
	}

	return Row{
		Visit:       v,
		FillState:   state,
		CanEdit:     rules.CanEdit(v) && !v.VisitStatus.IsTerminal(),
		CanSubmit:   rules.CanSubmit(v),
		CanApprove:  rules.CanApprove(v),
		CanStart:    rules.CanStart(v),
		CanFill:     rules.CanFill(v, flags),
		CanComplete: v.VisitStatus.Is(model.VisitInProgress),
		CanCancel:   rules.CanCancel(v),
	}
}

func (l *List) handoff(v model.Visit) {
	if l.flags != nil && v.FormFilled {
		l.flags.Handoff(v.ScheduleID)
	}
}
