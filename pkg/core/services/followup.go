package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// NextFollowUp returns the first occurrence of rule strictly after the given
// time, or nil if rule is empty or has no later occurrence
func NextFollowUp(rule string, after time.Time) (*time.Time, error) {
	if strings.TrimSpace(rule) == "" {
		return nil, nil
	}

	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse follow-up rule: %w", err)
	}

	// Anchor the recurrence on the visit itself
	r.DTStart(after)

	next := r.After(after, false)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
