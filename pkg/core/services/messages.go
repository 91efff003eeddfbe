package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jakechorley/farm-visits/pkg/core/lifecycle"
	"github.com/jakechorley/farm-visits/pkg/core/reconcile"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

// UserMessage converts any failure from a session call into one display string
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		missing     *gateway.MissingFieldError
		invalid     *gateway.ValidationError
		notFound    *gateway.NotFoundError
		network     *gateway.NetworkError
		apiErr      *gateway.APIError
		action      *ActionError
		notReady    *NotReadyError
		notFillable *reconcile.NotFillableError
		transition  *lifecycle.TransitionError
		precond     *lifecycle.PreconditionError
	)

	switch {
	case errors.As(err, &missing):
		return fmt.Sprintf("Please provide %s.", fieldLabel(missing.Field))
	case errors.As(err, &invalid):
		if len(invalid.Fields) == 0 {
			return "Please check the form: " + invalid.Error()
		}
		return "Please check the form: " + gateway.FlattenFields(invalid.Fields)
	case errors.As(err, &notFound):
		return "This visit no longer exists. The list has been refreshed."
	case errors.As(err, &notReady):
		return "Cannot complete yet: " + strings.Join(notReady.Reasons, "; ")
	case errors.As(err, &notFillable):
		return "This visit cannot be filled: " + notFillable.Reason
	case errors.As(err, &action):
		return "Not allowed: " + action.Reason
	case errors.As(err, &transition):
		return "Not allowed: " + transition.Error()
	case errors.As(err, &precond):
		return "Please provide " + strings.Join(precond.Fields, ", ") + "."
	case errors.Is(err, reconcile.ErrFillInProgress):
		return "The form for this visit is still being saved. Please wait."
	case errors.Is(err, ErrCreateInProgress):
		return "A visit is already being created. Please wait."
	case errors.Is(err, reconcile.ErrClosed):
		return "The session has ended. Please sign in again."
	case errors.As(err, &network), errors.Is(err, context.DeadlineExceeded):
		return "Could not reach the visit service. Check your connection and try again."
	case errors.As(err, &apiErr):
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("The visit service returned an error (status %d).", apiErr.Status)
	default:
		return "Something went wrong: " + err.Error()
	}
}

func fieldLabel(field string) string {
	switch field {
	case "Location":
		return "a location"
	case "VisitSummary":
		return "a visit summary"
	case "ActualVisitDate":
		return "the actual visit date"
	case "Reason":
		return "a reason"
	case "PostponedDate":
		return "a new date"
	default:
		return field
	}
}
