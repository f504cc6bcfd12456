package checkout

import (
	"errors"
	"strings"
)

var (
	// ErrIncompletePayload is returned before any network call when the
	// request lacks address, coordinate, contact details or items.
	ErrIncompletePayload = errors.New("incomplete checkout payload")
	// ErrPaymentUnavailable means the payment session could not be created.
	// The draft stays staged and the checkout can be resumed.
	ErrPaymentUnavailable = errors.New("payment service unavailable")
	// ErrPaymentNotConfirmed is returned on a payment return whose session the
	// provider does not report as paid for the draft.
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	// ErrDraftPending is returned when a new checkout would replace a draft
	// that already has a payment session. Resume or discard it first.
	ErrDraftPending = errors.New("a checkout awaiting payment already exists")
	// ErrNoPendingDraft is returned when the customer has nothing staged.
	ErrNoPendingDraft = errors.New("no pending order draft")
	// ErrUnknownRestaurant is returned for a restaurant ref that does not exist.
	ErrUnknownRestaurant = errors.New("unknown restaurant")
	// ErrForbidden is returned for callers that are not customers.
	ErrForbidden = errors.New("only customers can check out")
)

// ValidationError lists the fields that blocked submission.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return ErrIncompletePayload.Error() + ": " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrIncompletePayload }
