package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/crm"
	"github.com/aviov/ct-toru/internal/logging"
)

// Submission states. Submitted is entered exactly once per call; the three
// terminal states are reported upward, never silently swallowed.
type State string

const (
	StateBuilt            State = "built"
	StateSubmitted        State = "submitted"
	StateConfirmed        State = "confirmed"
	StateRejected         State = "rejected"
	StateTransientFailure State = "transient_failure"
)

// ErrRejected marks a 2xx response whose success flag is false: the CRM
// understood the order and said no.
var ErrRejected = errors.New("order: rejected by crm")

// Outcome is the terminal result of one submission.
type Outcome struct {
	State      State
	OrderID    string
	ErrorCode  string
	Message    string
	StatusCode int
}

// Submitter drives one order through the submission states.
type Submitter struct {
	crm *crm.Client
	log *logrus.Entry
}

func NewSubmitter(client *crm.Client, log *logrus.Entry) *Submitter {
	return &Submitter{crm: client, log: log}
}

// Submit sends the draft exactly once. No retries happen here: a transient
// failure is surfaced so the triggering layer's redelivery re-attempts the
// whole invocation.
func (s *Submitter) Submit(ctx context.Context, token string, draft Draft) (Outcome, error) {
	s.log.WithField("callId", draft.Metadata.CallID).Info("submitting order")
	result, err := s.crm.CreateOrder(ctx, token, draft)
	if err != nil {
		return Outcome{State: StateTransientFailure}, fmt.Errorf("submit order: %w", err)
	}
	outcome := Outcome{
		State:      StateTransientFailure,
		StatusCode: result.StatusCode,
		OrderID:    result.OrderID,
		ErrorCode:  result.ErrorCode,
		Message:    result.Message,
	}
	switch {
	case result.StatusCode != 200:
		return outcome, fmt.Errorf("order creation status %d: %s", result.StatusCode, logging.Truncate(result.Raw, 200))
	case !result.Parsed:
		return outcome, fmt.Errorf("order creation returned undecodable body: %s", logging.Truncate(result.Raw, 200))
	case !result.Success:
		outcome.State = StateRejected
		return outcome, fmt.Errorf("%w: %s - %s", ErrRejected, result.ErrorCode, result.Message)
	}
	outcome.State = StateConfirmed
	s.log.WithFields(logrus.Fields{"orderId": result.OrderID, "callId": draft.Metadata.CallID}).Info("order confirmed")
	return outcome, nil
}
