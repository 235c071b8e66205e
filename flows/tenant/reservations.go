package tenant

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// OutcomeReservations resolves reservations against persisted outcomes. A
// property code is valid once a property outcome carries it, and a
// reservation is verified once a tenant outcome exists for it.
type OutcomeReservations struct {
	outcomes     stepflow.OutcomeStore
	propertyType stepflow.WorkflowType
	bankRequired bool
}

// NewOutcomeReservations looks up property codes among outcomes of
// propertyType
func NewOutcomeReservations(outcomes stepflow.OutcomeStore, propertyType stepflow.WorkflowType, bankRequired bool) *OutcomeReservations {
	return &OutcomeReservations{
		outcomes:     outcomes,
		propertyType: propertyType,
		bankRequired: bankRequired,
	}
}

// LookupReservation implements ReservationLookup
func (r *OutcomeReservations) LookupReservation(ctx context.Context, propertyCode, reservationID string) (Reservation, error) {
	found, err := r.exists(ctx, r.propertyType, func(o *stepflow.Outcome) bool {
		return o.FieldString(FieldPropertyCode) == propertyCode
	})
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		return Reservation{}, fmt.Errorf("property code %s: %w", propertyCode, stepflow.ErrNotFound)
	}

	verified, err := r.exists(ctx, Type, func(o *stepflow.Outcome) bool {
		return o.FieldString(FieldPropertyCode) == propertyCode &&
			o.FieldString(FieldReservationID) == reservationID
	})
	if err != nil {
		return Reservation{}, err
	}

	res := Reservation{Status: ReservationNew, BankCheckRequired: r.bankRequired}
	if verified {
		res.Status = ReservationVerified
	}
	return res, nil
}

func (r *OutcomeReservations) exists(ctx context.Context, typ stepflow.WorkflowType, match func(*stepflow.Outcome) bool) (bool, error) {
	for o, err := range r.outcomes.List(ctx, stepflow.OutcomeFilter{WorkflowType: typ}) {
		if err != nil {
			return false, fmt.Errorf("failed to list %s outcomes: %w", typ, err)
		}
		if match(o) {
			return true, nil
		}
	}
	return false, nil
}

var _ ReservationLookup = (*OutcomeReservations)(nil)
