package service

import (
	"courier-service/internal/models"
)

// successors is the legal transition table. No transition skips a state
// except cancellation, which is only reachable before pickup.
var successors = map[string][]string{
	models.OrderStatusCreated:   {models.OrderStatusAccepted, models.OrderStatusCancelled},
	models.OrderStatusAccepted:  {models.OrderStatusPickedUp, models.OrderStatusCancelled},
	models.OrderStatusPickedUp:  {models.OrderStatusInTransit},
	models.OrderStatusInTransit: {models.OrderStatusDelivered},
	models.OrderStatusDelivered: {models.OrderStatusCompleted},
	models.OrderStatusCompleted: {},
	models.OrderStatusCancelled: {},
}

func legalSuccessor(from, to string) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition enforces the order lifecycle rules: the target must
// be a legal successor of the current state, the actor must be authorized
// to trigger it, and completion requires the payment aggregate to be fully
// captured unless the order was created prepaid.
//
// Acceptance is first-acceptor-wins: the order must have no assigned
// driver. Callers run this inside the per-order exclusive section, so the
// check here is the arbitration point for concurrent accept attempts; the
// loser gets ErrAlreadyAssigned, never a silent overwrite.
func ValidateTransition(o *models.Order, actor models.Actor, target string) error {
	// Assignment is checked before legality: a driver losing the accept
	// race must learn the order is taken, even though the winner already
	// moved it out of CREATED.
	if target == models.OrderStatusAccepted && o.DriverID != nil {
		return models.ErrAlreadyAssigned
	}

	if !legalSuccessor(o.Status, target) {
		return models.ErrIllegalTransition
	}

	admin := actor.Role == models.RoleAdmin

	switch target {
	case models.OrderStatusAccepted:
		if !admin && actor.Role != models.RoleDriver {
			return models.ErrUnauthorized
		}

	case models.OrderStatusCancelled:
		switch o.Status {
		case models.OrderStatusCreated:
			// Only the order owner may cancel before acceptance.
			if !admin && actor.ID != o.ClientID {
				return models.ErrUnauthorized
			}
		case models.OrderStatusAccepted:
			// Only the assigned driver may cancel after acceptance.
			if !admin && !isAssignedDriver(o, actor) {
				return models.ErrUnauthorized
			}
		}

	case models.OrderStatusCompleted:
		if !admin && !isAssignedDriver(o, actor) {
			return models.ErrUnauthorized
		}
		if !o.Prepaid {
			state := models.DerivePaymentState(o.TotalPaid, o.TotalRefunded, o.Price)
			if state != models.PaymentStatusCompleted {
				return models.ErrPaymentIncomplete
			}
		}

	default:
		// PICKED_UP, IN_TRANSIT, DELIVERED are driver progress steps.
		if !admin && !isAssignedDriver(o, actor) {
			return models.ErrUnauthorized
		}
	}

	return nil
}

func isAssignedDriver(o *models.Order, actor models.Actor) bool {
	return actor.Role == models.RoleDriver && o.DriverID != nil && *o.DriverID == actor.ID
}
