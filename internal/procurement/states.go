package procurement

var poTransitions = map[POStatus][]POStatus{
	POStatusDraft:        {POStatusSent, POStatusCancelled},
	POStatusSent:         {POStatusSent, POStatusAcknowledged, POStatusCancelled, POStatusFulfilled},
	POStatusAcknowledged: {POStatusFulfilled},
}

var ackTransitions = map[AckStatus][]AckStatus{
	AckStatusNone: {AckStatusSent},
	AckStatusSent: {AckStatusSent, AckStatusAcknowledged, AckStatusDeclined},
}

var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentStatusPending:   {ShipmentStatusInTransit, ShipmentStatusDelivered, ShipmentStatusCancelled},
	ShipmentStatusInTransit: {ShipmentStatusDelivered, ShipmentStatusCancelled},
}

// Valid reports whether s is a known purchase order status.
func (s POStatus) Valid() bool {
	switch s {
	case POStatusDraft, POStatusSent, POStatusAcknowledged, POStatusCancelled, POStatusFulfilled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the purchase order may move from s to next.
func (s POStatus) CanTransitionTo(next POStatus) bool {
	return contains(poTransitions[s], next)
}

// CanEdit reports whether lines may still be changed.
func (s POStatus) CanEdit() bool {
	return s == POStatusDraft
}

// CanTransitionTo reports whether the acknowledgement track may move from s to next.
func (s AckStatus) CanTransitionTo(next AckStatus) bool {
	return contains(ackTransitions[s], next)
}

// CanTransitionTo reports whether a shipment may move from s to next.
// Same-state requests are not transitions and are handled by the caller.
func (s ShipmentStatus) CanTransitionTo(next ShipmentStatus) bool {
	return contains(shipmentTransitions[s], next)
}

// Terminal reports whether no transition leaves s.
func (s ShipmentStatus) Terminal() bool {
	return len(shipmentTransitions[s]) == 0
}

func contains[T comparable](set []T, v T) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

// aggregateStatus derives the award coverage of a quote or RFQ.
func aggregateStatus(total, awarded int) AggregateStatus {
	switch {
	case awarded <= 0 || total <= 0:
		return AggregateOpen
	case awarded >= total:
		return AggregateAwarded
	default:
		return AggregatePartiallyAwarded
	}
}
