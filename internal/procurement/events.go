package procurement

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// eventInput describes one timeline entry before persistence.
type eventInput struct {
	Type        string
	Summary     string
	Description string
	Meta        map[string]any
	Actor       *shared.Actor
	// OccurredAt defaults to the operation clock when nil.
	OccurredAt *time.Time
}

// recordEvent appends a timeline row for po inside tx.
func (s *Service) recordEvent(ctx context.Context, tx TxRepository, po PurchaseOrder, in eventInput) (Event, error) {
	occurred := s.now()
	if in.OccurredAt != nil && !in.OccurredAt.IsZero() {
		occurred = in.OccurredAt.UTC()
	}
	evt := Event{
		PurchaseOrderID: po.ID,
		Type:            in.Type,
		Summary:         in.Summary,
		Description:     in.Description,
		Meta:            in.Meta,
		ActorType:       shared.KindOf(in.Actor),
		OccurredAt:      occurred,
	}
	if in.Actor != nil {
		id := in.Actor.ID
		evt.ActorID = &id
		evt.ActorName = in.Actor.Name
	}
	id, err := tx.InsertEvent(ctx, evt)
	if err != nil {
		return Event{}, err
	}
	evt.ID = id
	return evt, nil
}
