package domain

import "context"

// VenueAdapter quotes a trade at a single venue and describes the fill.
// Implementations return ErrSlippageExceeded, ErrVenueUnavailable or
// ErrInvalidAssetPair.
type VenueAdapter interface {
	Name() string
	QuoteAndBuildFill(ctx context.Context, req TradeRequest) (FillDescriptor, error)
}

// Custodian moves assets in and out of basket custody. Settle executes the
// descriptor and holds the result until Commit or Abort.
type Custodian interface {
	Settle(ctx context.Context, basket BasketID, desc FillDescriptor) (Settlement, error)
}

// Settlement is a pending custody transfer.
type Settlement interface {
	Fill() Fill
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// EventSink receives engine events after they are committed.
type EventSink interface {
	FillExecuted(ctx context.Context, receipt FillReceipt)
	RebalanceChanged(ctx context.Context, ev RebalanceEvent)
	ParamsChanged(ctx context.Context, ev ParamsEvent)
	AccessChanged(ctx context.Context, ev AccessEvent)
	FeeChanged(ctx context.Context, ev FeeEvent)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) FillExecuted(context.Context, FillReceipt)        {}
func (NopSink) RebalanceChanged(context.Context, RebalanceEvent) {}
func (NopSink) ParamsChanged(context.Context, ParamsEvent)       {}
func (NopSink) AccessChanged(context.Context, AccessEvent)       {}
func (NopSink) FeeChanged(context.Context, FeeEvent)             {}
