package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the trade direction required to move an asset to its target.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// TargetUnit is one entry of a rebalance target set. Add marks an asset that
// is not yet a basket component.
type TargetUnit struct {
	Asset AssetID         `json:"asset"`
	Unit  decimal.Decimal `json:"unit"`
	Add   bool            `json:"add,omitempty"`
}

// RebalanceEpisode is the active target allocation of a basket. Targets are
// multiplied by TargetScale before comparison with current units; each
// RaiseTargets call multiplies TargetScale by 1 + RaisePercentage.
type RebalanceEpisode struct {
	ID                 string                      `json:"id"`
	BasketID           BasketID                    `json:"basket_id"`
	Targets            map[AssetID]decimal.Decimal `json:"targets"`
	Added              []AssetID                   `json:"added"`
	Removed            []AssetID                   `json:"removed"`
	MultiplierSnapshot decimal.Decimal             `json:"multiplier_snapshot"`
	TargetScale        decimal.Decimal             `json:"target_scale"`
	RaisePercentage    decimal.Decimal             `json:"raise_percentage"`
	Generation         int64                       `json:"generation"`
	StartedBy          string                      `json:"started_by"`
	StartedAt          time.Time                   `json:"started_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

// Assets returns the assets that have a target in the episode, unordered.
func (e RebalanceEpisode) Assets() []AssetID {
	out := make([]AssetID, 0, len(e.Targets))
	for a := range e.Targets {
		out = append(out, a)
	}
	return out
}

// NormalizedTarget returns the scaled target of asset.
func (e RebalanceEpisode) NormalizedTarget(asset AssetID) (decimal.Decimal, bool) {
	t, ok := e.Targets[asset]
	if !ok {
		return decimal.Zero, false
	}
	return t.Mul(e.TargetScale).Truncate(18), true
}

// Clone returns a deep copy of e.
func (e RebalanceEpisode) Clone() RebalanceEpisode {
	out := e
	out.Targets = make(map[AssetID]decimal.Decimal, len(e.Targets))
	for k, v := range e.Targets {
		out.Targets[k] = v
	}
	out.Added = append([]AssetID(nil), e.Added...)
	out.Removed = append([]AssetID(nil), e.Removed...)
	return out
}

// RebalanceEventType names the change recorded by a RebalanceEvent.
type RebalanceEventType string

const (
	RebalanceStarted RebalanceEventType = "started"
	RebalanceEdited  RebalanceEventType = "edited"
	RebalanceRaised  RebalanceEventType = "raised"
)

// RebalanceEvent is published whenever an episode starts or changes.
type RebalanceEvent struct {
	Type    RebalanceEventType `json:"type"`
	Episode RebalanceEpisode   `json:"episode"`
	Caller  string             `json:"caller"`
	At      time.Time          `json:"at"`
}

// ComponentStatus is the read model of one asset within an episode.
type ComponentStatus struct {
	Asset       AssetID         `json:"asset"`
	Target      decimal.Decimal `json:"target"`
	Current     decimal.Decimal `json:"current"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Direction   Direction       `json:"direction"`
	Eligible    bool            `json:"eligible"`
	State       AssetTradeState `json:"state"`
}
