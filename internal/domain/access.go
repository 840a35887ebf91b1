package domain

import "time"

// TradePolicy decides who may call trade operations on a basket.
type TradePolicy string

const (
	PolicyAllowListOnly  TradePolicy = "allow_list_only"
	PolicyAnyoneMayTrade TradePolicy = "anyone_may_trade"
)

// AccessConfig is the authorization state of one basket.
type AccessConfig struct {
	BasketID BasketID    `json:"basket_id"`
	Manager  string      `json:"manager"`
	Policy   TradePolicy `json:"policy"`
	Traders  []string    `json:"traders"`
}

// AccessEvent records a change of a basket's access configuration.
type AccessEvent struct {
	Config AccessConfig `json:"config"`
	Caller string       `json:"caller"`
	At     time.Time    `json:"at"`
}
