package domain

import (
	"encoding/json"
	"time"
)

// Signal bus channels carrying committed engine events.
const (
	ChannelFills       = "fills"
	ChannelRebalances  = "rebalances"
	ChannelParams      = "params"
	ChannelAccess      = "access"
	ChannelFees        = "fees"
	ChannelBaskets     = "baskets"
	ChannelTradeStates = "trade_states"
	ChannelPrices      = "prices"
)

// HistoryStream is the durable stream every event is appended to.
const HistoryStream = "history"

// Envelope wraps an event on the bus and in the history stream.
type Envelope struct {
	Channel string          `json:"channel"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// AllChannels lists every channel the engine publishes on.
func AllChannels() []string {
	return []string{ChannelFills, ChannelRebalances, ChannelParams, ChannelAccess, ChannelFees, ChannelBaskets, ChannelTradeStates, ChannelPrices}
}
