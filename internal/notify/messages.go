package notify

import (
	"fmt"
	"slices"
	"strings"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// FillMessage renders a fill receipt as an alert.
func FillMessage(r domain.FillReceipt) (event, title, message string) {
	title = fmt.Sprintf("%s %s %s", r.BasketID, strings.ToUpper(string(r.Side)), r.Asset)
	var b strings.Builder
	fmt.Fprintf(&b, "sent %s %s, received %s %s on %s\n", r.QtyIn, r.AssetIn, r.QtyOut, r.AssetOut, r.Venue)
	if r.Fee.IsPositive() {
		fmt.Fprintf(&b, "fee %s %s\n", r.Fee, r.AssetOut)
	}
	if u, ok := r.UnitsAfter[r.Asset]; ok {
		fmt.Fprintf(&b, "%s unit now %s\n", r.Asset, u)
	}
	fmt.Fprintf(&b, "trader %s", r.Trader)
	return EventFillExecuted, title, b.String()
}

// RebalanceMessage renders an episode change as an alert.
func RebalanceMessage(ev domain.RebalanceEvent) (event, title, message string) {
	ep := ev.Episode
	switch ev.Type {
	case domain.RebalanceStarted:
		event = EventRebalanceStarted
	case domain.RebalanceRaised:
		event = EventRebalanceRaised
	default:
		event = EventRebalanceEdited
	}
	title = fmt.Sprintf("%s rebalance %s", ep.BasketID, ev.Type)

	assets := ep.Assets()
	slices.Sort(assets)
	var b strings.Builder
	for _, a := range assets {
		t, _ := ep.NormalizedTarget(a)
		fmt.Fprintf(&b, "%s -> %s\n", a, t)
	}
	if len(ep.Added) > 0 {
		fmt.Fprintf(&b, "added %s\n", joinAssets(ep.Added))
	}
	if len(ep.Removed) > 0 {
		fmt.Fprintf(&b, "removed %s\n", joinAssets(ep.Removed))
	}
	fmt.Fprintf(&b, "generation %d by %s", ep.Generation, ev.Caller)
	return event, title, b.String()
}

func joinAssets(as []domain.AssetID) string {
	s := make([]string, len(as))
	for i, a := range as {
		s[i] = string(a)
	}
	return strings.Join(s, ", ")
}
