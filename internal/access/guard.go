// Package access decides who may manage and who may trade a basket.
package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

type basketAccess struct {
	manager string
	policy  domain.TradePolicy
	traders map[string]bool
}

// Guard is safe for concurrent use. Addresses compare case-insensitively.
type Guard struct {
	mu      sync.RWMutex
	baskets map[domain.BasketID]*basketAccess
}

// NewGuard creates an empty guard. Unknown baskets have no manager and an
// empty allow list.
func NewGuard() *Guard {
	return &Guard{baskets: make(map[domain.BasketID]*basketAccess)}
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsManager reports whether caller manages the basket.
func (g *Guard) IsManager(basket domain.BasketID, caller string) bool {
	caller = normalize(caller)
	if caller == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.baskets[basket]
	return ok && a.manager == caller
}

// IsAuthorizedTrader reports whether caller may call trade operations.
func (g *Guard) IsAuthorizedTrader(basket domain.BasketID, caller string) bool {
	caller = normalize(caller)
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.baskets[basket]
	if !ok {
		return false
	}
	if a.policy == domain.PolicyAnyoneMayTrade {
		return true
	}
	return caller != "" && a.traders[caller]
}

// SetManager assigns the basket's manager.
func (g *Guard) SetManager(basket domain.BasketID, manager string) (domain.AccessConfig, error) {
	manager = normalize(manager)
	if manager == "" {
		return domain.AccessConfig{}, fmt.Errorf("access: set manager %s: empty address: %w", basket, domain.ErrInvalidParameters)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.entryLocked(basket)
	a.manager = manager
	return a.config(basket), nil
}

// SetTraderStatus toggles allow-list membership. traders and statuses must
// have equal length and traders must not repeat.
func (g *Guard) SetTraderStatus(basket domain.BasketID, traders []string, statuses []bool) (domain.AccessConfig, error) {
	if len(traders) == 0 || len(traders) != len(statuses) {
		return domain.AccessConfig{}, fmt.Errorf("access: set traders %s: %d traders, %d statuses: %w", basket, len(traders), len(statuses), domain.ErrInvalidParameters)
	}
	seen := make(map[string]bool, len(traders))
	for _, t := range traders {
		n := normalize(t)
		if n == "" || seen[n] {
			return domain.AccessConfig{}, fmt.Errorf("access: set traders %s: invalid or duplicate trader %q: %w", basket, t, domain.ErrInvalidParameters)
		}
		seen[n] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.entryLocked(basket)
	for i, t := range traders {
		n := normalize(t)
		if statuses[i] {
			a.traders[n] = true
		} else {
			delete(a.traders, n)
		}
	}
	return a.config(basket), nil
}

// SetPolicy switches between the allow list and open trading.
func (g *Guard) SetPolicy(basket domain.BasketID, p domain.TradePolicy) (domain.AccessConfig, error) {
	if p != domain.PolicyAllowListOnly && p != domain.PolicyAnyoneMayTrade {
		return domain.AccessConfig{}, fmt.Errorf("access: set policy %s: %q: %w", basket, p, domain.ErrInvalidParameters)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.entryLocked(basket)
	a.policy = p
	return a.config(basket), nil
}

// Config returns the basket's access configuration.
func (g *Guard) Config(basket domain.BasketID) domain.AccessConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.baskets[basket]
	if !ok {
		return domain.AccessConfig{BasketID: basket, Policy: domain.PolicyAllowListOnly}
	}
	return a.config(basket)
}

// AllowedTraders returns the sorted allow list.
func (g *Guard) AllowedTraders(basket domain.BasketID) []string {
	return g.Config(basket).Traders
}

// Restore installs a persisted configuration.
func (g *Guard) Restore(cfg domain.AccessConfig) {
	a := &basketAccess{
		manager: normalize(cfg.Manager),
		policy:  cfg.Policy,
		traders: make(map[string]bool, len(cfg.Traders)),
	}
	if a.policy == "" {
		a.policy = domain.PolicyAllowListOnly
	}
	for _, t := range cfg.Traders {
		if n := normalize(t); n != "" {
			a.traders[n] = true
		}
	}
	g.mu.Lock()
	g.baskets[cfg.BasketID] = a
	g.mu.Unlock()
}

func (g *Guard) entryLocked(basket domain.BasketID) *basketAccess {
	a, ok := g.baskets[basket]
	if !ok {
		a = &basketAccess{policy: domain.PolicyAllowListOnly, traders: make(map[string]bool)}
		g.baskets[basket] = a
	}
	return a
}

func (a *basketAccess) config(basket domain.BasketID) domain.AccessConfig {
	traders := make([]string, 0, len(a.traders))
	for t := range a.traders {
		traders = append(traders, t)
	}
	sort.Strings(traders)
	return domain.AccessConfig{BasketID: basket, Manager: a.manager, Policy: a.policy, Traders: traders}
}
