package catalog

import (
	"context"
	"sync"

	"github.com/platinummonkey/commune/pkg/errs"
)

// Static is an in-memory catalog
type Static struct {
	mu        sync.RWMutex
	plans     map[int64]*Plan
	addons    map[int64]*Addon
	byCode    map[string]*Addon
	overrides map[string]PriceOverride
}

// NewStatic creates an empty in-memory catalog
func NewStatic() *Static {
	return &Static{
		plans:     make(map[int64]*Plan),
		addons:    make(map[int64]*Addon),
		byCode:    make(map[string]*Addon),
		overrides: make(map[string]PriceOverride),
	}
}

// AddPlan adds or replaces a plan
func (s *Static) AddPlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Included == nil {
		p.Included = make(map[ResourceKind]int64)
	}
	s.plans[p.ID] = p
}

// AddAddon adds or replaces an add-on
func (s *Static) AddAddon(a *Addon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addons[a.ID] = a
	s.byCode[a.Code] = a
}

// SetOverride sets a per-plan add-on price
func (s *Static) SetOverride(planID, addonID int64, o PriceOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey(planID, addonID)] = o
}

func (s *Static) Plan(ctx context.Context, id int64) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.plans[id]; ok {
		return p, nil
	}
	return nil, errs.NotFound("plan", id)
}

func (s *Static) Addon(ctx context.Context, id int64) (*Addon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.addons[id]; ok {
		return a, nil
	}
	return nil, errs.NotFound("addon", id)
}

func (s *Static) AddonByCode(ctx context.Context, code string) (*Addon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byCode[code]; ok {
		return a, nil
	}
	return nil, errs.NotFound("addon", code)
}

func (s *Static) AddonPrice(ctx context.Context, planID *int64, addonID int64, interval BillingInterval) (int64, error) {
	addon, err := s.Addon(ctx, addonID)
	if err != nil {
		return 0, err
	}
	if planID == nil {
		return addon.Price(interval), nil
	}
	s.mu.RLock()
	o, ok := s.overrides[overrideKey(*planID, addonID)]
	s.mu.RUnlock()
	if ok {
		if p := o.price(interval); p != nil {
			return *p, nil
		}
	}
	return addon.Price(interval), nil
}
