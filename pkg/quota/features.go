package quota

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/storage"
)

// FeatureSet is a set of feature codes
type FeatureSet map[string]struct{}

// Has reports whether code is in the set
func (f FeatureSet) Has(code string) bool {
	_, ok := f[code]
	return ok
}

// Sorted returns the codes in lexical order
func (f FeatureSet) Sorted() []string {
	codes := lo.Keys(f)
	sort.Strings(codes)
	return codes
}

func (f FeatureSet) add(codes ...string) {
	for _, c := range codes {
		f[c] = struct{}{}
	}
}

// legacy boolean columns and the feature code each one grants
var legacyFeatures = []struct {
	code    string
	enabled func(*orgs.Tenant) bool
}{
	{"events", func(t *orgs.Tenant) bool { return t.LegacyEventsModule }},
	{"voting", func(t *orgs.Tenant) bool { return t.LegacyVotingModule }},
}

// Capabilities answers which features a tenant may use, whatever model
// granted them
type Capabilities struct {
	catalog catalog.Catalog
	reads   storage.ReadSource
}

// NewCapabilities creates a capability reader
func NewCapabilities(cat catalog.Catalog, reads storage.ReadSource) *Capabilities {
	return &Capabilities{catalog: cat, reads: reads}
}

// EffectiveFeatures returns the union of the funding plan's features, the
// tenant's direct feature assignments and its legacy module flags
func (c *Capabilities) EffectiveFeatures(ctx context.Context, tenantID int64) (FeatureSet, error) {
	return c.EffectiveFeaturesTx(ctx, c.reads.Replica(), tenantID)
}

// EffectiveFeaturesTx is EffectiveFeatures through q
func (c *Capabilities) EffectiveFeaturesTx(ctx context.Context, q storage.Querier, tenantID int64) (FeatureSet, error) {
	tenant, err := orgs.Get(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}

	funder := tenant
	if f, ok := FundingOf(tenant).(InheritsFrom); ok {
		funder, err = orgs.Get(ctx, q, f.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load EPCI of tenant %d: %w", tenantID, err)
		}
	}

	set := FeatureSet{}
	if funder.PlanID != nil {
		plan, err := c.catalog.Plan(ctx, *funder.PlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan of tenant %d: %w", funder.ID, err)
		}
		set.add(plan.Features...)
	}

	rows, err := q.QueryContext(ctx, `SELECT feature_code FROM tenant_feature_assignments WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan feature assignment: %w", err)
		}
		set.add(code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feature assignments: %w", err)
	}

	for _, legacy := range legacyFeatures {
		if legacy.enabled(tenant) {
			set.add(legacy.code)
		}
	}
	return set, nil
}
