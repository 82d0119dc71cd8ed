package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/storage"
	"github.com/platinummonkey/commune/pkg/storage/storagetest"
)

func newResolver(t *testing.T, db *sql.DB, opts ...Option) *Resolver {
	t.Helper()
	static, err := catalog.NewPostgres(db).Snapshot(context.Background())
	require.NoError(t, err)
	return NewResolver(static, storage.SingleDB{DB: db}, append([]Option{WithLogger(observability.Nop())}, opts...)...)
}

func associations(f *storagetest.Fixtures, ownerID int64, n int) {
	for i := 0; i < n; i++ {
		f.Tenant(storagetest.TenantSpec{Name: "club", Type: "ASSOCIATION", ParentTenantID: storagetest.Int64(ownerID), IsFree: true})
	}
}

func TestResolve_EPCIPooling(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	plan := f.Plan("epci", 9900, 99000, map[string]int64{"sub_organizations": 10})
	epci := f.Tenant(storagetest.TenantSpec{Name: "agglo", Type: "EPCI", PlanID: storagetest.Int64(plan)})
	a := f.Tenant(storagetest.TenantSpec{Name: "a", ParentEPCIID: storagetest.Int64(epci)})
	b := f.Tenant(storagetest.TenantSpec{Name: "b", ParentEPCIID: storagetest.Int64(epci)})
	associations(f, a, 4)
	associations(f, b, 4)

	r := newResolver(t, db)
	for _, id := range []int64{a, b} {
		q, err := r.Resolve(ctx, id, catalog.SubOrganizations)
		require.NoError(t, err)
		assert.Equal(t, int64(8), q.Used)
		assert.Equal(t, int64(10), q.Allowed)
		assert.Equal(t, int64(2), q.Remaining)
		assert.True(t, q.Inherited)
		assert.Equal(t, epci, q.FundedBy)
	}

	own, err := r.Resolve(ctx, epci, catalog.SubOrganizations)
	require.NoError(t, err)
	assert.False(t, own.Inherited)
	assert.Equal(t, int64(8), own.Used)
	assert.Equal(t, int64(2), own.Remaining)
}

func TestResolve_PlanPlusAddons(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	plan := f.Plan("pro", 4900, 49000, map[string]int64{"admin_seats": 2})
	seat := f.Addon("extra_admin", "admin_seats", 1, 500, 5000)
	tenant := f.Tenant(storagetest.TenantSpec{PlanID: storagetest.Int64(plan)})
	f.TenantAddon(tenant, seat, 3)
	f.User(tenant, "mayor@example.org", "ADMIN")
	f.User(tenant, "clerk@example.org", "ADMIN")
	f.User(tenant, "reader@example.org", "MEMBER")

	q, err := newResolver(t, db).Resolve(ctx, tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(5), q.Allowed)
	assert.Equal(t, int64(2), q.Used)
	assert.Equal(t, int64(3), q.Remaining)
	assert.Equal(t, Breakdown{PlanIncluded: 2, Addons: 3, AddonsSource: SourceTenantAddons}, q.Breakdown)
}

func TestResolve_NoPlanStillFundedByAddonsAndLegacy(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	pack := f.Addon("sub_org_pack", "sub_organizations", 5, 1500, 15000)
	tenant := f.Tenant(storagetest.TenantSpec{LegacySubOrgs: 2})
	f.TenantAddon(tenant, pack, 1)

	q, err := newResolver(t, db).Resolve(ctx, tenant, catalog.SubOrganizations)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Breakdown.PlanIncluded)
	assert.Equal(t, int64(5), q.Breakdown.Addons)
	assert.Equal(t, int64(2), q.Breakdown.Legacy)
	assert.Equal(t, int64(7), q.Allowed)
}

func TestResolve_RemainingNeverNegative(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	plan := f.Plan("small", 900, 9000, map[string]int64{"sub_organizations": 1})
	tenant := f.Tenant(storagetest.TenantSpec{PlanID: storagetest.Int64(plan)})
	associations(f, tenant, 3)

	q, err := newResolver(t, db).Resolve(ctx, tenant, catalog.SubOrganizations)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Used)
	assert.Equal(t, int64(1), q.Allowed)
	assert.Equal(t, int64(0), q.Remaining)
}

func TestResolve_MandateSnapshotFallback(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	plan := f.Plan("pro", 4900, 49000, map[string]int64{"admin_seats": 1})
	f.Addon("extra_admin", "admin_seats", 1, 500, 5000)
	pack := f.Addon("sub_org_pack", "sub_organizations", 5, 1500, 15000)

	snapshot := `[{"addon_code":"extra_admin","quantity":2},{"addon_code":"sub_org_pack","quantity":1},{"addon_code":"retired","quantity":9}]`

	accepted := f.Tenant(storagetest.TenantSpec{Name: "accepted", PlanID: storagetest.Int64(plan)})
	order := f.MandateOrder(accepted, "ACCEPTED", snapshot)
	f.MandateOrder(accepted, "DRAFT", `[{"addon_code":"extra_admin","quantity":50}]`)

	pending := f.Tenant(storagetest.TenantSpec{Name: "pending", PlanID: storagetest.Int64(plan)})
	f.MandateOrder(pending, "PENDING_BC", snapshot)

	rejected := f.Tenant(storagetest.TenantSpec{Name: "rejected", PlanID: storagetest.Int64(plan)})
	f.MandateOrder(rejected, "REJECTED", snapshot)

	synced := f.Tenant(storagetest.TenantSpec{Name: "synced", PlanID: storagetest.Int64(plan)})
	f.MandateOrder(synced, "ACCEPTED", snapshot)
	f.TenantAddon(synced, pack, 0)

	r := newResolver(t, db)

	q, err := r.Resolve(ctx, accepted, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Allowed)
	assert.Equal(t, SourceOrderSnapshot, q.Breakdown.AddonsSource)
	require.NotNil(t, q.Breakdown.SnapshotOrderID)
	assert.Equal(t, order, *q.Breakdown.SnapshotOrderID)

	q, err = r.Resolve(ctx, pending, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Allowed, "PENDING_BC orders count toward quota")

	q, err = r.Resolve(ctx, rejected, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Allowed)
	assert.Equal(t, SourceNone, q.Breakdown.AddonsSource)

	q, err = r.Resolve(ctx, synced, catalog.SubOrganizations)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Breakdown.Addons, "a live row wins over the snapshot")
	assert.Equal(t, SourceTenantAddons, q.Breakdown.AddonsSource)

	q, err = r.Resolve(ctx, synced, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Breakdown.Addons, "the live row is for another kind")
}

func TestResolve_UnreadableSnapshotIsConsistencyViolation(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)

	tenant := f.Tenant(storagetest.TenantSpec{})
	f.MandateOrder(tenant, "ACCEPTED", `{not json`)

	_, err := newResolver(t, db).Resolve(context.Background(), tenant, catalog.AdminSeats)
	assert.True(t, errs.IsConsistencyViolation(err))
}

func TestResolve_Errors(t *testing.T) {
	db := storagetest.NewDB(t)
	r := newResolver(t, db)
	ctx := context.Background()

	_, err := r.Resolve(ctx, 1, "storage_bytes")
	assert.True(t, errs.IsValidation(err))

	_, err = r.Resolve(ctx, 404, catalog.AdminSeats)
	assert.True(t, errs.IsNotFound(err))
}

func TestCheck(t *testing.T) {
	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	plan := f.Plan("pro", 4900, 49000, map[string]int64{"admin_seats": 1})
	tenant := f.Tenant(storagetest.TenantSpec{PlanID: storagetest.Int64(plan)})
	r := newResolver(t, db)

	require.NoError(t, r.Check(ctx, db, tenant, catalog.AdminSeats))

	f.User(tenant, "mayor@example.org", "ADMIN")
	err := r.Check(ctx, db, tenant, catalog.AdminSeats)
	require.Error(t, err)
	assert.True(t, errs.IsQuotaExceeded(err))
	assert.Contains(t, err.Error(), "1 used of 1 allowed")
}

func TestResolve_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	ctx := context.Background()

	plan := f.Plan("pro", 4900, 49000, map[string]int64{"admin_seats": 3})
	tenant := f.Tenant(storagetest.TenantSpec{PlanID: storagetest.Int64(plan)})

	r := newResolver(t, db, WithCache(client, time.Minute))
	first, err := r.Resolve(ctx, tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Used)
	assert.True(t, mr.Exists(cacheKey(tenant, catalog.AdminSeats)))

	f.User(tenant, "mayor@example.org", "ADMIN")

	cached, err := r.Resolve(ctx, tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cached.Used, "display reads may be stale")

	tx, err := r.ResolveTx(ctx, db, tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Used, "transactional reads bypass the cache")

	r.Invalidate(ctx, tenant)
	fresh, err := r.Resolve(ctx, tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.Used)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(cacheKey(tenant, catalog.AdminSeats)))
}

func TestResolve_CacheUnavailableFallsBackToDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	db := storagetest.NewDB(t)
	f := storagetest.NewFixtures(t, db)
	tenant := f.Tenant(storagetest.TenantSpec{LegacyAdmins: 2})

	r := newResolver(t, db, WithCache(client, time.Minute))
	mr.Close()

	q, err := r.Resolve(context.Background(), tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Allowed)
}

func TestFundingOf(t *testing.T) {
	epci := int64(9)

	standalone := &orgs.Tenant{ID: 1}
	s, ok := FundingOf(standalone).(Standalone)
	require.True(t, ok)
	assert.Same(t, standalone, s.Tenant)

	attached := &orgs.Tenant{ID: 2, ParentEPCIID: &epci}
	assert.Equal(t, InheritsFrom{ParentID: 9}, FundingOf(attached))
}
