package orgs

import (
	"context"
	"time"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/storage"
)

// TenantType is the kind of organization
type TenantType string

const (
	TypeCommune     TenantType = "COMMUNE"
	TypeEPCI        TenantType = "EPCI"
	TypeAssociation TenantType = "ASSOCIATION"
)

// Valid reports whether t is a known tenant type
func (t TenantType) Valid() bool {
	switch t {
	case TypeCommune, TypeEPCI, TypeAssociation:
		return true
	}
	return false
}

// LifecycleStatus is the tenant's lifecycle state
type LifecycleStatus string

const (
	StatusActive    LifecycleStatus = "ACTIVE"
	StatusSuspended LifecycleStatus = "SUSPENDED"
	StatusArchived  LifecycleStatus = "ARCHIVED"
)

// Role of a tenant user
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Tenant is a billed organization
type Tenant struct {
	ID                          int64                   `json:"id"`
	Name                        string                  `json:"name"`
	Type                        TenantType              `json:"tenant_type"`
	ParentEPCIID                *int64                  `json:"parent_epci_id,omitempty"`
	ParentTenantID              *int64                  `json:"parent_tenant_id,omitempty"`
	PlanID                      *int64                  `json:"plan_id,omitempty"`
	Interval                    catalog.BillingInterval `json:"billing_interval"`
	CurrentPeriodStart          *time.Time              `json:"current_period_start,omitempty"`
	CurrentPeriodEnd            *time.Time              `json:"current_period_end,omitempty"`
	IsFree                      bool                    `json:"is_free"`
	Status                      LifecycleStatus         `json:"lifecycle_status"`
	StatusReason                string                  `json:"status_reason,omitempty"`
	StatusChangedBy             string                  `json:"status_changed_by,omitempty"`
	StatusChangedAt             *time.Time              `json:"status_changed_at,omitempty"`
	LegacyExtraSubOrganizations int64                   `json:"-"`
	LegacyExtraAdminSeats       int64                   `json:"-"`
	LegacyEventsModule          bool                    `json:"-"`
	LegacyVotingModule          bool                    `json:"-"`
	CreatedAt                   time.Time               `json:"created_at"`
	UpdatedAt                   time.Time               `json:"updated_at"`
}

// PoolOwnerID returns the id of the tenant whose plan funds this tenant's quota
func (t *Tenant) PoolOwnerID() int64 {
	if t.ParentEPCIID != nil {
		return *t.ParentEPCIID
	}
	return t.ID
}

// User is a person with access to a tenant
type User struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTenantRequest is a signup request
type CreateTenantRequest struct {
	Name         string                  `json:"name" validate:"required,max=200"`
	Type         TenantType              `json:"tenant_type" validate:"required,oneof=COMMUNE EPCI ASSOCIATION"`
	ParentEPCIID *int64                  `json:"parent_epci_id,omitempty"`
	PlanID       *int64                  `json:"plan_id,omitempty"`
	Interval     catalog.BillingInterval `json:"billing_interval,omitempty" validate:"omitempty,oneof=MONTHLY YEARLY"`
	IsFree       bool                    `json:"is_free"`
}

// CreateSubOrganizationRequest creates an association owned by a tenant
type CreateSubOrganizationRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// AddAdminRequest grants administrator access to a tenant
type AddAdminRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// Invalidator drops cached quota values of tenants whose allowance or usage changed
type Invalidator interface {
	Invalidate(ctx context.Context, tenantIDs ...int64)
}

// QuotaChecker decides whether one more unit of a resource fits the tenant's
// allowance. q is the caller's transaction.
type QuotaChecker interface {
	Check(ctx context.Context, q storage.Querier, tenantID int64, kind catalog.ResourceKind) error
}
