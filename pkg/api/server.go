package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/commune/pkg/audit"
	"github.com/platinummonkey/commune/pkg/billing"
	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/documents"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/lifecycle"
	"github.com/platinummonkey/commune/pkg/mandate"
	"github.com/platinummonkey/commune/pkg/middleware"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/quota"
)

// TenantService manages tenants and their parent links
type TenantService interface {
	GetTenant(ctx context.Context, id int64) (*orgs.Tenant, error)
	CreateTenant(ctx context.Context, req *orgs.CreateTenantRequest) (*orgs.Tenant, error)
	AttachToEPCI(ctx context.Context, tenantID, epciID int64) (*orgs.Tenant, error)
	DetachFromEPCI(ctx context.Context, tenantID int64) (*orgs.Tenant, error)
	CreateSubOrganization(ctx context.Context, ownerID int64, req *orgs.CreateSubOrganizationRequest) (*orgs.Tenant, error)
	AddAdmin(ctx context.Context, tenantID int64, req *orgs.AddAdminRequest) (*orgs.User, error)
}

// QuotaService reads display quotas
type QuotaService interface {
	Resolve(ctx context.Context, tenantID int64, kind catalog.ResourceKind) (*quota.Quota, error)
}

// FeatureService reads a tenant's capability set
type FeatureService interface {
	EffectiveFeatures(ctx context.Context, tenantID int64) (quota.FeatureSet, error)
}

// BillingService schedules and applies billing changes
type BillingService interface {
	GetChange(ctx context.Context, id int64) (*billing.Change, error)
	ListChanges(ctx context.Context, tenantID int64) ([]*billing.Change, error)
	Preview(ctx context.Context, tenantID int64, req *billing.ScheduleRequest) (*billing.Preview, error)
	Schedule(ctx context.Context, tenantID int64, req *billing.ScheduleRequest) (*billing.Change, error)
	Apply(ctx context.Context, changeID int64) (*billing.Change, error)
	ApplyForProcessorEvent(ctx context.Context, source, eventID string, changeID int64) (*billing.Change, bool, error)
	Cancel(ctx context.Context, changeID int64) (*billing.Change, error)
	LedgerBalance(ctx context.Context, tenantID int64) (*billing.Balance, error)
	UnappliedEntries(ctx context.Context, tenantID int64) ([]*billing.LedgerEntry, error)
	MarkEntriesApplied(ctx context.Context, tenantID int64, req *billing.ConsumeRequest) ([]*billing.LedgerEntry, error)
}

// MandateService runs the mandate order workflow
type MandateService interface {
	GetOrder(ctx context.Context, id int64) (*mandate.Order, error)
	ListOrders(ctx context.Context, tenantID int64) ([]*mandate.Order, error)
	Activities(ctx context.Context, orderID int64) ([]*mandate.Activity, error)
	Invoices(ctx context.Context, orderID int64) ([]*mandate.Invoice, error)
	CreateQuote(ctx context.Context, tenantID int64, req *mandate.CreateQuoteRequest) (*mandate.Quote, error)
	CreateOrder(ctx context.Context, tenantID int64, req *mandate.CreateOrderRequest) (*mandate.Order, error)
	Send(ctx context.Context, orderID int64) (*mandate.Order, error)
	AwaitPurchaseOrder(ctx context.Context, orderID int64) (*mandate.Order, error)
	CapturePurchaseOrder(ctx context.Context, orderID int64, req *mandate.CapturePurchaseOrderRequest) (*mandate.Order, error)
	Accept(ctx context.Context, orderID int64, req *mandate.AcceptRequest) (*mandate.Order, error)
	Reject(ctx context.Context, orderID int64, req *mandate.RejectRequest) (*mandate.Order, error)
	Invoice(ctx context.Context, orderID int64, req *mandate.InvoiceRequest) (*mandate.Invoice, error)
	Complete(ctx context.Context, orderID int64) (*mandate.Order, error)
	IssueCreditNote(ctx context.Context, invoiceID int64, req *mandate.CreditNoteRequest) (*mandate.CreditNote, error)
	CheckConsistency(ctx context.Context, orderID int64) error
}

// LifecycleService moves tenants through their lifecycle
type LifecycleService interface {
	History(ctx context.Context, tenantID int64, limit int) ([]*audit.Event, error)
	Suspend(ctx context.Context, tenantID int64, req *lifecycle.TransitionRequest) (*orgs.Tenant, error)
	Unsuspend(ctx context.Context, tenantID int64, req *lifecycle.TransitionRequest) (*orgs.Tenant, error)
	Archive(ctx context.Context, tenantID int64, req *lifecycle.TransitionRequest) (*orgs.Tenant, error)
	DeleteArchivedTenant(ctx context.Context, tenantID int64) (*lifecycle.DeletionReport, error)
}

// Services are the domain services behind the API
type Services struct {
	Tenants   TenantService
	Quotas    QuotaService
	Features  FeatureService
	Billing   BillingService
	Mandates  MandateService
	Lifecycle LifecycleService
	Documents documents.Store
}

// Options configure the HTTP surface
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// RateLimiter is applied after actor extraction; nil disables rate limiting
	RateLimiter func(http.Handler) http.Handler
	// ProcessorSecret verifies payment processor callbacks; empty disables the endpoint
	ProcessorSecret string
	MaxBodyBytes    int64
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a new API server
func NewServer(svc Services, opts Options) *Server {
	logger := observability.OrDefault(opts.Logger)
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	s := &Server{router: mux.NewRouter()}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Processor callbacks carry a signature instead of an actor.
	processor := v1.PathPrefix("/processor").Subrouter()
	processor.Use(middleware.ActorMiddleware(false))
	s.RegisterRoutesOn(processor, NewProcessorHandlers(svc.Billing, opts.ProcessorSecret))

	operator := v1.NewRoute().Subrouter()
	operator.Use(middleware.ActorMiddleware(true))
	if opts.RateLimiter != nil {
		operator.Use(opts.RateLimiter)
	}
	operator.Use(middleware.TenantGate(svc.Tenants))

	s.RegisterRoutesOn(operator, NewTenantHandlers(svc.Tenants, svc.Quotas, svc.Features))
	s.RegisterRoutesOn(operator, NewBillingHandlers(svc.Billing))
	s.RegisterRoutesOn(operator, NewMandateHandlers(svc.Mandates, svc.Documents))
	s.RegisterRoutesOn(operator, NewLifecycleHandlers(svc.Lifecycle))

	s.handler = otelhttp.NewHandler(
		httputil.Chain(
			httputil.RequestIDMiddleware,
			httputil.LoggingMiddleware(logger),
			httputil.RecoveryMiddleware,
			httputil.MaxBytesMiddleware(opts.MaxBodyBytes+documents.MaxScanSize),
		)(s.router),
		"commune-api",
	)
	return s
}

// RegisterRoutesOn registers routes from a RouteRegistrar on a subrouter
func (s *Server) RegisterRoutesOn(router *mux.Router, registrar RouteRegistrar) {
	registrar.RegisterRoutes(router)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
