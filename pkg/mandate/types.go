package mandate

import (
	"time"

	"github.com/platinummonkey/commune/pkg/catalog"
)

// Status of a mandate order
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSent      Status = "SENT"
	StatusPendingBC Status = "PENDING_BC"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusInvoiced  Status = "INVOICED"
)

// HasCommandeNumber reports whether an order in status s must carry a commande number
func (s Status) HasCommandeNumber() bool {
	return s == StatusAccepted || s == StatusInvoiced
}

// Action is a recorded step in an order's history
type Action string

const (
	ActionCreated          Action = "created"
	ActionSent             Action = "sent"
	ActionAwaitingPO       Action = "awaiting_purchase_order"
	ActionPOCaptured       Action = "purchase_order_captured"
	ActionAccepted         Action = "accepted"
	ActionRejected         Action = "rejected"
	ActionInvoiced         Action = "invoiced"
	ActionCompleted        Action = "completed"
	ActionCreditNoteIssued Action = "credit_note_issued"
)

// QuoteLine is one priced line of a quote
type QuoteLine struct {
	Label     string `json:"label" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"min=1"`
	UnitCents int64  `json:"unit_cents" validate:"min=0"`
}

// Quote is a numbered price proposal (DE)
type Quote struct {
	ID          int64       `json:"id"`
	TenantID    int64       `json:"tenant_id"`
	Number      string      `json:"number"`
	Sequence    int64       `json:"sequence"`
	AmountCents int64       `json:"amount_cents"`
	Lines       []QuoteLine `json:"lines"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Order is a mandate order
type Order struct {
	ID                    int64               `json:"id"`
	TenantID              int64               `json:"tenant_id"`
	QuoteID               *int64              `json:"quote_id,omitempty"`
	Status                Status              `json:"status"`
	AmountCents           int64               `json:"amount_cents"`
	AddonSnapshot         []catalog.AddonLine `json:"addon_snapshot"`
	CommandeNumber        *string             `json:"commande_number,omitempty"`
	CommandeSequence      *int64              `json:"commande_sequence,omitempty"`
	PurchaseOrderScanPath *string             `json:"purchase_order_scan_path,omitempty"`
	SentAt                *time.Time          `json:"sent_at,omitempty"`
	ValidatedBy           *string             `json:"validated_by,omitempty"`
	ValidatedAt           *time.Time          `json:"validated_at,omitempty"`
	RejectedAt            *time.Time          `json:"rejected_at,omitempty"`
	RejectionReason       *string             `json:"rejection_reason,omitempty"`
	CompletedAt           *time.Time          `json:"completed_at,omitempty"`
	CreatedBy             string              `json:"created_by"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// Invoice is a legal invoice (FA) issued against an accepted order
type Invoice struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	OrderID     int64     `json:"mandate_order_id"`
	Number      string    `json:"number"`
	Sequence    int64     `json:"sequence"`
	AmountCents int64     `json:"amount_cents"`
	IssuedAt    time.Time `json:"issued_at"`
	IsArchived  bool      `json:"is_archived"`
}

// CreditNote is a credit note (AV) reducing an invoice
type CreditNote struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	InvoiceID   int64     `json:"mandate_invoice_id"`
	Number      string    `json:"number"`
	Sequence    int64     `json:"sequence"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Activity is one append-only entry of an order's history
type Activity struct {
	ID         int64     `json:"id"`
	OrderID    int64     `json:"mandate_order_id"`
	Actor      string    `json:"actor"`
	Action     Action    `json:"action"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateQuoteRequest prices a quote from its lines
type CreateQuoteRequest struct {
	Lines []QuoteLine `json:"lines" validate:"required,min=1,dive"`
}

// CreateOrderRequest drafts an order. A zero amount takes the quote's amount.
type CreateOrderRequest struct {
	QuoteID       *int64              `json:"quote_id,omitempty"`
	AmountCents   int64               `json:"amount_cents" validate:"min=0"`
	AddonSnapshot []catalog.AddonLine `json:"addon_snapshot" validate:"dive"`
}

// AcceptRequest records who validated the order on the client side
type AcceptRequest struct {
	ValidatedBy string `json:"validated_by" validate:"required"`
}

// RejectRequest records why the client refused the order
type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// CapturePurchaseOrderRequest records the client's purchase order
type CapturePurchaseOrderRequest struct {
	Reference string `json:"reference" validate:"required,max=100"`
	ScanPath  string `json:"scan_path,omitempty"`
}

// InvoiceRequest issues an invoice. Without an amount the uninvoiced remainder is billed.
type InvoiceRequest struct {
	AmountCents *int64 `json:"amount_cents,omitempty" validate:"omitempty,min=1"`
}

// CreditNoteRequest reduces an invoice
type CreditNoteRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"min=1"`
	Reason      string `json:"reason" validate:"required"`
}
