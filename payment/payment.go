package payment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/owner"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Status is the custom type to define the current state of a payment Request
type Status string

// Defining the different statuses of a payment Request
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusRefunded   Status = "refunded"
)

// DefaultCurrency is applied when a Request carries no currency
const DefaultCurrency = "usd"

// Well-known ProviderData keys
const (
	DataCheckoutSessionID  = "checkout_session_id"
	DataCustomerID         = "customer_id"
	DataSubscriptionID     = "subscription_id"
	DataPaymentIntentID    = "payment_intent_id"
	DataInvoiceID          = "invoice_id"
	DataRefundID           = "refund_id"
	DataMode               = "mode"
	DataLastFailureCode    = "last_failure_code"
	DataLastFailureMessage = "last_failure_message"
)

// ProviderData holds opaque provider-specific bookkeeping for a Request
type ProviderData map[string]string

var _ driver.Valuer = ProviderData{}

func (p *ProviderData) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*p = make(ProviderData)
		return nil
	}
	return json.Unmarshal(bytes, &p)
}

// Value uses a value receiver so the map satisfies driver.Valuer when stored
// as a struct field
func (p ProviderData) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (*ProviderData) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Request is one attempt to purchase a Plan. It is the transactional record
// that providers and webhook handlers mutate.
type Request struct {
	ID            string       `json:"id" gorm:"primaryKey"`
	Owner         owner.Ref    `json:"owner" gorm:"embedded;embeddedPrefix:owner_"`
	PlanID        string       `json:"planId" gorm:"index" validate:"required"`
	ProviderKey   string       `json:"providerKey" gorm:"index" validate:"required"`
	Status        Status       `json:"status" validate:"required,oneof=pending processing approved rejected expired refunded"`
	AmountCents   int64        `json:"amountCents" validate:"gte=0"`
	Currency      string       `json:"currency" validate:"required"`
	ProviderRef   string       `json:"providerRef" gorm:"index"`
	ProviderData  ProviderData `json:"providerData"`
	EntitlementID *string      `json:"entitlementId"`
	ResolvedBy    string       `json:"resolvedBy"`
	ResolvedAt    *time.Time   `json:"resolvedAt"`
	AdminNote     string       `json:"adminNote"`
	ExpiresAt     *time.Time   `json:"expiresAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Actionable reports whether the Request is still open for resolution
func (r *Request) Actionable() bool {
	return r.Status == StatusPending || r.Status == StatusProcessing
}

// SetProviderData records a single bookkeeping entry, allocating the map on
// first use
func (r *Request) SetProviderData(key, value string) {
	if r.ProviderData == nil {
		r.ProviderData = make(ProviderData)
	}
	r.ProviderData[key] = value
}

// GetProviderData returns a bookkeeping entry, tolerating a nil map
func (r *Request) GetProviderData(key string) string {
	if r.ProviderData == nil {
		return ""
	}
	return r.ProviderData[key]
}
