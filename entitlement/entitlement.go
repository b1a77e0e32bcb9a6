package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/owner"
	"github.com/entitledhq/entitled/plan"

	"github.com/go-playground/validator/v10"
)

// Status is the custom type to define the current state of an Entitlement
type Status string

// Defining the different statuses of an Entitlement.
// Transitions are one-directional except pending<->active; revoked is terminal.
const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// RevokeReason is the custom type to define why an Entitlement was revoked
type RevokeReason string

// Defining the valid revocation reasons
const (
	ReasonRefund     RevokeReason = "refund"
	ReasonAdmin      RevokeReason = "admin"
	ReasonChargeback RevokeReason = "chargeback"
	ReasonNonRenewal RevokeReason = "non_renewal"
	ReasonUpgrade    RevokeReason = "upgrade"
)

// Entitlement is a grant of a Plan's rights to an owner entity. Its
// lifecycle is independent of the payment transaction that produced it.
type Entitlement struct {
	ID           string       `json:"id" gorm:"primaryKey"`
	PlanID       string       `json:"planId" gorm:"index" validate:"required"`
	Owner        owner.Ref    `json:"owner" gorm:"embedded;embeddedPrefix:owner_"`
	Provider     string       `json:"provider" validate:"required"`
	ProviderRef  string       `json:"providerRef" gorm:"index"` // external id, e.g. a subscription id
	Status       Status       `json:"status" validate:"required,oneof=pending active expired revoked"`
	ActivatedAt  *time.Time   `json:"activatedAt"`
	ExpiresAt    *time.Time   `json:"expiresAt"`
	RevokedAt    *time.Time   `json:"revokedAt"`
	RevokeReason RevokeReason `json:"revokeReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var validate = validator.New()

// Validate checks field values and the status/reason coupling invariant
func (e *Entitlement) Validate() error {
	if err := validate.Struct(e); err != nil {
		return err
	}
	if e.Status == StatusRevoked && len(e.RevokeReason) == 0 {
		return fmt.Errorf("revoked entitlement requires a revoke reason")
	}
	if e.Status != StatusRevoked && len(e.RevokeReason) > 0 {
		return fmt.Errorf("revoke reason is only valid on a revoked entitlement")
	}
	return nil
}

// Granter is an optional owner capability: an owner entity that prefers to
// create its own Entitlement rows. Providers fall back to the Manager when
// the capability is absent.
type Granter interface {
	GrantEntitlement(ctx context.Context, p plan.Plan, providerKey string, meta map[string]string) (*Entitlement, error)
}
