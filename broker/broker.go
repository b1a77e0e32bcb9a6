// Package broker publishes billing lifecycle events for downstream
// applications to consume.
package broker

import (
	"time"

	"github.com/entitledhq/entitled/entitlement"
	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/usage"
)

// EntitlementChanged is emitted whenever an entitlement transitions status
// or gains a new expiry
type EntitlementChanged struct {
	Entitlement *entitlement.Entitlement `json:"entitlement"`
	EmittedAt   time.Time                `json:"emittedAt"`
}

// PaymentRequestChanged is emitted whenever a payment request transitions
// status or records a payment failure
type PaymentRequestChanged struct {
	Request   *payment.Request `json:"paymentRequest"`
	EmittedAt time.Time        `json:"emittedAt"`
}

// UsageLimitReached is emitted once when a counter crosses its limit
type UsageLimitReached struct {
	Counter   *usage.Counter `json:"counter"`
	EmittedAt time.Time      `json:"emittedAt"`
}

// Producer publishes lifecycle events
type Producer interface {
	PublishEntitlementChanged(e *EntitlementChanged) error
	PublishPaymentRequestChanged(e *PaymentRequestChanged) error
	PublishUsageLimitReached(e *UsageLimitReached) error
	Close()
}
