package provider

import (
	"context"

	"github.com/entitledhq/entitled/payment"
)

// InitiateResult is returned when a payment flow has been started
type InitiateResult struct {
	RedirectURL string `json:"redirectUrl"`
}

// CompleteParams carries the external reference of the completed transaction
type CompleteParams struct {
	ProviderRef string // external subscription id, when the gateway created one
	ResolvedBy  string
}

// ResolveParams carries admin bookkeeping for reject/refund actions
type ResolveParams struct {
	ResolvedBy string
	Note       string
}

// Provider is the protocol every payment provider implements, operating on
// one payment Request at a time.
//
// Initiate begins the external payment flow and moves the request to
// processing. Complete grants the Entitlement and approves the request; it
// must be idempotent (a no-op when the request is no longer actionable).
// Reject resolves manual requests negatively; automatic gateway providers
// implement it as a no-op since their failures arrive as webhook events.
// Refund unwinds an approved request; callers enforce the approved
// precondition. AdminDetails derives a display-ready subset of the
// request's provider data.
type Provider interface {
	Definition() Definition
	Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error)
	Complete(ctx context.Context, req *payment.Request, params CompleteParams) error
	Reject(ctx context.Context, req *payment.Request, params ResolveParams) error
	Refund(ctx context.Context, req *payment.Request, params ResolveParams) error
	AdminDetails(req *payment.Request) map[string]string
}
