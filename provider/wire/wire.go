// Package wire implements the manual wire-transfer payment provider. Every
// payment request stays open until an operator approves or rejects it.
package wire

import (
	"context"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/entitlement"
	"github.com/entitledhq/entitled/owner"
	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/plan"
	"github.com/entitledhq/entitled/provider"
	"github.com/entitledhq/entitled/settings"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Key identifies the wire-transfer provider in the registry
const Key = "wire"

// Options contains the configuration for the wire Provider
type Options struct {
	DB           *gorm.DB
	Payments     *payment.Manager
	Entitlements *entitlement.Manager
	Plans        *plan.Manager
	Owners       *owner.Resolver
	Settings     *settings.Manager
	Logger       *zap.Logger
}

// Provider is the manual wire-transfer payment provider
type Provider struct {
	Options
}

// New returns the wire-transfer provider
func New(option Options) (*Provider, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Entitlements == nil {
		return nil, fmt.Errorf("nil Entitlements is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Owners == nil {
		return nil, fmt.Errorf("nil Owners is invalid")
	}
	if option.Settings == nil {
		return nil, fmt.Errorf("nil Settings is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Provider{
		Options: option,
	}, nil
}

var _ provider.Provider = &Provider{}

// Definition describes the wire provider: manual resolution, approve/reject
// admin actions, no refund support.
func (p *Provider) Definition() provider.Definition {
	return provider.Definition{
		Key:              Key,
		Label:            "Wire Transfer",
		ManualResolution: true,
		AdminActions:     []provider.AdminAction{provider.ActionApprove, provider.ActionReject},
		Refundable:       false,
		Settings: []provider.SettingDescriptor{
			{
				Key:         "instructions_url",
				Type:        provider.SettingString,
				Description: "Page with wire transfer instructions shown to the payer",
			},
		},
	}
}

// Initiate moves the request to processing and points the payer at the
// transfer instructions. Nothing external happens until an operator resolves
// the request.
func (p *Provider) Initiate(ctx context.Context, req *payment.Request) (*provider.InitiateResult, error) {
	instructionsURL, err := p.Settings.Get(ctx, p.Definition().SettingKey("instructions_url"))
	if err != nil {
		return nil, err
	}
	if err := p.Payments.MarkProcessing(ctx, nil, req); err != nil {
		return nil, err
	}
	return &provider.InitiateResult{
		RedirectURL: instructionsURL,
	}, nil
}

// Complete grants the Entitlement and approves the request in one
// transaction. Idempotent: a request that is no longer actionable is left
// untouched.
func (p *Provider) Complete(ctx context.Context, req *payment.Request, params provider.CompleteParams) error {
	if !req.Actionable() {
		return nil
	}
	pl, err := p.Plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return err
	}
	if pl == nil {
		return fmt.Errorf("payment request %s references unknown plan %s", req.ID, req.PlanID)
	}
	var ent *entitlement.Entitlement
	if err := p.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		ent, err = grantForOwner(ctx, tx, grantDeps{
			Owners:       p.Owners,
			Entitlements: p.Entitlements,
			Logger:       p.Logger,
		}, req, pl, Key, params.ProviderRef, expiryForPlan(pl))
		if err != nil {
			return extErrors.Wrap(err, "Cannot grant entitlement")
		}
		return p.Payments.Approve(ctx, tx, req, ent.ID, params.ResolvedBy)
	}); err != nil {
		return err
	}
	p.Entitlements.NotifyChanged(ctx, ent)
	p.Payments.NotifyChanged(ctx, req)
	return nil
}

// Reject resolves the request negatively
func (p *Provider) Reject(ctx context.Context, req *payment.Request, params provider.ResolveParams) error {
	return p.Payments.Reject(ctx, nil, req, params.ResolvedBy, params.Note)
}

// Refund is unsupported for wire transfers
func (p *Provider) Refund(ctx context.Context, req *payment.Request, params provider.ResolveParams) error {
	return fmt.Errorf("the wire transfer provider does not support refunds")
}

// AdminDetails has nothing to surface for wire transfers
func (p *Provider) AdminDetails(req *payment.Request) map[string]string {
	return map[string]string{}
}

// expiryForPlan derives the first entitlement period for a manually approved
// payment. Recurring plans get one interval; one-time and lifetime plans
// never expire on their own.
func expiryForPlan(pl *plan.Plan) *time.Time {
	var until time.Time
	switch pl.Interval {
	case plan.IntervalMonthly:
		until = time.Now().AddDate(0, 1, 0)
	case plan.IntervalYearly:
		until = time.Now().AddDate(1, 0, 0)
	default:
		return nil
	}
	return &until
}

type grantDeps struct {
	Owners       *owner.Resolver
	Entitlements *entitlement.Manager
	Logger       *zap.Logger
}

// grantForOwner prefers the owner's own entitlement-granting capability and
// falls back to the entitlement manager
func grantForOwner(ctx context.Context, tx *gorm.DB, deps grantDeps, req *payment.Request, pl *plan.Plan, providerKey, providerRef string, expiresAt *time.Time) (*entitlement.Entitlement, error) {
	resolved, err := deps.Owners.Resolve(ctx, req.Owner)
	if err == nil {
		if granter, ok := resolved.(entitlement.Granter); ok {
			ent, err := granter.GrantEntitlement(ctx, *pl, providerKey, map[string]string{
				"payment_request_id": req.ID,
			})
			if err != nil {
				return nil, err
			}
			if len(providerRef) > 0 {
				if err := deps.Entitlements.SetProviderRef(ctx, tx, ent, providerRef); err != nil {
					return nil, err
				}
			}
			return ent, nil
		}
	} else {
		deps.Logger.Warn("Unable to resolve owner for granting, falling back to manager",
			zap.String("OwnerType", req.Owner.Type),
			zap.String("OwnerID", req.Owner.ID),
			zap.Error(err),
		)
	}
	return deps.Entitlements.Grant(ctx, tx, entitlement.GrantOption{
		Owner:       req.Owner,
		PlanID:      pl.ID,
		Provider:    providerKey,
		ProviderRef: providerRef,
		Status:      entitlement.StatusActive,
		ExpiresAt:   expiresAt,
	})
}
