// Package gateway implements the Stripe-backed payment provider. Checkout
// happens through hosted sessions; the request lifecycle is driven by
// asynchronous webhook events afterwards.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/entitlement"
	"github.com/entitledhq/entitled/owner"
	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/plan"
	"github.com/entitledhq/entitled/provider"
	"github.com/entitledhq/entitled/settings"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Key identifies the Stripe provider in the registry
const Key = "stripe"

// CustomerMetadataKey is where a discovered Stripe customer id is persisted
// on owners that expose the metadata capability
const CustomerMetadataKey = "stripe_customer_id"

// Full setting keys consumed by the webhook transport. These must stay in
// sync with the descriptors in Definition.
const (
	SecretKeySetting     = "providers." + Key + ".secret_key"
	WebhookSecretSetting = "providers." + Key + ".webhook_secret"
	VerifySetting        = "providers." + Key + ".verify_webhooks"
)

// Client is the narrow Stripe call surface the provider needs. The live
// implementation is external.StripeGateway; tests substitute a fake.
type Client interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Options contains the configuration for the gateway Provider
type Options struct {
	DB           *gorm.DB
	Gateway      Client
	Payments     *payment.Manager
	Entitlements *entitlement.Manager
	Plans        *plan.Manager
	Owners       *owner.Resolver
	Settings     *settings.Manager
	Logger       *zap.Logger
}

// Provider is the Stripe-backed payment provider
type Provider struct {
	Options
}

// New returns the Stripe-backed provider
func New(option Options) (*Provider, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
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

// Definition describes the Stripe provider: fully automatic, refund is the
// only admin action.
func (p *Provider) Definition() provider.Definition {
	return provider.Definition{
		Key:              Key,
		Label:            "Credit Card (Stripe)",
		ManualResolution: false,
		AdminActions:     []provider.AdminAction{provider.ActionRefund},
		Refundable:       true,
		Settings: []provider.SettingDescriptor{
			{
				Key:         "secret_key",
				Type:        provider.SettingString,
				Description: "Stripe API secret key",
				Required:    true,
			},
			{
				Key:         "webhook_secret",
				Type:        provider.SettingString,
				Description: "Signing secret of the Stripe webhook endpoint",
				Required:    true,
			},
			{
				Key:         "success_url",
				Type:        provider.SettingString,
				Description: "Where Stripe redirects after a successful checkout",
				Required:    true,
			},
			{
				Key:         "cancel_url",
				Type:        provider.SettingString,
				Description: "Where Stripe redirects after an abandoned checkout",
				Required:    true,
			},
			{
				Key:         "verify_webhooks",
				Type:        provider.SettingBool,
				Default:     "true",
				Description: "Verify webhook signatures (disable only in test setups)",
			},
		},
	}
}

// Initiate creates a hosted checkout session for the request's plan and
// moves the request to processing. The plan must carry its Stripe price id
// in metadata; a plan without one is a configuration error surfaced loudly.
func (p *Provider) Initiate(ctx context.Context, req *payment.Request) (*provider.InitiateResult, error) {
	pl, err := p.Plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if pl == nil {
		return nil, fmt.Errorf("payment request %s references unknown plan %s", req.ID, req.PlanID)
	}
	priceID := pl.Metadata["stripe_price_id"]
	if len(priceID) == 0 {
		return nil, fmt.Errorf("plan %q has no \"stripe_price_id\" in its metadata, configure the Stripe price before initiating checkout", pl.Slug)
	}

	def := p.Definition()
	successURL, err := p.Settings.Get(ctx, def.SettingKey("success_url"))
	if err != nil {
		return nil, err
	}
	cancelURL, err := p.Settings.Get(ctx, def.SettingKey("cancel_url"))
	if err != nil {
		return nil, err
	}

	mode := plan.CheckoutMode(pl.Interval)
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"payment_request_id": req.ID,
				"owner_type":         req.Owner.Type,
				"owner_id":           req.Owner.ID,
			},
		},
		Mode:       stripe.String(mode),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	p.applyCustomerHint(ctx, req, params)

	sess, err := p.Gateway.NewCheckoutSession(params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create checkout session on Stripe")
	}

	req.ProviderRef = sess.ID
	req.SetProviderData(payment.DataCheckoutSessionID, sess.ID)
	req.SetProviderData(payment.DataMode, mode)
	if err := p.Payments.MarkProcessing(ctx, nil, req); err != nil {
		return nil, err
	}

	return &provider.InitiateResult{
		RedirectURL: sess.URL,
	}, nil
}

// applyCustomerHint reuses a previously stored Stripe customer id from the
// owner's metadata, or falls back to a billing email hint. Both capabilities
// are optional; their absence only means Stripe creates a fresh customer.
func (p *Provider) applyCustomerHint(ctx context.Context, req *payment.Request, params *stripe.CheckoutSessionParams) {
	resolved, err := p.Owners.Resolve(ctx, req.Owner)
	if err != nil {
		p.Logger.Debug("Owner not resolvable for checkout hint",
			zap.String("OwnerType", req.Owner.Type),
			zap.String("OwnerID", req.Owner.ID),
			zap.Error(err),
		)
		return
	}
	if accessor, ok := resolved.(owner.MetadataAccessor); ok {
		meta, err := accessor.Metadata(ctx)
		if err == nil {
			if customerID := meta[CustomerMetadataKey]; len(customerID) > 0 {
				params.Customer = stripe.String(customerID)
				return
			}
		} else {
			p.Logger.Warn("Unable to read owner metadata",
				zap.String("OwnerID", req.Owner.ID),
				zap.Error(err),
			)
		}
	}
	if emailer, ok := resolved.(owner.BillingEmailProvider); ok {
		if email := emailer.BillingEmail(); len(email) > 0 {
			params.CustomerEmail = stripe.String(email)
		}
	}
}

// Complete grants the Entitlement and approves the request in one
// transaction. Idempotent: a request that is no longer actionable is left
// untouched. When the checkout produced a subscription, its id becomes the
// new Entitlement's provider reference so lifecycle events resolve it.
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
		ent, err = p.grant(ctx, tx, req, pl, params.ProviderRef)
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

func (p *Provider) grant(ctx context.Context, tx *gorm.DB, req *payment.Request, pl *plan.Plan, providerRef string) (*entitlement.Entitlement, error) {
	resolved, err := p.Owners.Resolve(ctx, req.Owner)
	if err == nil {
		if granter, ok := resolved.(entitlement.Granter); ok {
			ent, err := granter.GrantEntitlement(ctx, *pl, Key, map[string]string{
				"payment_request_id": req.ID,
			})
			if err != nil {
				return nil, err
			}
			if len(providerRef) > 0 {
				if err := p.Entitlements.SetProviderRef(ctx, tx, ent, providerRef); err != nil {
					return nil, err
				}
			}
			return ent, nil
		}
	} else {
		p.Logger.Warn("Unable to resolve owner for granting, falling back to manager",
			zap.String("OwnerType", req.Owner.Type),
			zap.String("OwnerID", req.Owner.ID),
			zap.Error(err),
		)
	}
	return p.Entitlements.Grant(ctx, tx, entitlement.GrantOption{
		Owner:       req.Owner,
		PlanID:      pl.ID,
		Provider:    Key,
		ProviderRef: providerRef,
		Status:      entitlement.StatusActive,
		ExpiresAt:   p.initialExpiry(pl),
	})
}

// initialExpiry covers the first billing period until the first invoice
// event extends it
func (p *Provider) initialExpiry(pl *plan.Plan) *time.Time {
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

// Reject is a deliberate no-op: Stripe payments fail through asynchronous
// events, not admin rejection
func (p *Provider) Reject(ctx context.Context, req *payment.Request, params provider.ResolveParams) error {
	p.Logger.Debug("Reject is a no-op for the Stripe provider",
		zap.String("PaymentRequestID", req.ID),
	)
	return nil
}

// Refund cancels any linked subscription, creates a refund for the known
// payment intent, revokes the linked entitlement and marks the request
// refunded. Callers guarantee the request is approved.
func (p *Provider) Refund(ctx context.Context, req *payment.Request, params provider.ResolveParams) error {
	if subscriptionID := req.GetProviderData(payment.DataSubscriptionID); len(subscriptionID) > 0 {
		_, err := p.Gateway.CancelSubscription(subscriptionID, &stripe.SubscriptionCancelParams{
			Params: stripe.Params{
				Context: ctx,
			},
		})
		if err != nil {
			if !isAlreadyCanceled(err) {
				return extErrors.Wrap(err, "Cannot cancel subscription on Stripe")
			}
			p.Logger.Info("Subscription already canceled on Stripe",
				zap.String("SubscriptionID", subscriptionID),
			)
		}
	}

	if paymentIntentID := req.GetProviderData(payment.DataPaymentIntentID); len(paymentIntentID) > 0 {
		refund, err := p.Gateway.NewRefund(&stripe.RefundParams{
			Params: stripe.Params{
				Context: ctx,
			},
			PaymentIntent: stripe.String(paymentIntentID),
		})
		if err != nil {
			return extErrors.Wrap(err, "Cannot create refund on Stripe")
		}
		req.SetProviderData(payment.DataRefundID, refund.ID)
	}

	var revoked *entitlement.Entitlement
	if err := p.DB.Transaction(func(tx *gorm.DB) error {
		if req.EntitlementID != nil {
			ent, err := p.Entitlements.GetByID(ctx, *req.EntitlementID)
			if err != nil {
				return err
			}
			if ent != nil && ent.Status != entitlement.StatusRevoked {
				if err := p.Entitlements.Revoke(ctx, tx, ent, entitlement.ReasonRefund); err != nil {
					return err
				}
				revoked = ent
			}
		}
		if len(params.Note) > 0 {
			req.AdminNote = params.Note
		}
		return p.Payments.MarkRefunded(ctx, tx, req, params.ResolvedBy)
	}); err != nil {
		return err
	}
	if revoked != nil {
		p.Entitlements.NotifyChanged(ctx, revoked)
	}
	p.Payments.NotifyChanged(ctx, req)
	return nil
}

// isAlreadyCanceled treats a missing subscription as already canceled
func isAlreadyCanceled(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// adminDetailKeys lists the provider_data entries worth surfacing to operators
var adminDetailKeys = []string{
	payment.DataMode,
	payment.DataCheckoutSessionID,
	payment.DataCustomerID,
	payment.DataSubscriptionID,
	payment.DataPaymentIntentID,
	payment.DataInvoiceID,
	payment.DataRefundID,
	payment.DataLastFailureMessage,
}

// AdminDetails derives a display-ready subset of the request's provider data
func (p *Provider) AdminDetails(req *payment.Request) map[string]string {
	details := make(map[string]string)
	for _, key := range adminDetailKeys {
		if value := req.GetProviderData(key); len(value) > 0 {
			details[key] = value
		}
	}
	return details
}
