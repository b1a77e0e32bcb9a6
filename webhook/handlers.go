package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/entitlement"
	"github.com/entitledhq/entitled/owner"
	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/provider"
	"github.com/entitledhq/entitled/provider/gateway"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandlersOptions contains the dependencies of the webhook orchestrator
type HandlersOptions struct {
	DB           *gorm.DB
	Payments     *payment.Manager
	Entitlements *entitlement.Manager
	Owners       *owner.Resolver
	Registry     *provider.Registry
	Logger       *zap.Logger
}

// Handlers maps external gateway events to idempotent state transitions
// across payment requests, entitlements and their owners. Idempotency comes
// from state inspection, not a dedup ledger: every handler checks the
// current state before mutating, so redelivered events are safe.
type Handlers struct {
	HandlersOptions

	dispatch map[string]func(ctx context.Context, event stripe.Event) error
}

// NewHandlers returns the webhook orchestrator with its dispatch table
func NewHandlers(option HandlersOptions) (*Handlers, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Entitlements == nil {
		return nil, fmt.Errorf("nil Entitlements is invalid")
	}
	if option.Owners == nil {
		return nil, fmt.Errorf("nil Owners is invalid")
	}
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	h := &Handlers{
		HandlersOptions: option,
	}
	h.dispatch = map[string]func(ctx context.Context, event stripe.Event) error{
		"checkout.session.completed":    h.handleCheckoutCompleted,
		"invoice.paid":                  h.handleInvoicePaid,
		"invoice.payment_failed":        h.handleInvoicePaymentFailed,
		"customer.subscription.updated": h.handleSubscriptionUpdated,
		"customer.subscription.deleted": h.handleSubscriptionDeleted,
		"charge.refunded":               h.handleChargeRefunded,
	}
	return h, nil
}

// Handle dispatches one event. Unrecognized event types are logged and
// ignored; they are not an error.
func (h *Handlers) Handle(ctx context.Context, event stripe.Event) (bool, error) {
	fn, ok := h.dispatch[event.Type]
	if !ok {
		h.Logger.Info("Ignoring unrecognized webhook event type",
			zap.String("EventType", event.Type),
		)
		return false, nil
	}
	if err := fn(ctx, event); err != nil {
		return true, err
	}
	return true, nil
}

func (h *Handlers) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return extErrors.Wrap(err, "Cannot parse checkout session payload")
	}
	logger := h.Logger.With(zap.String("CheckoutSessionID", sess.ID))

	req, err := h.Payments.GetByProviderRef(ctx, gateway.Key, sess.ID)
	if err != nil {
		return err
	}
	if req == nil {
		if requestID := sess.Metadata["payment_request_id"]; len(requestID) > 0 {
			req, err = h.Payments.Get(ctx, requestID)
			if err != nil {
				return err
			}
		}
	}
	if req == nil {
		logger.Warn("No payment request matches completed checkout session")
		return nil
	}
	if !req.Actionable() {
		return nil
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
		req.SetProviderData(payment.DataCustomerID, customerID)
	}

	subscriptionID := ""
	if sess.Mode == stripe.CheckoutSessionModeSubscription && sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
		req.SetProviderData(payment.DataSubscriptionID, subscriptionID)
		// future lifecycle events resolve this request by subscription id
		req.ProviderRef = subscriptionID
	} else if sess.PaymentIntent != nil {
		req.SetProviderData(payment.DataPaymentIntentID, sess.PaymentIntent.ID)
	}

	prov, ok := h.Registry.Provider(req.ProviderKey)
	if !ok {
		return fmt.Errorf("payment request %s references unregistered provider %q", req.ID, req.ProviderKey)
	}
	if err := prov.Complete(ctx, req, provider.CompleteParams{
		ProviderRef: subscriptionID,
		ResolvedBy:  "webhook:checkout.session.completed",
	}); err != nil {
		return err
	}

	h.persistCustomerID(ctx, req.Owner, customerID)
	return nil
}

// persistCustomerID stores a discovered external customer id on the owner
// for reuse in future checkouts. Best effort: a missing capability or a
// failing owner store never aborts the handler.
func (h *Handlers) persistCustomerID(ctx context.Context, ref owner.Ref, customerID string) {
	if len(customerID) == 0 {
		return
	}
	resolved, err := h.Owners.Resolve(ctx, ref)
	if err != nil {
		h.Logger.Warn("Unable to resolve owner to persist customer id",
			zap.String("OwnerType", ref.Type),
			zap.String("OwnerID", ref.ID),
			zap.Error(err),
		)
		return
	}
	accessor, ok := resolved.(owner.MetadataAccessor)
	if !ok {
		h.Logger.Info("Owner has no metadata capability, not persisting customer id",
			zap.String("OwnerType", ref.Type),
		)
		return
	}
	if err := accessor.SetMetadata(ctx, gateway.CustomerMetadataKey, customerID); err != nil {
		h.Logger.Warn("Unable to persist customer id on owner",
			zap.String("OwnerID", ref.ID),
			zap.Error(err),
		)
	}
}

func (h *Handlers) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return extErrors.Wrap(err, "Cannot parse invoice payload")
	}
	if inv.Subscription == nil {
		h.Logger.Info("Ignoring invoice without a subscription",
			zap.String("InvoiceID", inv.ID),
		)
		return nil
	}
	subscriptionID := inv.Subscription.ID
	logger := h.Logger.With(zap.String("SubscriptionID", subscriptionID))

	ent, req, err := h.resolveBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if ent == nil {
		logger.Warn("No entitlement matches paid invoice")
		return nil
	}

	periodEnd := time.Now().AddDate(0, 1, 0)
	if inv.Lines != nil && len(inv.Lines.Data) > 0 {
		if period := inv.Lines.Data[0].Period; period != nil && period.End > 0 {
			periodEnd = time.Unix(period.End, 0)
		}
	}

	var extended bool
	if err := h.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		extended, err = h.Entitlements.ExtendExpiry(ctx, tx, ent, periodEnd)
		if err != nil {
			return err
		}
		if req != nil {
			req.SetProviderData(payment.DataInvoiceID, inv.ID)
			return h.Payments.Persist(ctx, tx, req)
		}
		return nil
	}); err != nil {
		return err
	}
	if extended {
		h.Entitlements.NotifyChanged(ctx, ent)
	}
	return nil
}

func (h *Handlers) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return extErrors.Wrap(err, "Cannot parse invoice payload")
	}
	if inv.Subscription == nil {
		return nil
	}
	subscriptionID := inv.Subscription.ID

	req, err := h.Payments.GetByProviderRef(ctx, gateway.Key, subscriptionID)
	if err != nil {
		return err
	}
	if req == nil {
		h.Logger.Warn("No payment request matches failed invoice",
			zap.String("SubscriptionID", subscriptionID),
		)
		return nil
	}

	req.SetProviderData(payment.DataInvoiceID, inv.ID)
	if inv.LastFinalizationError != nil {
		req.SetProviderData(payment.DataLastFailureCode, string(inv.LastFinalizationError.Code))
		req.SetProviderData(payment.DataLastFailureMessage, inv.LastFinalizationError.Msg)
	} else {
		req.SetProviderData(payment.DataLastFailureMessage, "invoice payment failed")
	}
	if err := h.Payments.Persist(ctx, nil, req); err != nil {
		return err
	}
	// Stripe's own retry schedule governs recovery, so the entitlement is
	// left alone; downstream applications still get notified
	h.Payments.NotifyChanged(ctx, req)
	return nil
}

func (h *Handlers) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return extErrors.Wrap(err, "Cannot parse subscription payload")
	}
	logger := h.Logger.With(
		zap.String("SubscriptionID", sub.ID),
		zap.String("SubscriptionStatus", string(sub.Status)),
	)

	ent, _, err := h.resolveBySubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if ent == nil {
		logger.Warn("No entitlement matches updated subscription")
		return nil
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return h.Entitlements.Activate(ctx, nil, ent)
	case stripe.SubscriptionStatusPastDue:
		logger.Info("Subscription past due, leaving entitlement in grace period")
		return nil
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return h.Entitlements.Revoke(ctx, nil, ent, entitlement.ReasonNonRenewal)
	case stripe.SubscriptionStatusIncomplete, "paused":
		return nil
	default:
		logger.Warn("Unknown subscription status, taking no action")
		return nil
	}
}

func (h *Handlers) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return extErrors.Wrap(err, "Cannot parse subscription payload")
	}
	logger := h.Logger.With(zap.String("SubscriptionID", sub.ID))

	ent, req, err := h.resolveBySubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if ent == nil && req == nil {
		logger.Warn("No entitlement or payment request matches deleted subscription")
		return nil
	}

	revoking := ent != nil && ent.Status != entitlement.StatusRevoked
	expiring := req != nil && req.Status != payment.StatusExpired
	if err := h.DB.Transaction(func(tx *gorm.DB) error {
		if ent != nil {
			if err := h.Entitlements.Revoke(ctx, tx, ent, entitlement.ReasonNonRenewal); err != nil {
				return err
			}
		}
		if expiring {
			return h.Payments.Expire(ctx, tx, req)
		}
		return nil
	}); err != nil {
		return err
	}
	if revoking {
		h.Entitlements.NotifyChanged(ctx, ent)
	}
	if expiring {
		h.Payments.NotifyChanged(ctx, req)
	}
	return nil
}

func (h *Handlers) handleChargeRefunded(ctx context.Context, event stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return extErrors.Wrap(err, "Cannot parse charge payload")
	}
	if charge.PaymentIntent == nil {
		return nil
	}
	paymentIntentID := charge.PaymentIntent.ID
	logger := h.Logger.With(zap.String("PaymentIntentID", paymentIntentID))

	req, err := h.Payments.FindByProviderData(ctx, gateway.Key, payment.DataPaymentIntentID, paymentIntentID)
	if err != nil {
		return err
	}
	if req == nil {
		logger.Warn("No payment request matches refunded charge")
		return nil
	}
	if req.EntitlementID == nil {
		logger.Warn("Refunded charge's payment request has no entitlement")
		return nil
	}
	ent, err := h.Entitlements.GetByID(ctx, *req.EntitlementID)
	if err != nil {
		return err
	}
	if ent == nil {
		logger.Warn("Refunded charge's entitlement no longer exists")
		return nil
	}
	return h.Entitlements.Revoke(ctx, nil, ent, entitlement.ReasonRefund)
}

// resolveBySubscription finds the entitlement carrying a subscription id as
// its provider reference, falling back through the payment request with that
// reference. Returns whichever of the two could be found.
func (h *Handlers) resolveBySubscription(ctx context.Context, subscriptionID string) (*entitlement.Entitlement, *payment.Request, error) {
	ent, err := h.Entitlements.GetByProviderRef(ctx, gateway.Key, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	req, err := h.Payments.GetByProviderRef(ctx, gateway.Key, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if ent == nil && req != nil && req.EntitlementID != nil {
		ent, err = h.Entitlements.GetByID(ctx, *req.EntitlementID)
		if err != nil {
			return nil, nil, err
		}
	}
	return ent, req, nil
}
