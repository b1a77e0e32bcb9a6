package external

import (
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// NewStripeClient returns a Stripe API client bound to the given secret key
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

// StripeGateway adapts the Stripe client to the narrow call surface the
// gateway provider needs, so tests can substitute a fake.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway returns a gateway backed by the live Stripe API
func NewStripeGateway(key string) *StripeGateway {
	return &StripeGateway{
		api: NewStripeClient(key),
	}
}

func (g *StripeGateway) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return g.api.CheckoutSessions.New(params)
}

func (g *StripeGateway) CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return g.api.Subscriptions.Cancel(id, params)
}

func (g *StripeGateway) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return g.api.Refunds.New(params)
}
