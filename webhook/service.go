package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/entitledhq/entitled/provider/gateway"
	"github.com/entitledhq/entitled/settings"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v72"
	stripewebhook "github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// Stripe caps event payloads well below this
const maxBodyBytes = int64(65536)

// ServiceOptions contains the configuration for the webhook Service
type ServiceOptions struct {
	Handlers *Handlers
	Settings *settings.Manager
	Logger   *zap.Logger
}

// Service is the transport boundary for gateway webhook deliveries
type Service struct {
	ServiceOptions
}

// NewService returns the webhook Service
func NewService(option ServiceOptions) (*Service, error) {
	if option.Handlers == nil {
		return nil, fmt.Errorf("nil Handlers is invalid")
	}
	if option.Settings == nil {
		return nil, fmt.Errorf("nil Settings is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.Logger.With(zap.String("DeliveryID", uuid.New().String()))

	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("Unable to read webhook body", zap.Error(err))
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	var event stripe.Event
	if s.Settings.GetBool(ctx, gateway.VerifySetting) {
		signature := r.Header.Get("Stripe-Signature")
		if len(signature) == 0 {
			http.Error(w, "Missing Stripe-Signature header", http.StatusBadRequest)
			return
		}
		secret, err := s.Settings.Get(ctx, gateway.WebhookSecretSetting)
		if err != nil {
			logger.Error("Unable to load webhook secret", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		event, err = stripewebhook.ConstructEvent(body, signature, secret)
		if err != nil {
			logger.Warn("Webhook signature verification failed", zap.Error(err))
			http.Error(w, "Signature verification failed", http.StatusBadRequest)
			return
		}
	} else {
		if err := json.Unmarshal(body, &event); err != nil {
			http.Error(w, "Malformed event payload", http.StatusBadRequest)
			return
		}
	}

	logger = logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", event.Type),
	)

	handled, err := s.Handlers.Handle(ctx, event)
	if err != nil {
		// non-2xx makes the gateway redeliver, which is safe because every
		// handler is idempotent
		logger.Error("Webhook handler failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Processing error: %s", err.Error()), http.StatusUnprocessableEntity)
		return
	}
	if handled {
		logger.Info("Webhook event processed")
	}
	w.WriteHeader(http.StatusOK)
}

// Router returns the webhook routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/stripe", s.handleStripe)
	return r
}
