// Package admin exposes the operator API: payment request resolution, usage
// reporting and provider configuration.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/provider"
	resp "github.com/entitledhq/entitled/response"
	"github.com/entitledhq/entitled/usage"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

const defaultListLimit = 50

// ServiceOptions contains the configuration for the admin Service router
type ServiceOptions struct {
	PaymentManager *payment.Manager
	UsageManager   *usage.Manager
	Registry       *provider.Registry
	Logger         *zap.Logger
}

// Service is the admin API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the admin API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
	if option.UsageManager == nil {
		return nil, fmt.Errorf("nil UsageManager is invalid")
	}
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) listPaymentRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	before := r.URL.Query().Get("before")

	var parsedTime time.Time
	if before != "" {
		var err error
		parsedTime, err = time.Parse(time.RFC3339Nano, before)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid before param"))
			return
		}
	}

	opt := payment.ListOption{
		Status:      payment.Status(r.URL.Query().Get("status")),
		ProviderKey: r.URL.Query().Get("provider"),
		OwnerType:   r.URL.Query().Get("owner_type"),
		Before:      parsedTime,
		Limit:       defaultListLimit,
	}
	results, err := s.PaymentManager.List(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list payment requests",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of payment requests"))
		return
	}

	resp.WriteResponse(w, r, results)
}

// RequestDetails is a payment request joined with its provider's
// display-ready details
type RequestDetails struct {
	Request *payment.Request  `json:"request"`
	Details map[string]string `json:"details"`
}

func (s *Service) getPaymentRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "id")

	req, err := s.PaymentManager.Get(ctx, requestID)
	if err != nil {
		s.Logger.Error("Unable to query payment request",
			zap.String("PaymentRequestID", requestID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the payment request"))
		return
	}
	if req == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find payment request with specific ID"))
		return
	}

	details := map[string]string{}
	if prov, ok := s.Registry.Provider(req.ProviderKey); ok {
		details = prov.AdminDetails(req)
	}

	resp.WriteResponse(w, r, RequestDetails{
		Request: req,
		Details: details,
	})
}

// ResolveRequest contains the operator resolution of a payment request
type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Note       string `json:"note"`
}

// loadForAction fetches the request and its provider for an admin action,
// writing the error response itself when preconditions fail
func (s *Service) loadForAction(w http.ResponseWriter, r *http.Request, action provider.AdminAction) (*payment.Request, provider.Provider, bool) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "id")

	req, err := s.PaymentManager.Get(ctx, requestID)
	if err != nil {
		s.Logger.Error("Unable to query payment request",
			zap.String("PaymentRequestID", requestID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the payment request"))
		return nil, nil, false
	}
	if req == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find payment request with specific ID"))
		return nil, nil, false
	}

	def, ok := s.Registry.Find(req.ProviderKey)
	if !ok {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(
			fmt.Sprintf("Payment provider %q is not registered", req.ProviderKey),
		))
		return nil, nil, false
	}
	if !def.SupportsAction(action) {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(
			fmt.Sprintf("The %s provider does not support the %s action", def.Label, action),
		))
		return nil, nil, false
	}

	prov, _ := s.Registry.Provider(req.ProviderKey)
	return req, prov, true
}

func (s *Service) decodeResolution(w http.ResponseWriter, r *http.Request) (*ResolveRequest, bool) {
	var body ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return nil, false
	}
	if len(body.ResolvedBy) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("resolvedBy is required"))
		return nil, false
	}
	return &body, true
}

func (s *Service) approvePaymentRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, prov, ok := s.loadForAction(w, r, provider.ActionApprove)
	if !ok {
		return
	}
	body, ok := s.decodeResolution(w, r)
	if !ok {
		return
	}
	if !req.Actionable() {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(
			fmt.Sprintf("Payment request is already %s and cannot be approved", req.Status),
		))
		return
	}

	if err := prov.Complete(ctx, req, provider.CompleteParams{
		ResolvedBy: body.ResolvedBy,
	}); err != nil {
		s.Logger.Error("Unable to approve payment request",
			zap.String("PaymentRequestID", req.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot approve the payment request"))
		return
	}

	resp.WriteResponse(w, r, req)
}

func (s *Service) rejectPaymentRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, prov, ok := s.loadForAction(w, r, provider.ActionReject)
	if !ok {
		return
	}
	body, ok := s.decodeResolution(w, r)
	if !ok {
		return
	}
	if !req.Actionable() {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(
			fmt.Sprintf("Payment request is already %s and cannot be rejected", req.Status),
		))
		return
	}

	if err := prov.Reject(ctx, req, provider.ResolveParams{
		ResolvedBy: body.ResolvedBy,
		Note:       body.Note,
	}); err != nil {
		s.Logger.Error("Unable to reject payment request",
			zap.String("PaymentRequestID", req.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot reject the payment request"))
		return
	}

	resp.WriteResponse(w, r, req)
}

func (s *Service) refundPaymentRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, prov, ok := s.loadForAction(w, r, provider.ActionRefund)
	if !ok {
		return
	}
	body, ok := s.decodeResolution(w, r)
	if !ok {
		return
	}
	def, _ := s.Registry.Find(req.ProviderKey)
	if !def.Refundable {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(
			fmt.Sprintf("The %s provider does not support refunds", def.Label),
		))
		return
	}
	if req.Status != payment.StatusApproved {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(
			fmt.Sprintf("Only approved payment requests can be refunded, this one is %s", req.Status),
		))
		return
	}

	if err := prov.Refund(ctx, req, provider.ResolveParams{
		ResolvedBy: body.ResolvedBy,
		Note:       body.Note,
	}); err != nil {
		s.Logger.Error("Unable to refund payment request",
			zap.String("PaymentRequestID", req.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot refund the payment request"))
		return
	}

	resp.WriteResponse(w, r, req)
}

func (s *Service) listUsageCounters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opt := usage.ListOption{
		Metric:         r.URL.Query().Get("metric"),
		PeriodKey:      r.URL.Query().Get("period"),
		PlanID:         r.URL.Query().Get("plan"),
		OwnerType:      r.URL.Query().Get("owner_type"),
		OwnerID:        r.URL.Query().Get("owner_id"),
		CumulativeOnly: r.URL.Query().Get("cumulative") != "",
		Limit:          defaultListLimit,
	}
	results, err := s.UsageManager.List(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list usage counters",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of usage counters"))
		return
	}

	resp.WriteResponse(w, r, results)
}

func (s *Service) getUsageTimeSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	metric := chi.URLParam(r, "metric")

	buckets := 12
	if n := r.URL.Query().Get("n"); n != "" {
		parsed, err := strconv.Atoi(n)
		if err != nil || parsed <= 0 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid n param"))
			return
		}
		buckets = parsed
	}

	points, err := s.UsageManager.TimeSeries(ctx, metric, buckets)
	if err != nil {
		s.Logger.Error("Unable to aggregate usage time series",
			zap.String("Metric", metric),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot aggregate the usage time series"))
		return
	}

	resp.WriteResponse(w, r, points)
}

func (s *Service) listProviders(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, s.Registry.All())
}

func (s *Service) listEnabledProviders(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, s.Registry.ForSelect(r.Context()))
}

// Router will return the routes of the admin API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/payment-requests", func(r chi.Router) {
		r.Get("/", s.listPaymentRequests)
		r.Get("/{id}", s.getPaymentRequest)
		r.Post("/{id}/approve", s.approvePaymentRequest)
		r.Post("/{id}/reject", s.rejectPaymentRequest)
		r.Post("/{id}/refund", s.refundPaymentRequest)
	})

	r.Route("/usage", func(r chi.Router) {
		r.Get("/", s.listUsageCounters)
		r.Get("/timeseries/{metric}", s.getUsageTimeSeries)
	})

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.listProviders)
		r.Get("/enabled", s.listEnabledProviders)
	})

	return r
}
