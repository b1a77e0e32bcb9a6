package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var validate = validator.New()

// ManagerOptions contains the configuration for the payment Manager.
// AfterChanged, when set, is invoked after every persisted status change;
// writes that only touch other fields never fire it. ValidProviderKey guards
// Create against requests naming a provider that was never registered.
type ManagerOptions struct {
	DB               *gorm.DB
	Logger           *zap.Logger
	AfterChanged     func(ctx context.Context, r *Request)
	ValidProviderKey func(key string) bool
}

// Manager handles the database operations relating to payment Requests
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for payment requests
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Request{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize payment.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) dbOrTx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return m.DB
}

// NotifyChanged invokes the AfterChanged callback directly. Webhook handlers
// use it for notifications that carry no status transition (e.g. recorded
// payment failures).
func (m *Manager) NotifyChanged(ctx context.Context, r *Request) {
	if m.AfterChanged != nil {
		m.AfterChanged(ctx, r)
	}
}

// Create validates and persists a new payment Request with defaults applied
func (m *Manager) Create(ctx context.Context, r *Request) error {
	if len(r.ID) == 0 {
		r.ID = shortuuid.New()
	}
	if len(r.Status) == 0 {
		r.Status = StatusPending
	}
	if len(r.Currency) == 0 {
		r.Currency = DefaultCurrency
	}
	if err := validate.Struct(r); err != nil {
		return err
	}
	if m.ValidProviderKey != nil && !m.ValidProviderKey(r.ProviderKey) {
		return fmt.Errorf("unknown payment provider %q", r.ProviderKey)
	}
	result := m.DB.WithContext(ctx).Create(r)
	if result.Error != nil {
		m.Logger.Error("Unable to create new payment request in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create payment request")
	}
	return nil
}

// Get will try to return the payment request by its id
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	var r Request
	result := m.DB.WithContext(ctx).First(&r, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get payment request by id")
	}
	return &r, nil
}

// GetByProviderRef will try to return the payment request holding an
// external reference (session or subscription id) for a given provider
func (m *Manager) GetByProviderRef(ctx context.Context, providerKey, providerRef string) (*Request, error) {
	if len(providerRef) == 0 {
		return nil, nil
	}
	var r Request
	result := m.DB.WithContext(ctx).
		Where("provider_key = ?", providerKey).
		Where("provider_ref = ?", providerRef).
		Order("created_at desc").
		First(&r)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get payment request by provider reference")
	}
	return &r, nil
}

// FindByProviderData scans the provider's requests for a bookkeeping entry
// with the given value. Volume per provider is low, so a linear scan with
// plain equality is acceptable.
func (m *Manager) FindByProviderData(ctx context.Context, providerKey, dataKey, value string) (*Request, error) {
	if len(value) == 0 {
		return nil, nil
	}
	requests := make([]Request, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("provider_key = ?", providerKey).
		Find(&requests)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot scan payment requests")
	}
	for k, r := range requests {
		if r.GetProviderData(dataKey) == value {
			return &requests[k], nil
		}
	}
	return nil, nil
}

// Persist saves field changes without firing the status-change callback.
// Used for provider_data bookkeeping merges.
func (m *Manager) Persist(ctx context.Context, tx *gorm.DB, r *Request) error {
	result := m.dbOrTx(tx).WithContext(ctx).Save(r)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot persist payment request")
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, tx *gorm.DB, r *Request, status Status, resolvedBy string) error {
	if r.Status == status {
		return nil
	}
	r.Status = status
	if len(resolvedBy) > 0 {
		now := time.Now()
		r.ResolvedBy = resolvedBy
		r.ResolvedAt = &now
	}
	result := m.dbOrTx(tx).WithContext(ctx).Save(r)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update payment request status")
	}
	// inside a caller-owned transaction the write may still roll back, so
	// the caller notifies after commit
	if tx == nil {
		m.NotifyChanged(ctx, r)
	}
	return nil
}

// MarkProcessing transitions the request to processing once the external
// payment flow has started
func (m *Manager) MarkProcessing(ctx context.Context, tx *gorm.DB, r *Request) error {
	return m.transition(ctx, tx, r, StatusProcessing, "")
}

// Approve links the granted entitlement and resolves the request
func (m *Manager) Approve(ctx context.Context, tx *gorm.DB, r *Request, entitlementID, resolvedBy string) error {
	r.EntitlementID = &entitlementID
	return m.transition(ctx, tx, r, StatusApproved, resolvedBy)
}

// Reject resolves the request negatively
func (m *Manager) Reject(ctx context.Context, tx *gorm.DB, r *Request, resolvedBy, note string) error {
	if len(note) > 0 {
		r.AdminNote = note
	}
	return m.transition(ctx, tx, r, StatusRejected, resolvedBy)
}

// Expire closes the request after its external transaction ended
func (m *Manager) Expire(ctx context.Context, tx *gorm.DB, r *Request) error {
	now := time.Now()
	r.ExpiresAt = &now
	return m.transition(ctx, tx, r, StatusExpired, "")
}

// MarkRefunded records the terminal refunded state
func (m *Manager) MarkRefunded(ctx context.Context, tx *gorm.DB, r *Request, resolvedBy string) error {
	return m.transition(ctx, tx, r, StatusRefunded, resolvedBy)
}

// ListOption customizes the payment request listing
type ListOption struct {
	Status      Status
	ProviderKey string
	OwnerType   string
	Before      time.Time
	Limit       int
}

// List returns payment requests, newest first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Request, error) {
	baseQuery := m.DB.WithContext(ctx).Order("created_at desc")
	if len(opt.Status) > 0 {
		baseQuery = baseQuery.Where("status = ?", opt.Status)
	}
	if len(opt.ProviderKey) > 0 {
		baseQuery = baseQuery.Where("provider_key = ?", opt.ProviderKey)
	}
	if len(opt.OwnerType) > 0 {
		baseQuery = baseQuery.Where("owner_type = ?", opt.OwnerType)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	results := make([]Request, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
