package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/owner"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions contains the configuration for the entitlement Manager.
// AfterChanged, when set, is invoked after every persisted status change
// (and never for writes that leave the status untouched). ValidProviderKey
// guards Grant against an entitlement naming a provider that was never
// registered.
type ManagerOptions struct {
	DB               *gorm.DB
	Logger           *zap.Logger
	AfterChanged     func(ctx context.Context, e *Entitlement)
	ValidProviderKey func(key string) bool
}

// Manager handles the database operations relating to Entitlements
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for entitlements
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Entitlement{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize entitlement.Manager")
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

// NotifyChanged invokes the AfterChanged callback directly. Callers that
// mutate entitlements inside their own transaction use it after the commit.
func (m *Manager) NotifyChanged(ctx context.Context, e *Entitlement) {
	if m.AfterChanged != nil {
		m.AfterChanged(ctx, e)
	}
}

// notify fires the callback for writes outside a caller-owned transaction.
// Inside one the write may still roll back, so the caller notifies after
// commit instead.
func (m *Manager) notify(ctx context.Context, tx *gorm.DB, e *Entitlement) {
	if tx == nil {
		m.NotifyChanged(ctx, e)
	}
}

// GrantOption describes a new grant
type GrantOption struct {
	Owner       owner.Ref
	PlanID      string
	Provider    string
	ProviderRef string
	Status      Status // defaults to active
	ExpiresAt   *time.Time
}

// Grant creates a new Entitlement. Every successful payment completion
// creates a new row; the grant is located afterwards by its provider
// reference, never deduplicated against existing rows.
func (m *Manager) Grant(ctx context.Context, tx *gorm.DB, opt GrantOption) (*Entitlement, error) {
	status := opt.Status
	if len(status) == 0 {
		status = StatusActive
	}
	e := &Entitlement{
		ID:          shortuuid.New(),
		PlanID:      opt.PlanID,
		Owner:       opt.Owner,
		Provider:    opt.Provider,
		ProviderRef: opt.ProviderRef,
		Status:      status,
		ExpiresAt:   opt.ExpiresAt,
	}
	if status == StatusActive {
		now := time.Now()
		e.ActivatedAt = &now
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if m.ValidProviderKey != nil && !m.ValidProviderKey(opt.Provider) {
		return nil, fmt.Errorf("unknown payment provider %q", opt.Provider)
	}
	result := m.dbOrTx(tx).WithContext(ctx).Create(e)
	if result.Error != nil {
		m.Logger.Error("Unable to create new entitlement in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create entitlement")
	}
	m.notify(ctx, tx, e)
	return e, nil
}

// GetByID will try to return the entitlement by its id
func (m *Manager) GetByID(ctx context.Context, id string) (*Entitlement, error) {
	var e Entitlement
	result := m.DB.WithContext(ctx).First(&e, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get entitlement by id")
	}
	return &e, nil
}

// GetByProviderRef will try to return the entitlement holding an external
// reference (e.g. a subscription id) for a given provider
func (m *Manager) GetByProviderRef(ctx context.Context, provider, providerRef string) (*Entitlement, error) {
	if len(providerRef) == 0 {
		return nil, nil
	}
	var e Entitlement
	result := m.DB.WithContext(ctx).
		Where("provider = ?", provider).
		Where("provider_ref = ?", providerRef).
		Order("created_at desc").
		First(&e)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get entitlement by provider reference")
	}
	return &e, nil
}

// SetProviderRef stores the external reference without touching the status
func (m *Manager) SetProviderRef(ctx context.Context, tx *gorm.DB, e *Entitlement, providerRef string) error {
	e.ProviderRef = providerRef
	result := m.dbOrTx(tx).WithContext(ctx).Save(e)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update entitlement provider reference")
	}
	return nil
}

// Activate transitions the entitlement to active. It is idempotent: an
// already-active entitlement is left untouched and no callback fires. A
// revoked entitlement is never reactivated.
func (m *Manager) Activate(ctx context.Context, tx *gorm.DB, e *Entitlement) error {
	if e.Status == StatusActive {
		return nil
	}
	if e.Status == StatusRevoked {
		m.Logger.Warn("Refusing to activate a revoked entitlement",
			zap.String("EntitlementID", e.ID),
		)
		return nil
	}
	now := time.Now()
	e.Status = StatusActive
	e.ActivatedAt = &now
	result := m.dbOrTx(tx).WithContext(ctx).Save(e)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot activate entitlement")
	}
	m.notify(ctx, tx, e)
	return nil
}

// Revoke is the single revocation path. It is idempotent: revoking an
// already-revoked entitlement is a no-op and fires no callback.
func (m *Manager) Revoke(ctx context.Context, tx *gorm.DB, e *Entitlement, reason RevokeReason) error {
	if e.Status == StatusRevoked {
		return nil
	}
	now := time.Now()
	e.Status = StatusRevoked
	e.RevokedAt = &now
	e.RevokeReason = reason
	result := m.dbOrTx(tx).WithContext(ctx).Save(e)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot revoke entitlement")
	}
	m.notify(ctx, tx, e)
	return nil
}

// ExtendExpiry pushes the expiry out to the given time (never shortening an
// existing expiry) and re-activates an entitlement that lapsed. It reports
// whether anything changed; the callback fires only in that case.
func (m *Manager) ExtendExpiry(ctx context.Context, tx *gorm.DB, e *Entitlement, until time.Time) (bool, error) {
	if e.Status == StatusRevoked {
		m.Logger.Warn("Refusing to extend a revoked entitlement",
			zap.String("EntitlementID", e.ID),
		)
		return false, nil
	}
	extended := false
	if e.ExpiresAt == nil || until.After(*e.ExpiresAt) {
		e.ExpiresAt = &until
		extended = true
	}
	statusChanged := false
	if e.Status != StatusActive {
		now := time.Now()
		e.Status = StatusActive
		e.ActivatedAt = &now
		statusChanged = true
	}
	if !extended && !statusChanged {
		return false, nil
	}
	result := m.dbOrTx(tx).WithContext(ctx).Save(e)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot extend entitlement expiry")
	}
	m.notify(ctx, tx, e)
	return true, nil
}

// Expire marks a naturally lapsed entitlement as expired
func (m *Manager) Expire(ctx context.Context, tx *gorm.DB, e *Entitlement) error {
	if e.Status == StatusExpired || e.Status == StatusRevoked {
		return nil
	}
	e.Status = StatusExpired
	result := m.dbOrTx(tx).WithContext(ctx).Save(e)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot expire entitlement")
	}
	m.notify(ctx, tx, e)
	return nil
}

// ListOption customizes the entitlement listing
type ListOption struct {
	OwnerType string
	OwnerID   string
	Status    Status
	Provider  string
	Before    time.Time
	Limit     int
}

// List returns entitlements, newest first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Entitlement, error) {
	baseQuery := m.DB.WithContext(ctx).Order("created_at desc")
	if len(opt.OwnerType) > 0 {
		baseQuery = baseQuery.Where("owner_type = ?", opt.OwnerType)
	}
	if len(opt.OwnerID) > 0 {
		baseQuery = baseQuery.Where("owner_id = ?", opt.OwnerID)
	}
	if len(opt.Status) > 0 {
		baseQuery = baseQuery.Where("status = ?", opt.Status)
	}
	if len(opt.Provider) > 0 {
		baseQuery = baseQuery.Where("provider = ?", opt.Provider)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	results := make([]Entitlement, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
