package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var validate = validator.New()

// ManagerOptions contains the configuration for the plan Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Plans
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for plans
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Plan{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize plan.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Create will validate and persist a new Plan
func (m *Manager) Create(ctx context.Context, p *Plan) error {
	if len(p.ID) == 0 {
		p.ID = shortuuid.New()
	}
	if err := validate.Struct(p); err != nil {
		return err
	}
	if err := ValidateSlug(p.Slug); err != nil {
		return err
	}
	result := m.DB.WithContext(ctx).Create(p)
	if result.Error != nil {
		m.Logger.Error("Unable to create new plan in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create plan")
	}
	return nil
}

// Update will validate and persist changes to an existing Plan
func (m *Manager) Update(ctx context.Context, p *Plan) error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if err := ValidateSlug(p.Slug); err != nil {
		return err
	}
	result := m.DB.WithContext(ctx).Save(p)
	if result.Error != nil {
		m.Logger.Error("Unable to update plan in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update plan")
	}
	return nil
}

// GetByID will try to return the plan by its id
func (m *Manager) GetByID(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	result := m.DB.WithContext(ctx).First(&p, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}
	return &p, nil
}

// GetBySlug will try to return the plan by its unique slug
func (m *Manager) GetBySlug(ctx context.Context, slug string) (*Plan, error) {
	var p Plan
	result := m.DB.WithContext(ctx).First(&p, "slug = ?", slug)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by slug")
	}
	return &p, nil
}

// ListOption customizes the plan listing
type ListOption struct {
	ActiveOnly bool
}

// List returns defined plans, newest first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Plan, error) {
	baseQuery := m.DB.WithContext(ctx).Order("created_at desc")
	if opt.ActiveOnly {
		baseQuery = baseQuery.Where("active = ?", true)
	}
	results := make([]Plan, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
