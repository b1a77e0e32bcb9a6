package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultChannel = "settings_changes"

// ManagerOptions contains the configuration for the settings Manager.
// Redis is optional; when set, key changes are fanned out to sibling
// processes over pub/sub.
type ManagerOptions struct {
	DB      *gorm.DB
	Logger  *zap.Logger
	Redis   redis.UniversalClient
	Channel string
}

// Manager is the key/value configuration resolver with change notifications
type Manager struct {
	ManagerOptions
	origin string

	mu       sync.RWMutex
	watchers map[string][]ChangeFunc
}

// NewManager returns a new Manager for settings
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.Channel) == 0 {
		option.Channel = defaultChannel
	}
	if err := option.DB.AutoMigrate(&Setting{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize settings.Manager")
	}
	return &Manager{
		ManagerOptions: option,
		origin:         uuid.New().String(),
		watchers:       make(map[string][]ChangeFunc),
	}, nil
}

// Get returns the resolved value for a key. A key that was never set
// resolves to the empty string.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var s Setting
	result := m.DB.WithContext(ctx).First(&s, "key = ?", key)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", extErrors.Wrap(result.Error, "Cannot get setting")
	}
	return s.Value, nil
}

// GetBool resolves a key as a boolean. Unset or unparsable values are false.
func (m *Manager) GetBool(ctx context.Context, key string) bool {
	value, err := m.Get(ctx, key)
	if err != nil {
		m.Logger.Error("Unable to resolve boolean setting",
			zap.String("Key", key),
			zap.Error(err),
		)
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

// GetInt resolves a key as an integer. Unset or unparsable values are 0.
func (m *Manager) GetInt(ctx context.Context, key string) int64 {
	value, err := m.Get(ctx, key)
	if err != nil {
		m.Logger.Error("Unable to resolve integer setting",
			zap.String("Key", key),
			zap.Error(err),
		)
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// Set persists a value and fires change notifications when the value
// actually changed. The row is loaded first so a seeded type and description
// survive later writes.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	var s Setting
	result := m.DB.WithContext(ctx).First(&s, "key = ?", key)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return extErrors.Wrap(result.Error, "Cannot set setting")
	}
	old := s.Value
	s.Key = key
	s.Value = value
	if result := m.DB.WithContext(ctx).Save(&s); result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot set setting")
	}
	if old == value {
		return nil
	}
	m.fire(key, old, value)
	m.publish(key, old, value)
	return nil
}

// SetDefault persists a setting only if the key was never written before
func (m *Manager) SetDefault(ctx context.Context, s Setting) error {
	var existing Setting
	result := m.DB.WithContext(ctx).
		Where(Setting{Key: s.Key}).
		Attrs(s).
		FirstOrCreate(&existing)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot seed default setting")
	}
	return nil
}

// OnChange registers a callback for a specific key
func (m *Manager) OnChange(key string, cb ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[key] = append(m.watchers[key], cb)
}

// Reset removes all registered watchers. Used for test isolation.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = make(map[string][]ChangeFunc)
}

func (m *Manager) fire(key, old, new string) {
	m.mu.RLock()
	callbacks := m.watchers[key]
	m.mu.RUnlock()
	for _, cb := range callbacks {
		cb(key, old, new)
	}
}

func (m *Manager) publish(key, old, new string) {
	if m.Redis == nil {
		return
	}
	payload, err := json.Marshal(change{
		Origin:   m.origin,
		Key:      key,
		OldValue: old,
		NewValue: new,
	})
	if err != nil {
		return
	}
	if err := m.Redis.Publish(m.Channel, payload).Err(); err != nil {
		m.Logger.Error("Unable to publish setting change",
			zap.String("Key", key),
			zap.Error(err),
		)
	}
}

// StartSubscriber re-fires local watchers when a sibling process changes a
// setting. It blocks until ctx is done and is a no-op without Redis.
func (m *Manager) StartSubscriber(ctx context.Context) error {
	if m.Redis == nil {
		return nil
	}
	pubsub := m.Redis.Subscribe(m.Channel)
	defer pubsub.Close()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var c change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				m.Logger.Warn("Discarding malformed setting change message",
					zap.Error(err),
				)
				continue
			}
			if c.Origin == m.origin {
				continue
			}
			m.fire(c.Key, c.OldValue, c.NewValue)
		}
	}
}
