package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubProvider struct {
	def Definition
}

var _ Provider = &stubProvider{}

func (s *stubProvider) Definition() Definition {
	return s.def
}

func (s *stubProvider) Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error) {
	return &InitiateResult{}, nil
}

func (s *stubProvider) Complete(ctx context.Context, req *payment.Request, params CompleteParams) error {
	return nil
}

func (s *stubProvider) Reject(ctx context.Context, req *payment.Request, params ResolveParams) error {
	return nil
}

func (s *stubProvider) Refund(ctx context.Context, req *payment.Request, params ResolveParams) error {
	return nil
}

func (s *stubProvider) AdminDetails(req *payment.Request) map[string]string {
	return map[string]string{}
}

func testSettings(t *testing.T) *settings.Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := dbConn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		sqlDB.Close()
	})
	manager, err := settings.NewManager(settings.ManagerOptions{
		DB:     dbConn,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return manager
}

func testRegistry(t *testing.T) (*Registry, *settings.Manager) {
	t.Helper()
	sm := testSettings(t)
	registry, err := NewRegistry(RegistryOptions{
		Settings: sm,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return registry, sm
}

func TestRegisterSeedsSettings(t *testing.T) {
	registry, sm := testRegistry(t)
	ctx := context.Background()

	err := registry.Register(ctx, &stubProvider{
		def: Definition{
			Key:   "demo",
			Label: "Demo",
			Settings: []SettingDescriptor{
				{
					Key:     "greeting",
					Type:    SettingString,
					Default: "hello",
				},
			},
		},
	})
	require.NoError(t, err)

	value, err := sm.Get(ctx, "providers.demo.greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	// enabled descriptor is appended automatically and defaults to true
	assert.True(t, sm.GetBool(ctx, "providers.demo."+EnabledSetting))

	def, ok := registry.Find("demo")
	require.True(t, ok)
	assert.Len(t, def.Settings, 2)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	stub := &stubProvider{
		def: Definition{
			Key:   "demo",
			Label: "Demo",
		},
	}
	require.NoError(t, registry.Register(ctx, stub))
	err := registry.Register(ctx, stub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterConcurrentDuplicates(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := registry.Register(ctx, &stubProvider{
				def: Definition{Key: "demo", Label: "Demo"},
			})
			if err == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded)
	assert.Len(t, registry.All(), 1)
}

func TestRegisterValidatesContract(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	err := registry.Register(ctx, &stubProvider{
		def: Definition{
			Label: "No Key",
		},
	})
	assert.Error(t, err)

	err = registry.Register(ctx, &stubProvider{
		def: Definition{
			Key: "no-label",
		},
	})
	assert.Error(t, err)

	err = registry.Register(ctx, &stubProvider{
		def: Definition{
			Key:          "bad-action",
			Label:        "Bad Action",
			AdminActions: []AdminAction{"escalate"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalate")
}

func TestRegisterReportsMissingRequired(t *testing.T) {
	registry, sm := testRegistry(t)
	ctx := context.Background()

	stub := &stubProvider{
		def: Definition{
			Key:   "gated",
			Label: "Gated",
			Settings: []SettingDescriptor{
				{
					Key:      "api_key",
					Type:     SettingString,
					Required: true,
				},
				{
					Key:      "endpoint",
					Type:     SettingString,
					Required: true,
				},
			},
		},
	}
	err := registry.Register(ctx, stub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.gated.api_key")
	assert.Contains(t, err.Error(), "providers.gated.endpoint")

	require.NoError(t, sm.Set(ctx, "providers.gated.api_key", "key"))
	require.NoError(t, sm.Set(ctx, "providers.gated.endpoint", "https://example.com"))
	require.NoError(t, registry.Register(ctx, stub))
}

func TestEnabledRespectsSetting(t *testing.T) {
	registry, sm := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &stubProvider{
		def: Definition{Key: "first", Label: "First"},
	}))
	require.NoError(t, registry.Register(ctx, &stubProvider{
		def: Definition{Key: "second", Label: "Second"},
	}))

	assert.Len(t, registry.Enabled(ctx), 2)

	require.NoError(t, sm.Set(ctx, "providers.second."+EnabledSetting, "false"))
	enabled := registry.Enabled(ctx)
	require.Len(t, enabled, 1)
	assert.Equal(t, "first", enabled[0].Key)

	options := registry.ForSelect(ctx)
	require.Len(t, options, 1)
	assert.Equal(t, "First", options[0].Label)
	assert.Equal(t, "first", options[0].Key)
}

func TestReset(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &stubProvider{
		def: Definition{Key: "demo", Label: "Demo"},
	}))
	registry.Reset()
	_, ok := registry.Find("demo")
	assert.False(t, ok)
	assert.Empty(t, registry.All())
}
