package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/entitledhq/entitled/admin"
	"github.com/entitledhq/entitled/broker"
	"github.com/entitledhq/entitled/db"
	"github.com/entitledhq/entitled/entitlement"
	"github.com/entitledhq/entitled/external"
	"github.com/entitledhq/entitled/owner"
	"github.com/entitledhq/entitled/payment"
	"github.com/entitledhq/entitled/plan"
	"github.com/entitledhq/entitled/provider"
	"github.com/entitledhq/entitled/provider/gateway"
	"github.com/entitledhq/entitled/provider/wire"
	"github.com/entitledhq/entitled/settings"
	"github.com/entitledhq/entitled/usage"
	"github.com/entitledhq/entitled/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	production := "production" == env
	if production {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       !production,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zap core with sentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	dbConn, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	var rdb redis.UniversalClient
	if redisURI := os.Getenv("REDIS_URI"); len(redisURI) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{redisURI},
			Password: os.Getenv("REDIS_PW"),
			DB:       0,
		})
		if _, err := rdb.Ping().Result(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		defer rdb.Close()
	}

	var producer broker.Producer
	if amqpURI := os.Getenv("AMQP_URI"); len(amqpURI) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(amqpURI)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		producer = amqpBroker
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settingsManager, err := settings.NewManager(settings.ManagerOptions{
		DB:     dbConn,
		Logger: logger,
		Redis:  rdb,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SettingsManager",
			zap.Error(err),
		)
	}
	go func() {
		if err := settingsManager.StartSubscriber(ctx); err != nil {
			logger.Error("Settings subscriber exited",
				zap.Error(err),
			)
		}
	}()

	ownerResolver, err := owner.NewResolver(owner.ResolverOptions{
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize OwnerResolver",
			zap.Error(err),
		)
	}

	registry, err := provider.NewRegistry(provider.RegistryOptions{
		Settings: settingsManager,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ProviderRegistry",
			zap.Error(err),
		)
	}
	registeredProvider := func(key string) bool {
		_, ok := registry.Find(key)
		return ok
	}

	planManager, err := plan.NewManager(plan.ManagerOptions{
		DB:     dbConn,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize PlanManager",
			zap.Error(err),
		)
	}

	entitlementManager, err := entitlement.NewManager(entitlement.ManagerOptions{
		DB:               dbConn,
		Logger:           logger,
		ValidProviderKey: registeredProvider,
		AfterChanged: func(ctx context.Context, e *entitlement.Entitlement) {
			if producer == nil {
				return
			}
			if err := producer.PublishEntitlementChanged(&broker.EntitlementChanged{
				Entitlement: e,
				EmittedAt:   time.Now(),
			}); err != nil {
				logger.Error("Unable to publish entitlement change",
					zap.String("EntitlementID", e.ID),
					zap.Error(err),
				)
			}
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize EntitlementManager",
			zap.Error(err),
		)
	}

	paymentManager, err := payment.NewManager(payment.ManagerOptions{
		DB:               dbConn,
		Logger:           logger,
		ValidProviderKey: registeredProvider,
		AfterChanged: func(ctx context.Context, r *payment.Request) {
			if producer == nil {
				return
			}
			if err := producer.PublishPaymentRequestChanged(&broker.PaymentRequestChanged{
				Request:   r,
				EmittedAt: time.Now(),
			}); err != nil {
				logger.Error("Unable to publish payment request change",
					zap.String("PaymentRequestID", r.ID),
					zap.Error(err),
				)
			}
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize PaymentManager",
			zap.Error(err),
		)
	}

	usageManager, err := usage.NewManager(usage.ManagerOptions{
		DB:     dbConn,
		Logger: logger,
		OnLimitReached: func(ctx context.Context, c *usage.Counter) {
			if producer == nil {
				return
			}
			if err := producer.PublishUsageLimitReached(&broker.UsageLimitReached{
				Counter:   c,
				EmittedAt: time.Now(),
			}); err != nil {
				logger.Error("Unable to publish usage limit event",
					zap.String("Metric", c.Metric),
					zap.Error(err),
				)
			}
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize UsageManager",
			zap.Error(err),
		)
	}

	wireProvider, err := wire.New(wire.Options{
		DB:           dbConn,
		Payments:     paymentManager,
		Entitlements: entitlementManager,
		Plans:        planManager,
		Owners:       ownerResolver,
		Settings:     settingsManager,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize wire transfer provider",
			zap.Error(err),
		)
	}
	if err := registry.Register(ctx, wireProvider); err != nil {
		logger.Fatal("Cannot register wire transfer provider",
			zap.Error(err),
		)
	}

	// allow first boot to seed the required gateway settings from the
	// environment; afterwards the database copy wins
	seedFromEnv := map[string]string{
		gateway.SecretKeySetting:       os.Getenv("STRIPE_KEY"),
		gateway.WebhookSecretSetting:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		"providers.stripe.success_url": os.Getenv("CHECKOUT_SUCCESS_URL"),
		"providers.stripe.cancel_url":  os.Getenv("CHECKOUT_CANCEL_URL"),
	}
	for key, value := range seedFromEnv {
		if len(value) == 0 {
			continue
		}
		if err := settingsManager.SetDefault(ctx, settings.Setting{
			Key:   key,
			Value: value,
			Type:  "string",
		}); err != nil {
			logger.Fatal("Cannot seed gateway setting",
				zap.String("Key", key),
				zap.Error(err),
			)
		}
	}

	stripeKey, err := settingsManager.Get(ctx, gateway.SecretKeySetting)
	if err != nil {
		logger.Fatal("Cannot resolve Stripe secret key",
			zap.Error(err),
		)
	}

	stripeProvider, err := gateway.New(gateway.Options{
		DB:           dbConn,
		Gateway:      external.NewStripeGateway(stripeKey),
		Payments:     paymentManager,
		Entitlements: entitlementManager,
		Plans:        planManager,
		Owners:       ownerResolver,
		Settings:     settingsManager,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Stripe provider",
			zap.Error(err),
		)
	}
	if err := registry.Register(ctx, stripeProvider); err != nil {
		logger.Fatal("Cannot register Stripe provider",
			zap.Error(err),
		)
	}

	webhookHandlers, err := webhook.NewHandlers(webhook.HandlersOptions{
		DB:           dbConn,
		Payments:     paymentManager,
		Entitlements: entitlementManager,
		Owners:       ownerResolver,
		Registry:     registry,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Handlers",
			zap.Error(err),
		)
	}

	webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
		Handlers: webhookHandlers,
		Settings: settingsManager,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	adminRouter, err := admin.NewService(admin.ServiceOptions{
		PaymentManager: paymentManager,
		UsageManager:   usageManager,
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Admin Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{os.Getenv("SITE_URL")},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	rootRouter.Mount("/webhooks", webhookRouter.Router())
	rootRouter.Mount("/admin", adminRouter.Router())

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42069",
	}

	logger.Info("API listening",
		zap.String("Addr", srv.Addr),
	)
	log.Fatalln(srv.ListenAndServe())
}
