package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/oakmere/storefront/internal/payments"
	"github.com/oakmere/storefront/internal/platform/config"
	"github.com/oakmere/storefront/internal/platform/requestctx"
	"github.com/oakmere/storefront/internal/repositories"
	"github.com/oakmere/storefront/internal/repositories/postgres"
	"github.com/oakmere/storefront/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders  services.OrderService
	History services.StatusHistoryService
	System  services.SystemService
}

// Container wires the database, repositories, payment adapters, and services
// for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	db *sqlx.DB
}

// NewContainer constructs the runtime dependencies from configuration. The
// provided logger backs structured event logging in services and adapters.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := postgres.Open(ctx, cfg.Database.DSN, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	healthRepo, err := repositories.NewProbeHealthRepository(buildHealthChecks(db, cfg), time.Now)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	reg, err := postgres.NewRegistry(db, healthRepo)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	dispatcher, err := buildRefundDispatcher(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	svc, err := buildServices(reg, dispatcher, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		db:           db,
	}, nil
}

// Close releases the database pool and repository resources.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildHealthChecks(db *sqlx.DB, cfg config.Config) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{
		{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return db.PingContext(ctx)
			},
		},
		{
			Name: "refund_providers",
			Check: func(context.Context) error {
				if cfg.PSP.CardAPIKey == "" && cfg.PSP.WalletClientID == "" {
					return errors.New("no refund provider configured")
				}
				return nil
			},
		},
	}
	return checks
}

func buildRefundDispatcher(cfg config.Config, logger *zap.Logger) (services.RefundDispatcher, error) {
	eventLogger := zapEventLogger(logger)
	providers := make(map[string]payments.Provider)

	if cfg.PSP.CardAPIKey != "" {
		card, err := payments.NewCardProvider(payments.CardProviderConfig{
			APIKey:  cfg.PSP.CardAPIKey,
			Timeout: cfg.PSP.RefundTimeout,
			Logger:  eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build card provider: %w", err)
		}
		providers["card"] = card
	}

	if cfg.PSP.WalletClientID != "" {
		wallet, err := payments.NewWalletProvider(payments.WalletProviderConfig{
			BaseURL:      cfg.PSP.WalletBaseURL,
			ClientID:     cfg.PSP.WalletClientID,
			ClientSecret: cfg.PSP.WalletClientSecret,
			Timeout:      cfg.PSP.RefundTimeout,
			Logger:       eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build wallet provider: %w", err)
		}
		providers["wallet"] = wallet
	}

	if len(providers) == 0 {
		return nil, errors.New("at least one refund provider must be configured")
	}

	dispatcher, err := payments.NewDispatcher(providers, eventLogger)
	if err != nil {
		return nil, fmt.Errorf("build refund dispatcher: %w", err)
	}
	return dispatcher, nil
}

func buildServices(reg repositories.Registry, dispatcher services.RefundDispatcher, cfg config.Config, logger *zap.Logger) (Services, error) {
	var svc Services
	eventLogger := zapEventLogger(logger)

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build: services.BuildInfo{
				Version:     cfg.Build.Version,
				Environment: cfg.Build.Environment,
				StartedAt:   time.Now().UTC(),
			},
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	historySvc, err := services.NewStatusHistoryService(services.StatusHistoryServiceDeps{
		History: reg.StatusHistory(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build status history service: %w", err)
	}
	svc.History = historySvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		History:    reg.StatusHistory(),
		UnitOfWork: reg,
		Refunds:    dispatcher,
		Clock:      time.Now,
		Logger:     eventLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	return svc, nil
}

// zapEventLogger adapts the zap logger to the event-style logging callback
// used by services and payment adapters. It prefers the request-scoped logger
// when one is present on the context.
func zapEventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
