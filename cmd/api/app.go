package main

import (
	"context"
	"fmt"
	"io"

	"request-firewall/internal/cache"
	"request-firewall/internal/config"
	"request-firewall/internal/domain"
	"request-firewall/internal/events"
	"request-firewall/internal/geo"
	"request-firewall/internal/matcher"
	"request-firewall/internal/metrics"
	"request-firewall/internal/service"
	"request-firewall/internal/storage"
)

// app é a raiz de composição compartilhada pelos comandos
type app struct {
	cfg    *config.Config
	logger domain.Logger

	store       domain.RateLimitStore
	configStore domain.ConfigStore
	settings    *cache.SettingsCache
	rules       *cache.RuleCache
	engine      *matcher.Engine
	pipeline    *service.Pipeline
	maintenance *service.Maintenance
	metrics     *metrics.Metrics

	closers []io.Closer
}

// newApp monta todas as dependências a partir da configuração do processo
func newApp(cfg *config.Config, logger domain.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	factory := storage.NewStorageFactory()

	storageConfig := storage.BuildStorageConfigFromEnv(
		cfg.StorageType,
		cfg.RedisHost,
		cfg.RedisPort,
		cfg.RedisPassword,
		cfg.RedisDB,
		cfg.RecordMaxIdle(),
	)
	store, err := factory.CreateStorage(storageConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	configStore, err := factory.CreateConfigStore(cfg.FirewallConfigFile, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.configStore = configStore

	locator, err := newLocator(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closer, ok := locator.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}

	a.settings = cache.NewSettingsCache(configStore, cfg.SettingsTTL(), logger, cache.WithObserver(a.metrics))
	a.rules = cache.NewRuleCache(configStore, a.settings, cfg.BootstrapRuleTTL(), logger, cache.WithObserver(a.metrics))
	a.engine = matcher.NewEngine(locator)

	recorderOpts := []events.Option{events.WithAlertBudget(cfg.AlertsPerMinute)}
	if cfg.EventLogFile != "" {
		sink := events.NewFileSink(cfg.EventLogFile, cfg.EventLogMaxSizeMB, cfg.EventLogMaxBackups)
		a.closers = append(a.closers, sink)
		recorderOpts = append(recorderOpts, events.WithSink(sink))
	}
	recorder := events.NewRecorder(a.settings, logger, recorderOpts...)

	banner := service.NewAutoBanner(configStore, a.rules, locator, logger)
	limiter := service.NewRateLimiter(store, banner, logger)

	a.pipeline = service.NewPipeline(
		service.PipelineConfig{
			BypassPaths:        cfg.BypassPaths,
			InformationalPaths: cfg.InformationalPaths,
		},
		a.settings,
		a.rules,
		a.engine,
		limiter,
		logger,
		service.WithEventRecorder(recorder),
		service.WithObserver(a.metrics),
	)

	a.maintenance = service.NewMaintenance(store, service.MaintenanceConfig{
		CleanupInterval:        seconds(cfg.CleanupInterval),
		ViolationResetInterval: seconds(cfg.ViolationResetInterval),
		RecordMaxIdle:          cfg.RecordMaxIdle(),
		ViolationResetAge:      seconds(cfg.ViolationResetAge),
	}, logger)
	a.maintenance.SetObserver(a.metrics)

	return a, nil
}

// watchConfig invalida os caches quando o arquivo de configuração muda
func (a *app) watchConfig(ctx context.Context) error {
	fileStore, ok := a.configStore.(*storage.FileConfigStore)
	if !ok || !a.cfg.WatchConfig {
		return nil
	}

	return fileStore.Watch(ctx, func() {
		a.settings.Invalidate()
		a.rules.Invalidate()
		a.logger.Info("Firewall config changed, caches invalidated", map[string]interface{}{
			"path": a.cfg.FirewallConfigFile,
		})
	})
}

// Close libera os recursos na ordem inversa de criação
func (a *app) Close() {
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Error("Failed to close resource", err, nil)
		}
	}
	a.closers = nil
}

func newLocator(cfg *config.Config, logger domain.Logger) (domain.GeoLocator, error) {
	if cfg.GeoIPCityDB == "" && cfg.GeoIPASNDB == "" {
		logger.Info("No GeoIP databases configured, country and ASN rules will not match", nil)
		return geo.NoopLocator{}, nil
	}

	locator, err := geo.NewGeoIPLocator(cfg.GeoIPCityDB, cfg.GeoIPASNDB)
	if err != nil {
		return nil, err
	}
	logger.Info("GeoIP databases loaded", map[string]interface{}{
		"city_db": cfg.GeoIPCityDB,
		"asn_db":  cfg.GeoIPASNDB,
	})
	return locator, nil
}
