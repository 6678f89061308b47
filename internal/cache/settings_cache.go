package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"request-firewall/internal/config"
	"request-firewall/internal/domain"
)

// SettingsCache é a visão memoizada dos Settings resolvidos
type SettingsCache struct {
	cache  *TTLCache[domain.Settings]
	logger domain.Logger
}

// NewSettingsCache cria o cache de settings com TTL fixo
func NewSettingsCache(store domain.ConfigStore, ttl time.Duration, logger domain.Logger, opts ...Option) *SettingsCache {
	load := func(ctx context.Context) (domain.Settings, error) {
		doc, err := store.GetSettingsDocument(ctx, config.SettingsID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Settings{}, fmt.Errorf("failed to load settings document: %w", err)
		}

		features, err := store.GetFeatureConfig(ctx)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Settings{}, fmt.Errorf("failed to load feature config: %w", err)
		}

		return config.MergeSettings(doc, features), nil
	}

	return &SettingsCache{
		cache:  NewTTLCache("settings", load, func() time.Duration { return ttl }, opts...),
		logger: logger,
	}
}

// Get devolve os settings vigentes. Nunca falha: sem snapshot, usa os defaults embutidos.
func (s *SettingsCache) Get(ctx context.Context) domain.Settings {
	settings, err := s.cache.Get(ctx)
	if err == nil {
		return settings
	}

	if snapshot, ok := s.cache.Peek(); ok {
		s.logger.Warn("Settings reload failed, serving last known good snapshot", map[string]interface{}{
			"error": err.Error(),
		})
		return snapshot
	}

	s.logger.Error("Settings unavailable, serving built-in defaults", err, nil)
	return config.DefaultSettings()
}

// Peek devolve o snapshot atual sem acessar o store
func (s *SettingsCache) Peek() (domain.Settings, bool) {
	return s.cache.Peek()
}

// Invalidate força o próximo Get a recarregar
func (s *SettingsCache) Invalidate() {
	s.cache.Invalidate()
}
