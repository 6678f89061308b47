package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"request-firewall/internal/domain"
)

// SettingsPeeker expõe o snapshot de settings sem disparar load
type SettingsPeeker interface {
	Peek() (domain.Settings, bool)
}

// RuleCache é a visão memoizada das regras habilitadas, ordenadas por prioridade
type RuleCache struct {
	cache  *TTLCache[[]domain.Rule]
	logger domain.Logger
}

// NewRuleCache cria o cache de regras. O TTL vem dos settings já cacheados;
// antes do primeiro load de settings vale bootstrapTTL.
func NewRuleCache(store domain.ConfigStore, settings SettingsPeeker, bootstrapTTL time.Duration, logger domain.Logger, opts ...Option) *RuleCache {
	enabled := true
	load := func(ctx context.Context) ([]domain.Rule, error) {
		rules, err := store.ListRules(ctx, domain.RuleFilter{Enabled: &enabled})
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}

		active := make([]domain.Rule, 0, len(rules))
		for _, rule := range rules {
			if rule.Enabled {
				active = append(active, rule)
			}
		}
		sort.SliceStable(active, func(i, j int) bool {
			return active[i].Priority < active[j].Priority
		})
		return active, nil
	}

	ttl := func() time.Duration {
		current, ok := settings.Peek()
		if !ok {
			return bootstrapTTL
		}
		if !current.RuleCache.Enabled {
			return 0
		}
		return time.Duration(current.RuleCache.TTLSeconds) * time.Second
	}

	return &RuleCache{
		cache:  NewTTLCache("rules", load, ttl, opts...),
		logger: logger,
	}
}

// Get devolve uma cópia das regras vigentes. Em falha sem snapshot, nenhuma regra.
func (r *RuleCache) Get(ctx context.Context) []domain.Rule {
	rules, err := r.cache.Get(ctx)
	if err != nil {
		snapshot, ok := r.cache.Peek()
		if !ok {
			r.logger.Error("Rules unavailable, evaluating without rules", err, nil)
			return nil
		}
		r.logger.Warn("Rules reload failed, serving last known good snapshot", map[string]interface{}{
			"error": err.Error(),
			"rules": len(snapshot),
		})
		rules = snapshot
	}

	return append([]domain.Rule(nil), rules...)
}

// Invalidate força o próximo Get a recarregar
func (r *RuleCache) Invalidate() {
	r.cache.Invalidate()
}
