package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"request-firewall/internal/domain"
)

const banLockStripes = 32

// AutoBanner sintetiza regras de bloqueio permanentes para reincidentes.
// É idempotente por IP: um segundo ban atualiza a regra existente.
type AutoBanner struct {
	store  domain.ConfigStore
	rules  domain.RuleProvider
	geo    domain.GeoLocator
	logger domain.Logger
	now    func() time.Time

	// serializa o lookup-then-create por IP dentro deste processo
	locks [banLockStripes]sync.Mutex
}

// NewAutoBanner cria o sintetizador de auto-ban. geo e rules podem ser nil.
func NewAutoBanner(store domain.ConfigStore, rules domain.RuleProvider, geo domain.GeoLocator, logger domain.Logger) *AutoBanner {
	return &AutoBanner{
		store:  store,
		rules:  rules,
		geo:    geo,
		logger: logger,
		now:    time.Now,
	}
}

// Ban cria ou atualiza a regra ip_block do cliente e invalida o cache de regras
func (b *AutoBanner) Ban(ctx context.Context, clientID string, record *domain.RateLimitRecord, settings domain.Settings) (*domain.Rule, error) {
	lock := b.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	if b.rules != nil {
		defer b.rules.Invalidate()
	}

	now := b.now()
	violations := 0
	if record != nil {
		violations = record.Violations
	}

	enabled := true
	existing, err := b.store.ListRules(ctx, domain.RuleFilter{
		Enabled: &enabled,
		Type:    domain.RuleIPBlock,
		Value:   clientID,
		Source:  domain.SourceRateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing ban: %w", err)
	}

	if len(existing) > 0 {
		rule := existing[0]
		rule.Attempts++
		rule.LastAttempt = &now
		rule.UpdatedAt = now
		rule.Description = banDescription(violations)

		if err := b.store.UpdateRule(ctx, &rule); err != nil {
			return nil, fmt.Errorf("failed to update ban rule: %w", err)
		}

		b.logger.Warn("Auto-ban refreshed", map[string]interface{}{
			"client_id": clientID,
			"rule_id":   rule.ID,
			"attempts":  rule.Attempts,
		})
		return &rule, nil
	}

	rule := domain.Rule{
		ID:          uuid.NewString(),
		Name:        "Auto-ban " + clientID,
		Type:        domain.RuleIPBlock,
		Value:       clientID,
		Action:      domain.ActionBlock,
		Enabled:     true,
		Priority:    settings.AutoBlocking.Priority,
		Source:      domain.SourceRateLimit,
		Permanent:   true,
		AutoCreated: true,
		Attempts:    1,
		LastAttempt: &now,
		Description: banDescription(violations),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.annotate(&rule)

	if err := b.store.CreateRule(ctx, &rule); err != nil {
		return nil, fmt.Errorf("failed to create ban rule: %w", err)
	}

	b.logger.Warn("Client auto-banned", map[string]interface{}{
		"client_id":  clientID,
		"rule_id":    rule.ID,
		"violations": violations,
		"country":    rule.Country,
	})
	return &rule, nil
}

// annotate preenche a geolocalização da regra; falhas são ignoradas
func (b *AutoBanner) annotate(rule *domain.Rule) {
	if b.geo == nil {
		return
	}
	location, err := b.geo.Lookup(rule.Value)
	if err != nil || location == nil {
		return
	}
	rule.Country = location.Country
	rule.Region = location.Region
	rule.City = location.City
}

func (b *AutoBanner) lockFor(clientID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return &b.locks[h.Sum32()%banLockStripes]
}

func banDescription(violations int) string {
	return fmt.Sprintf("Automatically banned after %d rate limit violations", violations)
}
