package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"request-firewall/internal/domain"
)

// MemoryConfigStore implementa domain.ConfigStore em memória.
// Tudo entra e sai por cópia: quem lê nunca altera o estado interno.
type MemoryConfigStore struct {
	mu        sync.RWMutex
	documents map[string]*domain.SettingsDocument
	features  *domain.FeatureConfig
	rules     []domain.Rule
	now       func() time.Time
}

// NewMemoryConfigStore cria um store vazio (engine usa os defaults embutidos)
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		documents: make(map[string]*domain.SettingsDocument),
		now:       time.Now,
	}
}

// GetSettingsDocument devolve o documento operacional; nil quando inexistente
func (m *MemoryConfigStore) GetSettingsDocument(ctx context.Context, id string) (*domain.SettingsDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneDocument(m.documents[id]), nil
}

// GetFeatureConfig devolve os toggles; nil quando inexistente
func (m *MemoryConfigStore) GetFeatureConfig(ctx context.Context) (*domain.FeatureConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneFeatures(m.features), nil
}

// ListRules devolve cópias das regras que satisfazem o filtro
func (m *MemoryConfigStore) ListRules(ctx context.Context, filter domain.RuleFilter) ([]domain.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]domain.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		if filter.Matches(rule) {
			rules = append(rules, cloneRule(rule))
		}
	}
	return rules, nil
}

// CreateRule persiste uma nova regra, gerando ID quando ausente
func (m *MemoryConfigStore) CreateRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	for _, existing := range m.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %s already exists", rule.ID)
		}
	}

	now := m.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	m.rules = append(m.rules, cloneRule(*rule))
	return nil
}

// UpdateRule substitui uma regra existente
func (m *MemoryConfigStore) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.rules {
		if existing.ID == rule.ID {
			rule.CreatedAt = existing.CreatedAt
			rule.UpdatedAt = m.now()
			m.rules[i] = cloneRule(*rule)
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", rule.ID, domain.ErrNotFound)
}

// DeleteRule remove uma regra pelo ID
func (m *MemoryConfigStore) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.rules {
		if existing.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
}

// SetSettingsDocument grava o documento operacional sob doc.ID (default quando vazio)
func (m *MemoryConfigStore) SetSettingsDocument(doc *domain.SettingsDocument, defaultID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc == nil {
		delete(m.documents, defaultID)
		return
	}
	id := doc.ID
	if id == "" {
		id = defaultID
	}
	m.documents[id] = cloneDocument(doc)
}

// SetFeatureConfig grava o documento de toggles
func (m *MemoryConfigStore) SetFeatureConfig(features *domain.FeatureConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.features = cloneFeatures(features)
}

// ReplaceRules substitui o conjunto completo de regras
func (m *MemoryConfigStore) ReplaceRules(rules []domain.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = make([]domain.Rule, 0, len(rules))
	for _, rule := range rules {
		m.rules = append(m.rules, cloneRule(rule))
	}
}

// snapshot devolve cópias de todo o estado (usado na persistência em arquivo)
func (m *MemoryConfigStore) snapshot(id string) (*domain.SettingsDocument, *domain.FeatureConfig, []domain.Rule) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]domain.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, cloneRule(rule))
	}
	return cloneDocument(m.documents[id]), cloneFeatures(m.features), rules
}

func cloneRule(rule domain.Rule) domain.Rule {
	if rule.ExpiresAt != nil {
		t := *rule.ExpiresAt
		rule.ExpiresAt = &t
	}
	if rule.LastAttempt != nil {
		t := *rule.LastAttempt
		rule.LastAttempt = &t
	}
	return rule
}

func cloneFeatures(f *domain.FeatureConfig) *domain.FeatureConfig {
	if f == nil {
		return nil
	}
	clone := domain.FeatureConfig{}
	clone.Enabled = cloneBool(f.Enabled)
	clone.IPBlocking = cloneBool(f.IPBlocking)
	clone.CountryBlocking = cloneBool(f.CountryBlocking)
	clone.ASNBlocking = cloneBool(f.ASNBlocking)
	clone.SuspiciousPatterns = cloneBool(f.SuspiciousPatterns)
	clone.RateLimiting = cloneBool(f.RateLimiting)
	clone.AutoBlocking = cloneBool(f.AutoBlocking)
	clone.RateLimitPerMinute = cloneInt(f.RateLimitPerMinute)
	clone.RateLimitPerHour = cloneInt(f.RateLimitPerHour)
	return &clone
}

func cloneDocument(doc *domain.SettingsDocument) *domain.SettingsDocument {
	if doc == nil {
		return nil
	}
	clone := domain.SettingsDocument{ID: doc.ID}
	clone.RateLimit = clonePtr(doc.RateLimit)
	if doc.AdminRateLimit != nil {
		admin := *doc.AdminRateLimit
		admin.ProgressiveDelays = append([]int(nil), admin.ProgressiveDelays...)
		clone.AdminRateLimit = &admin
	}
	if doc.ProgressiveDelays != nil {
		clone.ProgressiveDelays = append([]int(nil), doc.ProgressiveDelays...)
	}
	clone.RuleCache = clonePtr(doc.RuleCache)
	if doc.SecurityThresholds != nil {
		thresholds := *doc.SecurityThresholds
		thresholds.DangerousPatterns = append([]string(nil), thresholds.DangerousPatterns...)
		clone.SecurityThresholds = &thresholds
	}
	clone.AutoBlocking = clonePtr(doc.AutoBlocking)
	if doc.LocalNetworks != nil {
		local := *doc.LocalNetworks
		local.Ranges = append([]string(nil), local.Ranges...)
		clone.LocalNetworks = &local
	}
	if doc.RateLimitAdvanced != nil {
		advanced := *doc.RateLimitAdvanced
		advanced.WhitelistedIPs = append([]string(nil), advanced.WhitelistedIPs...)
		clone.RateLimitAdvanced = &advanced
	}
	clone.DevelopmentMode = clonePtr(doc.DevelopmentMode)
	if doc.Monitoring != nil {
		monitoring := *doc.Monitoring
		monitoring.AlertEmails = append([]string(nil), monitoring.AlertEmails...)
		clone.Monitoring = &monitoring
	}
	if doc.Logging != nil {
		logging := domain.LoggingSettings{ExcludedPatterns: append([]string(nil), doc.Logging.ExcludedPatterns...)}
		clone.Logging = &logging
	}
	clone.Thresholds = clonePtr(doc.Thresholds)
	return &clone
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool { return clonePtr(v) }
func cloneInt(v *int) *int    { return clonePtr(v) }
