package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"request-firewall/internal/config"
	"request-firewall/internal/domain"
	"request-firewall/internal/logger"
)

// MockConfigStore é um mock do ConfigStore para testes
type MockConfigStore struct {
	mock.Mock
}

func (m *MockConfigStore) GetSettingsDocument(ctx context.Context, id string) (*domain.SettingsDocument, error) {
	args := m.Called(ctx, id)
	doc, _ := args.Get(0).(*domain.SettingsDocument)
	return doc, args.Error(1)
}

func (m *MockConfigStore) GetFeatureConfig(ctx context.Context) (*domain.FeatureConfig, error) {
	args := m.Called(ctx)
	features, _ := args.Get(0).(*domain.FeatureConfig)
	return features, args.Error(1)
}

func (m *MockConfigStore) ListRules(ctx context.Context, filter domain.RuleFilter) ([]domain.Rule, error) {
	args := m.Called(ctx, filter)
	rules, _ := args.Get(0).([]domain.Rule)
	return rules, args.Error(1)
}

func (m *MockConfigStore) CreateRule(ctx context.Context, rule *domain.Rule) error {
	return m.Called(ctx, rule).Error(0)
}

func (m *MockConfigStore) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	return m.Called(ctx, rule).Error(0)
}

func (m *MockConfigStore) DeleteRule(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type staticPeeker struct {
	settings domain.Settings
	loaded   bool
}

func (p staticPeeker) Peek() (domain.Settings, bool) {
	return p.settings, p.loaded
}

func TestSettingsCache_MergesAndCaches(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetSettingsDocument", mock.Anything, config.SettingsID).Return(&domain.SettingsDocument{
		RateLimit: &domain.RateLimitSettings{PerMinute: 5, PerHour: 100},
	}, nil).Once()
	store.On("GetFeatureConfig", mock.Anything).Return(&domain.FeatureConfig{
		CountryBlocking: boolPtr(false),
	}, nil).Once()

	cache := NewSettingsCache(store, time.Minute, logger.NopLogger{})

	first := cache.Get(context.Background())
	second := cache.Get(context.Background())

	assert.Equal(t, 5, first.RateLimit.PerMinute)
	assert.False(t, first.Features.CountryBlocking)
	assert.Equal(t, first, second)
	store.AssertExpectations(t)
}

func TestSettingsCache_MissingDocumentsUseDefaults(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetSettingsDocument", mock.Anything, config.SettingsID).Return(nil, domain.ErrNotFound)
	store.On("GetFeatureConfig", mock.Anything).Return(nil, nil)

	cache := NewSettingsCache(store, time.Minute, logger.NopLogger{})

	assert.Equal(t, config.DefaultSettings(), cache.Get(context.Background()))
}

func TestSettingsCache_FailOpen(t *testing.T) {
	t.Run("Should serve built-in defaults when nothing was ever loaded", func(t *testing.T) {
		store := new(MockConfigStore)
		store.On("GetSettingsDocument", mock.Anything, config.SettingsID).Return(nil, errors.New("connection refused"))

		cache := NewSettingsCache(store, time.Minute, logger.NopLogger{})
		settings := cache.Get(context.Background())

		assert.True(t, settings.Features.Enabled)
		assert.True(t, settings.Features.RateLimiting)
		assert.True(t, settings.Features.IPBlocking)
		_, loaded := cache.Peek()
		assert.False(t, loaded)
	})

	t.Run("Should not hit a failing store on every request", func(t *testing.T) {
		store := new(MockConfigStore)
		store.On("GetSettingsDocument", mock.Anything, config.SettingsID).Return(nil, errors.New("connection refused"))
		store.On("GetFeatureConfig", mock.Anything).Return(nil, nil)

		cache := NewSettingsCache(store, time.Minute, logger.NopLogger{})
		for i := 0; i < 10; i++ {
			assert.Equal(t, 60, cache.Get(context.Background()).RateLimit.PerMinute)
		}

		store.AssertNumberOfCalls(t, "GetSettingsDocument", 1)
	})

	t.Run("Should serve last known good snapshot after a failed reload", func(t *testing.T) {
		store := new(MockConfigStore)
		store.On("GetSettingsDocument", mock.Anything, config.SettingsID).Return(&domain.SettingsDocument{
			RateLimit: &domain.RateLimitSettings{PerMinute: 7},
		}, nil).Once()
		store.On("GetFeatureConfig", mock.Anything).Return(nil, nil).Once()
		store.On("GetSettingsDocument", mock.Anything, config.SettingsID).Return(nil, errors.New("timeout"))

		cache := NewSettingsCache(store, time.Minute, logger.NopLogger{})
		assert.Equal(t, 7, cache.Get(context.Background()).RateLimit.PerMinute)

		cache.Invalidate()
		assert.Equal(t, 7, cache.Get(context.Background()).RateLimit.PerMinute)
	})
}

func TestRuleCache_SortsAndFiltersEnabled(t *testing.T) {
	store := new(MockConfigStore)
	store.On("ListRules", mock.Anything, mock.MatchedBy(func(f domain.RuleFilter) bool {
		return f.Enabled != nil && *f.Enabled
	})).Return([]domain.Rule{
		{ID: "c", Priority: 30, Enabled: true},
		{ID: "x", Priority: 1, Enabled: false},
		{ID: "a", Priority: 10, Enabled: true},
		{ID: "b", Priority: 20, Enabled: true},
		{ID: "a2", Priority: 10, Enabled: true},
	}, nil).Once()

	cache := NewRuleCache(store, staticPeeker{}, time.Minute, logger.NopLogger{})
	rules := cache.Get(context.Background())

	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	assert.Equal(t, []string{"a", "a2", "b", "c"}, ids)
	store.AssertExpectations(t)
}

func TestRuleCache_ReturnsCopies(t *testing.T) {
	store := new(MockConfigStore)
	store.On("ListRules", mock.Anything, mock.Anything).Return([]domain.Rule{
		{ID: "a", Priority: 10, Enabled: true, Value: "1.2.3.4"},
	}, nil).Once()

	cache := NewRuleCache(store, staticPeeker{}, time.Minute, logger.NopLogger{})

	rules := cache.Get(context.Background())
	rules[0].Value = "mutated"

	assert.Equal(t, "1.2.3.4", cache.Get(context.Background())[0].Value)
}

func TestRuleCache_TTLFollowsSettings(t *testing.T) {
	tests := []struct {
		name          string
		peeker        staticPeeker
		advance       time.Duration
		expectedLoads int
	}{
		{
			name:          "Bootstrap ttl before settings are loaded",
			peeker:        staticPeeker{},
			advance:       30 * time.Second,
			expectedLoads: 1,
		},
		{
			name:          "Bootstrap ttl expires",
			peeker:        staticPeeker{},
			advance:       61 * time.Second,
			expectedLoads: 2,
		},
		{
			name: "Settings ttl overrides bootstrap",
			peeker: staticPeeker{loaded: true, settings: domain.Settings{
				RuleCache: domain.RuleCacheSettings{Enabled: true, TTLSeconds: 10},
			}},
			advance:       11 * time.Second,
			expectedLoads: 2,
		},
		{
			name: "Disabled rule cache reloads on every read",
			peeker: staticPeeker{loaded: true, settings: domain.Settings{
				RuleCache: domain.RuleCacheSettings{Enabled: false, TTLSeconds: 300},
			}},
			advance:       0,
			expectedLoads: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			store := new(MockConfigStore)
			store.On("ListRules", mock.Anything, mock.Anything).Return([]domain.Rule{}, nil)

			cache := NewRuleCache(store, tt.peeker, time.Minute, logger.NopLogger{}, WithClock(clock.Now))

			cache.Get(context.Background())
			clock.Advance(tt.advance)
			cache.Get(context.Background())

			store.AssertNumberOfCalls(t, "ListRules", tt.expectedLoads)
		})
	}
}

func TestRuleCache_InvalidateReflectsStore(t *testing.T) {
	store := new(MockConfigStore)
	store.On("ListRules", mock.Anything, mock.Anything).Return([]domain.Rule{}, nil).Once()
	store.On("ListRules", mock.Anything, mock.Anything).Return([]domain.Rule{
		{ID: "ban", Type: domain.RuleIPBlock, Value: "9.9.9.9", Enabled: true},
	}, nil).Once()

	cache := NewRuleCache(store, staticPeeker{}, time.Hour, logger.NopLogger{})

	assert.Empty(t, cache.Get(context.Background()))
	assert.Empty(t, cache.Get(context.Background()))

	cache.Invalidate()
	rules := cache.Get(context.Background())
	assert.Len(t, rules, 1)
	assert.Equal(t, "ban", rules[0].ID)
}

func TestRuleCache_FailureWithoutSnapshotIsEmpty(t *testing.T) {
	store := new(MockConfigStore)
	store.On("ListRules", mock.Anything, mock.Anything).Return(nil, errors.New("store down"))

	cache := NewRuleCache(store, staticPeeker{}, time.Minute, logger.NopLogger{})

	assert.Empty(t, cache.Get(context.Background()))
}

func boolPtr(v bool) *bool { return &v }
