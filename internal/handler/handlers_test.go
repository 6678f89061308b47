package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"request-firewall/internal/cache"
	"request-firewall/internal/config"
	"request-firewall/internal/domain"
	"request-firewall/internal/logger"
	"request-firewall/internal/matcher"
	"request-firewall/internal/metrics"
	"request-firewall/internal/service"
	"request-firewall/internal/storage"
)

// unhealthyStore simula um store de rate limit fora do ar
type unhealthyStore struct {
	*storage.MemoryStore
}

func (unhealthyStore) Health(context.Context) error {
	return errors.New("connection refused")
}

type testServer struct {
	router      *gin.Engine
	store       domain.RateLimitStore
	configStore *storage.MemoryConfigStore
}

func newTestServer(t *testing.T, doc *domain.SettingsDocument, store domain.RateLimitStore) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NopLogger{}
	if store == nil {
		store = storage.NewMemoryStore(time.Hour, log)
	}
	configStore := storage.NewMemoryConfigStore()
	if doc != nil {
		configStore.SetSettingsDocument(doc, config.SettingsID)
	}

	settings := cache.NewSettingsCache(configStore, time.Minute, log)
	rules := cache.NewRuleCache(configStore, settings, time.Minute, log)
	engine := matcher.NewEngine(nil)
	limiter := service.NewRateLimiter(store, service.NewAutoBanner(configStore, rules, nil, log), log)
	pipeline := service.NewPipeline(service.PipelineConfig{
		BypassPaths: []string{"/health", "/ready"},
	}, settings, rules, engine, limiter, log)

	handlers := NewHandlers(Dependencies{
		Decider:     pipeline,
		Store:       store,
		ConfigStore: configStore,
		Settings:    settings,
		Rules:       rules,
		Patterns:    engine,
		Metrics:     metrics.New().Handler(),
		Logger:      log,
	})

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	handlers.SetupRoutes(router)

	return &testServer{router: router, store: store, configStore: configStore}
}

func (s *testServer) do(method, path, clientIP string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if clientIP != "" {
		req.RemoteAddr = net.JoinHostPort(clientIP, "40000")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHealthHandler(t *testing.T) {
	server := newTestServer(t, nil, nil)

	w := server.do(http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "Request Firewall", response["service"])
	assert.NotEmpty(t, response["timestamp"])
	assert.Contains(t, response, "system")
}

func TestReadyHandler(t *testing.T) {
	t.Run("Should be ready with a healthy store", func(t *testing.T) {
		server := newTestServer(t, nil, nil)
		w := server.do(http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Should report unavailable when the store is down", func(t *testing.T) {
		store := unhealthyStore{storage.NewMemoryStore(time.Hour, logger.NopLogger{})}
		server := newTestServer(t, nil, store)

		w := server.do(http.MethodGet, "/ready", "", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unavailable", decode(t, w)["status"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, nil, nil)

	w := server.do(http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProtectedRoutes_RateLimiting(t *testing.T) {
	server := newTestServer(t, &domain.SettingsDocument{
		RateLimit: &domain.RateLimitSettings{PerMinute: 2, PerHour: 100},
	}, nil)

	for i := 0; i < 2; i++ {
		w := server.do(http.MethodGet, "/api/orders", "203.0.113.10", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "allowed", decode(t, w)["reason"])
	}

	w := server.do(http.MethodGet, "/api/orders", "203.0.113.10", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode(t, w)["reason"])

	// outro cliente não é afetado
	w = server.do(http.MethodGet, "/api/orders", "203.0.113.11", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = server.do(http.MethodGet, "/admin/ratelimit/203.0.113.10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	record := decode(t, w)
	assert.Equal(t, float64(1), record["violations"])
	assert.Equal(t, true, record["delayed"])

	w = server.do(http.MethodDelete, "/admin/ratelimit/203.0.113.10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = server.do(http.MethodGet, "/api/orders", "203.0.113.10", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutes_ForwardedHeadersCannotResetBudget(t *testing.T) {
	server := newTestServer(t, &domain.SettingsDocument{
		RateLimit: &domain.RateLimitSettings{PerMinute: 3, PerHour: 100},
	}, nil)

	allowed := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.RemoteAddr = "203.0.113.50:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.1.1.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("10.2.2.%d", i))
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			allowed++
			assert.Equal(t, "203.0.113.50", decode(t, w)["client_ip"])
		}
	}

	assert.Equal(t, 3, allowed)

	record, err := server.store.Get(context.Background(), "203.0.113.50")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 1, record.Violations)

	forged, err := server.store.Get(context.Background(), "10.1.1.0")
	require.NoError(t, err)
	assert.Nil(t, forged)
}

func TestAdminRecordHandler_NotFound(t *testing.T) {
	server := newTestServer(t, nil, nil)

	w := server.do(http.MethodGet, "/admin/ratelimit/198.51.100.200", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

func TestAdminCreateRule_TakesEffectImmediately(t *testing.T) {
	server := newTestServer(t, nil, nil)

	w := server.do(http.MethodGet, "/api/orders", "198.51.100.7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = server.do(http.MethodPost, "/admin/rules", "", map[string]interface{}{
		"name":     "block test range",
		"type":     "ip_block",
		"value":    "198.51.100.0/24",
		"priority": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	assert.NotEmpty(t, created["id"])
	assert.Equal(t, "admin", created["source"])
	assert.Equal(t, "block", created["action"])

	w = server.do(http.MethodGet, "/api/orders", "198.51.100.7", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ip_blocked", decode(t, w)["reason"])

	w = server.do(http.MethodGet, "/admin/rules?type=ip_block", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	ruleID, _ := created["id"].(string)
	w = server.do(http.MethodDelete, "/admin/rules/"+ruleID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = server.do(http.MethodGet, "/api/orders", "198.51.100.7", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = server.do(http.MethodDelete, "/admin/rules/"+ruleID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

func TestAdminCreateRule_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "Missing name",
			body: map[string]interface{}{"type": "ip_block", "value": "1.2.3.4"},
		},
		{
			name: "Unknown type",
			body: map[string]interface{}{"name": "x", "type": "geo_fence", "value": "BR"},
		},
		{
			name: "Unknown action",
			body: map[string]interface{}{"name": "x", "type": "country_block", "value": "BR", "action": "tarpit"},
		},
		{
			name: "Malformed CIDR",
			body: map[string]interface{}{"name": "x", "type": "ip_block", "value": "10.0.0.0/99"},
		},
		{
			name: "Catastrophic pattern",
			body: map[string]interface{}{"name": "x", "type": "suspicious_pattern", "value": "(a+)+$"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, nil, nil)

			w := server.do(http.MethodPost, "/admin/rules", "", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", decode(t, w)["error"])

			rules, err := server.configStore.ListRules(context.Background(), domain.RuleFilter{})
			require.NoError(t, err)
			assert.Empty(t, rules)
		})
	}
}

func TestAdminListRules_InvalidFilter(t *testing.T) {
	server := newTestServer(t, nil, nil)

	w := server.do(http.MethodGet, "/admin/rules?enabled=maybe", "", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminSettingsAndInvalidate(t *testing.T) {
	server := newTestServer(t, &domain.SettingsDocument{
		RateLimit: &domain.RateLimitSettings{PerMinute: 7, PerHour: 70},
	}, nil)

	w := server.do(http.MethodGet, "/admin/settings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rateLimit := decode(t, w)["rateLimit"].(map[string]interface{})
	assert.Equal(t, float64(7), rateLimit["perMinute"])

	server.configStore.SetSettingsDocument(&domain.SettingsDocument{
		RateLimit: &domain.RateLimitSettings{PerMinute: 9, PerHour: 90},
	}, config.SettingsID)

	w = server.do(http.MethodPost, "/admin/cache/invalidate", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = server.do(http.MethodGet, "/admin/settings", "", nil)
	rateLimit = decode(t, w)["rateLimit"].(map[string]interface{})
	assert.Equal(t, float64(9), rateLimit["perMinute"])
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatBytes(tt.input))
		})
	}
}
