package handler

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"request-firewall/internal/domain"
	"request-firewall/internal/middleware"
	"request-firewall/internal/netutil"
)

// SettingsView é a visão cacheada de settings usada pela API administrativa
type SettingsView interface {
	Get(ctx context.Context) domain.Settings
	Invalidate()
}

// PatternValidator valida padrões antes de persistir regras suspicious_pattern
type PatternValidator interface {
	ValidatePattern(pattern string, settings domain.Settings) error
}

// Dependencies agrupa o que os handlers precisam
type Dependencies struct {
	Decider     middleware.Decider
	Store       domain.RateLimitStore
	ConfigStore domain.ConfigStore
	Settings    SettingsView
	Rules       domain.RuleProvider
	Patterns    PatternValidator
	Metrics     http.Handler
	Logger      domain.Logger
}

// Handlers contém os handlers da API
type Handlers struct {
	deps      Dependencies
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		deps:      deps,
		logger:    deps.Logger,
		startTime: time.Now(),
	}
}

// SetupRoutes configura as rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Rotas públicas (fora do firewall)
	router.GET("/health", h.HealthHandler)
	router.GET("/ready", h.ReadyHandler)
	if h.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.deps.Metrics))
	}

	// Rotas protegidas pelo firewall
	protected := router.Group("/")
	protected.Use(middleware.NewFirewallMiddleware(h.deps.Decider, h.logger))
	{
		protected.GET("/", h.ExampleHandler)
		protected.Any("/api/*path", h.ExampleHandler)
	}

	// Rotas administrativas; a autenticação fica a cargo do host
	admin := router.Group("/admin")
	{
		admin.GET("/ratelimit/:client", h.AdminRecordHandler)
		admin.DELETE("/ratelimit/:client", h.AdminResetHandler)
		admin.GET("/settings", h.AdminSettingsHandler)
		admin.POST("/cache/invalidate", h.AdminInvalidateHandler)
		admin.GET("/rules", h.AdminListRulesHandler)
		admin.POST("/rules", h.AdminCreateRuleHandler)
		admin.DELETE("/rules/:id", h.AdminDeleteRuleHandler)
	}
}

// HealthHandler implementa health check básico
func (h *Handlers) HealthHandler(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(h.startTime)

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"service":        "Request Firewall",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	})
}

// ReadyHandler verifica o store de rate limit
func (h *Handlers) ReadyHandler(c *gin.Context) {
	if err := h.deps.Store.Health(c.Request.Context()); err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("Readiness check failed", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  "rate limit store unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ExampleHandler é um endpoint de exemplo protegido pelo firewall
func (h *Handlers) ExampleHandler(c *gin.Context) {
	response := gin.H{
		"message":   "Hello from Request Firewall!",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"client_ip": c.ClientIP(),
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
	}

	if value, ok := c.Get(middleware.DecisionKey); ok {
		if decision, ok := value.(domain.Decision); ok {
			response["reason"] = decision.Reason
		}
	}

	c.JSON(http.StatusOK, response)
}

// AdminRecordHandler devolve o estado de rate limit de um cliente
func (h *Handlers) AdminRecordHandler(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := netutil.NormalizeClientID(c.Param("client"))

	record, err := h.deps.Store.Get(ctx, clientID)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to get rate limit record", err, map[string]interface{}{
			"client_id": clientID,
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to retrieve rate limit record",
		})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No rate limit record for client",
		})
		return
	}

	now := time.Now()
	response := gin.H{
		"client_id":  record.ClientID,
		"requests":   len(record.Requests),
		"violations": record.Violations,
		"last_seen":  record.LastSeen.UTC().Format(time.RFC3339),
		"delayed":    record.DelayUntil != nil && record.DelayUntil.After(now),
	}
	if record.DelayUntil != nil {
		response["delay_until"] = record.DelayUntil.UTC().Format(time.RFC3339)
	}
	if record.LastViolation != nil {
		response["last_violation"] = record.LastViolation.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, response)
}

// AdminResetHandler apaga o registro de rate limit de um cliente
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := netutil.NormalizeClientID(c.Param("client"))

	if err := h.deps.Store.Delete(ctx, clientID); err != nil {
		h.logger.WithContext(ctx).Error("Failed to reset rate limit record", err, map[string]interface{}{
			"client_id": clientID,
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to reset rate limit record",
		})
		return
	}

	h.logger.WithContext(ctx).Info("Rate limit record reset", map[string]interface{}{
		"client_id": clientID,
	})
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"client_id": clientID,
	})
}

// AdminSettingsHandler devolve a visão resolvida de settings
func (h *Handlers) AdminSettingsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Settings.Get(c.Request.Context()))
}

// AdminInvalidateHandler invalida os caches de settings e regras
func (h *Handlers) AdminInvalidateHandler(c *gin.Context) {
	h.deps.Settings.Invalidate()
	h.deps.Rules.Invalidate()

	h.logger.WithContext(c.Request.Context()).Info("Caches invalidated", nil)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// AdminListRulesHandler lista as regras, com filtros opcionais por query
func (h *Handlers) AdminListRulesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	filter := domain.RuleFilter{
		Type:   domain.RuleType(c.Query("type")),
		Value:  c.Query("value"),
		Source: domain.RuleSource(c.Query("source")),
	}
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "enabled must be a boolean",
			})
			return
		}
		filter.Enabled = &enabled
	}

	rules, err := h.deps.ConfigStore.ListRules(ctx, filter)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to list rules", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to list rules",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// CreateRuleRequest representa o corpo da criação de regra
type CreateRuleRequest struct {
	Name        string     `json:"name" binding:"required"`
	Type        string     `json:"type" binding:"required"`
	Value       string     `json:"value" binding:"required"`
	Action      string     `json:"action"`
	Priority    int        `json:"priority"`
	Enabled     *bool      `json:"enabled"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// AdminCreateRuleHandler cria uma regra manual e invalida o cache de regras
func (h *Handlers) AdminCreateRuleHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	rule := domain.Rule{
		Name:        strings.TrimSpace(req.Name),
		Type:        domain.RuleType(strings.ToLower(strings.TrimSpace(req.Type))),
		Value:       strings.TrimSpace(req.Value),
		Action:      domain.RuleAction(strings.ToLower(strings.TrimSpace(req.Action))),
		Priority:    req.Priority,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Source:      domain.SourceAdmin,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
	}
	if rule.Action == "" {
		rule.Action = domain.ActionBlock
	}

	if msg := validateRule(rule); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": msg,
		})
		return
	}

	if rule.Type == domain.RuleSuspiciousPattern && h.deps.Patterns != nil {
		settings := h.deps.Settings.Get(ctx)
		if err := h.deps.Patterns.ValidatePattern(rule.Value, settings); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrInvalidPattern) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
	}

	if err := h.deps.ConfigStore.CreateRule(ctx, &rule); err != nil {
		h.logger.WithContext(ctx).Error("Failed to create rule", err, map[string]interface{}{
			"type":  rule.Type,
			"value": rule.Value,
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to create rule",
		})
		return
	}
	h.deps.Rules.Invalidate()

	h.logger.WithContext(ctx).Info("Rule created", map[string]interface{}{
		"rule_id": rule.ID,
		"type":    rule.Type,
		"action":  rule.Action,
	})
	c.JSON(http.StatusCreated, rule)
}

// AdminDeleteRuleHandler remove uma regra (por exemplo, desfaz um auto-ban)
func (h *Handlers) AdminDeleteRuleHandler(c *gin.Context) {
	ctx := c.Request.Context()
	ruleID := c.Param("id")

	if err := h.deps.ConfigStore.DeleteRule(ctx, ruleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Rule not found",
			})
			return
		}
		h.logger.WithContext(ctx).Error("Failed to delete rule", err, map[string]interface{}{
			"rule_id": ruleID,
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to delete rule",
		})
		return
	}
	h.deps.Rules.Invalidate()

	h.logger.WithContext(ctx).Info("Rule deleted", map[string]interface{}{
		"rule_id": ruleID,
	})
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"rule_id": ruleID,
	})
}

// validateRule devolve uma mensagem de erro ou vazio
func validateRule(rule domain.Rule) string {
	switch rule.Type {
	case domain.RuleIPBlock, domain.RuleCountryBlock, domain.RuleASNBlock, domain.RuleRateLimit, domain.RuleSuspiciousPattern:
	default:
		return "type must be one of ip_block, country_block, asn_block, rate_limit, suspicious_pattern"
	}

	switch rule.Action {
	case domain.ActionBlock, domain.ActionAllow, domain.ActionRateLimit:
	default:
		return "action must be one of block, allow, rate_limit"
	}

	if rule.Type == domain.RuleIPBlock {
		if _, ok := netutil.ParsePrefix(rule.Value); !ok {
			return "value must be an IP address or CIDR"
		}
	}
	return ""
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
