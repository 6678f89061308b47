package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"request-firewall/internal/domain"
	"request-firewall/internal/logger"
)

// IdentityKey é a chave do gin.Context onde a autenticação do host grava o chamador
const IdentityKey = "firewall.identity"

// DecisionKey é a chave do gin.Context onde a decisão fica disponível para handlers
const DecisionKey = "firewall.decision"

// Decider produz a decisão do firewall para uma requisição
type Decider interface {
	Decide(ctx context.Context, req *domain.RequestInfo) domain.Decision
}

// FirewallMiddleware intercepta as requisições e aplica a decisão do firewall
type FirewallMiddleware struct {
	decider Decider
	logger  domain.Logger
	timeout time.Duration
}

// NewFirewallMiddleware cria uma nova instância do middleware
func NewFirewallMiddleware(decider Decider, logger domain.Logger) gin.HandlerFunc {
	middleware := &FirewallMiddleware{
		decider: decider,
		logger:  logger,
		timeout: 5 * time.Second,
	}

	return middleware.Handle
}

// Handle é o handler principal do middleware
func (m *FirewallMiddleware) Handle(c *gin.Context) {
	requestID := m.getRequestID(c)
	// headers de proxy só valem quando o peer está em engine.SetTrustedProxies
	clientIP := c.ClientIP()

	// Criar contexto com timeout para operações de store
	ctx, cancel := context.WithTimeout(c.Request.Context(), m.timeout)
	defer cancel()
	ctx = logger.ContextWithRequestInfo(ctx, requestID, clientIP, c.Request.URL.Path, c.GetHeader("User-Agent"))

	req := &domain.RequestInfo{
		RequestID: requestID,
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		RawURL:    c.Request.URL.RequestURI(),
		Headers:   flattenHeaders(c.Request.Header),
		ClientIP:  clientIP,
		Identity:  identityFrom(c),
	}

	decision := m.decider.Decide(ctx, req)
	c.Set(DecisionKey, decision)

	switch decision.Outcome {
	case domain.OutcomeBlock:
		m.logger.WithContext(ctx).Info("Request blocked", map[string]interface{}{
			"reason":  decision.Reason,
			"rule_id": decision.RuleID,
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":  "forbidden",
			"reason": decision.Reason,
		})
		return

	case domain.OutcomeRateLimited:
		m.logger.WithContext(ctx).Info("Request rate limited", map[string]interface{}{
			"reason":      decision.Reason,
			"retry_after": decision.RetryAfterSeconds,
			"violations":  decision.ViolationCount,
		})
		body := gin.H{
			"error":  "rate_limited",
			"reason": decision.Reason,
		}
		if decision.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			body["retry_after"] = decision.RetryAfterSeconds
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
		return
	}

	c.Next()
}

// getRequestID obtém ou gera um Request ID para tracking
func (m *FirewallMiddleware) getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}

	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}

func identityFrom(c *gin.Context) domain.Identity {
	value, ok := c.Get(IdentityKey)
	if !ok {
		return domain.Identity{}
	}
	switch identity := value.(type) {
	case domain.Identity:
		return identity
	case *domain.Identity:
		if identity != nil {
			return *identity
		}
	}
	return domain.Identity{}
}

// flattenHeaders mantém o primeiro valor de cada header
func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	return flat
}
