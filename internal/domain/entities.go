package domain

import (
	"strings"
	"time"
)

// RuleType define os tipos de regra suportados pelo firewall
type RuleType string

const (
	RuleIPBlock           RuleType = "ip_block"
	RuleCountryBlock      RuleType = "country_block"
	RuleASNBlock          RuleType = "asn_block"
	RuleRateLimit         RuleType = "rate_limit"
	RuleSuspiciousPattern RuleType = "suspicious_pattern"
)

// RuleAction define a ação aplicada quando uma regra casa
type RuleAction string

const (
	ActionBlock     RuleAction = "block"
	ActionAllow     RuleAction = "allow"
	ActionRateLimit RuleAction = "rate_limit"
)

// RuleSource identifica a origem de uma regra
type RuleSource string

const (
	SourceManual      RuleSource = "manual"
	SourceThreatIntel RuleSource = "threat_intel"
	SourceRateLimit   RuleSource = "rate_limit"
	SourceAdmin       RuleSource = "admin"
	SourceCommonRules RuleSource = "common_rules"
)

// Rule representa um predicado de match com sua ação
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Type        RuleType   `json:"type" yaml:"type"`
	Value       string     `json:"value" yaml:"value"`
	Action      RuleAction `json:"action" yaml:"action"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Priority    int        `json:"priority" yaml:"priority"` // menor valor = avaliada primeiro
	Source      RuleSource `json:"source" yaml:"source"`
	Permanent   bool       `json:"permanent" yaml:"permanent"`
	AutoCreated bool       `json:"autoCreated" yaml:"autoCreated"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty" yaml:"lastAttempt,omitempty"`
	Country     string     `json:"country,omitempty" yaml:"country,omitempty"`
	Region      string     `json:"region,omitempty" yaml:"region,omitempty"`
	City        string     `json:"city,omitempty" yaml:"city,omitempty"`
	Description string     `json:"description" yaml:"description"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

// IsExpired indica se a regra possui expiração já vencida
func (r Rule) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.IsZero() && now.After(*r.ExpiresAt)
}

// RuleFilter filtra regras na leitura do ConfigStore
type RuleFilter struct {
	Enabled *bool
	Type    RuleType
	Value   string
	Source  RuleSource
}

// Matches verifica se uma regra satisfaz o filtro
func (f RuleFilter) Matches(rule Rule) bool {
	if f.Enabled != nil && rule.Enabled != *f.Enabled {
		return false
	}
	if f.Type != "" && rule.Type != f.Type {
		return false
	}
	if f.Value != "" && rule.Value != f.Value {
		return false
	}
	if f.Source != "" && rule.Source != f.Source {
		return false
	}
	return true
}

// RequestEntry é uma requisição registrada no histórico de um cliente
type RequestEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
}

// RateLimitRecord representa o estado de rate limiting de um cliente
type RateLimitRecord struct {
	ClientID      string         `json:"clientId"`
	Requests      []RequestEntry `json:"requests"`
	Violations    int            `json:"violations"`
	LastViolation *time.Time     `json:"lastViolation,omitempty"`
	DelayUntil    *time.Time     `json:"delayUntil,omitempty"`
	LastSeen      time.Time      `json:"lastSeen"`
}

// Clone devolve uma cópia profunda do registro
func (r *RateLimitRecord) Clone() *RateLimitRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Requests = append([]RequestEntry(nil), r.Requests...)
	if r.LastViolation != nil {
		t := *r.LastViolation
		clone.LastViolation = &t
	}
	if r.DelayUntil != nil {
		t := *r.DelayUntil
		clone.DelayUntil = &t
	}
	return &clone
}

// Outcome é o resultado final de uma decisão
type Outcome string

const (
	OutcomeAllow       Outcome = "allow"
	OutcomeBlock       Outcome = "block"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Razões estáveis, legíveis por máquina, anexadas a cada decisão
const (
	ReasonAllowed             = "allowed"
	ReasonAuthBypass          = "auth_bypass"
	ReasonHealthBypass        = "health_bypass"
	ReasonFirewallDisabled    = "firewall_disabled"
	ReasonDevelopmentMode     = "development_mode"
	ReasonAdminBypass         = "admin_bypass"
	ReasonAuthenticatedBypass = "authenticated_bypass"
	ReasonRuleAllow           = "rule_allow"
	ReasonIPBlocked           = "ip_blocked"
	ReasonCountryBlocked      = "country_blocked"
	ReasonASNBlocked          = "asn_blocked"
	ReasonSuspiciousPattern   = "suspicious_pattern"
	ReasonActiveDelay         = "rate_limit_active_delay"
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonAutoBanned          = "auto_banned"
	ReasonStoreError          = "rate_limit_store_error"
)

// Decision é o value object efêmero devolvido para cada requisição
type Decision struct {
	Outcome           Outcome `json:"outcome"`
	Reason            string  `json:"reason"`
	RuleID            string  `json:"ruleId,omitempty"`
	RuleName          string  `json:"ruleName,omitempty"`
	RetryAfterSeconds int     `json:"retryAfterSeconds,omitempty"`
	ViolationCount    int     `json:"violationCount,omitempty"`
	AutoBanned        bool    `json:"autoBanned,omitempty"`
}

// Allowed indica se a requisição pode seguir
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// MatchResult descreve a primeira regra que casou
type MatchResult struct {
	Rule   Rule   `json:"rule"`
	Reason string `json:"reason"`
}

// Identity representa o chamador resolvido pelo servidor hospedeiro
type Identity struct {
	UserID        string `json:"userId,omitempty"`
	Role          string `json:"role,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// IsAdmin indica se o chamador é privilegiado
func (i Identity) IsAdmin() bool {
	return i.Authenticated && (i.Role == "admin" || i.Role == "superadmin")
}

// RequestInfo contém os metadados da requisição já parseados pelo host
type RequestInfo struct {
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	RawURL    string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	ClientIP  string            `json:"clientIp"`
	Identity  Identity          `json:"identity"`
}

// UserAgent devolve o header User-Agent, independente da capitalização
func (r *RequestInfo) UserAgent() string {
	return r.Header("User-Agent")
}

// Header devolve um header da requisição sem diferenciar maiúsculas
func (r *RequestInfo) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// GeoLocation é o resultado best-effort de uma geolocalização
type GeoLocation struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	ASNOrg  string `json:"asnOrg,omitempty"`
}

// SecurityEvent é entregue ao EventRecorder para toda decisão não-allow
type SecurityEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"requestId,omitempty"`
	IP         string    `json:"ip"`
	Action     Outcome   `json:"action"`
	Reason     string    `json:"reason"`
	RuleID     string    `json:"ruleId,omitempty"`
	RuleName   string    `json:"ruleName,omitempty"`
	RuleType   RuleType  `json:"ruleType,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"userAgent,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Violations int       `json:"violations,omitempty"`
	AutoBanned bool      `json:"autoBanned,omitempty"`
}

// RateLimitOutcome é o resultado de uma verificação do rate limiter
type RateLimitOutcome struct {
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason"`
	RetryAfter  time.Duration `json:"retryAfter"`
	Violations  int           `json:"violations"`
	MinuteCount int           `json:"minuteCount"`
	HourCount   int           `json:"hourCount"`
	AutoBanned  bool          `json:"autoBanned"`
	BanRuleID   string        `json:"banRuleId,omitempty"`
}
