package service

import (
	"context"
	"math"
	"strings"
	"time"

	"request-firewall/internal/domain"
	"request-firewall/internal/netutil"
)

// RuleEvaluator avalia regras contra uma requisição
type RuleEvaluator interface {
	Evaluate(req *domain.RequestInfo, rules []domain.Rule, settings domain.Settings) *domain.MatchResult
}

// RateChecker aplica o rate limiting progressivo
type RateChecker interface {
	Check(ctx context.Context, clientID string, req *domain.RequestInfo, privileged bool, settings domain.Settings) (*domain.RateLimitOutcome, error)
}

// DecisionObserver recebe contadores das decisões (métricas)
type DecisionObserver interface {
	ObserveDecision(outcome domain.Outcome, reason string, elapsed time.Duration)
	ObserveRuleMatch(ruleType domain.RuleType, action domain.RuleAction)
	ObserveStoreError(operation string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(domain.Outcome, string, time.Duration) {}
func (nopObserver) ObserveRuleMatch(domain.RuleType, domain.RuleAction)   {}
func (nopObserver) ObserveStoreError(string)                              {}

// PipelineConfig agrupa as listas de caminhos fixadas no deploy
type PipelineConfig struct {
	// BypassPaths nunca passam pelo firewall (login, health checks)
	BypassPaths []string
	// InformationalPaths pulam a avaliação de regras, mas não o rate limiting
	InformationalPaths []string
}

// Pipeline é o ponto de decisão por requisição.
//
// Ordem: bypass fixo, kill switch, bypass por identidade, regras, rate limiting.
// A primeira etapa decisiva encerra a avaliação.
type Pipeline struct {
	cfg      PipelineConfig
	settings domain.SettingsProvider
	rules    domain.RuleProvider
	matcher  RuleEvaluator
	limiter  RateChecker
	events   domain.EventRecorder
	observer DecisionObserver
	logger   domain.Logger
	now      func() time.Time
}

// PipelineOption configura dependências opcionais do pipeline
type PipelineOption func(*Pipeline)

// WithObserver liga as métricas do pipeline
func WithObserver(observer DecisionObserver) PipelineOption {
	return func(p *Pipeline) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithEventRecorder liga o registro de eventos de segurança
func WithEventRecorder(events domain.EventRecorder) PipelineOption {
	return func(p *Pipeline) {
		p.events = events
	}
}

// NewPipeline cria o pipeline de decisão
func NewPipeline(cfg PipelineConfig, settings domain.SettingsProvider, rules domain.RuleProvider, matcher RuleEvaluator, limiter RateChecker, logger domain.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		settings: settings,
		rules:    rules,
		matcher:  matcher,
		limiter:  limiter,
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide devolve a decisão para a requisição. Nunca falha: erros de
// infraestrutura resultam em allow (fail-open).
func (p *Pipeline) Decide(ctx context.Context, req *domain.RequestInfo) domain.Decision {
	start := p.now()

	if req == nil {
		req = &domain.RequestInfo{}
	}

	// bypass fixo: sem contagem, sem log
	if prefix, ok := matchPathPrefix(p.cfg.BypassPaths, req.Path); ok {
		decision := allow(bypassReason(prefix))
		p.observer.ObserveDecision(decision.Outcome, decision.Reason, p.now().Sub(start))
		return decision
	}

	normalized := *req
	normalized.ClientIP = netutil.NormalizeClientID(req.ClientIP)
	clientID := normalized.ClientIP

	decision, match := p.decide(ctx, &normalized, clientID)

	if !decision.Allowed() {
		p.record(ctx, &normalized, decision, match)
	}
	p.observer.ObserveDecision(decision.Outcome, decision.Reason, p.now().Sub(start))
	return decision
}

func (p *Pipeline) decide(ctx context.Context, req *domain.RequestInfo, clientID string) (domain.Decision, *domain.MatchResult) {
	settings := p.settings.Get(ctx)

	if !settings.Features.Enabled {
		return allow(domain.ReasonFirewallDisabled), nil
	}
	if settings.DevelopmentMode.Enabled {
		return allow(domain.ReasonDevelopmentMode), nil
	}

	privileged := req.Identity.IsAdmin()
	advanced := settings.RateLimitAdvanced
	if privileged && advanced.BypassAdminUsers {
		return allow(domain.ReasonAdminBypass), nil
	}
	if req.Identity.Authenticated && advanced.BypassAuthenticatedUsers {
		return allow(domain.ReasonAuthenticatedBypass), nil
	}

	if p.shouldEvaluateRules(req, clientID, privileged, settings) {
		rules := p.rules.Get(ctx)
		if match := p.matcher.Evaluate(req, rules, settings); match != nil {
			p.observer.ObserveRuleMatch(match.Rule.Type, match.Rule.Action)

			switch match.Rule.Action {
			case domain.ActionAllow:
				return domain.Decision{
					Outcome:  domain.OutcomeAllow,
					Reason:   domain.ReasonRuleAllow,
					RuleID:   match.Rule.ID,
					RuleName: match.Rule.Name,
				}, match
			case domain.ActionRateLimit:
				// segue para o rate limiting
			default:
				return domain.Decision{
					Outcome:  domain.OutcomeBlock,
					Reason:   match.Reason,
					RuleID:   match.Rule.ID,
					RuleName: match.Rule.Name,
				}, match
			}
		}
	}

	if !settings.Features.RateLimiting || netutil.ContainsAny(advanced.WhitelistedIPs, clientID) {
		return allow(domain.ReasonAllowed), nil
	}

	outcome, err := p.limiter.Check(ctx, clientID, req, privileged, settings)
	if err != nil {
		p.observer.ObserveStoreError("update")
		p.logger.Error("Rate limit check failed, allowing request", err, map[string]interface{}{
			"client_id": clientID,
			"path":      req.Path,
		})
		return allow(domain.ReasonStoreError), nil
	}

	if outcome.Allowed {
		return allow(domain.ReasonAllowed), nil
	}

	return domain.Decision{
		Outcome:           domain.OutcomeRateLimited,
		Reason:            outcome.Reason,
		RuleID:            outcome.BanRuleID,
		RetryAfterSeconds: retryAfterSeconds(outcome.RetryAfter),
		ViolationCount:    outcome.Violations,
		AutoBanned:        outcome.AutoBanned,
	}, nil
}

// shouldEvaluateRules: caminhos informativos, admins e redes locais pulam as regras
func (p *Pipeline) shouldEvaluateRules(req *domain.RequestInfo, clientID string, privileged bool, settings domain.Settings) bool {
	if _, ok := matchPathPrefix(p.cfg.InformationalPaths, req.Path); ok {
		return false
	}
	if privileged {
		return false
	}
	if settings.LocalNetworks.Enabled && netutil.ContainsAny(settings.LocalNetworks.Ranges, clientID) {
		return false
	}
	return true
}

func (p *Pipeline) record(ctx context.Context, req *domain.RequestInfo, decision domain.Decision, match *domain.MatchResult) {
	if p.events == nil {
		return
	}

	event := domain.SecurityEvent{
		Timestamp:  p.now(),
		RequestID:  req.RequestID,
		IP:         req.ClientIP,
		Action:     decision.Outcome,
		Reason:     decision.Reason,
		RuleID:     decision.RuleID,
		RuleName:   decision.RuleName,
		Method:     req.Method,
		Path:       req.Path,
		UserAgent:  req.UserAgent(),
		UserID:     req.Identity.UserID,
		Violations: decision.ViolationCount,
		AutoBanned: decision.AutoBanned,
	}
	if match != nil {
		event.RuleType = match.Rule.Type
	} else if decision.AutoBanned {
		event.RuleType = domain.RuleIPBlock
	} else if decision.Outcome == domain.OutcomeRateLimited {
		event.RuleType = domain.RuleRateLimit
	}

	p.events.Record(ctx, event)
}

func allow(reason string) domain.Decision {
	return domain.Decision{Outcome: domain.OutcomeAllow, Reason: reason}
}

// matchPathPrefix casa o caminho exato ou um subcaminho do prefixo.
// Prefixos terminados em "/" casam qualquer coisa abaixo deles.
func matchPathPrefix(prefixes []string, path string) (string, bool) {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if strings.HasSuffix(prefix, "/") {
			if strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/") {
				return prefix, true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix, true
		}
	}
	return "", false
}

// bypassReason separa health checks dos endpoints de autenticação
func bypassReason(prefix string) string {
	lower := strings.ToLower(prefix)
	for _, marker := range []string{"health", "ready", "live"} {
		if strings.Contains(lower, marker) {
			return domain.ReasonHealthBypass
		}
	}
	return domain.ReasonAuthBypass
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
