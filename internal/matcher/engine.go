package matcher

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"request-firewall/internal/domain"
	"request-firewall/internal/netutil"
)

// Engine avalia as regras de segurança contra uma requisição.
// Não registra logs nem métricas: isso cabe ao chamador.
type Engine struct {
	geo      domain.GeoLocator
	patterns *PatternCompiler
	now      func() time.Time
}

// NewEngine cria um novo engine de matching
func NewEngine(geo domain.GeoLocator) *Engine {
	return &Engine{
		geo:      geo,
		patterns: NewPatternCompiler(),
		now:      time.Now,
	}
}

// evaluation guarda o estado de uma única avaliação
type evaluation struct {
	engine   *Engine
	req      *domain.RequestInfo
	settings domain.Settings

	geoDone  bool
	location *domain.GeoLocation

	inputDone bool
	input     string

	policy *PatternPolicy
}

// Evaluate devolve a primeira regra que casa, em ordem crescente de prioridade,
// ou nil quando nenhuma casa.
func (e *Engine) Evaluate(req *domain.RequestInfo, rules []domain.Rule, settings domain.Settings) *domain.MatchResult {
	if req == nil || len(rules) == 0 {
		return nil
	}

	if !sort.SliceIsSorted(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority }) {
		ordered := append([]domain.Rule(nil), rules...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
		rules = ordered
	}

	ev := &evaluation{engine: e, req: req, settings: settings}
	now := e.now()

	for _, rule := range rules {
		if !rule.Enabled || rule.IsExpired(now) {
			continue
		}
		if reason, ok := ev.matches(rule); ok {
			return &domain.MatchResult{Rule: rule, Reason: reason}
		}
	}

	return nil
}

// ValidatePattern verifica se um padrão seria aceito pela política atual
func (e *Engine) ValidatePattern(pattern string, settings domain.Settings) error {
	_, err := e.patterns.Compile(pattern, PolicyFromSettings(settings.SecurityThresholds))
	return err
}

func (ev *evaluation) matches(rule domain.Rule) (string, bool) {
	features := ev.settings.Features

	switch rule.Type {
	case domain.RuleIPBlock:
		if !features.IPBlocking {
			return "", false
		}
		return domain.ReasonIPBlocked, matchIP(rule.Value, ev.req.ClientIP)

	case domain.RuleCountryBlock:
		if !features.CountryBlocking {
			return "", false
		}
		location := ev.lookup()
		if location == nil || location.Country == "" {
			return "", false
		}
		return domain.ReasonCountryBlocked, strings.EqualFold(strings.TrimSpace(rule.Value), location.Country)

	case domain.RuleASNBlock:
		if !features.ASNBlocking {
			return "", false
		}
		asn, ok := parseASN(rule.Value)
		if !ok {
			return "", false
		}
		location := ev.lookup()
		if location == nil || location.ASN == 0 {
			return "", false
		}
		return domain.ReasonASNBlocked, location.ASN == asn

	case domain.RuleSuspiciousPattern:
		if !features.SuspiciousPatterns {
			return "", false
		}
		return domain.ReasonSuspiciousPattern, ev.matchPattern(rule.Value)
	}

	// rate_limit e tipos desconhecidos nunca casam na avaliação
	return "", false
}

// lookup consulta a geolocalização no máximo uma vez por avaliação
func (ev *evaluation) lookup() *domain.GeoLocation {
	if ev.geoDone {
		return ev.location
	}
	ev.geoDone = true

	if ev.engine.geo == nil {
		return nil
	}
	location, err := ev.engine.geo.Lookup(ev.req.ClientIP)
	if err != nil {
		return nil
	}
	ev.location = location
	return location
}

func (ev *evaluation) matchPattern(pattern string) bool {
	if ev.policy == nil {
		policy := PolicyFromSettings(ev.settings.SecurityThresholds)
		ev.policy = &policy
	}

	re, err := ev.engine.patterns.Compile(pattern, *ev.policy)
	if err != nil {
		return false
	}

	if !ev.inputDone {
		ev.inputDone = true
		ev.input = PatternInput(ev.req, ev.settings.SecurityThresholds.MaxInputLength)
	}
	return Match(re, ev.input)
}

// PatternInput monta "<user-agent> <url decodificada>" truncado em maxLen runas
func PatternInput(req *domain.RequestInfo, maxLen int) string {
	target := req.RawURL
	if target == "" {
		target = req.Path
	}
	if decoded, err := url.QueryUnescape(target); err == nil {
		target = decoded
	} else if decoded, err := url.PathUnescape(target); err == nil {
		target = decoded
	}

	input := req.UserAgent() + " " + target
	if maxLen > 0 {
		runes := []rune(input)
		if len(runes) > maxLen {
			input = string(runes[:maxLen])
		}
	}
	return input
}

// matchIP compara por igualdade (após normalização) ou pertinência ao CIDR
func matchIP(value, clientIP string) bool {
	value = strings.TrimSpace(value)
	if value == "" || clientIP == "" {
		return false
	}
	if netutil.Contains(value, clientIP) {
		return true
	}
	// identificadores que não são IP só casam por igualdade literal
	return !strings.Contains(value, "/") && netutil.NormalizeClientID(value) == netutil.NormalizeClientID(clientIP)
}

// parseASN aceita "AS13335", "as13335" ou "13335"
func parseASN(value string) (uint, bool) {
	value = strings.TrimSpace(value)
	if len(value) > 2 && strings.EqualFold(value[:2], "AS") {
		value = value[2:]
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}
