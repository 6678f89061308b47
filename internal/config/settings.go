package config

import (
	"request-firewall/internal/domain"
)

// SettingsID é a chave do documento singleton de settings
const SettingsID = "default"

// DefaultLadder é a escada de atrasos (em segundos) usada quando nada é configurado
var DefaultLadder = []int{10, 60, 90, 120}

// DefaultDangerousPatterns são meta-padrões que denunciam backtracking catastrófico
// em um padrão armazenado como regra. São testados contra o texto do padrão, nunca
// contra a entrada do usuário.
var DefaultDangerousPatterns = []string{
	// quantificador aninhado: (a+)+, (.*)*, (\w+\s?){2,}
	`\((?:[^()\\]|\\.)*[+*](?:[^()\\]|\\.)*\)\s*[+*{]`,
	// alternância repetida: (a|aa)+
	`\((?:[^()\\]|\\.)*\|(?:[^()\\]|\\.)*\)\s*[+*]`,
	// três ou mais curingas encadeados
	`\.\*.*\.\*.*\.\*`,
	// backreference
	`\\[1-9]`,
}

// DefaultLocalRanges são as faixas de rede local reconhecidas por padrão
var DefaultLocalRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
}

// DefaultSettings devolve os defaults embutidos. Bloqueio e rate limiting
// ficam habilitados, servindo também de fallback quando o store está fora.
func DefaultSettings() domain.Settings {
	return domain.Settings{
		RateLimit: domain.RateLimitSettings{
			PerMinute: 60,
			PerHour:   1000,
		},
		AdminRateLimit: domain.AdminRateLimitSettings{
			PerMinute:            300,
			PerHour:              5000,
			ProgressiveDelays:    copyInts(DefaultLadder),
			DelayReductionFactor: 0.5,
		},
		ProgressiveDelays: copyInts(DefaultLadder),
		RuleCache: domain.RuleCacheSettings{
			TTLSeconds: 60,
			Enabled:    true,
		},
		SecurityThresholds: domain.SecurityThresholds{
			MaxPatternLength:      500,
			MaxInputLength:        2048,
			EnableReDoSProtection: true,
			DangerousPatterns:     copyStrings(DefaultDangerousPatterns),
			PatternTimeoutMs:      100,
		},
		AutoBlocking: domain.AutoBlockingSettings{
			Enabled:  true,
			Priority: 1,
		},
		LocalNetworks: domain.LocalNetworkSettings{
			Enabled: false,
			Ranges:  copyStrings(DefaultLocalRanges),
		},
		RateLimitAdvanced: domain.RateLimitAdvancedSettings{},
		Logging: domain.LoggingSettings{
			ExcludedPatterns: []string{"/health", "/ready", "/metrics"},
		},
		Features: domain.Features{
			Enabled:            true,
			IPBlocking:         true,
			CountryBlocking:    true,
			ASNBlocking:        true,
			SuspiciousPatterns: true,
			RateLimiting:       true,
		},
	}
}

// MergeSettings resolve a visão final de Settings.
//
// Precedência: documento operacional > feature config > defaults embutidos.
// Um grupo presente no documento operacional substitui o grupo inteiro; campos
// inválidos são depois corrigidos por NormalizeSettings.
func MergeSettings(doc *domain.SettingsDocument, features *domain.FeatureConfig) domain.Settings {
	s := DefaultSettings()

	if features != nil {
		applyFeatures(&s, features)
	}

	if doc != nil {
		applyDocument(&s, doc)
	}

	return NormalizeSettings(s)
}

func applyFeatures(s *domain.Settings, f *domain.FeatureConfig) {
	setBool(&s.Features.Enabled, f.Enabled)
	setBool(&s.Features.IPBlocking, f.IPBlocking)
	setBool(&s.Features.CountryBlocking, f.CountryBlocking)
	setBool(&s.Features.ASNBlocking, f.ASNBlocking)
	setBool(&s.Features.SuspiciousPatterns, f.SuspiciousPatterns)
	setBool(&s.Features.RateLimiting, f.RateLimiting)
	setBool(&s.AutoBlocking.Enabled, f.AutoBlocking)
	if f.RateLimitPerMinute != nil {
		s.RateLimit.PerMinute = *f.RateLimitPerMinute
	}
	if f.RateLimitPerHour != nil {
		s.RateLimit.PerHour = *f.RateLimitPerHour
	}
}

func applyDocument(s *domain.Settings, doc *domain.SettingsDocument) {
	if doc.RateLimit != nil {
		// campo zerado no documento herda da camada inferior
		if doc.RateLimit.PerMinute > 0 {
			s.RateLimit.PerMinute = doc.RateLimit.PerMinute
		}
		if doc.RateLimit.PerHour > 0 {
			s.RateLimit.PerHour = doc.RateLimit.PerHour
		}
	}
	if doc.AdminRateLimit != nil {
		admin := *doc.AdminRateLimit
		admin.ProgressiveDelays = copyInts(admin.ProgressiveDelays)
		s.AdminRateLimit = admin
	}
	if doc.ProgressiveDelays != nil {
		s.ProgressiveDelays = copyInts(doc.ProgressiveDelays)
	}
	if doc.RuleCache != nil {
		s.RuleCache = *doc.RuleCache
	}
	if doc.SecurityThresholds != nil {
		thresholds := *doc.SecurityThresholds
		thresholds.DangerousPatterns = copyStrings(thresholds.DangerousPatterns)
		s.SecurityThresholds = thresholds
	}
	if doc.AutoBlocking != nil {
		s.AutoBlocking = *doc.AutoBlocking
	}
	if doc.LocalNetworks != nil {
		local := *doc.LocalNetworks
		local.Ranges = copyStrings(local.Ranges)
		s.LocalNetworks = local
	}
	if doc.RateLimitAdvanced != nil {
		advanced := *doc.RateLimitAdvanced
		advanced.WhitelistedIPs = copyStrings(advanced.WhitelistedIPs)
		s.RateLimitAdvanced = advanced
	}
	if doc.DevelopmentMode != nil {
		s.DevelopmentMode = *doc.DevelopmentMode
	}
	if doc.Monitoring != nil {
		monitoring := *doc.Monitoring
		monitoring.AlertEmails = copyStrings(monitoring.AlertEmails)
		s.Monitoring = monitoring
	}
	if doc.Logging != nil {
		s.Logging.ExcludedPatterns = copyStrings(doc.Logging.ExcludedPatterns)
	}
	if doc.Thresholds != nil {
		s.Thresholds = *doc.Thresholds
	}
}

// NormalizeSettings substitui valores inválidos pelos defaults embutidos
func NormalizeSettings(s domain.Settings) domain.Settings {
	defaults := DefaultSettings()

	if !validLadder(s.ProgressiveDelays) {
		s.ProgressiveDelays = copyInts(DefaultLadder)
	}
	if s.RateLimit.PerMinute <= 0 {
		s.RateLimit.PerMinute = defaults.RateLimit.PerMinute
	}
	if s.RateLimit.PerHour <= 0 {
		s.RateLimit.PerHour = defaults.RateLimit.PerHour
	}

	if s.AdminRateLimit.PerMinute <= 0 {
		s.AdminRateLimit.PerMinute = defaults.AdminRateLimit.PerMinute
	}
	if s.AdminRateLimit.PerHour <= 0 {
		s.AdminRateLimit.PerHour = defaults.AdminRateLimit.PerHour
	}
	if len(s.AdminRateLimit.ProgressiveDelays) > 0 && !validLadder(s.AdminRateLimit.ProgressiveDelays) {
		s.AdminRateLimit.ProgressiveDelays = copyInts(s.ProgressiveDelays)
	}
	if s.AdminRateLimit.DelayReductionFactor <= 0 || s.AdminRateLimit.DelayReductionFactor > 1 {
		s.AdminRateLimit.DelayReductionFactor = defaults.AdminRateLimit.DelayReductionFactor
	}

	if s.RuleCache.TTLSeconds <= 0 {
		s.RuleCache.TTLSeconds = defaults.RuleCache.TTLSeconds
	}

	if s.SecurityThresholds.MaxPatternLength <= 0 {
		s.SecurityThresholds.MaxPatternLength = defaults.SecurityThresholds.MaxPatternLength
	}
	if s.SecurityThresholds.MaxInputLength <= 0 {
		s.SecurityThresholds.MaxInputLength = defaults.SecurityThresholds.MaxInputLength
	}
	if s.SecurityThresholds.PatternTimeoutMs <= 0 {
		s.SecurityThresholds.PatternTimeoutMs = defaults.SecurityThresholds.PatternTimeoutMs
	}
	if s.SecurityThresholds.DangerousPatterns == nil {
		s.SecurityThresholds.DangerousPatterns = copyStrings(DefaultDangerousPatterns)
	}

	if s.AutoBlocking.Priority <= 0 {
		s.AutoBlocking.Priority = defaults.AutoBlocking.Priority
	}
	if s.Thresholds.AutoBlockThreshold < 0 {
		s.Thresholds.AutoBlockThreshold = 0
	}
	if s.LocalNetworks.Enabled && len(s.LocalNetworks.Ranges) == 0 {
		s.LocalNetworks.Ranges = copyStrings(DefaultLocalRanges)
	}

	return s
}

// validLadder exige exatamente 4 atrasos positivos
func validLadder(ladder []int) bool {
	if len(ladder) != len(DefaultLadder) {
		return false
	}
	for _, delay := range ladder {
		if delay <= 0 {
			return false
		}
	}
	return true
}

func setBool(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}

func copyInts(values []int) []int {
	if values == nil {
		return nil
	}
	return append([]int(nil), values...)
}

func copyStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}
