package domain

// RateLimitSettings define os tetos de requisições por janela
type RateLimitSettings struct {
	PerMinute int `json:"perMinute" yaml:"perMinute"`
	PerHour   int `json:"perHour" yaml:"perHour"`
}

// AdminRateLimitSettings define os tetos e a escada de atrasos de chamadores privilegiados
type AdminRateLimitSettings struct {
	PerMinute            int     `json:"perMinute" yaml:"perMinute"`
	PerHour              int     `json:"perHour" yaml:"perHour"`
	ProgressiveDelays    []int   `json:"progressiveDelays" yaml:"progressiveDelays"`
	DelayReductionFactor float64 `json:"delayReductionFactor" yaml:"delayReductionFactor"`
}

// RuleCacheSettings controla o TTL do cache de regras
type RuleCacheSettings struct {
	TTLSeconds int  `json:"ttlSeconds" yaml:"ttlSeconds"`
	Enabled    bool `json:"enabled" yaml:"enabled"`
}

// SecurityThresholds protege o matcher contra padrões e entradas abusivas
type SecurityThresholds struct {
	MaxPatternLength      int      `json:"maxPatternLength" yaml:"maxPatternLength"`
	MaxInputLength        int      `json:"maxInputLength" yaml:"maxInputLength"`
	EnableReDoSProtection bool     `json:"enableReDoSProtection" yaml:"enableReDoSProtection"`
	DangerousPatterns     []string `json:"dangerousPatterns" yaml:"dangerousPatterns"`
	PatternTimeoutMs      int      `json:"patternTimeoutMs" yaml:"patternTimeoutMs"`
}

// AutoBlockingSettings controla o sintetizador de auto-ban
type AutoBlockingSettings struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Priority int  `json:"priority" yaml:"priority"`
}

// LocalNetworkSettings define faixas isentas da avaliação de regras
type LocalNetworkSettings struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Ranges  []string `json:"ranges" yaml:"ranges"`
}

// RateLimitAdvancedSettings define bypasses por classe de chamador
type RateLimitAdvancedSettings struct {
	BypassAdminUsers         bool     `json:"bypassAdminUsers" yaml:"bypassAdminUsers"`
	BypassAuthenticatedUsers bool     `json:"bypassAuthenticatedUsers" yaml:"bypassAuthenticatedUsers"`
	WhitelistedIPs           []string `json:"whitelistedIPs" yaml:"whitelistedIPs"`
}

// DevelopmentModeSettings é a válvula de escape operacional
type DevelopmentModeSettings struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// MonitoringSettings controla o disparo de alertas em tempo real
type MonitoringSettings struct {
	EnableRealTimeAlerts bool     `json:"enableRealTimeAlerts" yaml:"enableRealTimeAlerts"`
	AlertEmails          []string `json:"alertEmails" yaml:"alertEmails"`
}

// LoggingSettings controla quais URLs não poluem o log de eventos
type LoggingSettings struct {
	ExcludedPatterns []string `json:"excludedPatterns" yaml:"excludedPatterns"`
}

// ThresholdSettings agrupa limites de escalonamento
type ThresholdSettings struct {
	// AutoBlockThreshold igual a zero significa "tamanho da escada de atrasos"
	AutoBlockThreshold int `json:"autoBlockThreshold" yaml:"autoBlockThreshold"`
}

// Features são os toggles de funcionalidades do firewall
type Features struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	IPBlocking         bool `json:"ipBlocking" yaml:"ipBlocking"`
	CountryBlocking    bool `json:"countryBlocking" yaml:"countryBlocking"`
	ASNBlocking        bool `json:"asnBlocking" yaml:"asnBlocking"`
	SuspiciousPatterns bool `json:"suspiciousPatterns" yaml:"suspiciousPatterns"`
	RateLimiting       bool `json:"rateLimiting" yaml:"rateLimiting"`
}

// Settings é a visão resolvida (já mesclada e normalizada) usada pelo engine
type Settings struct {
	RateLimit          RateLimitSettings         `json:"rateLimit" yaml:"rateLimit"`
	AdminRateLimit     AdminRateLimitSettings    `json:"adminRateLimit" yaml:"adminRateLimit"`
	ProgressiveDelays  []int                     `json:"progressiveDelays" yaml:"progressiveDelays"`
	RuleCache          RuleCacheSettings         `json:"ruleCache" yaml:"ruleCache"`
	SecurityThresholds SecurityThresholds        `json:"securityThresholds" yaml:"securityThresholds"`
	AutoBlocking       AutoBlockingSettings      `json:"autoBlocking" yaml:"autoBlocking"`
	LocalNetworks      LocalNetworkSettings      `json:"localNetworks" yaml:"localNetworks"`
	RateLimitAdvanced  RateLimitAdvancedSettings `json:"rateLimitAdvanced" yaml:"rateLimitAdvanced"`
	DevelopmentMode    DevelopmentModeSettings   `json:"developmentMode" yaml:"developmentMode"`
	Monitoring         MonitoringSettings        `json:"monitoring" yaml:"monitoring"`
	Logging            LoggingSettings           `json:"logging" yaml:"logging"`
	Thresholds         ThresholdSettings         `json:"thresholds" yaml:"thresholds"`
	Features           Features                  `json:"features" yaml:"features"`
}

// Ladder devolve a escada de atrasos aplicável à classe do chamador
func (s Settings) Ladder(privileged bool) []int {
	if privileged && len(s.AdminRateLimit.ProgressiveDelays) > 0 {
		return s.AdminRateLimit.ProgressiveDelays
	}
	return s.ProgressiveDelays
}

// Limits devolve os tetos por minuto e por hora da classe do chamador
func (s Settings) Limits(privileged bool) (perMinute, perHour int) {
	if privileged {
		return s.AdminRateLimit.PerMinute, s.AdminRateLimit.PerHour
	}
	return s.RateLimit.PerMinute, s.RateLimit.PerHour
}

// AutoBlockThreshold devolve o limiar de violações para o auto-ban
func (s Settings) AutoBlockThreshold() int {
	if s.Thresholds.AutoBlockThreshold > 0 {
		return s.Thresholds.AutoBlockThreshold
	}
	return len(s.ProgressiveDelays)
}

// SettingsDocument é o documento operacional armazenado (chave "default").
// Um grupo presente é autoritativo para aquele grupo; ausente cai para o
// FeatureConfig e depois para os defaults embutidos.
type SettingsDocument struct {
	ID                 string                     `json:"id" yaml:"id"`
	RateLimit          *RateLimitSettings         `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	AdminRateLimit     *AdminRateLimitSettings    `json:"adminRateLimit,omitempty" yaml:"adminRateLimit,omitempty"`
	ProgressiveDelays  []int                      `json:"progressiveDelays,omitempty" yaml:"progressiveDelays,omitempty"`
	RuleCache          *RuleCacheSettings         `json:"ruleCache,omitempty" yaml:"ruleCache,omitempty"`
	SecurityThresholds *SecurityThresholds        `json:"securityThresholds,omitempty" yaml:"securityThresholds,omitempty"`
	AutoBlocking       *AutoBlockingSettings      `json:"autoBlocking,omitempty" yaml:"autoBlocking,omitempty"`
	LocalNetworks      *LocalNetworkSettings      `json:"localNetworks,omitempty" yaml:"localNetworks,omitempty"`
	RateLimitAdvanced  *RateLimitAdvancedSettings `json:"rateLimitAdvanced,omitempty" yaml:"rateLimitAdvanced,omitempty"`
	DevelopmentMode    *DevelopmentModeSettings   `json:"developmentMode,omitempty" yaml:"developmentMode,omitempty"`
	Monitoring         *MonitoringSettings        `json:"monitoring,omitempty" yaml:"monitoring,omitempty"`
	Logging            *LoggingSettings           `json:"logging,omitempty" yaml:"logging,omitempty"`
	Thresholds         *ThresholdSettings         `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// FeatureConfig é o documento de toggles de funcionalidades.
// Campos nil não sobrescrevem os defaults.
type FeatureConfig struct {
	Enabled            *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	IPBlocking         *bool `json:"ipBlocking,omitempty" yaml:"ipBlocking,omitempty"`
	CountryBlocking    *bool `json:"countryBlocking,omitempty" yaml:"countryBlocking,omitempty"`
	ASNBlocking        *bool `json:"asnBlocking,omitempty" yaml:"asnBlocking,omitempty"`
	SuspiciousPatterns *bool `json:"suspiciousPatterns,omitempty" yaml:"suspiciousPatterns,omitempty"`
	RateLimiting       *bool `json:"rateLimiting,omitempty" yaml:"rateLimiting,omitempty"`
	AutoBlocking       *bool `json:"autoBlocking,omitempty" yaml:"autoBlocking,omitempty"`
	RateLimitPerMinute *int  `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"`
	RateLimitPerHour   *int  `json:"rateLimitPerHour,omitempty" yaml:"rateLimitPerHour,omitempty"`
}
