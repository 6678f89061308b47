package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"request-firewall/internal/netutil"
)

// Config representa todas as configurações de processo da aplicação.
// Settings e Rules do firewall vivem no ConfigStore, não aqui.
type Config struct {
	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Storage Configuration
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Firewall config store (YAML). Vazio = store em memória com defaults
	FirewallConfigFile string
	WatchConfig        bool

	// Cache Configuration (em segundos)
	SettingsCacheTTL    int
	DefaultRuleCacheTTL int

	// Rate limit record hygiene (em segundos)
	RecordTTL              int
	CleanupInterval        int
	ViolationResetInterval int
	ViolationResetAge      int

	// Proxies cujos X-Forwarded-For/X-Real-IP são aceitos (IPs ou CIDRs).
	// Vazio = nenhum; o cliente é sempre o peer da conexão
	TrustedProxies []string

	// Pipeline Configuration
	BypassPaths        []string
	InformationalPaths []string

	// GeoIP Configuration
	GeoIPCityDB string
	GeoIPASNDB  string

	// Event log / alerting
	EventLogFile       string
	EventLogMaxSizeMB  int
	EventLogMaxBackups int
	AlertsPerMinute    int
}

// SettingsTTL devolve o TTL do cache de settings como Duration
func (c *Config) SettingsTTL() time.Duration {
	return time.Duration(c.SettingsCacheTTL) * time.Second
}

// BootstrapRuleTTL devolve o TTL do cache de regras antes do primeiro load de settings
func (c *Config) BootstrapRuleTTL() time.Duration {
	return time.Duration(c.DefaultRuleCacheTTL) * time.Second
}

// RecordMaxIdle devolve o tempo de inatividade após o qual um registro expira
func (c *Config) RecordMaxIdle() time.Duration {
	return time.Duration(c.RecordTTL) * time.Second
}

// ConfigLoader carrega a configuração do processo a partir do ambiente
type ConfigLoader struct {
	config *Config
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega as configurações do .env e das variáveis de ambiente
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Carrega o arquivo .env se existir
	if err := godotenv.Load(); err != nil {
		// Se não encontrar .env, continua com variáveis do sistema
		fmt.Println("Warning: .env file not found, using system environment variables")
	}

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	c.config = config
	return config, nil
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		// Server defaults
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),

		// Logging defaults
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		// Storage defaults
		StorageType:   strings.ToLower(getEnvWithDefault("STORAGE_TYPE", "memory")),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		FirewallConfigFile: getEnvWithDefault("FIREWALL_CONFIG_FILE", ""),

		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),

		BypassPaths:        getEnvList("BYPASS_PATHS", []string{"/health", "/ready", "/auth/", "/api/auth/"}),
		InformationalPaths: getEnvList("INFORMATIONAL_PATHS", []string{"/api/status", "/api/info"}),

		GeoIPCityDB: getEnvWithDefault("GEOIP_CITY_DB", ""),
		GeoIPASNDB:  getEnvWithDefault("GEOIP_ASN_DB", ""),

		EventLogFile: getEnvWithDefault("EVENT_LOG_FILE", ""),
	}

	watch, err := strconv.ParseBool(getEnvWithDefault("WATCH_CONFIG", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid WATCH_CONFIG value: %w", err)
	}
	config.WatchConfig = watch

	ints := []struct {
		key      string
		fallback string
		target   *int
	}{
		{"REDIS_DB", "0", &config.RedisDB},
		{"SETTINGS_CACHE_TTL", "300", &config.SettingsCacheTTL},
		{"DEFAULT_RULE_CACHE_TTL", "60", &config.DefaultRuleCacheTTL},
		{"RECORD_TTL", "3600", &config.RecordTTL},
		{"CLEANUP_INTERVAL", "1800", &config.CleanupInterval},
		{"VIOLATION_RESET_INTERVAL", "21600", &config.ViolationResetInterval},
		{"VIOLATION_RESET_AGE", "86400", &config.ViolationResetAge},
		{"EVENT_LOG_MAX_SIZE_MB", "10", &config.EventLogMaxSizeMB},
		{"EVENT_LOG_MAX_BACKUPS", "3", &config.EventLogMaxBackups},
		{"ALERTS_PER_MINUTE", "6", &config.AlertsPerMinute},
	}
	for _, item := range ints {
		value, err := strconv.Atoi(getEnvWithDefault(item.key, item.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", item.key, err)
		}
		*item.target = value
	}

	// Valida configurações obrigatórias
	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	if config.StorageType != "memory" && config.StorageType != "redis" {
		return fmt.Errorf("STORAGE_TYPE must be 'memory' or 'redis'")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if config.SettingsCacheTTL <= 0 {
		return fmt.Errorf("SETTINGS_CACHE_TTL must be greater than 0")
	}

	if config.DefaultRuleCacheTTL <= 0 {
		return fmt.Errorf("DEFAULT_RULE_CACHE_TTL must be greater than 0")
	}

	if config.RecordTTL <= 0 {
		return fmt.Errorf("RECORD_TTL must be greater than 0")
	}

	if config.CleanupInterval <= 0 || config.ViolationResetInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL and VIOLATION_RESET_INTERVAL must be greater than 0")
	}

	if config.ViolationResetAge <= 0 {
		return fmt.Errorf("VIOLATION_RESET_AGE must be greater than 0")
	}

	if config.AlertsPerMinute < 0 {
		return fmt.Errorf("ALERTS_PER_MINUTE must not be negative")
	}

	for _, proxy := range config.TrustedProxies {
		if _, ok := netutil.ParsePrefix(proxy); !ok {
			return fmt.Errorf("TRUSTED_PROXIES contains an invalid IP or CIDR: %q", proxy)
		}
	}

	return nil
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList lê uma lista separada por vírgulas
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
