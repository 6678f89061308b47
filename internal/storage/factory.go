package storage

import (
	"fmt"
	"strings"
	"time"

	"request-firewall/internal/domain"
)

// StorageType define os tipos de storage de rate limit disponíveis
type StorageType string

const (
	RedisStorageType  StorageType = "redis"
	MemoryStorageType StorageType = "memory"
)

// StorageConfig contém configurações para criação do store de rate limit
type StorageConfig struct {
	Type        StorageType
	RecordTTL   time.Duration
	RedisConfig *RedisConfig
}

// RedisConfig contém configurações específicas do Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// StorageFactory cria instâncias de storage seguindo Strategy Pattern
type StorageFactory struct{}

// NewStorageFactory cria uma nova instância da factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{}
}

// CreateStorage cria o store de rate limit indicado na configuração
func (f *StorageFactory) CreateStorage(config *StorageConfig, logger domain.Logger) (domain.RateLimitStore, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		rc := config.RedisConfig
		store, err := NewRedisStore(rc.Host, rc.Port, rc.Password, rc.Database, config.RecordTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis storage: %w", err)
		}
		return store, nil
	default:
		return NewMemoryStore(config.RecordTTL, logger), nil
	}
}

// CreateConfigStore cria o store de configuração: arquivo YAML quando path é
// informado, memória caso contrário.
func (f *StorageFactory) CreateConfigStore(path string, logger domain.Logger) (domain.ConfigStore, error) {
	if path == "" {
		if logger != nil {
			logger.Info("No firewall config file, using in-memory config store with built-in defaults", nil)
		}
		return NewMemoryConfigStore(), nil
	}

	store, err := NewFileConfigStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create file config store: %w", err)
	}
	return store, nil
}

// GetSupportedTypes retorna os tipos de storage suportados
func (f *StorageFactory) GetSupportedTypes() []StorageType {
	return []StorageType{RedisStorageType, MemoryStorageType}
}

// ValidateConfig valida uma configuração de storage
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		return f.validateRedisConfig(config.RedisConfig)
	case MemoryStorageType:
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// validateRedisConfig valida configuração do Redis
func (f *StorageFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}

	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}

	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}

	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}

	return nil
}

// BuildStorageConfigFromEnv constrói configuração de storage a partir das variáveis já carregadas
func BuildStorageConfigFromEnv(storageType, redisHost, redisPort, redisPassword string, redisDB int, recordTTL time.Duration) *StorageConfig {
	config := &StorageConfig{
		Type:      StorageType(strings.ToLower(storageType)),
		RecordTTL: recordTTL,
	}

	if config.Type == RedisStorageType {
		config.RedisConfig = &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		}
	}

	return config
}
