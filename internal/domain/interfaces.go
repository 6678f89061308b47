package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indica que o item solicitado não existe no store
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable indica falha de infraestrutura no store
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict indica que a transação otimista esgotou as tentativas
	ErrConflict = errors.New("concurrent update conflict")

	// ErrInvalidPattern indica um padrão rejeitado pela auto-proteção do matcher
	ErrInvalidPattern = errors.New("invalid pattern")
)

// ConfigStore define o armazenamento durável de Settings e Rules.
// O engine apenas lê; escrita ocorre via API administrativa e pelo auto-ban.
type ConfigStore interface {
	// GetSettingsDocument devolve o documento operacional (nil se inexistente)
	GetSettingsDocument(ctx context.Context, id string) (*SettingsDocument, error)

	// GetFeatureConfig devolve o documento de toggles (nil se inexistente)
	GetFeatureConfig(ctx context.Context) (*FeatureConfig, error)

	// ListRules devolve as regras que satisfazem o filtro
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)

	// CreateRule persiste uma nova regra
	CreateRule(ctx context.Context, rule *Rule) error

	// UpdateRule substitui uma regra existente pelo ID
	UpdateRule(ctx context.Context, rule *Rule) error

	// DeleteRule remove uma regra pelo ID (ErrNotFound se inexistente)
	DeleteRule(ctx context.Context, id string) error
}

// RecordMutator é executado atomicamente sobre o registro de um cliente.
// Devolve true quando o registro deve ser persistido.
type RecordMutator func(record *RateLimitRecord) (bool, error)

// RateLimitStore define o armazenamento dos registros de rate limit.
// Implementa o Strategy Pattern: memória ou Redis.
type RateLimitStore interface {
	// Update carrega (ou cria) o registro e aplica fn como uma unidade atômica por cliente
	Update(ctx context.Context, clientID string, fn RecordMutator) (*RateLimitRecord, error)

	// Get devolve uma cópia do registro (nil se inexistente)
	Get(ctx context.Context, clientID string) (*RateLimitRecord, error)

	// Delete remove o registro do cliente
	Delete(ctx context.Context, clientID string) error

	// CleanupExpired remove registros inativos há mais que maxIdle
	CleanupExpired(ctx context.Context, maxIdle time.Duration) (int, error)

	// ResetViolations zera violações sem atividade há mais que maxAge
	ResetViolations(ctx context.Context, maxAge time.Duration) (int, error)

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o storage
	Close() error
}

// GeoLocator resolve a localização aproximada de um IP.
// Best-effort: nunca deve entrar em pânico com entrada malformada.
type GeoLocator interface {
	Lookup(ip string) (*GeoLocation, error)
}

// EventRecorder recebe os eventos de decisões não-allow
type EventRecorder interface {
	Record(ctx context.Context, event SecurityEvent)
}

// SettingsProvider fornece a visão atual (cacheada) de Settings
type SettingsProvider interface {
	Get(ctx context.Context) Settings
}

// RuleProvider fornece as regras habilitadas, ordenadas por prioridade
type RuleProvider interface {
	Get(ctx context.Context) []Rule
	Invalidate()
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]interface{}) Logger
}
