package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"request-firewall/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	// keyPrefix é o prefixo das chaves de registros de rate limit
	keyPrefix = "rate_limit:ip:"

	// maxTxRetries limita as tentativas da transação otimista (WATCH/MULTI)
	maxTxRetries = 10

	scanBatch = 100
)

// RedisStore implementa domain.RateLimitStore usando Redis.
// O read-modify-write de cada cliente roda em WATCH/MULTI/EXEC.
type RedisStore struct {
	client    redis.UniversalClient
	recordTTL time.Duration
	now       func() time.Time
	logger    domain.Logger
}

// NewRedisStore cria uma nova instância do RedisStore e testa a conexão
func NewRedisStore(host, port, password string, db int, recordTTL time.Duration, logger domain.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": host,
			"port": port,
			"db":   db,
		})
	}

	return NewRedisStoreWithClient(rdb, recordTTL, logger), nil
}

// NewRedisStoreWithClient usa um cliente já configurado
func NewRedisStoreWithClient(client redis.UniversalClient, recordTTL time.Duration, logger domain.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		recordTTL: recordTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// Update executa fn dentro de uma transação otimista sobre a chave do cliente.
// Conflitos são repetidos até maxTxRetries; esgotado, devolve ErrConflict.
// fn pode rodar mais de uma vez e não deve ter efeitos colaterais externos.
func (r *RedisStore) Update(ctx context.Context, clientID string, fn domain.RecordMutator) (*domain.RateLimitRecord, error) {
	start := time.Now()
	key := BuildKey(clientID)

	var committed *domain.RateLimitRecord
	txf := func(tx *redis.Tx) error {
		record, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if record == nil {
			record = &domain.RateLimitRecord{ClientID: clientID}
		}

		persist, err := fn(record)
		if err != nil {
			return err
		}

		if persist {
			if record.LastSeen.IsZero() {
				record.LastSeen = r.now()
			}
			data, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to marshal record for key %s: %w", key, err)
			}
			// EXEC falha com TxFailedErr se a chave mudou desde o WATCH
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, r.recordTTL)
				return nil
			})
			if err != nil {
				return err
			}
		}

		committed = record
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			r.logStorageOperation("UPDATE", key, true, time.Since(start).Seconds()*1000, nil)
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		r.logStorageOperation("UPDATE", key, false, time.Since(start).Seconds()*1000, err)
		return nil, fmt.Errorf("failed to update key %s: %w", key, err)
	}

	r.logStorageOperation("UPDATE", key, false, time.Since(start).Seconds()*1000, domain.ErrConflict)
	return nil, fmt.Errorf("failed to update key %s after %d attempts: %w", key, maxTxRetries, domain.ErrConflict)
}

func (r *RedisStore) read(ctx context.Context, cmd redis.Cmdable, key string) (*domain.RateLimitRecord, error) {
	data, err := cmd.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var record domain.RateLimitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record for key %s: %w", key, err)
	}
	return &record, nil
}

// Get recupera o registro atual do cliente
func (r *RedisStore) Get(ctx context.Context, clientID string) (*domain.RateLimitRecord, error) {
	start := time.Now()
	key := BuildKey(clientID)

	record, err := r.read(ctx, r.client, key)
	r.logStorageOperation("GET", key, err == nil, time.Since(start).Seconds()*1000, err)
	return record, err
}

// Delete remove o registro do cliente
func (r *RedisStore) Delete(ctx context.Context, clientID string) error {
	start := time.Now()
	key := BuildKey(clientID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logStorageOperation("DELETE", key, false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	r.logStorageOperation("DELETE", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// CleanupExpired é um no-op: o TTL das chaves já expira registros inativos
func (r *RedisStore) CleanupExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	return 0, nil
}

// ResetViolations percorre as chaves com SCAN e zera violações antigas
func (r *RedisStore) ResetViolations(ctx context.Context, maxAge time.Duration) (int, error) {
	reset := 0
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return reset, fmt.Errorf("failed to scan rate limit keys: %w", err)
		}

		for _, key := range keys {
			clientID := strings.TrimPrefix(key, keyPrefix)
			changed := false
			_, err := r.Update(ctx, clientID, func(record *domain.RateLimitRecord) (bool, error) {
				changed = resetStaleViolations(record, r.now(), maxAge)
				return changed, nil
			})
			if err != nil {
				if r.logger != nil {
					r.logger.Warn("Failed to reset violations", map[string]interface{}{
						"key":   key,
						"error": err.Error(),
					})
				}
				continue
			}
			if changed {
				reset++
			}
		}

		cursor = next
		if cursor == 0 {
			return reset, nil
		}
	}
}

// Health verifica se o storage está saudável
func (r *RedisStore) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("HEALTH", "ping", false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	r.logStorageOperation("HEALTH", "ping", true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil {
		if r.logger != nil {
			r.logger.Error("Failed to close Redis connection", err, nil)
		}
		return err
	}
	if r.logger != nil {
		r.logger.Info("Redis connection closed", nil)
	}
	return nil
}

// logStorageOperation registra operações de storage
func (r *RedisStore) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if r.logger == nil {
		return
	}
	if success {
		r.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	} else {
		r.logger.Error("Storage operation failed", err, map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	}
}

// BuildKey constrói a chave padronizada do registro de um cliente
func BuildKey(clientID string) string {
	return keyPrefix + clientID
}
