package storage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"request-firewall/internal/domain"
)

// memoryShards é o número de locks independentes do MemoryStore
const memoryShards = 64

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*domain.RateLimitRecord
}

// MemoryStore implementa domain.RateLimitStore em memória.
// Cada cliente é serializado pelo lock do seu shard (fnv-32a da chave).
type MemoryStore struct {
	shards    [memoryShards]*memoryShard
	recordTTL time.Duration
	now       func() time.Time
	logger    domain.Logger
}

// NewMemoryStore cria uma nova instância do MemoryStore. Registros inativos há
// mais que recordTTL são tratados como inexistentes (recordTTL <= 0 desabilita).
func NewMemoryStore(recordTTL time.Duration, logger domain.Logger) *MemoryStore {
	store := &MemoryStore{
		recordTTL: recordTTL,
		now:       time.Now,
		logger:    logger,
	}
	for i := range store.shards {
		store.shards[i] = &memoryShard{records: make(map[string]*domain.RateLimitRecord)}
	}

	if logger != nil {
		logger.Info("Memory storage initialized", map[string]interface{}{
			"shards":     memoryShards,
			"record_ttl": recordTTL.String(),
		})
	}

	return store
}

func (m *MemoryStore) shard(clientID string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return m.shards[h.Sum32()%memoryShards]
}

// expired indica se o registro passou do tempo de inatividade
func (m *MemoryStore) expired(record *domain.RateLimitRecord, now time.Time) bool {
	if m.recordTTL <= 0 || record.LastSeen.IsZero() {
		return false
	}
	return now.Sub(record.LastSeen) > m.recordTTL
}

// Update aplica fn sobre o registro do cliente sob o lock do shard
func (m *MemoryStore) Update(ctx context.Context, clientID string, fn domain.RecordMutator) (*domain.RateLimitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	shard := m.shard(clientID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, exists := shard.records[clientID]
	if exists && m.expired(current, m.now()) {
		delete(shard.records, clientID)
		exists = false
	}

	// o mutator trabalha sobre uma cópia: erro no meio não deixa estado parcial
	var record *domain.RateLimitRecord
	if exists {
		record = current.Clone()
	} else {
		record = &domain.RateLimitRecord{ClientID: clientID}
	}

	persist, err := fn(record)
	if err != nil {
		m.logStorageOperation("UPDATE", clientID, false, time.Since(start).Seconds()*1000, err)
		return nil, err
	}

	if persist {
		if record.LastSeen.IsZero() {
			record.LastSeen = m.now()
		}
		shard.records[clientID] = record.Clone()
	}

	m.logStorageOperation("UPDATE", clientID, true, time.Since(start).Seconds()*1000, nil)
	return record, nil
}

// Get devolve uma cópia do registro do cliente
func (m *MemoryStore) Get(ctx context.Context, clientID string) (*domain.RateLimitRecord, error) {
	shard := m.shard(clientID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	record, exists := shard.records[clientID]
	if !exists || m.expired(record, m.now()) {
		return nil, nil
	}
	return record.Clone(), nil
}

// Delete remove o registro do cliente
func (m *MemoryStore) Delete(ctx context.Context, clientID string) error {
	shard := m.shard(clientID)

	shard.mu.Lock()
	delete(shard.records, clientID)
	shard.mu.Unlock()

	m.logStorageOperation("DELETE", clientID, true, 0, nil)
	return nil
}

// CleanupExpired remove registros sem atividade há mais que maxIdle
func (m *MemoryStore) CleanupExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	now := m.now()
	removed := 0

	for _, shard := range m.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		shard.mu.Lock()
		for id, record := range shard.records {
			if now.Sub(record.LastSeen) > maxIdle {
				delete(shard.records, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	return removed, nil
}

// ResetViolations zera violações cuja última ocorrência é mais antiga que maxAge
func (m *MemoryStore) ResetViolations(ctx context.Context, maxAge time.Duration) (int, error) {
	now := m.now()
	reset := 0

	for _, shard := range m.shards {
		if err := ctx.Err(); err != nil {
			return reset, err
		}

		shard.mu.Lock()
		for _, record := range shard.records {
			if resetStaleViolations(record, now, maxAge) {
				reset++
			}
		}
		shard.mu.Unlock()
	}

	return reset, nil
}

// Health verifica se o storage está saudável
func (m *MemoryStore) Health(ctx context.Context) error {
	if m.logger != nil {
		m.logger.Debug("Memory storage health check", map[string]interface{}{
			"records": m.Len(),
		})
	}
	return nil
}

// Len devolve o número de registros mantidos
func (m *MemoryStore) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		total += len(shard.records)
		shard.mu.Unlock()
	}
	return total
}

// Close limpa todos os registros
func (m *MemoryStore) Close() error {
	for _, shard := range m.shards {
		shard.mu.Lock()
		shard.records = make(map[string]*domain.RateLimitRecord)
		shard.mu.Unlock()
	}

	if m.logger != nil {
		m.logger.Info("Memory storage closed", nil)
	}
	return nil
}

// resetStaleViolations aplica a política de esquecimento de violações antigas
func resetStaleViolations(record *domain.RateLimitRecord, now time.Time, maxAge time.Duration) bool {
	if record.Violations == 0 {
		return false
	}

	last := record.LastSeen
	if record.LastViolation != nil && record.LastViolation.After(last) {
		last = *record.LastViolation
	}
	if now.Sub(last) <= maxAge {
		return false
	}
	if record.DelayUntil != nil && record.DelayUntil.After(now) {
		return false
	}

	record.Violations = 0
	record.LastViolation = nil
	record.DelayUntil = nil
	return true
}

// logStorageOperation registra operações de storage
func (m *MemoryStore) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if m.logger == nil {
		return
	}

	if success {
		m.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	} else {
		m.logger.Error("Storage operation failed", err, map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	}
}
