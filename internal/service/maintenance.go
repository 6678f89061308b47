package service

import (
	"context"
	"sync"
	"time"

	"request-firewall/internal/domain"
)

// MaintenanceConfig define os intervalos das tarefas de higiene
type MaintenanceConfig struct {
	CleanupInterval        time.Duration
	ViolationResetInterval time.Duration
	RecordMaxIdle          time.Duration
	ViolationResetAge      time.Duration
}

// MaintenanceObserver recebe a contagem de registros afetados por tarefa
type MaintenanceObserver interface {
	ObserveMaintenance(task string, affected int)
}

// Maintenance roda a limpeza de registros e o reset de violações fora do
// caminho da requisição. Start é idempotente; Stop limpa o handle.
type Maintenance struct {
	store    domain.RateLimitStore
	cfg      MaintenanceConfig
	logger   domain.Logger
	observer MaintenanceObserver

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance cria o agendador de tarefas de manutenção
func NewMaintenance(store domain.RateLimitStore, cfg MaintenanceConfig, logger domain.Logger) *Maintenance {
	return &Maintenance{
		store:  store,
		cfg:    cfg,
		logger: logger.WithFields(map[string]interface{}{"worker": "maintenance"}),
	}
}

// SetObserver liga as métricas das tarefas
func (m *Maintenance) SetObserver(observer MaintenanceObserver) {
	m.observer = observer
}

// Start inicia os timers se ainda não estiverem rodando
func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.loop(ctx, m.cfg.CleanupInterval, func(ctx context.Context) { _, _ = m.RunCleanup(ctx) })
	go m.loop(ctx, m.cfg.ViolationResetInterval, func(ctx context.Context) { _, _ = m.RunViolationReset(ctx) })

	m.logger.Info("Maintenance tasks started", map[string]interface{}{
		"cleanup_interval": m.cfg.CleanupInterval.String(),
		"reset_interval":   m.cfg.ViolationResetInterval.String(),
	})
}

// Stop para os timers e aguarda as execuções em andamento
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return
	}

	m.cancel()
	m.wg.Wait()
	m.cancel = nil

	m.logger.Info("Maintenance tasks stopped", nil)
}

// Running indica se os timers estão ativos
func (m *Maintenance) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// RunCleanup remove registros inativos
func (m *Maintenance) RunCleanup(ctx context.Context) (int, error) {
	removed, err := m.store.CleanupExpired(ctx, m.cfg.RecordMaxIdle)
	if err != nil {
		m.logger.Error("Rate limit record cleanup failed", err, nil)
		return 0, err
	}
	m.observe("cleanup", removed)
	if removed > 0 {
		m.logger.Info("Expired rate limit records removed", map[string]interface{}{
			"removed": removed,
		})
	}
	return removed, nil
}

// RunViolationReset zera violações antigas
func (m *Maintenance) RunViolationReset(ctx context.Context) (int, error) {
	reset, err := m.store.ResetViolations(ctx, m.cfg.ViolationResetAge)
	if err != nil {
		m.logger.Error("Violation reset failed", err, nil)
		return 0, err
	}
	m.observe("violation_reset", reset)
	if reset > 0 {
		m.logger.Info("Stale violations reset", map[string]interface{}{
			"reset": reset,
		})
	}
	return reset, nil
}

func (m *Maintenance) observe(task string, affected int) {
	if m.observer != nil {
		m.observer.ObserveMaintenance(task, affected)
	}
}

func (m *Maintenance) loop(ctx context.Context, interval time.Duration, task func(context.Context)) {
	defer m.wg.Done()

	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}
