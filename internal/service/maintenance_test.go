package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"request-firewall/internal/domain"
	"request-firewall/internal/logger"
	"request-firewall/internal/storage"
)

func TestMaintenance_StartStopIsIdempotent(t *testing.T) {
	store := new(MockRateLimitStore)
	m := NewMaintenance(store, MaintenanceConfig{
		CleanupInterval:        time.Hour,
		ViolationResetInterval: time.Hour,
		RecordMaxIdle:          time.Hour,
		ViolationResetAge:      time.Hour,
	}, logger.NopLogger{})

	assert.False(t, m.Running())

	m.Start()
	m.Start()
	assert.True(t, m.Running())

	m.Stop()
	assert.False(t, m.Running())
	m.Stop()

	m.Start()
	assert.True(t, m.Running())
	m.Stop()
	assert.False(t, m.Running())
}

func TestMaintenance_RunsTasksOnInterval(t *testing.T) {
	var cleanups, resets atomic.Int32
	store := new(MockRateLimitStore)
	store.On("CleanupExpired", mock.Anything, 30*time.Minute).Return(2, nil).Run(func(mock.Arguments) { cleanups.Add(1) })
	store.On("ResetViolations", mock.Anything, 24*time.Hour).Return(1, nil).Run(func(mock.Arguments) { resets.Add(1) })

	m := NewMaintenance(store, MaintenanceConfig{
		CleanupInterval:        10 * time.Millisecond,
		ViolationResetInterval: 15 * time.Millisecond,
		RecordMaxIdle:          30 * time.Minute,
		ViolationResetAge:      24 * time.Hour,
	}, logger.NopLogger{})

	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return cleanups.Load() > 0 && resets.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestMaintenance_RunCleanup(t *testing.T) {
	ctx := context.Background()
	memory := storage.NewMemoryStore(0, logger.NopLogger{})
	_, err := memory.Update(ctx, "10.0.0.1", func(record *domain.RateLimitRecord) (bool, error) {
		record.LastSeen = time.Now().Add(-2 * time.Hour)
		return true, nil
	})
	require.NoError(t, err)
	_, err = memory.Update(ctx, "10.0.0.2", func(record *domain.RateLimitRecord) (bool, error) {
		record.LastSeen = time.Now()
		return true, nil
	})
	require.NoError(t, err)

	m := NewMaintenance(memory, MaintenanceConfig{RecordMaxIdle: time.Hour}, logger.NopLogger{})
	removed, err := m.RunCleanup(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, memory.Len())
}

func TestMaintenance_RunViolationReset(t *testing.T) {
	ctx := context.Background()
	memory := storage.NewMemoryStore(0, logger.NopLogger{})
	old := time.Now().Add(-48 * time.Hour)
	_, err := memory.Update(ctx, "10.0.0.3", func(record *domain.RateLimitRecord) (bool, error) {
		record.Violations = 3
		record.LastViolation = &old
		record.LastSeen = old
		return true, nil
	})
	require.NoError(t, err)

	m := NewMaintenance(memory, MaintenanceConfig{ViolationResetAge: 24 * time.Hour}, logger.NopLogger{})
	reset, err := m.RunViolationReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	record, err := memory.Get(ctx, "10.0.0.3")
	require.NoError(t, err)
	assert.Zero(t, record.Violations)
}

func TestMaintenance_TaskErrors(t *testing.T) {
	store := new(MockRateLimitStore)
	store.On("CleanupExpired", mock.Anything, time.Hour).Return(0, errors.New("redis down"))
	store.On("ResetViolations", mock.Anything, time.Hour).Return(0, errors.New("redis down"))

	m := NewMaintenance(store, MaintenanceConfig{RecordMaxIdle: time.Hour, ViolationResetAge: time.Hour}, logger.NopLogger{})

	_, err := m.RunCleanup(context.Background())
	assert.Error(t, err)
	_, err = m.RunViolationReset(context.Background())
	assert.Error(t, err)
	store.AssertExpectations(t)
}
