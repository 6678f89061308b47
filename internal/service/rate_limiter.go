package service

import (
	"context"
	"fmt"
	"time"

	"request-firewall/internal/config"
	"request-firewall/internal/domain"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// BanHandler promove um cliente reincidente a uma regra de bloqueio
type BanHandler interface {
	Ban(ctx context.Context, clientID string, record *domain.RateLimitRecord, settings domain.Settings) (*domain.Rule, error)
}

// RateLimiter implementa a máquina de estados de escalonamento:
// Clear -> Delayed -> Clear ou Banned.
type RateLimiter struct {
	store  domain.RateLimitStore
	banner BanHandler
	logger domain.Logger
	now    func() time.Time
}

// NewRateLimiter cria uma nova instância do rate limiter
func NewRateLimiter(store domain.RateLimitStore, banner BanHandler, logger domain.Logger) *RateLimiter {
	return &RateLimiter{
		store:  store,
		banner: banner,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock substitui o relógio (testes)
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.now = now
}

// Check registra a requisição do cliente e decide se ela pode seguir.
//
// A leitura, a contagem e a escrita do registro acontecem numa única unidade
// atômica por cliente (RateLimitStore.Update). O auto-ban roda depois do commit,
// com o registro já persistido.
func (r *RateLimiter) Check(ctx context.Context, clientID string, req *domain.RequestInfo, privileged bool, settings domain.Settings) (*domain.RateLimitOutcome, error) {
	now := r.now()
	perMinute, perHour := settings.Limits(privileged)

	var outcome domain.RateLimitOutcome
	var ban bool

	mutate := func(record *domain.RateLimitRecord) (bool, error) {
		// o mutator pode ser repetido (transação otimista): estado local é reiniciado
		outcome = domain.RateLimitOutcome{}
		ban = false

		// durante um atraso ativo nada é contado nem estendido
		if record.DelayUntil != nil && record.DelayUntil.After(now) {
			outcome = domain.RateLimitOutcome{
				Allowed:    false,
				Reason:     domain.ReasonActiveDelay,
				RetryAfter: record.DelayUntil.Sub(now),
				Violations: record.Violations,
			}
			return false, nil
		}

		record.Requests = pruneRequests(record.Requests, now)
		entry := domain.RequestEntry{Timestamp: now}
		if req != nil {
			entry.Path = req.Path
			entry.Method = req.Method
		}
		record.Requests = append(record.Requests, entry)
		record.LastSeen = now

		minuteCount, hourCount := countRequests(record.Requests, now)
		outcome.MinuteCount = minuteCount
		outcome.HourCount = hourCount

		if minuteCount <= perMinute && hourCount <= perHour {
			outcome.Allowed = true
			outcome.Reason = domain.ReasonAllowed
			outcome.Violations = record.Violations
			return true, nil
		}

		record.Violations++
		violatedAt := now
		record.LastViolation = &violatedAt
		outcome.Violations = record.Violations

		if settings.AutoBlocking.Enabled && record.Violations >= settings.AutoBlockThreshold() {
			ban = true
			outcome.Reason = domain.ReasonAutoBanned
			outcome.AutoBanned = true
			return true, nil
		}

		delay := DelayFor(settings, record.Violations, privileged)
		until := now.Add(delay)
		record.DelayUntil = &until
		outcome.Reason = domain.ReasonRateLimitExceeded
		outcome.RetryAfter = delay
		return true, nil
	}

	record, err := r.store.Update(ctx, clientID, mutate)
	if err != nil {
		return nil, fmt.Errorf("failed to update rate limit record: %w", err)
	}

	if !outcome.Allowed {
		r.logger.Info("Rate limit exceeded", map[string]interface{}{
			"client_id":    clientID,
			"reason":       outcome.Reason,
			"violations":   outcome.Violations,
			"minute_count": outcome.MinuteCount,
			"hour_count":   outcome.HourCount,
			"retry_after":  outcome.RetryAfter.Seconds(),
			"privileged":   privileged,
		})
	}

	if ban {
		r.autoBan(ctx, clientID, record, settings, &outcome)
	}

	return &outcome, nil
}

// autoBan promove o cliente a regra ip_block. Sem regra criada, o resultado
// volta a ser um rate limit comum e a próxima violação tenta de novo.
func (r *RateLimiter) autoBan(ctx context.Context, clientID string, record *domain.RateLimitRecord, settings domain.Settings, outcome *domain.RateLimitOutcome) {
	if r.banner == nil {
		outcome.AutoBanned = false
		outcome.Reason = domain.ReasonRateLimitExceeded
		return
	}

	rule, err := r.banner.Ban(ctx, clientID, record, settings)
	if err != nil {
		r.logger.Error("Failed to auto-ban client", err, map[string]interface{}{
			"client_id":  clientID,
			"violations": record.Violations,
		})
		outcome.AutoBanned = false
		outcome.Reason = domain.ReasonRateLimitExceeded
		return
	}
	if rule != nil {
		outcome.BanRuleID = rule.ID
	}
}

// DelayFor calcula o atraso da k-ésima violação: ladder[min(k-1, len-1)],
// reduzido pelo fator administrativo quando o chamador é privilegiado.
func DelayFor(settings domain.Settings, violations int, privileged bool) time.Duration {
	ladder := settings.Ladder(privileged)
	if len(ladder) == 0 {
		ladder = config.DefaultLadder
	}

	idx := violations - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(ladder)-1 {
		idx = len(ladder) - 1
	}

	seconds := float64(ladder[idx])
	if privileged && settings.AdminRateLimit.DelayReductionFactor > 0 {
		seconds *= settings.AdminRateLimit.DelayReductionFactor
	}
	return time.Duration(seconds * float64(time.Second))
}

// pruneRequests descarta entradas fora da janela de uma hora
func pruneRequests(requests []domain.RequestEntry, now time.Time) []domain.RequestEntry {
	kept := requests[:0]
	for _, entry := range requests {
		if now.Sub(entry.Timestamp) < hourWindow {
			kept = append(kept, entry)
		}
	}
	return kept
}

// countRequests conta as requisições nas janelas de minuto e de hora
func countRequests(requests []domain.RequestEntry, now time.Time) (minute, hour int) {
	for _, entry := range requests {
		age := now.Sub(entry.Timestamp)
		if age < hourWindow {
			hour++
		}
		if age < minuteWindow {
			minute++
		}
	}
	return minute, hour
}
