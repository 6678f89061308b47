package events

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"request-firewall/internal/domain"
)

// Alerter entrega alertas em tempo real para os destinatários configurados
type Alerter interface {
	Alert(ctx context.Context, event domain.SecurityEvent, recipients []string) error
}

// LogAlerter registra o alerta no logger; serve enquanto não há canal externo
type LogAlerter struct {
	Logger domain.Logger
}

// Alert implementa Alerter
func (a LogAlerter) Alert(_ context.Context, event domain.SecurityEvent, recipients []string) error {
	a.Logger.Warn("Security alert", map[string]interface{}{
		"recipients": recipients,
		"ip":         event.IP,
		"action":     event.Action,
		"reason":     event.Reason,
		"rule_id":    event.RuleID,
	})
	return nil
}

// Recorder implementa domain.EventRecorder: log estruturado, arquivo JSON
// rotacionado e alertas com orçamento por minuto.
type Recorder struct {
	settings domain.SettingsProvider
	logger   domain.Logger
	alerter  Alerter
	limiter  *rate.Limiter

	mu   sync.Mutex
	sink io.Writer
}

// Option configura o Recorder
type Option func(*Recorder)

// WithSink grava cada evento como uma linha JSON em w
func WithSink(w io.Writer) Option {
	return func(r *Recorder) { r.sink = w }
}

// WithAlerter substitui o alerter padrão
func WithAlerter(alerter Alerter) Option {
	return func(r *Recorder) { r.alerter = alerter }
}

// WithAlertBudget limita os alertas por minuto (0 desliga os alertas)
func WithAlertBudget(perMinute int) Option {
	return func(r *Recorder) {
		if perMinute <= 0 {
			r.limiter = rate.NewLimiter(0, 0)
			return
		}
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

// NewRecorder cria o gravador de eventos de segurança
func NewRecorder(settings domain.SettingsProvider, logger domain.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		settings: settings,
		logger:   logger,
		alerter:  LogAlerter{Logger: logger},
		limiter:  rate.NewLimiter(rate.Every(10*time.Second), 6),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFileSink cria o destino rotacionado do log de eventos
func NewFileSink(filename string, maxSizeMB, maxBackups int) io.WriteCloser {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups < 0 {
		maxBackups = 1
	}
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,  // megabytes
		MaxBackups: maxBackups, // number of backups
		Compress:   true,
	}
}

// Record registra o evento, exceto quando o caminho está excluído do log
func (r *Recorder) Record(ctx context.Context, event domain.SecurityEvent) {
	settings := r.settings.Get(ctx)
	if Excluded(settings.Logging.ExcludedPatterns, event.Path) {
		return
	}

	r.logger.WithContext(ctx).Warn("Security event", map[string]interface{}{
		"ip":          event.IP,
		"action":      event.Action,
		"reason":      event.Reason,
		"rule_id":     event.RuleID,
		"rule_type":   event.RuleType,
		"method":      event.Method,
		"path":        event.Path,
		"violations":  event.Violations,
		"auto_banned": event.AutoBanned,
	})

	r.write(event)

	if shouldAlert(event) && settings.Monitoring.EnableRealTimeAlerts && len(settings.Monitoring.AlertEmails) > 0 {
		if !r.limiter.Allow() {
			r.logger.Debug("Alert suppressed by budget", map[string]interface{}{"ip": event.IP})
			return
		}
		if err := r.alerter.Alert(ctx, event, settings.Monitoring.AlertEmails); err != nil {
			r.logger.Error("Failed to deliver security alert", err, map[string]interface{}{"ip": event.IP})
		}
	}
}

func (r *Recorder) write(event domain.SecurityEvent) {
	if r.sink == nil {
		return
	}

	line, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to encode security event", err, nil)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.sink.Write(line); err != nil {
		r.logger.Error("Failed to write security event", err, nil)
	}
}

// shouldAlert: bloqueios por regra e auto-bans; atrasos de rate limit não alertam
func shouldAlert(event domain.SecurityEvent) bool {
	return event.Action == domain.OutcomeBlock || event.AutoBanned
}

// Excluded verifica se o caminho casa algum padrão de exclusão (glob ou substring)
func Excluded(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
		if strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}
