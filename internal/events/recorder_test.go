package events

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"request-firewall/internal/config"
	"request-firewall/internal/domain"
	"request-firewall/internal/logger"
)

type staticSettings struct {
	settings domain.Settings
}

func (s staticSettings) Get(context.Context) domain.Settings { return s.settings }

// MockAlerter é um mock do Alerter para testes
type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, event domain.SecurityEvent, recipients []string) error {
	return m.Called(ctx, event, recipients).Error(0)
}

func blockEvent(path string) domain.SecurityEvent {
	return domain.SecurityEvent{
		IP:       "203.0.113.1",
		Action:   domain.OutcomeBlock,
		Reason:   domain.ReasonIPBlocked,
		RuleID:   "r1",
		RuleType: domain.RuleIPBlock,
		Method:   "GET",
		Path:     path,
	}
}

func TestRecorder_WritesJSONLines(t *testing.T) {
	var sink bytes.Buffer
	recorder := NewRecorder(staticSettings{config.DefaultSettings()}, logger.NopLogger{}, WithSink(&sink))

	recorder.Record(context.Background(), blockEvent("/api/users"))
	recorder.Record(context.Background(), blockEvent("/api/orders"))

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	require.Len(t, lines, 2)

	var event domain.SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &event))
	assert.Equal(t, "/api/orders", event.Path)
	assert.Equal(t, domain.OutcomeBlock, event.Action)
}

func TestRecorder_LogsThroughLogger(t *testing.T) {
	var out bytes.Buffer
	log := logger.NewLoggerWithOutput("info", "json", &out)
	recorder := NewRecorder(staticSettings{config.DefaultSettings()}, log)

	recorder.Record(context.Background(), blockEvent("/api/users"))

	assert.Contains(t, out.String(), "Security event")
	assert.Contains(t, out.String(), "ip_blocked")
}

func TestRecorder_ExcludedPaths(t *testing.T) {
	var sink bytes.Buffer
	settings := config.DefaultSettings()
	settings.Logging.ExcludedPatterns = []string{"/metrics", "/static/*"}
	recorder := NewRecorder(staticSettings{settings}, logger.NopLogger{}, WithSink(&sink))

	recorder.Record(context.Background(), blockEvent("/metrics"))
	recorder.Record(context.Background(), blockEvent("/static/app.js"))
	assert.Empty(t, sink.String())

	recorder.Record(context.Background(), blockEvent("/api/users"))
	assert.NotEmpty(t, sink.String())
}

func TestRecorder_Alerts(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Monitoring.EnableRealTimeAlerts = true
	settings.Monitoring.AlertEmails = []string{"secops@example.com"}

	t.Run("Should alert on blocks", func(t *testing.T) {
		alerter := new(MockAlerter)
		alerter.On("Alert", mock.Anything, mock.Anything, []string{"secops@example.com"}).Return(nil).Once()

		recorder := NewRecorder(staticSettings{settings}, logger.NopLogger{}, WithAlerter(alerter))
		recorder.Record(context.Background(), blockEvent("/api/users"))

		alerter.AssertExpectations(t)
	})

	t.Run("Should not alert on plain rate limiting", func(t *testing.T) {
		alerter := new(MockAlerter)
		recorder := NewRecorder(staticSettings{settings}, logger.NopLogger{}, WithAlerter(alerter))

		recorder.Record(context.Background(), domain.SecurityEvent{
			IP:     "203.0.113.2",
			Action: domain.OutcomeRateLimited,
			Reason: domain.ReasonRateLimitExceeded,
			Path:   "/api/users",
		})

		alerter.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Should respect the alert budget", func(t *testing.T) {
		alerter := new(MockAlerter)
		alerter.On("Alert", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		recorder := NewRecorder(staticSettings{settings}, logger.NopLogger{}, WithAlerter(alerter), WithAlertBudget(2))
		for i := 0; i < 5; i++ {
			recorder.Record(context.Background(), blockEvent("/api/users"))
		}

		alerter.AssertNumberOfCalls(t, "Alert", 2)
	})

	t.Run("Should not alert without recipients", func(t *testing.T) {
		quiet := settings
		quiet.Monitoring.AlertEmails = nil
		alerter := new(MockAlerter)

		recorder := NewRecorder(staticSettings{quiet}, logger.NopLogger{}, WithAlerter(alerter))
		recorder.Record(context.Background(), blockEvent("/api/users"))

		alerter.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestNewFileSink(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "events.log")
	sink := NewFileSink(filename, 1, 1)
	defer sink.Close()

	recorder := NewRecorder(staticSettings{config.DefaultSettings()}, logger.NopLogger{}, WithSink(sink))
	recorder.Record(context.Background(), blockEvent("/api/users"))

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"ip_blocked"`)
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		expected bool
	}{
		{name: "Glob match", patterns: []string{"/assets/*"}, path: "/assets/logo.png", expected: true},
		{name: "Substring match", patterns: []string{"health"}, path: "/api/health/db", expected: true},
		{name: "No match", patterns: []string{"/metrics"}, path: "/api/users", expected: false},
		{name: "Empty pattern ignored", patterns: []string{""}, path: "/api/users", expected: false},
		{name: "Malformed glob falls back to substring", patterns: []string{"[bad"}, path: "/x/[bad", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Excluded(tt.patterns, tt.path))
		})
	}
}
