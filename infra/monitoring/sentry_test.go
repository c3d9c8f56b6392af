package monitoring

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremon "github.com/kilianp07/flexplan/core/monitoring"
)

func TestEmptyDSNDisablesReporting(t *testing.T) {
	m, err := NewSentryMonitor(SentryConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, coremon.NopMonitor{}, m)
}

func TestValidateRates(t *testing.T) {
	assert.NoError(t, SentryConfig{SampleRate: 1, TracesSampleRate: 0.2}.Validate())
	assert.Error(t, SentryConfig{SampleRate: 1.5}.Validate())
	assert.Error(t, SentryConfig{TracesSampleRate: -0.1}.Validate())
}

func TestSentryMonitorTagsEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	m, err := NewSentryMonitor(SentryConfig{
		DSN:         "https://public@sentry.example.com/1",
		Environment: "test",
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	}, map[string]string{"domain": "dso.example.com", "role": "DSO"})
	require.NoError(t, err)

	m.CaptureException(nil, nil)
	m.CaptureException(errors.New("post failed"), map[string]string{"module": "http_channel"})
	m.CapturePanic("step panicked")
	m.Flush(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, "http_channel", events[0].Tags["module"])
	assert.Equal(t, "dso.example.com", events[0].Tags["domain"])
	assert.Equal(t, "DSO", events[1].Tags["role"])
	assert.Equal(t, "test", events[0].Environment)
}
