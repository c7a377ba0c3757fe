package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shiftgig/petri-dish/internal/config"
	"github.com/shiftgig/petri-dish/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&fakeLister{}, ""), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeLister{}, ""), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	require.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, MinScore: 0.5}
	lister := &fakeLister{runs: []store.Run{
		{ID: "weak", Status: store.RunStatusComplete, Assigned: 8, Score: 0.1, CreatedAt: time.Now()},
	}}
	checker := NewChecker(NewCollector(lister, ""), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background(), zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowScore, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{MinScore: 0.5}
	checker := NewChecker(NewCollector(&fakeLister{err: errors.New("boom")}, ""), NewAlerter(cfg), cfg)

	assert.Nil(t, checker.Check(context.Background(), zap.NewNop()))
}
