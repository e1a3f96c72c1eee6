package webhook

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/metrics"
	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/repository"
)

func newTestDispatcher(t *testing.T, store ConfigStore) *Dispatcher {
	t.Helper()

	d := NewDispatcher(store, zap.NewNop(), 1, metrics.New(prometheus.NewRegistry()))
	// Ускоренная шкала пауз с сохранением пропорции 1:3:9.
	d.delays = []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 90 * time.Millisecond}
	return d
}

func createConfig(t *testing.T, repo *repository.MemoryRepository, url string, events []model.WebhookEvent, active bool, failures int) *model.WebhookConfig {
	t.Helper()

	cfg := &model.WebhookConfig{
		ID:           "cfg-" + url[len(url)-4:],
		AccountID:    1,
		URL:          url,
		Secret:       "test-secret",
		Events:       events,
		IsActive:     active,
		FailureCount: failures,
	}
	if err := repo.CreateWebhookConfig(context.Background(), cfg); err != nil {
		t.Fatalf("create webhook config: %v", err)
	}
	return cfg
}

type recordingTarget struct {
	mu        sync.Mutex
	times     []time.Time
	bodies    [][]byte
	headers   []http.Header
	responses []int
}

func (rt *recordingTarget) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rt.mu.Lock()
		rt.times = append(rt.times, time.Now())
		rt.bodies = append(rt.bodies, body)
		rt.headers = append(rt.headers, r.Header.Clone())
		status := http.StatusOK
		if len(rt.responses) > 0 {
			status = rt.responses[0]
			rt.responses = rt.responses[1:]
		}
		rt.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (rt *recordingTarget) attempts() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.times)
}

func TestDeliver_SignatureVerifiable(t *testing.T) {
	repo := repository.NewMemoryRepository()
	target := &recordingTarget{}
	srv := httptest.NewServer(target.handler())
	defer srv.Close()

	cfg := createConfig(t, repo, srv.URL, []model.WebhookEvent{model.EventTryonCompleted}, true, 0)

	d := newTestDispatcher(t, repo)
	d.Dispatch(1, model.EventTryonCompleted, EventData{SessionID: "s1", Status: "completed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}

	if target.attempts() != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", target.attempts())
	}

	got := target.headers[0].Get(SignatureHeader)
	want := Sign(cfg.Secret, target.bodies[0])
	if !hmac.Equal([]byte(got), []byte(want)) {
		t.Fatalf("signature mismatch: got %s want %s", got, want)
	}
	if event := target.headers[0].Get(EventHeader); event != string(model.EventTryonCompleted) {
		t.Fatalf("unexpected event header: %s", event)
	}

	stored, err := repo.GetWebhookConfig(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if stored.FailureCount != 0 || stored.LastTriggeredAt == nil {
		t.Fatalf("success must reset failure count and set last_triggered_at")
	}
}

func TestDeliver_RetryCadence(t *testing.T) {
	repo := repository.NewMemoryRepository()
	target := &recordingTarget{responses: []int{500, 500, 500, 200}}
	srv := httptest.NewServer(target.handler())
	defer srv.Close()

	cfg := createConfig(t, repo, srv.URL, []model.WebhookEvent{model.EventTryonFailed}, true, 0)

	d := newTestDispatcher(t, repo)
	d.Dispatch(1, model.EventTryonFailed, EventData{SessionID: "s1", Status: "failed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}

	if target.attempts() != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", target.attempts())
	}

	// Паузы растут кратно, а не линейно.
	gap1 := target.times[1].Sub(target.times[0])
	gap2 := target.times[2].Sub(target.times[1])
	gap3 := target.times[3].Sub(target.times[2])
	if gap1 < 10*time.Millisecond || gap2 < 30*time.Millisecond || gap3 < 90*time.Millisecond {
		t.Fatalf("gaps shorter than configured delays: %v %v %v", gap1, gap2, gap3)
	}
	if gap2 <= gap1 || gap3 <= gap2 {
		t.Fatalf("gaps must grow exponentially: %v %v %v", gap1, gap2, gap3)
	}

	stored, err := repo.GetWebhookConfig(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if stored.FailureCount != 0 {
		t.Fatalf("final success must reset failure count, got %d", stored.FailureCount)
	}
	if !stored.IsActive {
		t.Fatalf("config must stay active")
	}
}

func TestDeliver_AutoDisable(t *testing.T) {
	repo := repository.NewMemoryRepository()
	target := &recordingTarget{responses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(target.handler())
	defer srv.Close()

	cfg := createConfig(t, repo, srv.URL, []model.WebhookEvent{model.EventTryonFailed}, true, 9)

	d := newTestDispatcher(t, repo)
	d.Dispatch(1, model.EventTryonFailed, EventData{SessionID: "s1", Status: "failed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}

	// Десятый сбой отключает конфигурацию, ретраи обрываются.
	if target.attempts() != 1 {
		t.Fatalf("expected 1 attempt before auto-disable, got %d", target.attempts())
	}

	stored, err := repo.GetWebhookConfig(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if stored.IsActive {
		t.Fatalf("config must be auto-disabled")
	}
	if stored.FailureCount < DisableThreshold {
		t.Fatalf("failure count must reach threshold, got %d", stored.FailureCount)
	}
	if stored.LastFailedAt == nil {
		t.Fatalf("last_failed_at must be set")
	}
}

func TestDispatch_SkipsInactiveAndUnsubscribed(t *testing.T) {
	repo := repository.NewMemoryRepository()
	target := &recordingTarget{}
	srv := httptest.NewServer(target.handler())
	defer srv.Close()

	inactive := createConfig(t, repo, srv.URL+"/ina1", []model.WebhookEvent{model.EventTryonCompleted}, false, 3)
	unsubscribed := createConfig(t, repo, srv.URL+"/uns2", []model.WebhookEvent{model.EventCartCompleted}, true, 0)

	d := newTestDispatcher(t, repo)
	d.Dispatch(1, model.EventTryonCompleted, EventData{SessionID: "s1", Status: "completed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}

	if target.attempts() != 0 {
		t.Fatalf("expected no delivery attempts, got %d", target.attempts())
	}

	stored, err := repo.GetWebhookConfig(context.Background(), inactive.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if stored.FailureCount != 3 {
		t.Fatalf("inactive config failure count must be untouched, got %d", stored.FailureCount)
	}

	stored, err = repo.GetWebhookConfig(context.Background(), unsubscribed.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if stored.FailureCount != 0 {
		t.Fatalf("unsubscribed config failure count must be untouched, got %d", stored.FailureCount)
	}
}
