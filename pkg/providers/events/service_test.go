package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/goleak"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/config"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

func setupTestEvents(t *testing.T) (*Service, *providers.Registry, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := NewService()
	registry := providers.NewRegistry(store, logger.Discard(), config.Defaults())
	registry.MustRegister(s)
	if err := registry.InitializeAll(context.Background()); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	return s, registry, store
}

func TestTrack_ThroughRegistry(t *testing.T) {
	_, registry, store := setupTestEvents(t)
	ctx := context.Background()

	registry.Track(ctx, providers.Event{Type: models.EventStart, ServiceID: 7, Actor: "admin", Message: "started"})
	registry.Track(ctx, providers.Event{Type: models.EventStop, ServiceID: 7, Trail: []string{"discover: ok", "verify: ok"}})

	items, total, err := store.Events().FindAll(repositories.ListOptions{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("Expected 2 events, got %d", total)
	}
	stop := items[0]
	if items[0].Type != models.EventStop {
		stop = items[1]
	}
	if stop.Actor != "system" {
		t.Errorf("Expected default actor system, got %q", stop.Actor)
	}
	if len(stop.Trail) != 2 || stop.Trail[1] != "verify: ok" {
		t.Errorf("Trail not persisted: %v", stop.Trail)
	}
}

func TestGetMetrics(t *testing.T) {
	s, _, _ := setupTestEvents(t)
	ctx := context.Background()
	now := time.Now()

	for _, e := range []providers.Event{
		{Type: models.EventStart, Timestamp: now.Add(-2 * time.Hour)},
		{Type: models.EventStart, Timestamp: now.Add(-time.Minute)},
		{Type: models.EventDrift, Timestamp: now.Add(-time.Minute)},
		{Type: models.EventStop, Timestamp: now.Add(-time.Minute)},
	} {
		if err := s.Track(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	result, err := s.GetMetrics(ctx, providers.MetricsQuery{StartTime: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if result.Count != 3 || result.Data[models.EventStart] != 1 || result.Data[models.EventDrift] != 1 {
		t.Errorf("Unexpected metrics %+v", result)
	}

	result, err = s.GetMetrics(ctx, providers.MetricsQuery{EventTypes: []string{models.EventStart}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Count != 2 {
		t.Errorf("Expected 2 start events, got %+v", result)
	}
}

func TestRetentionLoop_Prunes(t *testing.T) {
	s, _, store := setupTestEvents(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	old := providers.Event{Type: models.EventStart, Timestamp: time.Now().Add(-2 * DefaultRetention)}
	fresh := providers.Event{Type: models.EventStop, Timestamp: time.Now()}
	if err := s.Track(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Track(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	items, total, err := store.Events().FindAll(repositories.ListOptions{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].Type != models.EventStop {
		t.Errorf("Expected only the fresh event to survive, got %+v", items)
	}
}

func TestRetentionLoop_StopBeforeStart(t *testing.T) {
	s, _, _ := setupTestEvents(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// A loop started here would never be cancelled
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		t.Error("Expected Start after Stop to do nothing")
	}
}

func TestEventRoutes(t *testing.T) {
	s, _, _ := setupTestEvents(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Track(ctx, providers.Event{Type: models.EventStart, ServiceID: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Track(ctx, providers.Event{Type: models.EventDrift, ServiceID: 2}); err != nil {
		t.Fatal(err)
	}

	app := fiber.New()
	if err := s.RegisterAPIRoutes(app); err != nil {
		t.Fatal(err)
	}

	resp := doGet(t, app, "/api/v1/events?proxyServiceId=2")
	if !resp.Success || resp.Meta == nil || resp.Meta.Pagination.Total != 2 {
		t.Errorf("Expected 2 events for service 2, got %+v", resp)
	}

	resp = doGet(t, app, "/api/v1/events?type=start&page=1&pageSize=2")
	items, _ := resp.Data.([]interface{})
	if len(items) != 2 || resp.Meta.Pagination.Total != 3 || resp.Meta.Pagination.TotalPages != 2 {
		t.Errorf("Unexpected paging: %d items, %+v", len(items), resp.Meta.Pagination)
	}

	resp = doGet(t, app, "/api/v1/events/metrics?types=start,drift")
	data, _ := resp.Data.(map[string]interface{})
	if data["count"] != float64(4) {
		t.Errorf("Expected count 4, got %v", data)
	}

	resp = doGet(t, app, "/api/v1/events?since=yesterday")
	if resp.Success || resp.Error == nil || resp.Error.Code != api.CodeValidation {
		t.Errorf("Expected validation error, got %+v", resp)
	}
}

func doGet(t *testing.T, app *fiber.App, url string) api.ApiResponse {
	t.Helper()
	res, err := app.Test(httptest.NewRequest("GET", url, nil))
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	body, _ := io.ReadAll(res.Body)
	var resp api.ApiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to decode %s: %v (%s)", url, err, body)
	}
	return resp
}
