package fiber

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/memory"
)

// Test helper to create a manager with one pro subscriber
func setupTestManager(t *testing.T, userID string) *minutequota.Manager {
	t.Helper()

	manager, err := minutequota.NewManager(memory.New(), minutequota.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	err = manager.ApplyBillingEvent(context.Background(), minutequota.BillingEvent{
		ID:         "evt_1",
		UserID:     userID,
		Type:       minutequota.EventSubscriptionCreated,
		PlanID:     minutequota.PlanPro,
		Status:     minutequota.StatusActive,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to subscribe user: %v", err)
	}
	return manager
}

func setupApp(manager *minutequota.Manager, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(fiberrecover.New())
	app.Post("/transcribe", Middleware(Config{
		Manager:     manager,
		GetUserID:   FromHeader("X-User-ID"),
		GetMode:     ModeFromQuery("mode"),
		GetEstimate: EstimateFromQuery("minutes"),
	}), handler)
	return app
}

type result struct {
	code int
	body string
}

func serve(t *testing.T, app *fiber.App, userID, query string) result {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/transcribe?"+query, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.Header.Set("X-Job-ID", "job-"+query)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Errorf("Request failed: %v", err)
		return result{}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return result{code: resp.StatusCode, body: string(body)}
}

func snapshot(t *testing.T, manager *minutequota.Manager, userID string) *minutequota.Snapshot {
	t.Helper()
	snap, err := manager.Snapshot(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	return snap
}

func TestMiddleware_ConfirmsReportedMinutes(t *testing.T) {
	manager := setupTestManager(t, "user1")
	app := setupApp(manager, func(c *fiber.Ctx) error {
		res, ok := GetReservation(c)
		if !ok {
			t.Error("Expected reservation in context")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		ReportMinutes(c, 18)
		return c.JSON(fiber.Map{"reservation_id": res.ID})
	})

	r := serve(t, app, "user1", "mode=hybrid&minutes=20")
	if r.code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", r.code, r.body)
	}

	snap := snapshot(t, manager, "user1")
	if snap.MinutesUsed != 18 {
		t.Errorf("Expected 18 minutes used, got %d", snap.MinutesUsed)
	}
	if snap.MinutesReserved != 0 {
		t.Errorf("Expected nothing reserved, got %d", snap.MinutesReserved)
	}
}

func TestMiddleware_ConfirmsEstimateWithoutReport(t *testing.T) {
	manager := setupTestManager(t, "user1")
	app := setupApp(manager, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	if r := serve(t, app, "user1", "mode=ai&minutes=7"); r.code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", r.code)
	}
	if used := snapshot(t, manager, "user1").MinutesUsed; used != 7 {
		t.Errorf("Expected 7 minutes used, got %d", used)
	}
}

func TestMiddleware_ReleasesOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler fiber.Handler
		want    int
	}{
		{
			name: "error status",
			handler: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "bad audio"})
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:    "returned error",
			handler: func(*fiber.Ctx) error { return fiber.NewError(fiber.StatusBadGateway, "upstream down") },
			want:    http.StatusBadGateway,
		},
		{
			name:    "panic",
			handler: func(*fiber.Ctx) error { panic("transcoder crashed") },
			want:    http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := setupTestManager(t, "user1")
			r := serve(t, setupApp(manager, tt.handler), "user1", "mode=ai&minutes=30")

			if r.code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, r.code)
			}
			snap := snapshot(t, manager, "user1")
			if snap.MinutesReserved != 0 || snap.MinutesUsed != 0 {
				t.Errorf("Expected reservation released, got reserved=%d used=%d",
					snap.MinutesReserved, snap.MinutesUsed)
			}
		})
	}
}

func TestMiddleware_Rejected(t *testing.T) {
	manager := setupTestManager(t, "user1")
	called := false
	app := setupApp(manager, func(c *fiber.Ctx) error {
		called = true
		return c.SendStatus(fiber.StatusOK)
	})

	r := serve(t, app, "user1", "mode=ai&minutes=751")
	if r.code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", r.code)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.body), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["available_minutes"] != float64(750) {
		t.Errorf("Expected 750 available minutes, got %v", body["available_minutes"])
	}

	tests := []struct {
		query string
		want  int
	}{
		{"mode=human&minutes=5", http.StatusPaymentRequired},
		{"mode=ai&minutes=abc", http.StatusBadRequest},
		{"mode=robot&minutes=5", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if r := serve(t, app, "user1", tt.query); r.code != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.query, tt.want, r.code)
		}
	}
	if called {
		t.Error("Handler should not run for rejected jobs")
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, "user1")
	app := setupApp(manager, func(*fiber.Ctx) error {
		t.Error("Handler should not run")
		return nil
	})

	if r := serve(t, app, "", "mode=ai&minutes=5"); r.code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", r.code)
	}
}

func TestMiddleware_RetriedJobNotRunTwice(t *testing.T) {
	manager := setupTestManager(t, "user1")
	runs := 0
	app := setupApp(manager, func(c *fiber.Ctx) error {
		runs++
		return c.SendStatus(fiber.StatusOK)
	})

	if r := serve(t, app, "user1", "mode=ai&minutes=10"); r.code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", r.code)
	}
	r := serve(t, app, "user1", "mode=ai&minutes=10")

	if r.code != http.StatusConflict {
		t.Errorf("Expected status 409 for retry, got %d", r.code)
	}
	if !strings.Contains(r.body, "already finalized") {
		t.Errorf("Expected finalized message, got %s", r.body)
	}
	if runs != 1 {
		t.Errorf("Expected handler to run once, ran %d times", runs)
	}
	if used := snapshot(t, manager, "user1").MinutesUsed; used != 10 {
		t.Errorf("Expected 10 minutes used, got %d", used)
	}
}

func TestMiddleware_ConcurrentRetryNotRunTwice(t *testing.T) {
	manager := setupTestManager(t, "user1")

	var runs atomic.Int32
	started := make(chan struct{})
	finish := make(chan struct{})
	app := setupApp(manager, func(c *fiber.Ctx) error {
		runs.Add(1)
		close(started)
		<-finish
		return c.SendStatus(fiber.StatusOK)
	})

	var first result
	done := make(chan struct{})
	go func() {
		defer close(done)
		first = serve(t, app, "user1", "mode=ai&minutes=10")
	}()
	<-started

	retry := serve(t, app, "user1", "mode=ai&minutes=10")
	close(finish)
	<-done

	if retry.code != http.StatusConflict {
		t.Errorf("Expected status 409 for concurrent retry, got %d", retry.code)
	}
	if !strings.Contains(retry.body, "in progress") {
		t.Errorf("Expected in progress message, got %s", retry.body)
	}
	if first.code != http.StatusOK {
		t.Errorf("Expected first request 200, got %d", first.code)
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("Expected handler to run once, ran %d times", n)
	}
	snap := snapshot(t, manager, "user1")
	if snap.MinutesUsed != 10 || snap.MinutesReserved != 0 {
		t.Errorf("Expected used=10 reserved=0, got used=%d reserved=%d", snap.MinutesUsed, snap.MinutesReserved)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	manager := setupTestManager(t, "user1")
	tests := []struct {
		name string
		cfg  Config
	}{
		{"manager", Config{}},
		{"user id", Config{Manager: manager}},
		{"mode", Config{Manager: manager, GetUserID: FromHeader("X")}},
		{"estimate", Config{Manager: manager, GetUserID: FromHeader("X"), GetMode: FixedMode(minutequota.ModeAI)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			Middleware(tt.cfg)
		})
	}
}

func TestFromContext(t *testing.T) {
	manager := setupTestManager(t, "alice")
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "alice")
		return c.Next()
	})
	app.Post("/transcribe", Middleware(Config{
		Manager:     manager,
		GetUserID:   FromContext("UserID"),
		GetMode:     FixedMode(minutequota.ModeAI),
		GetEstimate: FixedEstimate(3),
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	if r := serve(t, app, "", ""); r.code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", r.code)
	}
	if used := snapshot(t, manager, "alice").MinutesUsed; used != 3 {
		t.Errorf("Expected 3 minutes used, got %d", used)
	}
}
