package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/memory"
)

// Test helper to create a test manager
func setupTestManager(t *testing.T) *minutequota.Manager {
	t.Helper()

	manager, err := minutequota.NewManager(memory.New(), minutequota.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

// Test helper to put a user on a plan
func subscribe(t *testing.T, manager *minutequota.Manager, userID string, plan minutequota.PlanID) {
	t.Helper()

	err := manager.ApplyBillingEvent(context.Background(), minutequota.BillingEvent{
		ID:         "evt_" + userID,
		UserID:     userID,
		Type:       minutequota.EventSubscriptionCreated,
		PlanID:     plan,
		Status:     minutequota.StatusActive,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
}

func snapshot(t *testing.T, manager *minutequota.Manager, userID string) *minutequota.Snapshot {
	t.Helper()
	snap, err := manager.Snapshot(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	return snap
}

func testConfig(manager *minutequota.Manager) Config {
	return Config{
		Manager:     manager,
		GetUserID:   FromHeader("X-User-ID"),
		GetJobID:    JobIDFromHeader("X-Job-ID"),
		GetMode:     ModeFromQuery("mode"),
		GetEstimate: EstimateFromHeader("X-Estimated-Minutes"),
	}
}

func newRequest(userID, jobID, mode, estimate string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/transcribe?mode="+mode, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if jobID != "" {
		req.Header.Set("X-Job-ID", jobID)
	}
	req.Header.Set("X-Estimated-Minutes", estimate)
	return req
}

func TestMiddleware_ConfirmsReportedMinutes(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	var seen *minutequota.Reservation
	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := ReservationFromContext(r.Context())
		if !ok {
			t.Fatal("Expected reservation in context")
		}
		seen = res
		ReportMinutes(r.Context(), 25)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("user1", "job-1", "ai", "30"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if seen == nil || seen.EstimatedMinutes != 30 {
		t.Fatalf("Expected reservation for 30 minutes, got %+v", seen)
	}

	snap := snapshot(t, manager, "user1")
	if snap.MinutesUsed != 25 {
		t.Errorf("Expected 25 minutes used, got %d", snap.MinutesUsed)
	}
	if snap.MinutesReserved != 0 {
		t.Errorf("Expected no reserved minutes, got %d", snap.MinutesReserved)
	}

	res, err := manager.GetReservation(context.Background(), seen.ID)
	if err != nil {
		t.Fatalf("Failed to get reservation: %v", err)
	}
	if res.State != minutequota.ReservationConfirmed {
		t.Errorf("Expected confirmed reservation, got %s", res.State)
	}
}

func TestMiddleware_ConfirmsEstimateWithoutReport(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("done"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("user1", "", "ai", "12"))

	if got := snapshot(t, manager, "user1").MinutesUsed; got != 12 {
		t.Errorf("Expected 12 minutes used, got %d", got)
	}
}

func TestMiddleware_ReleasesOnFailureStatus(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	handler := HandlerFunc(testConfig(manager))(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "transcoder down", http.StatusBadGateway)
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("user1", "job-1", "ai", "30"))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", w.Code)
	}
	snap := snapshot(t, manager, "user1")
	if snap.MinutesUsed != 0 || snap.MinutesReserved != 0 {
		t.Errorf("Expected nothing used or reserved, got used=%d reserved=%d", snap.MinutesUsed, snap.MinutesReserved)
	}
}

func TestMiddleware_ReleasesOnPanic(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if p := recover(); p != "boom" {
				t.Errorf("Expected panic to propagate, got %v", p)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), newRequest("user1", "job-1", "ai", "30"))
	}()

	if got := snapshot(t, manager, "user1").MinutesReserved; got != 0 {
		t.Errorf("Expected reservation released, got %d reserved", got)
	}
}

func TestMiddleware_Rejected(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	called := false
	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	tests := []struct {
		name     string
		mode     string
		estimate string
		want     int
	}{
		{name: "over allowance", mode: "ai", estimate: "301", want: http.StatusPaymentRequired},
		{name: "mode not in plan", mode: "human", estimate: "5", want: http.StatusPaymentRequired},
		{name: "unknown mode", mode: "robot", estimate: "5", want: http.StatusBadRequest},
		{name: "bad estimate", mode: "ai", estimate: "soon", want: http.StatusBadRequest},
		{name: "zero estimate", mode: "ai", estimate: "0", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, newRequest("user1", "", tt.mode, tt.estimate))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if called {
		t.Error("Handler should not run for rejected jobs")
	}
}

func TestMiddleware_CustomRejectedHandler(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	cfg := testConfig(manager)
	cfg.OnRejected = func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	handler := Middleware(cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("user1", "", "ai", "500"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t)

	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("Handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("", "", "ai", "5"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddleware_RetriedJobNotRunTwice(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	runs := 0
	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		runs++
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("user1", "job-1", "ai", "10"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("user1", "job-1", "ai", "10"))

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if runs != 1 {
		t.Errorf("Expected handler to run once, ran %d times", runs)
	}
	if got := snapshot(t, manager, "user1").MinutesUsed; got != 10 {
		t.Errorf("Expected 10 minutes used, got %d", got)
	}
}

func TestFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := FromContext(UserIDKey)(req); got != "" {
		t.Errorf("Expected empty user ID, got %q", got)
	}
	req = req.WithContext(WithUserID(req.Context(), "alice"))
	if got := FromContext(UserIDKey)(req); got != "alice" {
		t.Errorf("Expected alice, got %q", got)
	}
}

func TestStatusRecorder_FirstStatusWins(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _ = rec.Write([]byte("ok"))
	rec.WriteHeader(http.StatusInternalServerError)
	if rec.status != http.StatusOK {
		t.Errorf("Expected 200 after body write, got %d", rec.status)
	}
}

func TestMiddleware_ConcurrentRetryNotRunTwice(t *testing.T) {
	manager := setupTestManager(t)
	subscribe(t, manager, "user1", minutequota.PlanStarter)

	var runs atomic.Int32
	started := make(chan struct{})
	finish := make(chan struct{})
	handler := Middleware(testConfig(manager))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		runs.Add(1)
		close(started)
		<-finish
	}))

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(first, newRequest("user1", "job-1", "ai", "10"))
	}()
	<-started

	retry := httptest.NewRecorder()
	handler.ServeHTTP(retry, newRequest("user1", "job-1", "ai", "10"))
	close(finish)
	<-done

	if retry.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for the retry, got %d", retry.Code)
	}
	if first.Code != http.StatusOK {
		t.Errorf("Expected status 200 for the first request, got %d", first.Code)
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("Expected handler to run once, ran %d times", n)
	}
	snap := snapshot(t, manager, "user1")
	if snap.MinutesUsed != 10 || snap.MinutesReserved != 0 {
		t.Errorf("Expected 10 used and 0 reserved, got %d and %d", snap.MinutesUsed, snap.MinutesReserved)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	manager := setupTestManager(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"manager", func(c *Config) { c.Manager = nil }},
		{"user id", func(c *Config) { c.GetUserID = nil }},
		{"mode", func(c *Config) { c.GetMode = nil }},
		{"estimate", func(c *Config) { c.GetEstimate = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(manager)
			tt.mutate(&cfg)
			defer func() {
				if recover() == nil {
					t.Error("Expected Middleware to panic")
				}
			}()
			Middleware(cfg)
		})
	}
}
