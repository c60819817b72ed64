package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/wayfarer-labs/relay/internal/config"
	"github.com/wayfarer-labs/relay/internal/core"
)

func writeMockBinary(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write mock binary: %v", err)
	}
	return path
}

func testCore(t *testing.T) *core.Core {
	t.Helper()
	dir := t.TempDir()
	binary := writeMockBinary(t, dir, "read -r line\necho '{\"type\":\"result\",\"result\":\"ok\"}'\ncat >/dev/null\n")
	cfg := &config.Config{
		Assistant: config.AssistantConfig{
			BinaryPath:       binary,
			WorkdirRoot:      filepath.Join(dir, "sessions"),
			DefaultName:      "default",
			GracefulTimeoutS: 1,
			ForceTimeoutS:    1,
		},
		Queue:   config.QueueConfig{Workers: 2, Depth: 10, MaxSessions: 8},
		History: config.HistoryConfig{RingSize: 20, DBPath: ":memory:"},
	}
	c, err := core.Boot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("core.Boot: %v", err)
	}
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func newTestRouter(c *core.Core) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, c)
	return router
}

func TestHandleStatus_ReportsDefaultSession(t *testing.T) {
	c := testCore(t)
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["default"] != "default" {
		t.Errorf("default = %v, want \"default\"", body["default"])
	}
	if body["sessions"].(float64) != 1 {
		t.Errorf("sessions = %v, want 1", body["sessions"])
	}
}

func TestHandleSessions_ListsDefault(t *testing.T) {
	c := testCore(t)
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body) != 1 || body[0]["name"] != "default" {
		t.Fatalf("sessions = %v, want one entry named default", body)
	}
}

func TestHandleQueue_EmptyInitially(t *testing.T) {
	c := testCore(t)
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("queue = %v, want empty", body)
	}
}

func TestHandleHistory_EmptyForUnknownSession(t *testing.T) {
	c := testCore(t)
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodGet, "/history/nobody", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("history = %v, want empty", body)
	}
}
