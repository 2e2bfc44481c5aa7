package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), Config{}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestApp_HandlerRoutes(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(newTestApp(t).Handler())
	defer ts.Close()

	cases := []struct {
		path   string
		status int
	}{
		{path: "/healthz", status: http.StatusOK},
		{path: "/readyz", status: http.StatusOK},
		{path: "/metrics", status: http.StatusOK},
		{path: "/api/users", status: http.StatusOK},
		{path: "/api/users/online", status: http.StatusOK},
		{path: "/api/conversations", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		res, err := ts.Client().Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		_ = res.Body.Close()
		if res.StatusCode != tc.status {
			t.Fatalf("GET %s: status=%d want=%d", tc.path, res.StatusCode, tc.status)
		}
		if res.Header.Get(RequestIDHeader) == "" {
			t.Fatalf("GET %s: missing %s", tc.path, RequestIDHeader)
		}
		if res.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s: missing security headers", tc.path)
		}
	}
}

func TestApp_ReadyRequiresDB(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	a.cfg.ReadinessRequireDB = true

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a database, got %d", rr.Code)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "CHAT_HTTP_ADDR=0.0.0.0:1\nCHAT_TEST_DOTENV_ONLY=from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CHAT_HTTP_ADDR", "127.0.0.1:9999")
	t.Cleanup(func() { _ = os.Unsetenv("CHAT_TEST_DOTENV_ONLY") })

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("CHAT_HTTP_ADDR"); got != "127.0.0.1:9999" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("CHAT_TEST_DOTENV_ONLY"); got != "from-file" {
		t.Fatalf("file variable not loaded: %q", got)
	}
	if err := loadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored: %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CHAT_ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
	t.Setenv("CHAT_DATABASE_URL", "")
	t.Setenv("CHAT_DB_SCHEMA", "")
	t.Setenv("CHAT_API_RATE_BURST", "7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DatabaseURL != "" || cfg.DBSchema != store.DefaultSchema || !cfg.AutoMigrate {
		t.Fatalf("unexpected db defaults: %+v", cfg)
	}
	if cfg.API.RateBurst != 7 {
		t.Fatalf("api config not loaded from env: %+v", cfg.API)
	}
}
