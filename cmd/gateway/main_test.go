package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type stubPool struct{ closed bool }

func (p *stubPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (p *stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("stub pool")
}

func (p *stubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (p *stubPool) Close() { p.closed = true }

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func gatewayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SECRET", "unit-test-secret-unit-test-secret")
	t.Setenv("METADATA_DIR", t.TempDir())
	t.Setenv("ENVIRONMENT", "dev")
}

func TestRunGatewayWiresAndListens(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("ADDR", ":9180")
	pool := &stubPool{}
	var captured *http.Server
	loopsStarted := false

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return pool, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
		func(s *Server) { loopsStarted = true },
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil || captured.Addr != ":9180" {
		t.Fatalf("expected server on :9180, got %+v", captured)
	}
	if captured.Handler == nil {
		t.Fatal("expected a wired handler")
	}
	if !loopsStarted {
		t.Fatal("expected background loops to start")
	}
	if !pool.closed {
		t.Fatal("expected pool closed on return")
	}
}

func TestRunGatewayRequiresAuthSecret(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("AUTH_SECRET", "")
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return &stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestRunGatewayFailsWithoutMetadataDir(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("METADATA_DIR", "/nonexistent/metadata")
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return &stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "metadata") {
		t.Fatalf("expected metadata dir error, got %v", err)
	}
}

func TestRunGatewayStrictProductionHardening(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_REQUIRE_TLS", "")
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return &stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
		t.Fatalf("expected hardening failure, got %v", err)
	}
}

func TestMainFatalOnError(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("AUTH_SECRET", "")
	origFatal := logFatalf
	origListen := listenFnG
	origDB := openDBFnG
	origRedis := openRedisFnG
	origTelemetry := initTelemetryG
	defer func() {
		logFatalf = origFatal
		listenFnG = origListen
		openDBFnG = origDB
		openRedisFnG = origRedis
		initTelemetryG = origTelemetry
	}()

	fatalCalled := false
	logFatalf = func(format string, v ...any) { fatalCalled = true }
	initTelemetryG = noopTelemetry
	openDBFnG = func(ctx context.Context) (gatewayDBCloser, error) { return &stubPool{}, nil }
	openRedisFnG = func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") }
	listenFnG = func(server *http.Server) error { return nil }

	main()
	if !fatalCalled {
		t.Fatal("expected fatal log when startup fails")
	}
}

func TestParseFunctionSet(t *testing.T) {
	set := parseFunctionSet(" zmast_customer , Z_RFC_PING ,, ")
	if len(set) != 2 {
		t.Fatalf("expected two entries, got %v", set)
	}
	if _, ok := set["ZMAST_CUSTOMER"]; !ok {
		t.Fatalf("expected normalized name, got %v", set)
	}
	if len(parseFunctionSet("")) != 0 {
		t.Fatal("empty env must produce an empty set")
	}
}

func TestLimitsFromEnvOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_RFC_MAX", "7")
	t.Setenv("RATE_LIMIT_RFC_WINDOW_SEC", "120")
	limits := limitsFromEnv()
	rfc := limits["rfc"]
	if rfc.MaxRequests != 7 || rfc.Window != 2*time.Minute {
		t.Fatalf("unexpected rfc limit: %+v", rfc)
	}
	if limits["auth"].MaxRequests != 10 {
		t.Fatalf("untouched classes keep defaults, got %+v", limits["auth"])
	}
}

func TestClientIPTrustsConfiguredProxies(t *testing.T) {
	s := &Server{TrustedProxyCIDRs: parseCIDRs("10.0.0.0/8")}
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := s.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded ip, got %q", got)
	}

	req.RemoteAddr = "198.51.100.7:4444"
	if got := s.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("untrusted remote must not honor XFF, got %q", got)
	}

	s2 := &Server{}
	req2, _ := http.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "192.0.2.1:1234"
	req2.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := s2.clientIP(req2); got != "192.0.2.1" {
		t.Fatalf("no trusted proxies configured, got %q", got)
	}
}

func TestParseCIDRsSkipsInvalid(t *testing.T) {
	cidrs := parseCIDRs("10.0.0.0/8, bogus, 192.168.0.0/16")
	if len(cidrs) != 2 {
		t.Fatalf("expected two parsed ranges, got %d", len(cidrs))
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GATEWAY_TEST_STR", "value")
	if env("GATEWAY_TEST_STR", "def") != "value" {
		t.Fatal("expected env value")
	}
	if env("GATEWAY_TEST_MISSING", "def") != "def" {
		t.Fatal("expected default")
	}
	t.Setenv("GATEWAY_TEST_INT", "42")
	if envInt("GATEWAY_TEST_INT", 1) != 42 {
		t.Fatal("expected parsed int")
	}
	t.Setenv("GATEWAY_TEST_INT", "junk")
	if envInt("GATEWAY_TEST_INT", 7) != 7 {
		t.Fatal("expected default for junk")
	}
	if envDurationSec("GATEWAY_TEST_DUR", 30) != 30*time.Second {
		t.Fatal("expected default duration")
	}
}
