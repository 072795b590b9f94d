package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/futuesigndev/fsapi/pkg/apperr"
	"github.com/futuesigndev/fsapi/pkg/audit"
	"github.com/futuesigndev/fsapi/pkg/auth"
	"github.com/futuesigndev/fsapi/pkg/authz"
	"github.com/futuesigndev/fsapi/pkg/billing"
	"github.com/futuesigndev/fsapi/pkg/customer"
	"github.com/futuesigndev/fsapi/pkg/erp"
	"github.com/futuesigndev/fsapi/pkg/hardening"
	"github.com/futuesigndev/fsapi/pkg/httpx"
	"github.com/futuesigndev/fsapi/pkg/metadata"
	"github.com/futuesigndev/fsapi/pkg/metrics"
	"github.com/futuesigndev/fsapi/pkg/ratelimit"
	"github.com/futuesigndev/fsapi/pkg/store"
	"github.com/futuesigndev/fsapi/pkg/telemetry"
	"github.com/futuesigndev/fsapi/pkg/token"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	Tokens              *token.Codec
	Authz               authzStore
	Customers           customerStore
	Billing             billingService
	ERP                 erp.Client
	Metadata            metadata.Store
	Audit               auditStore
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	Limits              ratelimit.Limits
	MemLimiter          *ratelimit.SlidingWindowLimiter
	BypassFunctions     map[string]struct{}
	GrantCacheTTL       time.Duration
	CustomerCacheTTL    time.Duration
	ClientTokenTTL      time.Duration
	UserTokenTTL        time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type authzStore interface {
	VerifyClientCredentials(ctx context.Context, clientID, secret string) (*authz.Client, error)
	AuthorizedFunctions(ctx context.Context, clientID string) (map[string]struct{}, error)
	AuthenticateEmployee(ctx context.Context, employeeID, cardLast4 string) (*authz.Employee, error)
	EmployeeProfile(ctx context.Context, employeeID string) (*authz.Employee, error)
	EmployeeExists(ctx context.Context, employeeID string) (bool, error)
}

type customerStore interface {
	Search(ctx context.Context, term string, limit int) ([]customer.Customer, error)
	Lookup(ctx context.Context, numbers []string) ([]customer.Customer, error)
	Get(ctx context.Context, number string) (*customer.Customer, error)
	Exists(ctx context.Context, number string) (bool, error)
}

type billingService interface {
	DeliveryStatus(ctx context.Context, deliveryDoc string) (*billing.DeliveryStatus, error)
	Create(ctx context.Context, req billing.CreateRequest) (*billing.CreateResult, error)
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	logPrintf      = log.Printf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	codec, err := token.NewCodec(env("AUTH_SECRET", ""))
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	metadataDir := env("METADATA_DIR", "./metadata")
	metaStore, err := metadata.NewDirStore(metadataDir)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	defer metaStore.Close()

	bridgeURL := strings.TrimRight(env("RFC_BRIDGE_URL", "http://localhost:8091"), "/")
	bridge := erp.NewBridge(bridgeURL, env("RFC_BRIDGE_API_KEY", ""),
		time.Millisecond*time.Duration(envInt("RFC_TIMEOUT_MS", 30000)))
	bridge.HTTPClient = telemetry.InstrumentClient(bridge.HTTPClient)
	bridge.Retries = envInt("RFC_BRIDGE_RETRIES", 2)
	bridge.RetryDelay = time.Millisecond * time.Duration(envInt("RFC_BRIDGE_RETRY_DELAY_MS", 500))

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "true")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	authzSt := authz.NewStore(pool)
	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Tokens:              codec,
		Authz:               authzSt,
		Customers:           customer.NewStore(pool),
		ERP:                 bridge,
		Metadata:            metaStore,
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		Limits:              limitsFromEnv(),
		BypassFunctions:     parseFunctionSet(env("AUTHZ_BYPASS_FUNCTIONS", "")),
		GrantCacheTTL:       envDurationSec("AUTHZ_GRANT_CACHE_TTL_SEC", 60),
		CustomerCacheTTL:    envDurationSec("CUSTOMER_CACHE_TTL_SEC", 30),
		ClientTokenTTL:      time.Minute * time.Duration(envInt("CLIENT_TOKEN_TTL_MIN", 60)),
		UserTokenTTL:        time.Minute * time.Duration(envInt("USER_TOKEN_TTL_MIN", 480)),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	s.Billing = billing.NewService(s.ERP)

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_SECRET", Value: env("AUTH_SECRET", "")},
			{Name: "RFC_BRIDGE_API_KEY", Value: env("RFC_BRIDGE_API_KEY", "")},
		},
	}); err != nil {
		return err
	}

	s.MemLimiter = ratelimit.NewSlidingWindow()
	if s.RateLimitEnabled {
		if redisClient != nil {
			redisLimiter := ratelimit.NewRedis(redisClient)
			redisLimiter.Fallback = s.MemLimiter
			s.RateLimiter = redisLimiter
		} else {
			s.RateLimiter = s.MemLimiter
		}
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware(ratelimit.ClassAuth))
		r.Post("/token", s.handleClientToken)
		r.Post("/v1/auth/login", s.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Tokens, s.userExists))

		// Authenticated routes without a dedicated class fall under "default".
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware(ratelimit.ClassDefault))
			r.Get("/metrics", s.Metrics.Handler())
			r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
			r.Get("/v1/rfc/functions/{name}/metadata", s.handleFunctionMetadata)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireKind(token.KindUser))
			r.Use(s.rateLimitMiddleware(ratelimit.ClassDefault))
			r.Get("/v1/auth/me", s.handleMe)
			r.Post("/v1/auth/refresh", s.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireKind(token.KindClient))
			r.Use(s.rateLimitMiddleware(ratelimit.ClassRFC))
			r.Post("/v1/rfc/call-function", s.handleCallFunction)
			r.Get("/v1/rfc/functions", s.handleListFunctions)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware(ratelimit.ClassCustomer))
			r.Get("/v1/customers/search", s.handleCustomerSearch)
			r.Post("/v1/customers/search", s.handleCustomerSearch)
			r.Get("/v1/customers/lookup", s.handleCustomerLookup)
			r.Get("/v1/customers/{number}", s.handleCustomerGet)
			r.Get("/v1/customers/{number}/validate", s.handleCustomerValidate)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware(ratelimit.ClassRFC))
			r.Post("/v1/billing/create", s.handleBillingCreate)
			r.Get("/v1/billing/delivery/{doc}/status", s.handleDeliveryStatus)
		})
	})

	return r
}

func (s *Server) userExists(ctx context.Context, subject string) (bool, error) {
	return s.Authz.EmployeeExists(ctx, subject)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"dependencies": map[string]bool{
			"redis":        s.Redis != nil,
			"rate_limiter": s.RateLimitEnabled && s.RateLimiter != nil,
		},
	})
}

type contextKey string

const requestIDContextKey contextKey = "fsapi.request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 64 {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDContextKey).(string); ok {
		return v
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware buckets by the authenticated principal when one exists
// and by client IP otherwise, so pre-auth endpoints are still covered.
func (s *Server) rateLimitMiddleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.RateLimitEnabled || s.RateLimiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			identity := "ip:" + s.clientIP(r)
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				identity = p.RateKey()
			}
			d := s.RateLimiter.Allow(identity, class, s.Limits.For(class))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				s.Metrics.IncRateLimited(class)
				s.writeError(w, r, &apperr.Error{
					Code:       apperr.CodeRateLimited,
					Message:    "rate limit exceeded, retry later",
					RetryAfter: d.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.From(err)
	s.Metrics.IncErrorCode(string(appErr.Code))
	if appErr.Code == apperr.CodeInternal {
		log.Printf("internal error serving %s %s: %v", r.Method, r.URL.Path, err)
	}
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	httpx.WriteJSON(w, appErr.HTTPStatus(), map[string]any{
		"error":      appErr,
		"request_id": requestIDFromContext(r.Context()),
	})
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := envDurationSec("RATE_LIMIT_SWEEP_INTERVAL_SEC", 600)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.MemLimiter != nil {
				removed := s.MemLimiter.Sweep(2 * time.Hour)
				if removed > 0 {
					s.Metrics.SetGauge("limiter_buckets_swept", float64(removed))
				}
			}
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func parseFunctionSet(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		if name := authz.NormalizeFunction(part); name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

func limitsFromEnv() ratelimit.Limits {
	limits := ratelimit.DefaultLimits()
	override := func(class, maxKey, windowKey string) {
		limit := limits[class]
		if v := envInt(maxKey, 0); v > 0 {
			limit.MaxRequests = v
		}
		if v := envInt(windowKey, 0); v > 0 {
			limit.Window = time.Second * time.Duration(v)
		}
		limits[class] = limit
	}
	override(ratelimit.ClassDefault, "RATE_LIMIT_DEFAULT_MAX", "RATE_LIMIT_DEFAULT_WINDOW_SEC")
	override(ratelimit.ClassAuth, "RATE_LIMIT_AUTH_MAX", "RATE_LIMIT_AUTH_WINDOW_SEC")
	override(ratelimit.ClassRFC, "RATE_LIMIT_RFC_MAX", "RATE_LIMIT_RFC_WINDOW_SEC")
	override(ratelimit.ClassCustomer, "RATE_LIMIT_CUSTOMER_MAX", "RATE_LIMIT_CUSTOMER_WINDOW_SEC")
	return limits
}

func sortedFunctionNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
