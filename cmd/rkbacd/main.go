package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"rkbac/pkg/audit"
	"rkbac/pkg/auditbus"
	"rkbac/pkg/auth"
	"rkbac/pkg/hardening"
	"rkbac/pkg/httpx"
	"rkbac/pkg/lifecycle"
	"rkbac/pkg/metrics"
	"rkbac/pkg/ratelimit"
	"rkbac/pkg/store"
	"rkbac/pkg/telemetry"
	"rkbac/pkg/tier"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  serviceDB
	Cache               store.Cache
	Lifecycle           *lifecycle.Service
	AuditLog            *audit.Writer
	Emitter             *audit.Emitter
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	AuthMode            string
	AuthSecret          string
	SweepToken          string
	SweepInterval       time.Duration
	IdempotencyTTL      time.Duration
	MaxRequestBodyBytes int64
}

type serviceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type serviceDBCloser interface {
	serviceDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (serviceDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (serviceDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn    = func(s *Server) {
		go s.sweepLoop(context.Background())
		go s.auditErrorLoop()
	}
)

func main() {
	if err := runService(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("rkbacd: %v", err)
	}
}

func runService(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "rkbacd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

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

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	auditLog := &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}
	sinks := []audit.Sink{auditLog}
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err := auditbus.NewPublisher(auditbus.Config{
			Brokers: brokers,
			Topic:   env("KAFKA_AUDIT_TOPIC", "rkbac.audit"),
		})
		if err != nil {
			log.Printf("kafka audit publisher disabled: %v", err)
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}
	emitter := audit.NewEmitter(envInt("AUDIT_BUFFER", 256), envDurationSec("AUDIT_SINK_TIMEOUT_SEC", 5), sinks...)
	defer emitter.Close()

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		DB:       pool,
		Cache:    cache,
		AuditLog: auditLog,
		Emitter:  emitter,
		Lifecycle: &lifecycle.Service{
			DB:          pool,
			Audit:       emitter,
			CallTimeout: envDurationSec("STORE_CALL_TIMEOUT_SEC", 5),
		},
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		SweepToken:          env("SWEEP_AUTH_TOKEN", ""),
		SweepInterval:       envDurationSec("SWEEP_INTERVAL_SEC", 60),
		IdempotencyTTL:      envDurationSec("IDEMPOTENCY_TTL_SEC", 86400),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "rkbacd",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              s.AuthMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "SWEEP_AUTH_TOKEN", Value: s.SweepToken},
			{Name: "AUDIT_HASH_SALT", Value: auditSalt},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("rkbacd"))
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "rkbacd"})
	})
	// Sweeps are triggered by the scheduler sidecar, not end users, so the
	// route sits outside the OIDC router behind its own shared token.
	r.Post("/v1/waivers:sweep", s.handleSweep)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Get("/v1/policies", s.withTier(tier.Specialist, s.handleListPolicies))
	authRouter.Get("/v1/policies/{policy_id}", s.withTier(tier.Specialist, s.handleGetPolicy))
	authRouter.Post("/v1/policies", s.withTier(tier.DepartmentHead, s.handleUpsertPolicy))
	authRouter.Delete("/v1/policies/{policy_id}", s.withTier(tier.DepartmentHead, s.handleDeletePolicy))
	authRouter.Post("/v1/waivers", s.withTier(tier.Specialist, s.handleRequestWaiver))
	authRouter.Get("/v1/waivers", s.withTier(tier.Specialist, s.handleListWaivers))
	authRouter.Get("/v1/waivers/{waiver_id}", s.withTier(tier.Specialist, s.handleGetWaiver))
	authRouter.Post("/v1/waivers/{waiver_id}/decision", s.withTier(tier.Manager, s.handleDecideWaiver))
	authRouter.Post("/v1/waivers/{waiver_id}/revoke", s.withTier(tier.Manager, s.handleRevokeWaiver))
	authRouter.Post("/v1/evaluate", s.withTier(tier.Specialist, s.handleEvaluate))
	authRouter.Get("/v1/audit", s.withTier(tier.DepartmentHead, s.handleListAudit))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("rkbacd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) withTier(min tier.Tier, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		if !tier.MoreOrEquallyPrivileged(principal.Tier, min) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		if strings.TrimSpace(principal.Tenant) == "" {
			httpx.Error(w, 403, "tenant required")
			return
		}
		h(w, r)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Lifecycle.ExpireDueWaivers(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("waiver sweep failed: %v", err)
				continue
			}
			s.Metrics.ObserveSweep(int64(n))
			if n > 0 {
				log.Printf("waiver sweep expired %d waivers", n)
			}
		}
	}
}

func (s *Server) auditErrorLoop() {
	for err := range s.Emitter.Errs() {
		log.Printf("audit emit: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
