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

	"worldsync/pkg/acl"
	"worldsync/pkg/auth"
	"worldsync/pkg/hardening"
	"worldsync/pkg/httpx"
	"worldsync/pkg/metrics"
	"worldsync/pkg/query"
	"worldsync/pkg/ratelimit"
	"worldsync/pkg/reflector"
	"worldsync/pkg/session"
	"worldsync/pkg/statebus"
	"worldsync/pkg/store"
	"worldsync/pkg/stream"
	"worldsync/pkg/telemetry"
	"worldsync/pkg/tick"
	"worldsync/pkg/wire"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type worlddDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Server struct {
	DB        worlddDB
	Sessions  *session.Registry
	ACL       *acl.Cache
	Router    *reflector.Router
	Proxy     *query.Proxy
	Validator auth.Validator
	Validity  session.Validity
	Metrics   *metrics.Registry
	Events    *stream.Hub

	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
	WriteTimeout        time.Duration
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (worlddDB, func(), error)
	openRedisFn     func(context.Context) *redis.Client
	listenFn        func(*http.Server) error
	startLoopsFn    func(context.Context, *Server, []tick.GroupConfig, string)
)

func main() {
	if err := runWorldd(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("worldd: %v", err)
	}
}

func runWorldd(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (worlddDB, func(), error),
	openRedis func(context.Context) *redis.Client,
	listen func(*http.Server) error,
	startLoops func(context.Context, *Server, []tick.GroupConfig, string),
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (worlddDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) *redis.Client {
			client, err := store.NewRedis(ctx)
			if err != nil {
				log.Printf("worldd: redis unavailable, using in-memory rate limits: %v", err)
				return nil
			}
			return client
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}
	if startLoops == nil {
		startLoops = defaultStartLoops
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "worldd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	s := &Server{
		DB:                  db,
		AuthMode:            env("AUTH_MODE", "token"),
		AuthSecret:          env("SESSION_TOKEN_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		WriteTimeout:        time.Duration(envInt("WS_WRITE_TIMEOUT_MS", 5000)) * time.Millisecond,
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "worldd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "SESSION_TOKEN_SECRET", Value: s.AuthSecret},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	var (
		limiter ratelimit.Limiter
		cache   store.Cache
	)
	window := time.Duration(envInt("PUBLISH_RATE_WINDOW_MS", 60000)) * time.Millisecond
	if client := openRedis(ctx); client != nil {
		limiter = ratelimit.NewRedis(client, window)
		cache = store.NewRedisCache(client)
		defer func() { _ = client.Close() }()
	} else {
		limiter = ratelimit.NewInMemory(window)
		cache = store.NewMemoryCache()
	}

	s.Validator = buildValidator(s.AuthMode, s.AuthSecret, cache)
	s.Sessions = session.NewRegistry()
	s.Validity = &session.PGValidity{DB: db}
	s.Metrics = metrics.NewRegistry()
	s.Events = stream.NewHub()
	s.ACL = acl.NewCache(&acl.PGLoader{DB: db}, acl.WithRewarmOnChange())
	s.Router = &reflector.Router{
		Sessions:        s.Sessions,
		ACL:             s.ACL,
		Limiter:         limiter,
		Metrics:         s.Metrics,
		PublishLimit:    envInt("PUBLISH_RATE_LIMIT", 120),
		MaxPayloadBytes: envInt("REFLECT_MAX_PAYLOAD_BYTES", 64*1024),
	}
	s.Proxy = &query.Proxy{
		DB:      db,
		Metrics: s.Metrics,
		Timeout: time.Duration(envInt("QUERY_TIMEOUT_MS", 10000)) * time.Millisecond,
	}

	groups, err := parseSyncGroups(env("SYNC_GROUPS", ""))
	if err != nil {
		return err
	}
	if groups == nil {
		groups, err = loadSyncGroups(ctx, db)
		if err != nil {
			return fmt.Errorf("load sync groups: %w", err)
		}
	}
	startLoops(ctx, s, groups, env("DATABASE_URL", ""))

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.HTTPObserver())
	r.Use(telemetry.HTTPMiddleware("worldd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "worldd"})
	})
	r.Get("/v1/connect", s.handleConnect)

	statsMw := auth.Middleware(s.AuthMode, s.Validator)
	r.Group(func(r chi.Router) {
		r.Use(statsMw)
		r.Get("/v1/stats", s.handleStats)
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	})

	addr := env("ADDR", ":8090")
	log.Printf("worldd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func buildValidator(mode, secret string, cache store.Cache) auth.Validator {
	byProvider := map[string]auth.Validator{}
	if url := env("AUTH_REMOTE_URL", ""); url != "" {
		ttl := time.Duration(envInt("AUTH_VERDICT_CACHE_MS", 30000)) * time.Millisecond
		byProvider["remote"] = auth.NewCachedValidator(auth.NewRemoteValidator(url), cache, ttl)
	}
	return &auth.MultiValidator{
		Default: &auth.HS256Validator{
			Secret:   secret,
			Issuer:   env("SESSION_TOKEN_ISSUER", ""),
			Audience: env("SESSION_TOKEN_AUDIENCE", ""),
		},
		ByProvider: byProvider,
	}
}

func defaultStartLoops(ctx context.Context, s *Server, groups []tick.GroupConfig, dbURL string) {
	go s.Sessions.Sweep(ctx, s.Validity, session.SweepConfig{
		Interval:         time.Duration(envInt("SWEEP_INTERVAL_MS", 5000)) * time.Millisecond,
		HeartbeatTimeout: time.Duration(envInt("HEARTBEAT_TIMEOUT_MS", 30000)) * time.Millisecond,
		IdleAfter:        time.Duration(envInt("IDLE_AFTER_MS", 10000)) * time.Millisecond,
	})

	if len(groups) > 0 {
		engine := tick.NewEngine(&tick.PGStore{DB: s.DB}, groups)
		engine.Metrics = s.Metrics
		engine.OnTick = func(t tick.Tick) {
			s.Events.Publish(stream.NewEvent(wire.KindTickSnapshot, t.SyncGroup, wire.TickSnapshot{
				SyncGroup:  t.SyncGroup,
				TickNumber: t.Number,
				DurationMs: t.DurationMs,
				Delayed:    t.IsDelayed,
				StateCount: t.StatesProcessed,
				Timestamp:  t.EndTime.UTC().Format(time.RFC3339Nano),
			}))
		}
		go engine.Run(ctx)
	}

	if dbURL != "" {
		listener := acl.NewListener(acl.PGDialer(dbURL), s.ACL.OnRoleChange)
		go listener.Run(ctx)
	}

	go func() {
		interval := time.Duration(envInt("GAUGE_REFRESH_MS", 10000)) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Metrics.SetGauge("active_sessions", float64(s.Sessions.Count()))
			}
		}
	}()

	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "worldsync.role.events"),
			GroupID: env("KAFKA_GROUP_ID", "worldd"),
		})
		if err != nil {
			log.Printf("worldd: kafka consumer: %v", err)
			return
		}
		go func() {
			defer func() { _ = consumer.Close() }()
			acl.ConsumeRoleEvents(ctx, consumer, s.ACL.OnRoleChange)
		}()
	}
}

// loadSyncGroups reads the configured groups from the sync_groups table.
// Used when SYNC_GROUPS is unset, so fleet config lives in one place.
func loadSyncGroups(ctx context.Context, db worlddDB) ([]tick.GroupConfig, error) {
	rows, err := db.Query(ctx, `SELECT name, tick_rate_ms, max_buffered_ticks FROM sync_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tick.GroupConfig
	for rows.Next() {
		var g tick.GroupConfig
		if err := rows.Scan(&g.Name, &g.TickRateMs, &g.MaxBufferedTicks); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// parseSyncGroups reads "name:tickRateMs:maxBufferedTicks" triples separated
// by commas, e.g. "lobby:50:20,arena:16:60".
func parseSyncGroups(raw string) ([]tick.GroupConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []tick.GroupConfig
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid sync group %q, want name:tickRateMs:maxBufferedTicks", part)
		}
		name := strings.TrimSpace(fields[0])
		if name == "" || seen[name] {
			return nil, fmt.Errorf("invalid or duplicate sync group name in %q", part)
		}
		rate, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("invalid tick rate in %q", part)
		}
		buffered, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil || buffered <= 0 {
			return nil, fmt.Errorf("invalid buffered tick count in %q", part)
		}
		seen[name] = true
		out = append(out, tick.GroupConfig{Name: name, TickRateMs: rate, MaxBufferedTicks: buffered})
	}
	return out, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.Metrics.Snapshot()
	httpx.WriteJSON(w, 200, map[string]any{
		"service":         "worldd",
		"active_sessions": s.Sessions.Count(),
		"metrics":         snap,
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

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
