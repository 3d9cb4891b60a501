package main

import (
	"context"
	"database/sql"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"claude-bridge/internal/admin"
	"claude-bridge/internal/canonical"
	"claude-bridge/internal/config"
	"claude-bridge/internal/crypto"
	"claude-bridge/internal/db"
	anthropicFacade "claude-bridge/internal/facade/anthropic"
	openaiFacade "claude-bridge/internal/facade/openai"
	"claude-bridge/internal/logbus"
	"claude-bridge/internal/metrics"
	"claude-bridge/internal/modelmap"
	openaiProvider "claude-bridge/internal/providers/openai"
	"claude-bridge/internal/tokencount"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.Default()
	if cfg.LogFile != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		out := io.MultiWriter(os.Stderr, sink)
		log.SetOutput(out)
		logger = log.New(out, "", log.LstdFlags)
	}

	var sqlDB *sql.DB
	if cfg.MySQLDSN != "" {
		d, err := db.Open(cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer d.Close()
		if err := db.Migrate(d); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		sqlDB = d
	}
	bus := logbus.New(sqlDB, 500)

	m := metrics.New()
	models := modelmap.New(cfg.ModelAliases, cfg.Deployments, cfg.DefaultDeployment)
	up := openaiProvider.Upstream{
		BaseURL:      cfg.BackendBaseURL,
		APIKey:       cfg.BackendAPIKey,
		MaxTokensCap: cfg.MaxTokensCap,
	}
	counter := tokencount.New()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Anthropic-Version"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/metrics", m.Handler())

	v1 := chi.NewRouter()
	if len(cfg.ClientKeys) > 0 {
		v1.Use(clientAuthMiddleware(cfg.ClientKeys))
	}
	anthropicFacade.NewHandler(up, models, counter, m, bus, logger).Register(v1)
	r.Mount("/v1", v1)

	ov1 := chi.NewRouter()
	if len(cfg.ClientKeys) > 0 {
		ov1.Use(clientAuthMiddleware(cfg.ClientKeys))
	}
	openaiFacade.NewHandler(up, models, m, bus, logger).Register(ov1)
	r.Mount("/openai/v1", ov1)

	var cipher *crypto.AESGCM
	if cfg.KeyEncMasterB64 != "" {
		cipher, err = crypto.NewAESGCMFromBase64Key(cfg.KeyEncMasterB64)
		if err != nil {
			log.Fatalf("cipher: %v", err)
		}
	}
	r.Mount("/admin", admin.NewHandler(sqlDB, bus, cipher, cfg.AdminToken).Routes())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// clientAuthMiddleware accepts the key as a bearer token or x-api-key and
// stashes it on the context for request logging.
func clientAuthMiddleware(keys []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(got, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
			} else {
				got = strings.TrimSpace(r.Header.Get("x-api-key"))
			}
			if !allowed[got] {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), canonical.ContextKeyClientKey, got)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
