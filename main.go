package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihttp "loxone-gateway/internal/api/http"
	"loxone-gateway/internal/audit"
	"loxone-gateway/internal/auth"
	commandhttp "loxone-gateway/internal/commands/interfaces/http"
	"loxone-gateway/internal/config"
	eventinghttp "loxone-gateway/internal/eventing/interfaces/http"
	"loxone-gateway/internal/gateway"
	"loxone-gateway/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			logger.Fatalf("token error: %v", err)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	}
	metrics.Init(db, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []gateway.Option{gateway.WithLogger(logger)}
	if db != nil {
		opts = append(opts, gateway.WithDB(db))
	}
	app, err := gateway.New(ctx, cfg, opts...)
	if err != nil {
		logger.Fatalf("gateway init error: %v", err)
	}

	var journal commandhttp.Journal
	if app.Journal != nil {
		journal = app.Journal
	}
	commandHandler, err := commandhttp.NewHandler(app.Service, journal, logger)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}

	var connection apihttp.ConnectionStatsSource
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return loggingMiddleware(next, logger)
	})
	r.Use(auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)).Wrap)
	if db != nil {
		auditRepo := audit.NewRepository(db)
		if err := auditRepo.Migrate(ctx); err != nil {
			logger.Fatalf("audit migrate error: %v", err)
		}
		r.Use(audit.NewMiddleware(auditRepo, logger).Wrap)
	}

	r.Handle("/api/v1/commands", commandHandler)
	if app.Manager != nil {
		connection = app.Manager
		messages, err := apihttp.NewMessagesHandler(app.Manager, logger)
		if err != nil {
			logger.Fatalf("messages handler error: %v", err)
		}
		r.Handle("/api/v1/messages", messages)
		r.Handle("/api/v1/messages/*", messages)
		r.Handle("/api/v1/connection/reconnect", apihttp.NewReconnectHandler(app.Manager))
	}
	r.Handle("/api/v1/stats", apihttp.NewStatsHandler(app.Queue, connection, app.Monitor))
	r.Handle("/api/v1/events/stream", eventinghttp.NewStreamHandler(app.Events, cfg.StreamKeepalive))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if err := app.Start(ctx); err != nil {
		logger.Fatalf("gateway start error: %v", err)
	}

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Closing the app ends open event streams before the server drains.
		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Printf("gateway shutdown error: %v", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
	<-stopped
}

func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "operator", "token subject")
	role := fs.String("role", string(auth.RoleOperator), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	parsed, ok := auth.NormalizeRole(*role)
	if !ok {
		return fmt.Errorf("unknown role %q", *role)
	}
	token, err := auth.IssueJWT(*subject, parsed, []byte(secret), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, strconv.Itoa(resp.status), elapsed)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, elapsed)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the event stream working behind the status wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
