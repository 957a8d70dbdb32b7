package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"medconsult/internal/config"
	"medconsult/internal/db"
	"medconsult/internal/httpapi"
	"medconsult/internal/logger"
	"medconsult/internal/orchestrator"
	"medconsult/internal/reasoning"
	"medconsult/internal/retrieval"
	"medconsult/internal/safety"
	"medconsult/internal/session"
	"medconsult/internal/tools"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogJSON)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	dbConn, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dbConn.PingContext(pingCtx); err != nil {
		cancel()
		log.WithError(err).Fatal("failed to ping database")
	}
	cancel()
	if err := db.Migrate(context.Background(), dbConn); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	// Redis is optional; without it sessions live in process memory, which
	// is fine for a single instance.
	var sessions session.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Fatal("failed to ping redis")
		}
		sessions = session.NewRedisStore(client, cfg.SessionTTL, cfg.MemoryCap)
		log.WithField("addr", cfg.RedisAddr).Info("using redis session store")
	} else {
		mem := session.NewMemoryStore(cfg.SessionTTL, cfg.MemoryCap)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				if n := mem.PurgeExpired(); n > 0 {
					log.WithField("purged", n).Debug("expired sessions purged")
				}
			}
		}()
		sessions = mem
		log.Info("using in-memory session store")
	}

	llm := reasoning.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.ChatModel, cfg.EmbedModel, cfg.Temperature)

	coordinator := &retrieval.Coordinator{
		Vector:     retrieval.NewHTTPVectorIndex(cfg.VectorIndexURL),
		History:    db.NewHistoryRepository(dbConn),
		Embed:      llm,
		TopK:       cfg.RetrievalTopK,
		Budget:     cfg.ContextBudget,
		ScoreFloor: cfg.ScoreFloor,
		Timeout:    cfg.RetrievalTimeout,
		Log:        log,
	}

	registry := tools.NewRegistry(cfg.ToolTimeout, log,
		tools.NewImageClassifier(cfg.ImageClassifierURL),
		tools.NewSpeechTranscriber(cfg.TranscriberURL),
		&retrieval.RecordsAdapter{Coordinator: coordinator},
	)

	engine := &reasoning.Engine{
		Client:       llm,
		MemoryWindow: cfg.MemoryWindow,
		Timeout:      cfg.LLMTimeout,
		Log:          log,
	}

	gate := safety.NewEvaluator(safety.DefaultRuleSet(), cfg.ConfidenceLow, cfg.ConfidenceHigh, log)
	notifier := db.NewNotifier(dbConn, cfg.DatabaseURL, cfg.EscalationChannel)

	controller := orchestrator.New(sessions, registry, engine, gate, notifier,
		cfg.LLMRetries, cfg.RetryBackoff, cfg.RetrievalTopK, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(controller, sessions, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	if err := dbConn.Close(); err != nil {
		log.WithError(err).Warn("database close failed")
	}
}
