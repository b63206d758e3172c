package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/config"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/identity"
	"quiz-arena-service/internal/infra/gemini"
	"quiz-arena-service/internal/infra/memory"
	pgstore "quiz-arena-service/internal/infra/postgres"
	redisstore "quiz-arena-service/internal/infra/redis"
	transport "quiz-arena-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz arena server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *goredis.Client
	if cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	var quizBackend app.QuizStore = memory.NewQuizStoreWith(sampleQuizzes())
	if pool != nil {
		quizBackend = pgstore.NewQuizStore(pool)
	}
	var quizzes app.QuizStore
	if redisClient != nil {
		quizzes = redisstore.NewQuizCache(redisClient, quizBackend, quizTTL)
	} else {
		quizzes = memory.NewQuizCache(quizBackend, quizTTL)
	}

	var sessions app.SessionStore = memory.NewSessionStore()
	if redisClient != nil {
		sessions = redisstore.NewSessionStore(redisClient)
	}

	var history app.HistoryStore = memory.NewHistoryStore()
	if pool != nil {
		history = pgstore.NewHistoryStore(pool)
	}

	var generator app.QuizGenerator
	if cfg.Gemini.APIKey != "" {
		if cfg.Gemini.BaseURL != "" {
			generator = gemini.NewClientWithBaseURL(cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.BaseURL)
		} else {
			generator = gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model)
		}
	} else {
		log.Warn().Msg("no generator configured; quiz creation disabled")
	}

	var verifier *identity.Verifier
	if cfg.Auth.Secret != "" {
		verifier = identity.NewVerifier(cfg.Auth.Secret)
	} else {
		log.Warn().Msg("auth secret empty; accepting identities from query params")
	}

	service := app.NewGameService(sessions, quizzes, history, generator)
	defer service.Close()
	if err := service.ResumeActiveSessions(ctx); err != nil {
		log.Error().Err(err).Msg("resume active sessions failed")
	}

	wsHandler := transport.NewWSHandler(service, verifier)
	apiHandler := transport.NewAPIHandler(service, verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	apiHandler.Register(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting quiz arena service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes seeds dev mode when no database is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			Topic:     "Arithmetic",
			CreatedBy: "system",
			Questions: []domain.Question{
				{
					Text:        "What is 2 + 2?",
					Options:     []string{"3", "4", "5", "22"},
					Answer:      "4",
					Explanation: "Two plus two equals four.",
				},
				{
					Text:        "What is 9 * 3?",
					Options:     []string{"27", "21", "39", "18"},
					Answer:      "27",
					Explanation: "Nine times three equals twenty-seven.",
				},
			},
		},
	}
}
