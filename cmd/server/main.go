package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/interview-voice/internal/agent"
	"github.com/chadiek/interview-voice/internal/barge"
	"github.com/chadiek/interview-voice/internal/config"
	"github.com/chadiek/interview-voice/internal/httpserver"
	"github.com/chadiek/interview-voice/internal/llm"
	"github.com/chadiek/interview-voice/internal/questions"
	"github.com/chadiek/interview-voice/internal/session"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
	"github.com/chadiek/interview-voice/internal/tts"
	"github.com/chadiek/interview-voice/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	logger := logrus.New()
	// sub-second precision in all log timestamps
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006/01/02 15:04:05.000000"})
	v := config.New(logger)

	root := &cobra.Command{
		Use:          "interview-voice",
		Short:        "Real-time voice interview server",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := logrus.ParseLevel(v.GetString("LOG_LEVEL"))
			if err != nil {
				return fmt.Errorf("invalid LOG_LEVEL: %w", err)
			}
			logger.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("LOG_LEVEL", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(v, logger), newMigrateCmd(v, logger))
	return root
}

func newServeCmd(v *viper.Viper, logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config.Load(v, logger), logger)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("store", "memory", "attempt store: memory, postgres or supabase")
	cmd.Flags().String("questions", "config/questions.yaml", "interview catalogue file")
	_ = v.BindPFlag("HTTP_ADDRESS", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("STORE_BACKEND", cmd.Flags().Lookup("store"))
	_ = v.BindPFlag("QUESTIONS_FILE", cmd.Flags().Lookup("questions"))
	return cmd
}

func newMigrateCmd(v *viper.Viper, logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := store.OpenPostgres(ctx, v.GetString("DATABASE_URL"))
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	log := logrus.NewEntry(logger)

	bank, err := questions.Load(cfg.QuestionsFile, cfg.DefaultInterviewID)
	if err != nil {
		return err
	}
	st, archiver, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := session.NewRegistry(session.RegistryConfig{
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepInterval: cfg.SessionSweepInterval,
	}, log)

	interrupt := barge.DefaultConfig()
	if cfg.InterruptThreshold > 0 {
		interrupt.Threshold = cfg.InterruptThreshold
	}
	svc := usecase.NewInterviewService(usecase.Dependencies{
		Registry: registry,
		Bank:     bank,
		Store:    st,
		Syncer:   session.NewSyncer(st, archiver, log),
		Analyzer: llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID),
		STT:      transcript.NewAssemblyAI(cfg.AssemblyAIKey, log),
		Voice:    voiceProvider(cfg, log),
	}, usecase.Config{
		ReviewRequired: cfg.ReviewRequired,
		FinishGrace:    cfg.SessionFinishGrace,
		Controller:     agent.Config{AnalysisTimeout: cfg.AnalysisTimeout, Interrupt: interrupt},
		Transcription: transcript.GatewayConfig{
			KeepaliveInterval: cfg.STTKeepalive,
			ReconnectAttempts: cfg.ReconnectAttempts,
		},
		Voice: tts.GatewayConfig{
			AudioFinishGrace:  cfg.AudioFinishGrace,
			ReconnectAttempts: cfg.ReconnectAttempts,
		},
	}, log)

	streams, closeStreams := context.WithCancel(context.Background())
	defer closeStreams()
	e := httpserver.New(httpserver.NewHandlers(svc, streams, cfg.AllowedOrigins, log), cfg.IdentitySecret)
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("server listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		closeStreams()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("graceful shutdown failed: %v", err)
			_ = server.Close()
		}
		registry.Shutdown()
		return nil
	})
	return g.Wait()
}

func voiceProvider(cfg config.Config, log *logrus.Entry) tts.Provider {
	if cfg.VoiceProvider == "elevenlabs" {
		return tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
	}
	return tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel, log)
}

// openStore picks the attempt store. Supabase, when configured, also archives
// finished transcripts regardless of the store backend.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (store.Store, store.Archiver, func(), error) {
	nop := func() {}
	var archiver store.Archiver
	var sb *store.Supabase
	if cfg.SupabaseURL != "" {
		var err error
		sb, err = store.NewSupabase(store.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			return nil, nil, nop, err
		}
		archiver = sb
	}

	switch cfg.StoreBackend {
	case "postgres":
		pool, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nop, err
		}
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nop, err
		}
		pg, err := store.NewPostgres(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nop, err
		}
		log.Info("using postgres attempt store")
		return pg, archiver, pool.Close, nil
	case "supabase":
		if sb == nil {
			return nil, nil, nop, errors.New("STORE_BACKEND=supabase requires SUPABASE_URL")
		}
		log.Info("using supabase attempt store")
		return sb, archiver, nop, nil
	case "memory", "":
		log.Warn("using in-memory attempt store; attempts are lost on restart")
		return store.NewMemory(), archiver, nop, nil
	default:
		return nil, nil, nop, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
