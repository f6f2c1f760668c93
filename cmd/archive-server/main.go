package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/internal/archive"
	"github.com/docfold/docfold/internal/common"
	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/internal/uri"
	"github.com/docfold/docfold/pkg/config"
	"github.com/docfold/docfold/pkg/types"
)

func main() {
	cfg := config.LoadFromEnv()
	setupLogging(&cfg.Logging)

	log.Info().Msg("starting docfold archive server")

	idx, cleanup, err := buildIndex(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metadata index")
	}
	defer cleanup()

	root, err := uri.Parse(cfg.Archive.Root)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.Archive.Root).Msg("invalid archive root")
	}

	factory := storage.NewFactory(&cfg.Storage)
	backend, err := factory.CreateBackend(context.Background(), root.Backend, root.Locator)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backend")
	}

	session, err := archive.Open(cfg.Archive.Root, types.SessionConfig{
		CacheCapacity:   cfg.Archive.CacheCapacity,
		RevisionPolicy:  types.RevisionPolicy(cfg.Archive.RevisionPolicy),
		VerifyIntegrity: cfg.Archive.VerifyIntegrity,
	}, backend, idx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive session")
	}
	defer session.Close()

	router := setupRouter(session, &cfg.Auth)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}

// buildIndex creates the configured metadata index and returns a cleanup
// function releasing its connections.
func buildIndex(cfg *config.Config) (index.Index, func(), error) {
	switch cfg.Archive.IndexKind {
	case "redis":
		idx, err := index.NewRedisIndex(&cfg.Redis, cfg.Archive.IndexPrefix)
		if err != nil {
			return nil, nil, err
		}
		return idx, func() { idx.Close() }, nil
	case "postgres":
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, err
		}
		return index.NewSQLIndex(db.DB), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported index kind: %s", cfg.Archive.IndexKind)
	}
}

func setupLogging(cfg *config.LoggingConfig) {
	cfg.SetupLogging()

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
}
