// Command casefile-ingest runs the connector scheduler without the HTTP
// surface, for deployments that split collection from serving
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"casefile/internal/modkit"
	"casefile/internal/platform/config"
	"casefile/internal/platform/logger"
	"casefile/internal/platform/store"
	"casefile/internal/services/api"
)

func main() {
	logger.Init(logger.FromEnv())
	log := *logger.Named("casefile-ingest")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.New()
	db := cfg.Prefix("DB_")
	st, err := store.Open(ctx, store.Config{
		AppName: "casefile-ingest",
		PG: store.PGConfig{
			Enabled:  true,
			URL:      db.MustString("URL"),
			MaxConns: int32(db.MayInt("MAX_CONNS", 4)),
		},
	}, store.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer func() { _ = st.Close(context.Background()) }()

	if err := st.Guard(ctx); err != nil {
		log.Fatal().Err(err).Msg("store not ready")
	}

	sched, err := api.NewIngest(modkit.Deps{Log: log, Cfg: cfg, PG: st.PG})
	if err != nil {
		log.Fatal().Err(err).Msg("wiring failed")
	}

	log.Info().Msg("ingest worker started")
	sched.Run(ctx)
	log.Info().Msg("shutdown complete")
}
