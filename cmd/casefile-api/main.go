// Command casefile-api serves the HTTP surface and runs the connector
// scheduler in-process
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
	log := *logger.Named("casefile-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.New()
	st, err := store.Open(ctx, storeConfig(cfg), store.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer func() { _ = st.Close(context.Background()) }()

	if err := st.Guard(ctx); err != nil {
		log.Fatal().Err(err).Msg("store not ready")
	}

	app, err := api.New(modkit.Deps{Log: log, Cfg: cfg, PG: st.PG})
	if err != nil {
		log.Fatal().Err(err).Msg("wiring failed")
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("shutdown complete")
}

func storeConfig(cfg config.Conf) store.Config {
	db := cfg.Prefix("DB_")
	return store.Config{
		AppName: "casefile-api",
		PG: store.PGConfig{
			Enabled:     true,
			URL:         db.MustString("URL"),
			MaxConns:    int32(db.MayInt("MAX_CONNS", 8)),
			LogSQL:      db.MayBool("LOG_SQL", false),
			SlowQueryMs: db.MayInt("SLOW_QUERY_MS", 200),
		},
	}
}
