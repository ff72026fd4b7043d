package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telepilot/telepilot/api"
	"github.com/telepilot/telepilot/config"
	"github.com/telepilot/telepilot/core"
	"github.com/telepilot/telepilot/db"
	"github.com/telepilot/telepilot/log"
	"github.com/telepilot/telepilot/server"
	"github.com/telepilot/telepilot/telegram"
)

func main() {
	cfg := config.Get()

	database := db.Get()

	// The bot is both the inbound transport and the outbound sink, so it
	// comes up first and gets the core attached afterwards
	bot, err := telegram.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start telegram bot")
	}

	c, err := core.New(cfg, database, bot, bot.Observer())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start core")
	}
	bot.SetCore(c)

	botCtx, stopBot := context.WithCancel(context.Background())
	go bot.Run(botCtx)

	srv := server.New(cfg)
	api.RegisterRoutes(srv.Router(), c)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	stopBot()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}
	c.Shutdown(ctx)

	if err := database.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("stopped")
}
