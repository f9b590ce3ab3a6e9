package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tgdl/config"
	"tgdl/internal/app"
	"tgdl/internal/utils"
)

var runCmd = &cobra.Command{
	Use:                "run",
	Short:              "Run the download engine with the given configuration.",
	DisableSuggestions: false,
	Run:                runApp,
}

func runApp(cmd *cobra.Command, args []string) {
	utils.InitLogger(false, "info", "")
	log := utils.Logger
	mainLogger := log.Named("Main")
	mainLogger.Info("Starting engine")
	config.Load(log, cmd)

	// Re-initialize with the configured level.
	utils.InitLogger(config.ValueOf.Dev, config.ValueOf.LogLevel, config.ValueOf.LogPath)
	log = utils.Logger
	mainLogger = log.Named("Main")

	rt, err := app.New(log)
	if err != nil {
		mainLogger.Fatal("Failed to build runtime", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		mainLogger.Info("Shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		rt.Stop(shutdownCtx)
		cancel()
	}()

	mainLogger.Info("tgdl", zap.String("version", versionString))
	mainLogger.Sugar().Infof("API server is running at %s", config.ValueOf.Host)
	if err := rt.Start(ctx); err != nil {
		mainLogger.Sugar().Fatalln(err)
	}
}
