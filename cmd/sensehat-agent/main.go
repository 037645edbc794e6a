package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/app"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/led"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/logging"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/mqtt"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/sensor"
)

var version = "dev"
var appName = "sensehat-agent"

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, level := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	logger.Info("starting",
		"app", appName,
		"version", version,
		"broker", cfg.BrokerURI,
		"cycle", cfg.CycleInterval,
		"log_level", cfg.LogLevel.String(),
	)

	hat, err := sensor.OpenSenseHat(cfg.BME280Address, cfg.SensorRounding)
	if err != nil {
		logger.Error("sensor init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := hat.Close(); err != nil {
			logger.Warn("sensor close failed", "error", err)
		}
	}()

	broker := mqtt.NewClient(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := app.New(cfg, broker, hat, led.Null{Logger: logger}, level, logger)
	if err := agent.Run(ctx); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shut down cleanly")
}
