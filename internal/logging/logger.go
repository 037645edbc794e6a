package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
)

// New builds the agent logger. Dev builds get a colorized tint handler,
// everything else structured JSON on stdout so rotation stays external.
// The returned LevelVar backs the handler level and may be adjusted at
// runtime (see the set-log-level command).
func New(cfg config.Config, version string, appName string) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)

	if version == "dev" {
		h := tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName), level
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
	), level
}
