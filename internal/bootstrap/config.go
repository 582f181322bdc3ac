package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/portal-auth/config"
)

// logLevel is shared by the default logger so dev mode can lower it after config loads.
var logLevel = new(slog.LevelVar)

// InitLogger initializes the structured logger.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// ApplyLogLevel sets the process log level: LOG_LEVEL when it parses,
// otherwise debug in dev mode and info elsewhere.
func ApplyLogLevel(cfg *config.AppConfig) {
	level := slog.LevelInfo
	if cfg != nil {
		if cfg.IsDev {
			level = slog.LevelDebug
		}
		if cfg.LogLevel != "" {
			var parsed slog.Level
			if err := parsed.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
				level = parsed
			} else {
				slog.Warn("ignoring invalid LOG_LEVEL", "value", cfg.LogLevel)
			}
		}
	}
	logLevel.Set(level)
}

// LoadConfig reads the given dotenv files (".env" when none are named), then
// parses and sanitizes AppConfig from the environment. Missing files are
// skipped; variables already set in the environment win.
func LoadConfig(envFiles ...string) (config.AppConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.AppConfig{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}
