package config

import (
	"context"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// envOverrides are environment variables that win over the file.
type envOverrides struct {
	LogLevel      string `env:"INTERVALD_LOG_LEVEL"`
	StorageDriver string `env:"INTERVALD_STORAGE_DRIVER"`
	StoragePath   string `env:"INTERVALD_STORAGE_PATH"`
}

// ApplyEnv overlays INTERVALD_* environment variables onto cfg.
func ApplyEnv(ctx context.Context, cfg *Config) error {
	return applyEnv(ctx, cfg, envconfig.OsLookuper())
}

func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if cfg == nil {
		return nil
	}
	var ov envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &ov, Lookuper: l}); err != nil {
		return err
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(ov.StorageDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(ov.StoragePath); v != "" {
		cfg.Storage.Path = v
	}
	return nil
}
