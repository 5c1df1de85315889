package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvInterface     = "HIVEMIND_INTERFACE"
	EnvPort          = "HIVEMIND_PORT"
	EnvLogLevel      = "HIVEMIND_LOG_LEVEL"
	EnvStoreBackend  = "HIVEMIND_STORE_BACKEND"
	EnvStorePath     = "HIVEMIND_STORE_PATH"
	EnvRedisAddr     = "HIVEMIND_REDIS_ADDR"
	EnvRedisPassword = "HIVEMIND_REDIS_PASSWORD"
	EnvNATSURL       = "HIVEMIND_NATS_URL"
	EnvAPIListen     = "HIVEMIND_API_LISTEN"
)

// LoadEnvFiles loads KEY=value pairs from the given dotenv files into the process
// environment. Missing files are skipped; existing variables are not overwritten.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overrides config fields from HIVEMIND_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvInterface); v != "" {
		cfg.Interface = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv(EnvAPIListen); v != "" {
		cfg.API.Listen = v
	}
}
