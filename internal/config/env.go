package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment overlays. Env beats the config file; flags beat env.
const (
	EnvBaseRef     = "DIFFGATE_BASE_REF"
	EnvManifest    = "DIFFGATE_MANIFEST"
	EnvLogLevel    = "DIFFGATE_LOG_LEVEL"
	EnvLogFormat   = "DIFFGATE_LOG_FORMAT"
	EnvHistoryDSN  = "DIFFGATE_HISTORY_DSN"
	EnvCacheDir    = "DIFFGATE_CACHE_DIR"
	EnvWorkers     = "DIFFGATE_WORKERS"
	EnvConcurrent  = "DIFFGATE_CONCURRENT"
	EnvTestTimeout = "DIFFGATE_TEST_TIMEOUT"
)

// ApplyEnv overlays DIFFGATE_* variables onto cfg.
func ApplyEnv(cfg *Pipeline) error {
	cfg.BaseRef = envString(EnvBaseRef, cfg.BaseRef)
	cfg.Manifest = envString(EnvManifest, cfg.Manifest)
	cfg.Log.Level = envString(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Format = envString(EnvLogFormat, cfg.Log.Format)
	cfg.History.DSN = envString(EnvHistoryDSN, cfg.History.DSN)
	cfg.Cache.Dir = envString(EnvCacheDir, cfg.Cache.Dir)

	workers, err := envInt(EnvWorkers, cfg.Lint.Workers)
	if err != nil {
		return err
	}
	cfg.Lint.Workers = workers
	concurrent, err := envBool(EnvConcurrent, cfg.Concurrent)
	if err != nil {
		return err
	}
	cfg.Concurrent = concurrent
	timeout, err := envDuration(EnvTestTimeout, cfg.Test.Timeout)
	if err != nil {
		return err
	}
	cfg.Test.Timeout = timeout
	return nil
}

// envError is a ConfigParseError so a bad overlay fails closed like a bad
// config file.
func envError(key string, err error) error {
	return &ConfigParseError{Reason: fmt.Sprintf("parse %s: %v", key, err)}
}

func envString(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, envError(key, err)
		}
		return d, nil
	}
	return def, nil
}

func envBool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, envError(key, err)
		}
		return b, nil
	}
	return def, nil
}

func envInt(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, envError(key, err)
		}
		return i, nil
	}
	return def, nil
}
