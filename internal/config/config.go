// Package config loads the indexer's runtime configuration from the
// environment, the way the teacher's main.go loads an optional .env file
// ahead of os.Getenv reads.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/chronik-go/chronik/consts"
)

// Config holds everything the driver needs to start up.
type Config struct {
	// DBPath is where the pebble KV store lives on disk.
	DBPath string

	// HistoryPageSize overrides consts.DefaultHistoryPageSize per-deployment.
	HistoryPageSize uint32

	// TxNumCacheBuckets overrides consts.TxNumCacheNumBuckets.
	TxNumCacheBuckets int

	// ScriptHashIndexEnabled gates the scripthash_history/scripthash_utxo CFs
	// and the scripthash query endpoints (§4.11).
	ScriptHashIndexEnabled bool

	// PluginConfigPath points at the plugin runtime's config file, empty if
	// no plugins are loaded.
	PluginConfigPath string

	// MetricsListenAddr is the Prometheus /metrics listen address.
	MetricsListenAddr string
}

// Load reads configuration from the environment, loading an optional .env
// file first. Values default the way the teacher's getEnvOrDefault does.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DBPath:                 getEnvOrDefault("CHRONIK_DB_PATH", "./data/chronik"),
		HistoryPageSize:        uint32(getEnvIntOrDefault("CHRONIK_HISTORY_PAGE_SIZE", consts.DefaultHistoryPageSize)),
		TxNumCacheBuckets:      getEnvIntOrDefault("CHRONIK_TXNUM_CACHE_BUCKETS", consts.TxNumCacheNumBuckets),
		ScriptHashIndexEnabled: getEnvBoolOrDefault("CHRONIK_SCRIPTHASH_INDEX", false),
		PluginConfigPath:       getEnvOrDefault("CHRONIK_PLUGIN_CONFIG", ""),
		MetricsListenAddr:      getEnvOrDefault("CHRONIK_METRICS_ADDR", ":9091"),
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
