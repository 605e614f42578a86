package platform

import (
	"os"
	"strconv"
)

// EnvAPIKey is consulted when no API key is configured.
const EnvAPIKey = "QUOTEGENIUS_API_KEY"

// ResolveAPIKey prefers the configured key and falls back to EnvAPIKey.
func ResolveAPIKey(configured string) string {
	if configured != "" {
		return configured
	}
	return GetEnv(EnvAPIKey, "")
}

// GetEnv returns the value of key, or def when key is unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvInt is GetEnv for integers. Unparseable values give def.
func GetEnvInt(key string, def int) int {
	n, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return def
	}
	return n
}
