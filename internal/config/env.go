package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Nobunaga-N/b-maker-sub000/internal/env"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		env.Ensure()
	})
}

// lookup resolves key, preferring the BOTMAKER_-namespaced form so a
// deployment can prefix every variable without colliding with other tools
// on the host (BOTMAKER_LDCONSOLE_PATH wins over LDCONSOLE_PATH).
func lookup(key string) string {
	ensureEnvLoaded()
	if !strings.HasPrefix(key, "BOTMAKER_") {
		if val := strings.TrimSpace(os.Getenv("BOTMAKER_" + key)); val != "" {
			return val
		}
	}
	return strings.TrimSpace(os.Getenv(key))
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	if val := lookup(key); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	if val := lookup(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	if val := lookup(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	if val := lookup(key); val != "" {
		lower := strings.ToLower(val)
		if lower == "1" || lower == "true" || lower == "yes" {
			return true
		}
		if lower == "0" || lower == "false" || lower == "no" {
			return false
		}
	}
	return fallback
}
