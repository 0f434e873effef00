package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local and .env into the process environment.
// Missing files are not an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnvOverrides layers the runtime environment knobs over file
// values. Each variable, when set and parseable, replaces the
// corresponding config field.
func (c *Config) ApplyEnvOverrides() {
	overrideInt(&c.Context.MaxContextBytes, "MAX_CONTEXT_BYTES")
	overrideInt(&c.Context.MaxHistoryMessages, "MAX_HISTORY_MESSAGES")
	overrideInt(&c.Guardrails.MaxRetries, "BULK_GUARD_MAX_RETRIES")
	overrideInt(&c.Agents.Parallel.Concurrency, "PARALLEL_EXECUTOR_CONCURRENCY")
	overrideMillis(&c.Agents.Parallel.Throttle, "PARALLEL_EXECUTOR_THROTTLE_MS")
	overrideInt(&c.Agents.Parallel.MaxItems, "PARALLEL_EXECUTOR_MAX_ITEMS")
	overrideInt(&c.Agents.Parallel.MinItems, "PARALLEL_EXECUTOR_MIN_ITEMS")
	overrideMillis(&c.Agents.Bash.Timeout, "BASH_TIMEOUT_MS")
	overrideInt(&c.Orchestrator.MaxTurnsBulk, "ORCHESTRATOR_MAX_TURNS_BULK")
	overrideInt(&c.Orchestrator.MaxTurnsStandard, "ORCHESTRATOR_MAX_TURNS_STANDARD")
}

func overrideInt(dst *int, name string) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable environment override", "var", name, "value", raw)
		return
	}
	*dst = v
}

func overrideMillis(dst *time.Duration, name string) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable environment override", "var", name, "value", raw)
		return
	}
	*dst = time.Duration(v) * time.Millisecond
}
