package main

import (
	"fmt"
	"os"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/logger"
)

// defaultChatLogFile keeps log records off the interactive chat
// surface. --log-file and LOG_FILE still win.
const defaultChatLogFile = "munshi.log"

// setupLogging initializes the process logger. Precedence per setting:
// CLI flag, then environment variable, then config file, then fallback.
func setupLogging(cli *CLI, cfg config.LoggingConfig, fallbackFile string) (func(), error) {
	level := firstOf(cli.LogLevel, os.Getenv("LOG_LEVEL"), cfg.Level, "info")
	format := firstOf(cli.LogFormat, os.Getenv("LOG_FORMAT"), cfg.Format, "simple")
	file := firstOf(cli.LogFile, os.Getenv("LOG_FILE"), cfg.File, fallbackFile)

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, cleanup = f, closeFn
	}

	logger.Init(lvl, output, format)
	return cleanup, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
