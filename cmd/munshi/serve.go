package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/observability"
	"github.com/munshi-ai/munshi/pkg/runtime"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	// Zero-config options, used when no config file is given.
	Provider string `help:"LLM provider (anthropic, openai, gemini)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	Store    string `help:"Conversation store driver (memory, sqlite, postgres, mysql)." placeholder:"DRIVER"`
	StoreDSN string `name:"store-dsn" help:"Store DSN (default: .munshi/munshi.db for sqlite)." placeholder:"DSN"`
	DocsDir  string `name:"docs-dir" help:"Folder of markdown docs served through the search_docs tool." type:"path" placeholder:"PATH"`
	Observe  bool   `help:"Enable observability (Prometheus metrics + OTLP tracing)."`

	// Server options.
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := setupLogging(cli, cfg.Logging, "")
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	if cli.Config != "" {
		slog.Info("Loaded configuration", "path", cli.Config)
	} else {
		slog.Info("Using zero-config mode")
	}

	var opts []runtime.Option
	if c.Watch && loader != nil {
		opts = append(opts, runtime.WithLoader(loader))
	}
	rt, err := runtime.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	printReady(rt.Config(), rt.Addr())
	return rt.Run(ctx)
}

// loadConfig loads the config file or assembles a zero-config setup
// from the command's flags.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path != "" {
		cfg, loader, err := config.LoadConfigFile(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, loader, nil
	}

	cfg := &config.Config{}
	cfg.LLM.Provider = config.LLMProvider(c.Provider)
	cfg.LLM.Model = c.Model
	cfg.LLM.APIKey = c.APIKey
	cfg.Store.Driver = config.StoreDriver(c.Store)
	cfg.Store.DSN = c.StoreDSN
	cfg.Tools.DocsDir = c.DocsDir
	if c.Observe {
		cfg.Observability = &observability.Config{
			Tracing: observability.TracingConfig{Enabled: true},
			Metrics: observability.MetricsConfig{Enabled: true},
		}
	}
	cfg.SetDefaults()
	return cfg, nil, nil
}

func printReady(cfg *config.Config, addr string) {
	fmt.Printf("\n%smunshi server ready%s\n", accentColor, resetColor)
	fmt.Printf("   Run:         POST http://%s/run\n", addr)
	fmt.Printf("   Interrupt:   POST http://%s/interrupt\n", addr)
	fmt.Printf("   Logs:        http://%s/logs\n", addr)
	fmt.Printf("   Health:      http://%s/health\n", addr)
	if cfg.Observability != nil && cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	}

	if cfg.Store.Driver == config.StoreDriverMemory {
		fmt.Printf("   Storage:     in-memory (not persisted)\n")
	} else {
		fmt.Printf("   Storage:     %s (%s)\n", cfg.Store.Driver, cfg.Store.DSN)
	}

	if cfg.Server.Auth != nil && cfg.Server.Auth.Enabled {
		mode := "hmac"
		if cfg.Server.Auth.JWKSURL != "" {
			mode = "jwks"
		}
		fmt.Printf("   Auth:        JWT (%s)\n", mode)
	} else {
		fmt.Printf("   Auth:        disabled\n")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
