// Command munshi runs the e-commerce operations assistant.
//
// Usage:
//
//	munshi serve --config munshi.yaml
//	munshi serve --provider anthropic --model claude-sonnet-4-20250514
//	munshi chat --server http://localhost:8080
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/munshi-ai/munshi"
	"github.com/munshi-ai/munshi/pkg/config"
)

const (
	accentColor = "\033[38;2;20;184;166m"
	dimColor    = "\033[90m"
	resetColor  = "\033[0m"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Chat    ChatCmd    `cmd:"" help:"Chat from the terminal."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(munshi.VersionInfo())
	return nil
}

// printBanner prints the startup banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err != nil || (fileInfo.Mode()&os.ModeCharDevice) == 0 {
		return
	}

	banner := `
███╗   ███╗██╗   ██╗███╗   ██╗███████╗██╗  ██╗██╗
████╗ ████║██║   ██║████╗  ██║██╔════╝██║  ██║██║
██╔████╔██║██║   ██║██╔██╗ ██║███████╗███████║██║
██║╚██╔╝██║██║   ██║██║╚██╗██║╚════██║██╔══██║██║
██║ ╚═╝ ██║╚██████╔╝██║ ╚████║███████║██║  ██║██║
╚═╝     ╚═╝ ╚═════╝ ╚═╝  ╚═══╝╚══════╝╚═╝  ╚═╝╚═╝
`
	fmt.Printf("%s%s%s\n", accentColor, banner, resetColor)
}

// shouldSkipBanner reports whether the invoked command draws its own
// surface. Chat keeps the terminal for the conversation and version is
// plain output.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, arg := range args {
		if arg == "version" || arg == "chat" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("munshi"),
		kong.Description("munshi - operations assistant for e-commerce back offices"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
