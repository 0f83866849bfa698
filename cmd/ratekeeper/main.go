// Command ratekeeper serves tax parameters through a cascade of hot cache,
// versioned store, generative fetch and compiled defaults.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Strob0t/ratekeeper/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := dispatch(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// dispatch routes to a subcommand. Without one, or when the first argument
// is a flag, it serves.
func dispatch(args []string) error {
	if len(args) == 0 || len(args[0]) > 0 && args[0][0] == '-' {
		return runServe(args)
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "admin":
		return runAdmin(args[1:])
	case "help", "--help", "-h":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: ratekeeper [command] [options]

Commands:
  serve     Run the HTTP admin API (default)
  migrate   Apply or roll back database migrations
  admin     Inspect and change parameter versions
  help      Show this help message

Serve options:
  -c, --config PATH   YAML config file (default %s, or $RATEKEEPER_CONFIG)
  -p, --port PORT     HTTP listen port
  --log-level LEVEL   debug|info|warn|error
  --dsn DSN           PostgreSQL DSN
  --cache BACKEND     tiered-redis|tiered-nats|memory
  --fetch             Enable the generative fetch layer
`, config.DefaultConfigFile)
}
