// Command throttled runs the rate limit daemon and offers admin commands
// against the same configuration.
//
// Usage:
//
//	throttled serve --config throttle.yaml
//	throttled check login email:alice@example.com
//	throttled reset login email:alice@example.com
//	throttled stats --time-range 7d --type login
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/api"
	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/limiter"
)

// CLI defines the command-line interface.
type CLI struct {
	Config   string   `short:"c" help:"Path to the YAML config file." type:"path" env:"THROTTLE_CONFIG"`
	EnvFile  []string `name:"env-file" help:"Additional .env files to load." type:"path"`
	LogLevel string   `help:"Override the configured log level (debug, info, warn, error)."`

	Serve   ServeCmd   `cmd:"" help:"Run the rate limit daemon."`
	Check   CheckCmd   `cmd:"" help:"Record one attempt and print the decision."`
	Reset   ResetCmd   `cmd:"" help:"Clear the rate limit state of an identifier."`
	Stats   StatsCmd   `cmd:"" help:"Print rate limit statistics."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// loadConfig reads the configuration and sets up logging.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config, c.EnvFile...)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	cfg.SetupLogging()
	return cfg, nil
}

// withApp builds and loads the app for a one-shot command and shuts it
// down afterwards.
func (c *CLI) withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == limiter.StorageMemory {
		log.Warn().Msg("memory storage: this command does not see the daemon's state")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.lifecycle.LoadAll(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.lifecycle.ShutdownAll(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()
	return fn(ctx, a)
}

// CheckCmd records one attempt.
type CheckCmd struct {
	Type       string `arg:"" help:"Operation type, e.g. login."`
	Identifier string `arg:"" help:"Identifier as kind:value, e.g. email:alice@example.com."`
}

func (c *CheckCmd) Run(cli *CLI) error {
	id, err := limiter.ParseIdentifier(c.Identifier)
	if err != nil {
		return err
	}
	return cli.withApp(func(ctx context.Context, a *app) error {
		d, err := a.engine.Check(ctx, id, limiter.OperationType(c.Type))
		if err != nil {
			return err
		}
		return printJSON(d)
	})
}

// ResetCmd clears state and lifts lockouts.
type ResetCmd struct {
	Type       string `arg:"" help:"Operation type, e.g. login."`
	Identifier string `arg:"" help:"Identifier as kind:value."`
}

func (c *ResetCmd) Run(cli *CLI) error {
	id, err := limiter.ParseIdentifier(c.Identifier)
	if err != nil {
		return err
	}
	return cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.engine.Reset(ctx, id, limiter.OperationType(c.Type)); err != nil {
			return err
		}
		return printJSON(map[string]bool{"reset": true})
	})
}

// StatsCmd prints summaries.
type StatsCmd struct {
	TimeRange  string `short:"r" help:"Look-back window." default:"24h" enum:"1h,24h,7d"`
	Type       string `short:"t" help:"Only this operation type."`
	Identifier string `short:"i" help:"Only this identifier (kind:value); requires --type."`
}

func (c *StatsCmd) Run(cli *CLI) error {
	hours, err := api.ParseTimeRange(c.TimeRange)
	if err != nil {
		return err
	}
	var id *limiter.Identifier
	if c.Identifier != "" {
		if c.Type == "" {
			return fmt.Errorf("--identifier requires --type")
		}
		parsed, err := limiter.ParseIdentifier(c.Identifier)
		if err != nil {
			return err
		}
		id = &parsed
	}

	return cli.withApp(func(ctx context.Context, a *app) error {
		if c.Type == "" {
			all, err := a.engine.StatsAll(ctx, hours)
			if err != nil {
				return err
			}
			return printJSON(all)
		}
		one, err := a.engine.Stats(ctx, id, limiter.OperationType(c.Type), hours)
		if err != nil {
			return err
		}
		return printJSON(one)
	})
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("throttled %s\n", version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("throttled"),
		kong.Description("Rate limiting daemon with lockouts and statistics."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
