package drivewatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/gcreds4aws"
	"github.com/mashiike/slogutils"
)

var Version = "current"

// CLI is the command-line interface for drivewatch.
//
// Use the Run method to execute the CLI:
//
//	var cli drivewatch.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - serve: Start the webhook server (default)
//   - list: List stored sync states
//   - register: Create channels for scopes without one
//   - renew: Create missing channels and renew expiring ones
//   - sync: Force a sync cycle
//   - backfill: Dispatch every currently watched file
//   - cleanup: Stop all notification channels
//   - validate: Validate the watch configuration file
type CLI struct {
	LogLevel    string            `help:"log level" default:"info" env:"DRIVEWATCH_LOG_LEVEL"`
	LogFormat   string            `help:"log format" default:"text" enum:"text,json" env:"DRIVEWATCH_LOG_FORMAT"`
	LogColor    bool              `help:"enable color output" default:"true" env:"DRIVEWATCH_LOG_COLOR" negatable:""`
	Version     kong.VersionFlag  `help:"show version"`
	Storage     StorageOption     `embed:"" prefix:"storage-"`
	Dispatch    DispatchOption    `embed:"" prefix:"dispatch-"`
	Credentials CredentialsOption `embed:"" prefix:"credentials-"`
	AppOption   `embed:""`

	List     ListOption     `cmd:"" help:"list sync states"`
	Serve    ServeOption    `cmd:"" help:"serve webhook server" default:"true"`
	Register RegisterOption `cmd:"" help:"create notification channels for scopes without one"`
	Renew    RenewOption    `cmd:"" help:"create missing channels and renew expiring ones; on lambda runs as the scheduled handler"`
	Sync     SyncOption     `cmd:"" help:"force sync; pull every scope's change feed from its stored cursor and dispatch the changes"`
	Backfill BackfillOption `cmd:"" help:"dispatch every file the scopes currently watch; cursors are not touched"`
	Cleanup  CleanupOption  `cmd:"" help:"stop all notification channels"`
	Validate ValidateOption `cmd:"" help:"validate the watch configuration file"`
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"webhook httpd port" default:"25254" env:"DRIVEWATCH_PORT"`
}

// RegisterOption contains options for the register command.
type RegisterOption struct {
}

// RenewOption contains options for the renew command.
type RenewOption struct {
}

// SyncOption contains options for the sync command.
type SyncOption struct {
	Scope string `help:"sync only this scope"`
}

// BackfillOption contains options for the backfill command.
type BackfillOption struct {
	Scope string `help:"backfill only this scope"`
}

// CleanupOption contains options for the cleanup command.
type CleanupOption struct {
	Delete bool `help:"also delete the stored sync states"`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	WatchConfig string `arg:"" name:"config-file" optional:"" help:"path to the watch configuration file (overrides --watch-config)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("drivewatch"),
		kong.Description("drivewatch keeps Google Drive change notification channels alive and forwards drive changes."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
		if err := gcreds4aws.Close(); err != nil {
			slog.WarnContext(ctx, "gcreds cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "list":
		return app.List(ctx, c.List)
	case "serve", "":
		return app.Serve(ctx, c.Serve)
	case "register":
		return app.Register(ctx, c.Register)
	case "renew":
		return app.Renew(ctx, c.Renew)
	case "sync":
		return app.Sync(ctx, c.Sync)
	case "backfill":
		return app.Backfill(ctx, c.Backfill)
	case "cleanup":
		return app.Cleanup(ctx, c.Cleanup)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	configPath := c.Validate.WatchConfig
	if configPath == "" {
		configPath = c.WatchConfig
	}
	if configPath == "" {
		return fmt.Errorf("no configuration file specified; use --watch-config or provide a path as argument")
	}
	env, err := NewCELEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}
	slog.InfoContext(ctx, "validating watch configuration", "path", configPath)
	cfg, err := LoadWatchConfig(configPath, env)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	slog.InfoContext(ctx, "configuration is valid", "scopes", len(cfg.Scopes))
	for _, s := range cfg.Scopes {
		slog.InfoContext(ctx, "scope validated",
			"name", s.Name,
			"drive_id", s.EffectiveDriveID(),
			"all", s.IsAll(),
			"files", len(s.Files),
			"folders", len(s.Folders),
			"folder_marker", s.FolderMarker,
			"filter", s.Filter.Raw(),
		)
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	storage, err := NewStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	driveSvc, err := NewDriveService(ctx, c.Credentials)
	if err != nil {
		return nil, fmt.Errorf("create Drive service: %w", err)
	}
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	fetcher := NewDriveDownloader(driveSvc, NewRateLimiter(c.RequestsPerSecond, max(int(c.RequestsPerSecond), 1)))
	dispatcher, err := NewDispatcher(ctx, c.Dispatch, fetcher, env)
	if err != nil {
		return nil, fmt.Errorf("create Dispatcher: %w", err)
	}
	return New(c.AppOption, storage, dispatcher, driveSvc)
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: level == slog.LevelDebug,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	return slog.New(middleware)
}
