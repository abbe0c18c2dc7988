// Package cli implements hubctl, the operator command line for the hub.
package cli

import (
	"context"
	"fmt"

	"retail-hub/internal/app"
	"retail-hub/internal/config"
	"retail-hub/internal/logger"

	"github.com/spf13/cobra"
)

// OpenFunc builds the App a command runs against.
type OpenFunc func(ctx context.Context) (*app.App, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Open OpenFunc
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates hubctl. A nil open uses the environment configuration.
func NewRootCommand(open OpenFunc) *cobra.Command {
	opts := &RootOptions{Open: open}
	if opts.Open == nil {
		opts.Open = func(ctx context.Context) (*app.App, error) { return openFromEnv(opts) }
	}

	cmd := &cobra.Command{
		Use:   "hubctl",
		Short: "Operate the retail hub",
		Long:  "Operator commands for the hub database and branch synchronization.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openFromEnv reads the same environment as the server. Only warnings reach
// the console unless --verbose is set.
func openFromEnv(opts *RootOptions) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if opts.Verbose {
		level = cfg.LogLevel
	}
	log := logger.New(logger.Config{Level: level, Encoding: "console", File: cfg.LogFile})
	return app.Open(cfg, log)
}

// withApp opens the App, runs fn and always closes it.
func withApp(ctx context.Context, opts *RootOptions, fn func(a *app.App) error) error {
	a, err := opts.Open(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "could not open hub", err)
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
