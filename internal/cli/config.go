package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cellsync/internal/config"
)

// EffectiveConfig is the configuration a file resolves to after schema
// defaults are applied.
type EffectiveConfig struct {
	LocalUserID         string   `json:"localUserId"`
	Mode                string   `json:"mode"`
	MaxOpRecordsPerUser int      `json:"maxOpRecordsPerUser"`
	MaxOpRecordAge      string   `json:"maxOpRecordAge"`
	LocalOrigins        []string `json:"localOrigins"`
	IgnoredOrigins      []string `json:"ignoredOrigins"`
	Journal             string   `json:"journal"`
	LogLevel            string   `json:"logLevel"`
}

// ConfigErrorDetails locates a configuration error in its file.
type ConfigErrorDetails struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
	Field  string `json:"field,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	return cmd
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file.cue>",
		Short: "Validate a configuration file and print the effective settings",
		Long: `Validate a CUE engine configuration against the built-in schema
and print the settings it resolves to, defaults included.

Exit codes:
  0 - Configuration is valid
  1 - Configuration failed validation
  2 - Command error (file not readable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(rootOpts, args[0], cmd)
		},
	}
}

func runConfigCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	src, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read configuration", err)
	}

	engine, err := config.Decode(path, src)
	if err != nil {
		details := ConfigErrorDetails{File: path}
		message := err.Error()
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			details.Field = cfgErr.Field
			message = cfgErr.Message
			if cfgErr.Pos.IsValid() {
				details.Line = cfgErr.Pos.Line()
				details.Column = cfgErr.Pos.Column()
			}
		}
		_ = formatter.Error(ErrCodeConfig, message, details)
		return WrapExitError(ExitFailure, "configuration is invalid", err)
	}

	eff := EffectiveConfig{
		LocalUserID:         engine.LocalUserID,
		Mode:                string(engine.Mode),
		MaxOpRecordsPerUser: engine.MaxOpRecordsPerUser,
		MaxOpRecordAge:      "0",
		LocalOrigins:        engine.LocalOrigins,
		IgnoredOrigins:      engine.IgnoredOrigins,
		Journal:             engine.Journal,
		LogLevel:            engine.LogLevel,
	}
	if engine.MaxOpRecordAge > 0 {
		eff.MaxOpRecordAge = engine.MaxOpRecordAge.String()
	}

	if opts.Format == "json" {
		return formatter.Success(eff)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ %s is valid\n\n", path)
	fmt.Fprintf(w, "  localUserId:         %s\n", eff.LocalUserID)
	fmt.Fprintf(w, "  mode:                %s\n", eff.Mode)
	fmt.Fprintf(w, "  maxOpRecordsPerUser: %d\n", eff.MaxOpRecordsPerUser)
	fmt.Fprintf(w, "  maxOpRecordAge:      %s\n", eff.MaxOpRecordAge)
	fmt.Fprintf(w, "  localOrigins:        %v\n", eff.LocalOrigins)
	fmt.Fprintf(w, "  ignoredOrigins:      %v\n", eff.IgnoredOrigins)
	fmt.Fprintf(w, "  journal:             %s\n", eff.Journal)
	fmt.Fprintf(w, "  logLevel:            %s\n", eff.LogLevel)
	return nil
}
