package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/inspect-wandb/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	workingDir  string
	wandbDir    string
	projectFile string
	logLevel    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "inspect-wandb",
		Short:         "Bridge inspect evaluation runs to W&B Weave and W&B Models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.workingDir, "working-dir", "", "Directory searched for pyproject.toml (default: current directory)")
	pf.StringVar(&flags.wandbDir, "wandb-dir", "", "wandb directory (WANDB_DIR takes precedence)")
	pf.StringVar(&flags.projectFile, "project-file", "", "Explicit project settings file (.toml, .yaml or .yml)")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newSettingsCmd(flags))
	root.AddCommand(newReplayCmd(flags))
	return root
}

// logger builds the command logger writing text records to the command's
// error stream.
func (f *globalFlags) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(f.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", f.logLevel)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

// loader builds the settings loader from the global flags.
func (f *globalFlags) loader(logger *slog.Logger) *config.Loader {
	opts := []config.Option{config.WithLogger(logger)}
	if f.workingDir != "" {
		opts = append(opts, config.WithWorkingDir(f.workingDir))
	}
	if f.wandbDir != "" {
		opts = append(opts, config.WithWandbDir(f.wandbDir))
	}
	if f.projectFile != "" {
		opts = append(opts, config.WithProjectFile(f.projectFile))
	}
	return config.NewLoader(opts...)
}
