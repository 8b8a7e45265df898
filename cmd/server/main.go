// Command server runs the mcpbridge gateway: an OpenAI-compatible chat
// completions endpoint that lets the upstream model call tools served by
// MCP servers.
//
// The configuration source is selected with one of --config, --config-url
// or --config-inline (or MCPBRIDGE_CONFIG, MCPBRIDGE_CONFIG_URL,
// MCPBRIDGE_CONFIG_INLINE). Partial documents given with --partial are
// deep-merged on top. Variables from --env-file (default .env) are loaded
// before the configuration, without overriding the environment.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rhuss/mcpbridge/pkg/config"
)

// Version is set at build time.
var Version = "dev"

// flags shared by all commands.
type flags struct {
	configFile   string
	configURL    string
	configInline string
	partials     []string
	envFile      string
}

func (f *flags) loadOptions() config.LoadOptions {
	return config.LoadOptions{
		Source: config.Source{
			File:   f.configFile,
			URL:    f.configURL,
			Inline: f.configInline,
		},
		Partials: f.partials,
	}
}

// loadEnv reads the env file. A missing default file is not an error.
func (f *flags) loadEnv(explicit bool) error {
	if f.envFile == "" {
		return nil
	}
	err := godotenv.Load(f.envFile)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading env file %s: %w", f.envFile, err)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "mcpbridge",
		Short: "OpenAI-compatible gateway that gives models MCP tools",
		Long: `mcpbridge serves the chat completions API in front of an upstream
OpenAI-compatible provider. Tool calls the model makes against tools of
the configured MCP servers are executed by the gateway and fed back to
the model until it produces a final answer.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return f.loadEnv(cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "Configuration file (YAML, JSON or TOML)")
	pf.StringVar(&f.configURL, "config-url", "", "Fetch the configuration from a URL")
	pf.StringVar(&f.configInline, "config-inline", "", "Inline JSON configuration")
	pf.StringSliceVar(&f.partials, "partial", nil, "Partial configuration merged over the source (repeatable)")
	pf.StringVar(&f.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	root.MarkFlagsMutuallyExclusive("config", "config-url", "config-inline")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the gateway (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), f)
			},
		},
		newValidateCommand(f),
	)

	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("mcpbridge failed", "error", err)
		os.Exit(1)
	}
}
