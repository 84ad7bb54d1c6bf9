// Command netatlas discovers hosts on the local network, merges what the
// probes report into one topology graph and serves it over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"netatlas/internal/config"
	"netatlas/internal/logger"
)

// globals holds the persistent flags and what PersistentPreRunE derives
// from them
type globals struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "netatlas",
		Short:         "Discover and map the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}

	fl := root.PersistentFlags()
	fl.StringVarP(&g.configPath, "config", "c", "", "path to configuration file")
	fl.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fl.StringVar(&g.logFormat, "log-format", "", "log format (auto, text, json)")

	root.AddCommand(
		newServeCommand(g),
		newScanCommand(g),
		newExportCommand(g),
		newStatsCommand(g),
		newLayoutCommand(g),
		newConfigCommand(g),
	)
	return root
}

// load reads the config file and builds the logger. Flags override the file.
func (g *globals) load() error {
	var err error
	if g.configPath != "" {
		g.cfg, g.cfgPath, err = config.LoadFromPath(g.configPath)
	} else {
		g.cfg, g.cfgPath, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if g.logLevel != "" {
		g.cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		g.cfg.Log.Format = g.logFormat
	}
	if !logger.Level.SetByName(g.cfg.Log.Level) {
		return fmt.Errorf("unknown log level %q", g.cfg.Log.Level)
	}
	format, ok := logger.ParseFormat(g.cfg.Log.Format)
	if !ok {
		return fmt.Errorf("unknown log format %q", g.cfg.Log.Format)
	}
	g.log = logger.New(format)
	slog.SetDefault(g.log)

	if g.cfgPath != "" {
		g.log.Debug("loaded config", "path", g.cfgPath)
	}
	return nil
}
