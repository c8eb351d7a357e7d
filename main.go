/*
Runs the testbed: a headless frame loop whose draws resolve their
descriptor sets through the cache from a pool of job workers.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine"
	"github.com/spaghettifunk/descache/engine/config"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/headless"
	"github.com/spaghettifunk/descache/testbed"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	frames   int
	workers  int
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "descache",
	Short: "Descriptor cache testbed",
	Long: `Runs a headless frame loop that resolves descriptor sets for every draw
through the descriptor cache, replacing textures as it goes.

The configuration file is watched while running; changes to the log level,
the pool preallocation factor and the set table size apply immediately.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return cfg.Encode(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.DefaultPath+" when present)")
	rootCmd.PersistentFlags().IntVar(&frames, "frames", 0, "frames to run, 0 keeps the configured value")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "job workers, 0 keeps the configured value")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides logging.level")

	rootCmd.AddCommand(configCmd)
}

// loadConfig resolves the configuration and the path to watch, if any.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, "", err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("frames") {
		cfg.Testbed.Frames = frames
	}
	if flags.Changed("workers") {
		cfg.Testbed.Workers = workers
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", err
	}
	return cfg, path, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tb := testbed.NewTestGame(cfg, path)
	e, err := engine.New(tb.Game, headless.NewDevice())
	if err != nil {
		return err
	}

	if err := e.Initialize(); err != nil {
		return errors.CombineErrors(err, e.Shutdown())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	// start shutdown goroutine
	go func() {
		select {
		case sig := <-sigCh:
			// capture sigterm and other system call here
			core.LogInfo("received %s, stopping", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// run engine
	runErr := e.Run(ctx)
	return errors.CombineErrors(runErr, e.Shutdown())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		core.LogFatal("%s", err)
	}
}
