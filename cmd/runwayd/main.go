// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// runwayd is the workflow run orchestration daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/runway/internal/cleanup"
	"github.com/tombee/runway/internal/config"
	"github.com/tombee/runway/internal/daemon"
	"github.com/tombee/runway/internal/log"
	"github.com/tombee/runway/internal/store"
	"github.com/tombee/runway/internal/store/memory"
	"github.com/tombee/runway/internal/store/sqlite"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

// serveFlags are the CLI overrides layered over file and env config.
type serveFlags struct {
	configPath  string
	listenAddr  string
	storeDriver string
	storePath   string
	queueDriver string
	natsURL     string
}

func (f *serveFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to YAML config file")
	fs.StringVar(&f.listenAddr, "listen", "", "HTTP listen address")
	fs.StringVar(&f.storeDriver, "store", "", "Store driver (sqlite, memory)")
	fs.StringVar(&f.storePath, "store-path", "", "SQLite database path")
	fs.StringVar(&f.queueDriver, "queue", "", "Queue driver (nats, memory)")
	fs.StringVar(&f.natsURL, "nats-url", "", "NATS server URL")
}

func (f *serveFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.listenAddr != "" {
		cfg.Server.ListenAddr = f.listenAddr
	}
	if f.storeDriver != "" {
		cfg.Store.Driver = f.storeDriver
	}
	if f.storePath != "" {
		cfg.Store.Path = f.storePath
	}
	if f.queueDriver != "" {
		cfg.Queue.Driver = f.queueDriver
	}
	if f.natsURL != "" {
		cfg.Queue.URL = f.natsURL
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := log.FromEnv()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)
	return logger
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, daemon.BuildInfo{Version: version, Commit: commit}, logger)
			if err != nil {
				return err
			}

			logger.Info("starting runwayd", "version", version, "commit", commit)
			return d.Run(ctx)
		},
	}

	flags.bind(cmd.Flags())
	return cmd
}

func newCleanupCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			manager := cleanup.New(cleanup.Config{
				Retention:      cfg.Cleanup.Retention,
				StaleThreshold: cfg.Cleanup.StaleThreshold,
			}, st, logger)

			report, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	flags.bind(cmd.Flags())
	return cmd
}

// openStore opens the configured store for one-shot commands.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "runwayd %s (commit: %s)\n", version, commit)
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "runwayd",
		Short:         "Workflow run orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCleanupCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "runwayd: %v\n", err)
		os.Exit(1)
	}
}
