// Command kassandra-host is the untrusted host daemon: it ingests flag
// ciphertexts from the MASP indexer, drives the enclave scan loop and
// gateways client sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"code.kassandra.org/golang/internal/host"
	"code.kassandra.org/golang/internal/observability"
)

func main() {
	root := newRootCmd()
	err := root.Execute()
	if nil != err {
		fmt.Fprintf(os.Stderr, "kassandra-host: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if nil != err {
		return "host.toml"
	}
	return filepath.Join(home, ".kassandra", "host.toml")
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "kassandra-host",
		Short:         "scanning provider host daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggingContext(logLevel)
			if nil != err {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := host.LoadConfig(configPath)
			if nil != err {
				return err
			}

			h, err := host.New(cfg)
			if nil != err {
				return err
			}
			defer h.Close()

			return h.Run(ctx)
		},
	}
	root.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path of the host configuration")
	root.Flags().StringVar(&logLevel, "log", "info", "log level: debug, info, warn or error")

	return root
}

func loggingContext(level string) (context.Context, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(strings.ToUpper(level)))
	if nil != err {
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	ctx := observability.SetObservability(context.Background(), &observability.Observability{Logger: logger})

	return ctx, nil
}
