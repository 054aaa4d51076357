// Command kassandra is the client CLI: it registers detection key shares
// with the configured providers and fetches, decrypts and merges scan
// results.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"code.kassandra.org/golang/internal/client"
	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

// Exit codes, stable for scripting.
const (
	exitOK          = 0
	exitConfig      = 1
	exitAttestation = 2
	exitDecryption  = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.Execute()
	if nil == err {
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "kassandra: %v\n", err)
	switch {
	case errors.Is(err, attestation.ErrQuoteInvalid),
		errors.Is(err, attestation.ErrMeasurementMismatch),
		errors.Is(err, ratls.ErrReportDataMismatch):
		return exitAttestation
	case errors.Is(err, ratls.ErrDecrypt):
		return exitDecryption
	default:
		return exitConfig
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if nil != err {
		return "client.toml"
	}
	return filepath.Join(home, ".kassandra", "client.toml")
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "kassandra",
		Short:         "delegated shielded transaction scanning client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path of the client configuration")
	root.PersistentFlags().StringVar(&logLevel, "log", "info", "log level: debug, info, warn or error")

	setup := func() (context.Context, *client.Client, error) {
		ctx, err := loggingContext(logLevel)
		if nil != err {
			return nil, nil, err
		}
		cfg, err := client.LoadConfig(configPath)
		if nil != err {
			return nil, nil, err
		}
		c, err := client.New(cfg)
		if nil != err {
			return nil, nil, err
		}
		return ctx, c, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "register",
		Short: "register one detection key share with every configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, c, err := setup()
			if nil != err {
				return err
			}
			regs, err := c.Register(ctx)
			if nil != err {
				return err
			}
			for _, reg := range regs {
				fmt.Printf("%s registered as %s\n", reg.URL, reg.UUID)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "query",
		Short: "fetch, decrypt and merge the detected transaction indices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, c, err := setup()
			if nil != err {
				return err
			}
			detected, err := c.Query(ctx)
			if nil != err {
				return err
			}
			fmt.Printf("synced height: %d\n", detected.Height)
			for _, entry := range detected.Indices.Entries() {
				fmt.Printf("index %d at height %d\n", entry.Index, entry.Height)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list-providers",
		Short: "show the instance uuid and measurement of every configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, c, err := setup()
			if nil != err {
				return err
			}
			infos, err := c.ListProviders(ctx)
			if nil != err {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%s uuid=%s measurement=%x\n", info.URL, info.UUID, info.Measurement)
			}
			return nil
		},
	})

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
