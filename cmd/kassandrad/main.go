// Command kassandrad is the enclave reactor. It serves exactly one host
// stream, over stdio inside a TD guest or over TCP for local development,
// and announces a fresh boot whenever the stream is (re)established.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"code.kassandra.org/golang/internal/enclave"
	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/fmd"
)

func main() {
	root := newRootCmd()
	err := root.Execute()
	if nil != err {
		fmt.Fprintf(os.Stderr, "kassandrad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var listenAddr, mode, logLevel string
	var maxRegistrations, fprLog2Max uint

	root := &cobra.Command{
		Use:           "kassandrad",
		Short:         "scanning enclave reactor",
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

			quoter, measurement, err := attestationSetup(mode)
			if nil != err {
				return err
			}

			cfg := enclave.Config{
				MaxRegistrations: int(maxRegistrations),
				FprLog2Max:       uint64(fprLog2Max),
				Quoter:           quoter,
				Measurement:      measurement,
			}

			if "" == listenAddr {
				return enclave.NewReactor(cfg).Run(ctx, transport.NewCobsTransport(stdio{}))
			}
			return serveTCP(ctx, cfg, listenAddr)
		},
	}
	root.Flags().StringVar(&listenAddr, "listen", "", "TCP address to serve the host stream on, stdio when empty")
	root.Flags().StringVar(&mode, "attestation-mode", attestation.ModeMock, "attestation mode: mock or transparent")
	root.Flags().UintVar(&maxRegistrations, "max-registrations", 1024, "capacity of the registered key table")
	root.Flags().UintVar(&fprLog2Max, "fpr-log2-max", fmd.MaxFprLog2, "largest accepted per key fpr_log2")
	root.Flags().StringVar(&logLevel, "log", "info", "log level: debug, info, warn or error")

	return root
}

// attestationSetup instantiates the quoter and resolves the measurement its
// quotes will report, which the reactor announces at boot.
func attestationSetup(name string) (attestation.Quoter, []byte, error) {
	m, err := attestation.GetMode(name)
	if nil != err {
		return nil, nil, err
	}
	quoter, err := m.NewQuoter()
	if nil != err {
		return nil, nil, err
	}

	if measured, ok := quoter.(interface {
		Measurement() [attestation.MeasurementSize]byte
	}); ok {
		sum := measured.Measurement()
		return quoter, sum[:], nil
	}
	if attestation.ModeMock == name {
		return quoter, attestation.MockMeasurement[:], nil
	}

	return nil, nil, fmt.Errorf("mode %q does not expose its measurement", name)
}

// serveTCP hands the listener's connections, one at a time, to a fresh
// reactor. Every new stream is a new enclave lifetime: it gets a boot
// announcement and starts from an empty key table.
func serveTCP(ctx context.Context, cfg enclave.Config, addr string) error {
	log := observability.GetObservability(ctx).Log()

	ln, err := net.Listen("tcp", addr)
	if nil != err {
		return err
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info("serving host stream", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if nil != err {
			if nil != ctx.Err() {
				return nil
			}
			return err
		}

		err = enclave.NewReactor(cfg).Run(ctx, transport.NewCobsTransport(conn))
		conn.Close()
		if nil != ctx.Err() {
			return nil
		}
		log.Warn("host stream lost", "error", err)
	}
}

// stdio adapts the process standard streams to one ReadWriter.
type stdio struct{}

func (self stdio) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (self stdio) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
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
