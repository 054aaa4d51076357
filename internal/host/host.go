package host

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"code.kassandra.org/golang/internal/host/store"
	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/wire"
)

const callQueueDepth = 16

// Host assembles the daemon: the transaction fetcher, the enclave driver,
// the scan loop and the client gateway, all sharing one store.
type Host struct {
	cfg   Config
	st    store.Store
	drv   *Driver
	fetch *Fetcher
	boot  chan wire.BootBody
}

// New opens the store and prepares the host services described by cfg. The
// returned Host owns the store until Close.
func New(cfg Config) (*Host, error) {
	err := os.MkdirAll(cfg.DBDir, 0o700)
	if nil != err {
		return nil, wrapError(err, "failed creating %s", cfg.DBDir)
	}

	st, err := openStore(cfg)
	if nil != err {
		return nil, err
	}

	dial, err := enclaveDialer(cfg)
	if nil != err {
		st.Close()
		return nil, err
	}

	fetch, err := NewFetcher(cfg.IndexerURL, st, cfg.DBDir, cfg.PollInterval(), cfg.MaxWALSize)
	if nil != err {
		st.Close()
		return nil, err
	}

	self := &Host{
		cfg:   cfg,
		st:    st,
		drv:   NewDriver(dial, callQueueDepth),
		fetch: fetch,
		boot:  make(chan wire.BootBody, 1),
	}
	self.drv.OnBoot = func(boot wire.BootBody) {
		select {
		case self.boot <- boot:
		default:
		}
	}

	return self, nil
}

// Run serves until ctx is done or a service fails. The gateway starts only
// after the first boot announcement, which carries the measurement the
// gateway reports to clients.
func (self *Host) Run(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()

	instance, err := self.st.InstanceUUID(ctx)
	if nil != err {
		return err
	}

	ln, err := net.Listen("tcp", self.cfg.ListenAddr)
	if nil != err {
		return wrapError(err, "failed listening on %s", self.cfg.ListenAddr)
	}
	defer ln.Close()
	log.Info("host serving", "instance", instance, "listen", ln.Addr())

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return self.drv.Run(ctx) })
	grp.Go(func() error { return self.fetch.Run(ctx) })

	var boot wire.BootBody
	select {
	case boot = <-self.boot:
	case <-ctx.Done():
		return grp.Wait()
	}

	scanner := NewScanner(self.drv, self.st, self.st, self.cfg.PollInterval())
	gateway := NewGateway(self.drv, self.st, instance, boot.Measurement,
		self.cfg.SessionIdle(), self.cfg.MaxSessions)

	grp.Go(func() error { return scanner.Run(ctx) })
	grp.Go(func() error { return gateway.Run(ctx, ln) })

	return grp.Wait()
}

// Close releases the store.
func (self *Host) Close() error {
	return self.st.Close()
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.DBBackend {
	case BackendPostgres:
		return store.NewPGStore(context.Background(), cfg.PostgresDSN)
	default:
		return store.NewBoltStore(filepath.Join(cfg.DBDir, "host.db"))
	}
}

// enclaveDialer builds the reactor stream factory from the configuration,
// either a TCP dial or a pre-created stdio stream pair.
func enclaveDialer(cfg Config) (DialFunc, error) {
	if "" != cfg.EnclaveAddr {
		dialer := &net.Dialer{}
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			conn, err := dialer.DialContext(ctx, "tcp", cfg.EnclaveAddr)

			// nil if err is nil
			return conn, wrapError(err, "failed dialing reactor at %s", cfg.EnclaveAddr)
		}, nil
	}

	rxPath, txPath, ok := strings.Cut(cfg.EnclaveStdioPair, ":")
	if !ok {
		return nil, newError("malformed enclave_stdio_pair %q, rx_path:tx_path expected",
			cfg.EnclaveStdioPair)
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return openStreamPair(rxPath, txPath)
	}, nil
}

// streamPair joins a read stream and a write stream into one bidirectional
// stream, as when the reactor is driven over a pipe pair.
type streamPair struct {
	rx *os.File
	tx *os.File
}

func openStreamPair(rxPath, txPath string) (*streamPair, error) {
	tx, err := os.OpenFile(txPath, os.O_WRONLY, 0)
	if nil != err {
		return nil, wrapError(err, "failed opening tx stream %s", txPath)
	}

	rx, err := os.OpenFile(rxPath, os.O_RDONLY, 0)
	if nil != err {
		tx.Close()
		return nil, wrapError(err, "failed opening rx stream %s", rxPath)
	}

	return &streamPair{rx: rx, tx: tx}, nil
}

func (self *streamPair) Read(buf []byte) (int, error) {
	return self.rx.Read(buf)
}

func (self *streamPair) Write(buf []byte) (int, error) {
	return self.tx.Write(buf)
}

func (self *streamPair) Close() error {
	err := self.tx.Close()
	rxErr := self.rx.Close()
	if nil == err {
		err = rxErr
	}
	return err
}
