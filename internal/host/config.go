package host

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage backends selectable in host.toml.
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config is the host daemon configuration, loaded from host.toml.
type Config struct {
	// IndexerURL is the base URL of the MASP indexer the fetcher polls.
	IndexerURL string `toml:"indexer_url"`

	// ListenAddr is the TCP address the client gateway listens on.
	ListenAddr string `toml:"listen_addr"`

	// EnclaveAddr is the TCP address of the enclave reactor. Exactly one of
	// EnclaveAddr and EnclaveStdioPair is set.
	EnclaveAddr string `toml:"enclave_addr"`

	// EnclaveStdioPair names the read:write stream pair of a reactor driven
	// over stdio, as "rx_path:tx_path".
	EnclaveStdioPair string `toml:"enclave_stdio_pair"`

	// DBDir holds the boltdb file, the fetch cursor and other host state.
	DBDir string `toml:"db_dir"`

	// DBBackend selects the result store backend, "bolt" or "postgres".
	DBBackend string `toml:"db_backend"`

	// PostgresDSN configures the postgres backend.
	PostgresDSN string `toml:"postgres_dsn"`

	// MaxSessions bounds the gateway FIFO of clients waiting for the
	// bridged session slot.
	MaxSessions int `toml:"max_sessions"`

	// SessionIdleS is the bridged session idle timeout in seconds.
	SessionIdleS int `toml:"session_idle_s"`

	// PollIntervalS is the fetcher and scanner idle poll period in seconds.
	PollIntervalS int `toml:"poll_interval_s"`

	// MaxWALSize bounds the fetcher write-ahead buffer, in transactions.
	MaxWALSize int `toml:"max_wal_size"`
}

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	_, err := toml.DecodeFile(path, &cfg)
	if nil != err {
		return cfg, wrapError(err, "failed parsing %s", path)
	}

	err = cfg.FixupAndValidate()
	if nil != err {
		return cfg, err
	}

	return cfg, nil
}

// FixupAndValidate fills defaults and rejects unusable configurations.
func (self *Config) FixupAndValidate() error {
	if "" == self.IndexerURL {
		return newError("missing indexer_url")
	}
	if "" == self.ListenAddr {
		self.ListenAddr = "127.0.0.1:7040"
	}
	if ("" == self.EnclaveAddr) == ("" == self.EnclaveStdioPair) {
		return newError("exactly one of enclave_addr and enclave_stdio_pair is required")
	}
	if "" == self.DBDir {
		home, err := os.UserHomeDir()
		if nil != err {
			return wrapError(err, "failed resolving home directory")
		}
		self.DBDir = filepath.Join(home, ".kassandra")
	}
	if "" == self.DBBackend {
		self.DBBackend = BackendBolt
	}
	if BackendBolt != self.DBBackend && BackendPostgres != self.DBBackend {
		return newError("unsupported db_backend %q", self.DBBackend)
	}
	if BackendPostgres == self.DBBackend && "" == self.PostgresDSN {
		return newError("db_backend postgres requires postgres_dsn")
	}
	if 0 == self.MaxSessions {
		self.MaxSessions = 16
	}
	if 0 == self.SessionIdleS {
		self.SessionIdleS = 30
	}
	if 0 == self.PollIntervalS {
		self.PollIntervalS = 5
	}
	if 0 == self.MaxWALSize {
		self.MaxWALSize = 1024
	}

	return nil
}

// SessionIdle returns the bridged session idle timeout.
func (self Config) SessionIdle() time.Duration {
	return time.Duration(self.SessionIdleS) * time.Second
}

// PollInterval returns the idle poll period.
func (self Config) PollInterval() time.Duration {
	return time.Duration(self.PollIntervalS) * time.Second
}
