package host

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigFixupAndValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			IndexerURL:  "http://indexer.local",
			EnclaveAddr: "127.0.0.1:7041",
			DBDir:       "/tmp/kassandra",
		}
	}

	testcases := []struct {
		name   string
		mutate func(cfg *Config)
		ok     bool
	}{
		{"valid", func(cfg *Config) {}, true},
		{"missing indexer url", func(cfg *Config) { cfg.IndexerURL = "" }, false},
		{"no enclave stream", func(cfg *Config) { cfg.EnclaveAddr = "" }, false},
		{"both enclave streams", func(cfg *Config) { cfg.EnclaveStdioPair = "rx:tx" }, false},
		{"stdio pair only", func(cfg *Config) {
			cfg.EnclaveAddr = ""
			cfg.EnclaveStdioPair = "rx:tx"
		}, true},
		{"unknown backend", func(cfg *Config) { cfg.DBBackend = "sqlite" }, false},
		{"postgres without dsn", func(cfg *Config) { cfg.DBBackend = BackendPostgres }, false},
		{"postgres with dsn", func(cfg *Config) {
			cfg.DBBackend = BackendPostgres
			cfg.PostgresDSN = "postgres://localhost/kassandra"
		}, true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.FixupAndValidate()
			if tc.ok && nil != err {
				t.Fatalf("failed validating config, got error %v", err)
			}
			if !tc.ok && nil == err {
				t.Fatalf("validation accepted an unusable config")
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{
		IndexerURL:  "http://indexer.local",
		EnclaveAddr: "127.0.0.1:7041",
		DBDir:       "/tmp/kassandra",
	}
	err := cfg.FixupAndValidate()
	if nil != err {
		t.Fatalf("failed validating config, got error %v", err)
	}

	if "127.0.0.1:7040" != cfg.ListenAddr {
		t.Fatalf("default listen addr is %q", cfg.ListenAddr)
	}
	if BackendBolt != cfg.DBBackend {
		t.Fatalf("default backend is %q, bolt expected", cfg.DBBackend)
	}
	if 16 != cfg.MaxSessions {
		t.Fatalf("default max sessions is %d, 16 expected", cfg.MaxSessions)
	}
	if 30*time.Second != cfg.SessionIdle() {
		t.Fatalf("default session idle is %s, 30s expected", cfg.SessionIdle())
	}
	if 5*time.Second != cfg.PollInterval() {
		t.Fatalf("default poll interval is %s, 5s expected", cfg.PollInterval())
	}
	if 1024 != cfg.MaxWALSize {
		t.Fatalf("default wal size is %d, 1024 expected", cfg.MaxWALSize)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.toml")
	doc := `
indexer_url = "http://indexer.local"
listen_addr = "127.0.0.1:9000"
enclave_addr = "127.0.0.1:9001"
db_dir = "` + dir + `"
max_sessions = 4
`
	err := os.WriteFile(path, []byte(doc), 0o600)
	if nil != err {
		t.Fatalf("failed writing config, got error %v", err)
	}

	cfg, err := LoadConfig(path)
	if nil != err {
		t.Fatalf("failed loading config, got error %v", err)
	}
	if "127.0.0.1:9000" != cfg.ListenAddr {
		t.Fatalf("listen addr is %q", cfg.ListenAddr)
	}
	if 4 != cfg.MaxSessions {
		t.Fatalf("max sessions is %d, 4 expected", cfg.MaxSessions)
	}

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	if nil == err {
		t.Fatalf("loading a missing file succeeded, error expected")
	}
}
