package client

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/utils"
	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/fmd"
)

const (
	// MasterSecretSize is the size of the client master secret.
	MasterSecretSize = 32

	providersFile = "providers.json"
)

// ProviderConfig names one scanning provider in client.toml.
type ProviderConfig struct {
	// URL is the host:port of the provider gateway.
	URL string `toml:"url"`

	// Birth is the block height before which this client has no shielded
	// transactions. Results below it are never produced.
	Birth uint64 `toml:"birth"`
}

// Config is the client configuration, loaded from client.toml.
type Config struct {
	// MasterSecret is the 32 byte secret every key share derives from, hex
	// encoded in the file.
	MasterSecret utils.HexBinary `toml:"master_secret"`

	// FprLog2 is the requested overall false positive exponent, apportioned
	// across the configured providers.
	FprLog2 uint `toml:"fpr_log2"`

	// FprLog2Max caps the per provider exponent, mirroring the service side
	// minimum rate.
	FprLog2Max uint `toml:"fpr_log2_max"`

	// AttestationMode selects the quote verifier, "mock" or "transparent".
	AttestationMode string `toml:"attestation_mode"`

	// Measurement is the expected enclave measurement, hex encoded. Defaults
	// to the mock sentinel in mock mode.
	Measurement utils.HexBinary `toml:"measurement"`

	// StateDir holds providers.json. Defaults to the client.toml directory.
	StateDir string `toml:"state_dir"`

	Providers []ProviderConfig `toml:"provider"`
}

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	_, err := toml.DecodeFile(path, &cfg)
	if nil != err {
		return cfg, wrapError(err, "failed parsing %s", path)
	}

	if "" == cfg.StateDir {
		cfg.StateDir = filepath.Dir(path)
	}
	err = cfg.FixupAndValidate()
	if nil != err {
		return cfg, err
	}

	return cfg, nil
}

// FixupAndValidate fills defaults and rejects unusable configurations.
func (self *Config) FixupAndValidate() error {
	if MasterSecretSize != len(self.MasterSecret) {
		return newError("master secret has size %d, %d expected", len(self.MasterSecret), MasterSecretSize)
	}
	if 0 == self.FprLog2 {
		return newError("missing fpr_log2")
	}
	if 0 == self.FprLog2Max {
		self.FprLog2Max = fmd.MaxFprLog2
	}
	if self.FprLog2Max > fmd.MaxFprLog2 {
		return newError("fpr_log2_max %d above protocol bound %d", self.FprLog2Max, fmd.MaxFprLog2)
	}
	if "" == self.AttestationMode {
		self.AttestationMode = attestation.ModeMock
	}
	if 0 == len(self.Measurement) && attestation.ModeMock == self.AttestationMode {
		self.Measurement = attestation.MockMeasurement[:]
	}
	if attestation.MeasurementSize != len(self.Measurement) {
		return newError("measurement has size %d, %d expected", len(self.Measurement), attestation.MeasurementSize)
	}
	if 0 == len(self.Providers) {
		return newError("no providers configured")
	}
	if len(self.Providers) > 255 {
		return newError("%d providers configured, at most 255 supported", len(self.Providers))
	}
	for pos, provider := range self.Providers {
		if "" == provider.URL {
			return newError("provider %d has no url", pos)
		}
	}

	return nil
}

// Registration records one completed provider registration in
// providers.json. It carries everything needed to re-derive the key share
// and decrypt the provider's results.
type Registration struct {
	URL     string          `json:"url"`
	UUID    uuid.UUID       `json:"uuid"`
	EncKey  utils.HexBinary `json:"enc_key_hex"`
	FprLog2 uint            `json:"fpr_log2"`
	Index   uint8           `json:"provider_index"`
	Birth   uint64          `json:"birth"`
}

// LoadRegistrations reads providers.json from dir. A missing file yields an
// empty list.
func LoadRegistrations(dir string) ([]Registration, error) {
	raw, err := os.ReadFile(filepath.Join(dir, providersFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if nil != err {
		return nil, wrapError(err, "failed reading %s", providersFile)
	}

	var regs []Registration
	err = json.Unmarshal(raw, &regs)
	if nil != err {
		return nil, wrapError(err, "failed parsing %s", providersFile)
	}

	return regs, nil
}

// SaveRegistrations writes providers.json to dir.
func SaveRegistrations(dir string, regs []Registration) error {
	raw, err := json.MarshalIndent(regs, "", "  ")
	if nil != err {
		return wrapError(err, "failed marshalling registrations")
	}

	err = os.WriteFile(filepath.Join(dir, providersFile), raw, 0o600)

	// nil if err is nil
	return wrapError(err, "failed writing %s", providersFile)
}
