// Package attestation abstracts the production and verification of enclave
// quotes. The handshake binds a 64 byte report data blob into a quote; the
// verifier recovers the report data and the enclave measurement so that the
// caller can compare them against expectations.
//
// Two modes are provided. The mock mode emits a fixed sentinel quote and is
// meant for tests and local development. The transparent mode replaces the
// quote with a self signed certificate over the report data; a client built
// for transparent deployments pins the certificate key hash as the
// measurement. A hardware TDX mode plugs in through the same Quoter/Verifier
// pair without changing the handshake.
package attestation

import (
	"code.kassandra.org/golang/internal/utils"
)

const (
	// ReportDataSize is the size of the report data blob bound into a quote.
	ReportDataSize = 64

	// MeasurementSize is the size of an enclave measurement.
	MeasurementSize = 32
)

// Report is the attested content recovered from a verified quote.
type Report struct {
	Measurement [MeasurementSize]byte
	ReportData  [ReportDataSize]byte
}

// Quoter produces quotes binding report data to the running enclave.
type Quoter interface {
	Quote(reportData [ReportDataSize]byte) ([]byte, error)
}

// Verifier checks the integrity of a quote and recovers its Report.
//
// Verify authenticates the quote signature chain only; comparing the
// measurement and report data against expected values is the caller's
// responsibility.
type Verifier interface {
	Verify(quote []byte) (Report, error)
}

// Mode bundles the two ends of an attestation scheme.
type Mode struct {
	NewQuoter   func() (Quoter, error)
	NewVerifier func() (Verifier, error)
}

var modeRegistry *utils.Registry[string, Mode]

// MustRegisterMode registers an attestation Mode under name. It panics if
// name is already in use.
func MustRegisterMode(name string, mode Mode) {
	err := utils.RegistrySet(modeRegistry, name, mode)
	if nil != err {
		panic(err)
	}
}

// GetMode returns the Mode registered under name.
func GetMode(name string) (Mode, error) {
	mode, found := utils.RegistryGet(modeRegistry, name)
	if !found {
		return Mode{}, newError("unsupported attestation mode %q", name)
	}
	return mode, nil
}

func init() {
	modeRegistry = utils.NewRegistry[string, Mode]()
}
