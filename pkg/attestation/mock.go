package attestation

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
)

const (
	// ModeMock names the mock attestation mode in configuration files.
	ModeMock = "mock"

	mockSentinel = "kassandra-mock-quote-v1"
)

// MockMeasurement is the measurement reported by every mock quote.
var MockMeasurement = sha256.Sum256([]byte(mockSentinel))

type mockQuote struct {
	Sentinel    string `cbor:"1,keyasint"`
	Measurement []byte `cbor:"2,keyasint"`
	ReportData  []byte `cbor:"3,keyasint"`
}

// MockQuoter emits sentinel quotes carrying the report data in the clear.
type MockQuoter struct {
	// Measurement overrides MockMeasurement when non empty. Tests use it to
	// exercise measurement pinning on the verifier side.
	Measurement []byte
}

// Quote implements Quoter.
func (self MockQuoter) Quote(reportData [ReportDataSize]byte) ([]byte, error) {
	measurement := self.Measurement
	if 0 == len(measurement) {
		measurement = MockMeasurement[:]
	}
	quote, err := cbor.Marshal(mockQuote{
		Sentinel:    mockSentinel,
		Measurement: measurement,
		ReportData:  reportData[:],
	})
	return quote, wrapError(err, "failed marshalling mock quote") // nil if err is nil
}

// MockVerifier accepts sentinel quotes.
type MockVerifier struct{}

// Verify implements Verifier.
func (self MockVerifier) Verify(quote []byte) (Report, error) {
	var report Report
	var mq mockQuote

	err := cbor.Unmarshal(quote, &mq)
	if nil != err {
		return report, flagError(ErrQuoteInvalid, "quote is not a mock quote, got error %v", err)
	}
	if mockSentinel != mq.Sentinel {
		return report, flagError(ErrQuoteInvalid, "quote sentinel mismatch")
	}
	if MeasurementSize != len(mq.Measurement) {
		return report, flagError(ErrQuoteInvalid, "quote measurement has size %d, %d expected", len(mq.Measurement), MeasurementSize)
	}
	if ReportDataSize != len(mq.ReportData) {
		return report, flagError(ErrQuoteInvalid, "quote report data has size %d, %d expected", len(mq.ReportData), ReportDataSize)
	}

	copy(report.Measurement[:], mq.Measurement)
	copy(report.ReportData[:], mq.ReportData)

	return report, nil
}

var _ Quoter = MockQuoter{}
var _ Verifier = MockVerifier{}

func init() {
	MustRegisterMode(ModeMock, Mode{
		NewQuoter:   func() (Quoter, error) { return MockQuoter{}, nil },
		NewVerifier: func() (Verifier, error) { return MockVerifier{}, nil },
	})
}
