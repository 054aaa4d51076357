package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// ModeTransparent names the non TEE attestation mode in configuration
	// files. The quote is a self signed certificate over the report data;
	// clients built for transparent deployments pin the hash of the
	// certificate key as the enclave measurement.
	ModeTransparent = "transparent"

	transparentCN = "kassandra-transparent-enclave"
)

type transparentQuote struct {
	CertDER    []byte `cbor:"1,keyasint"`
	ReportData []byte `cbor:"2,keyasint"`
	Signature  []byte `cbor:"3,keyasint"`
}

// TransparentQuoter signs report data with a per process ed25519 key wrapped
// in a self signed certificate.
type TransparentQuoter struct {
	key     ed25519.PrivateKey
	certDER []byte
}

// NewTransparentQuoter generates the process signing key and its certificate.
func NewTransparentQuoter() (*TransparentQuoter, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if nil != err {
		return nil, wrapError(err, "failed generating signing key")
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: transparentCN},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if nil != err {
		return nil, wrapError(err, "failed creating self signed certificate")
	}

	return &TransparentQuoter{key: priv, certDER: certDER}, nil
}

// Measurement returns the measurement reported by this quoter's quotes.
func (self *TransparentQuoter) Measurement() [MeasurementSize]byte {
	return sha256.Sum256(self.key.Public().(ed25519.PublicKey))
}

// Quote implements Quoter.
func (self *TransparentQuoter) Quote(reportData [ReportDataSize]byte) ([]byte, error) {
	sig := ed25519.Sign(self.key, reportData[:])
	quote, err := cbor.Marshal(transparentQuote{
		CertDER:    self.certDER,
		ReportData: reportData[:],
		Signature:  sig,
	})
	return quote, wrapError(err, "failed marshalling transparent quote") // nil if err is nil
}

// TransparentVerifier accepts self signed certificate quotes.
type TransparentVerifier struct{}

// Verify implements Verifier.
func (self TransparentVerifier) Verify(quote []byte) (Report, error) {
	var report Report
	var tq transparentQuote

	err := cbor.Unmarshal(quote, &tq)
	if nil != err {
		return report, flagError(ErrQuoteInvalid, "quote is not a transparent quote, got error %v", err)
	}
	if ReportDataSize != len(tq.ReportData) {
		return report, flagError(ErrQuoteInvalid, "quote report data has size %d, %d expected", len(tq.ReportData), ReportDataSize)
	}

	cert, err := x509.ParseCertificate(tq.CertDER)
	if nil != err {
		return report, flagError(ErrQuoteInvalid, "failed parsing quote certificate, got error %v", err)
	}
	err = cert.CheckSignatureFrom(cert)
	if nil != err {
		return report, flagError(ErrQuoteInvalid, "certificate self signature is invalid, got error %v", err)
	}
	pub, isEd := cert.PublicKey.(ed25519.PublicKey)
	if !isEd {
		return report, flagError(ErrQuoteInvalid, "certificate key is not ed25519")
	}
	if !ed25519.Verify(pub, tq.ReportData, tq.Signature) {
		return report, flagError(ErrQuoteInvalid, "report data signature is invalid")
	}

	report.Measurement = sha256.Sum256(pub)
	copy(report.ReportData[:], tq.ReportData)

	return report, nil
}

var _ Quoter = &TransparentQuoter{}
var _ Verifier = TransparentVerifier{}

func init() {
	MustRegisterMode(ModeTransparent, Mode{
		NewQuoter: func() (Quoter, error) {
			return NewTransparentQuoter()
		},
		NewVerifier: func() (Verifier, error) { return TransparentVerifier{}, nil },
	})
}
