package transport

import (
	"crypto/rand"

	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

// SealServer runs the attested handshake on the server end of t and returns
// the armed session ciphers. The quoter commits the handshake transcript into
// the quote report data.
func SealServer(t Transport, quoter attestation.Quoter) (*ratls.CipherPair, error) {
	hs, err := ratls.NewHandshake(rand.Reader)
	if nil != err {
		return nil, err
	}

	quote, err := quoter.Quote(hs.ReportData())
	if nil != err {
		return nil, wrapError(err, "failed quoting handshake transcript")
	}

	mt := MessageTransport{Transport: t, S: CBORSerializer{}}
	err = mt.WriteMessage(ratls.ServerHello{
		EphemeralPK: hs.PublicKey(),
		Nonce:       hs.Nonce(),
		Quote:       quote,
	})
	if nil != err {
		return nil, err
	}

	var ch ratls.ClientHello
	err = mt.ReadMessage(&ch)
	if nil != err {
		return nil, err
	}

	return hs.SealServer(ch)
}

// SealClient runs the attested handshake on the client end of t. The server
// quote is checked against verifier and the pinned measurement before any key
// material is derived.
func SealClient(t Transport, verifier attestation.Verifier, measurement [attestation.MeasurementSize]byte) (*ratls.CipherPair, error) {
	mt := MessageTransport{Transport: t, S: CBORSerializer{}}

	var sh ratls.ServerHello
	err := mt.ReadMessage(&sh)
	if nil != err {
		return nil, err
	}

	report, err := verifier.Verify(sh.Quote)
	if nil != err {
		return nil, wrapError(err, "failed verifying server quote")
	}
	if report.Measurement != measurement {
		return nil, flagError(attestation.ErrMeasurementMismatch,
			"server measurement %x is not the pinned measurement", report.Measurement)
	}
	if report.ReportData != ratls.ReportData(sh.EphemeralPK, sh.Nonce) {
		return nil, flagError(ratls.ErrReportDataMismatch,
			"quote report data does not commit to the handshake transcript")
	}

	hs, err := ratls.NewHandshake(rand.Reader)
	if nil != err {
		return nil, err
	}
	err = mt.WriteMessage(ratls.ClientHello{
		EphemeralPK: hs.PublicKey(),
		Nonce:       hs.Nonce(),
	})
	if nil != err {
		return nil, err
	}

	return hs.SealClient(sh)
}
