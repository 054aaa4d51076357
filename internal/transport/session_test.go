package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net"
	"testing"

	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

type sealResult struct {
	pair *ratls.CipherPair
	err  error
}

func TestSealLoopback(t *testing.T) {
	sconn, cconn := net.Pipe()
	defer sconn.Close()
	defer cconn.Close()

	results := make(chan sealResult, 1)
	go func() {
		pair, err := SealServer(RWTransport{R: sconn, W: sconn}, attestation.MockQuoter{})
		results <- sealResult{pair: pair, err: err}
	}()

	clientPair, err := SealClient(RWTransport{R: cconn, W: cconn}, attestation.MockVerifier{}, attestation.MockMeasurement)
	if nil != err {
		t.Fatalf("failed SealClient, got error %v", err)
	}
	server := <-results
	if nil != server.err {
		t.Fatalf("failed SealServer, got error %v", server.err)
	}

	msg := []byte("post handshake traffic")
	ct, err := clientPair.Encryptor().EncryptWithAd(nil, msg)
	if nil != err {
		t.Fatalf("failed EncryptWithAd, got error %v", err)
	}
	pt, err := server.pair.Decryptor().DecryptWithAd(nil, ct)
	if nil != err {
		t.Fatalf("failed DecryptWithAd, got error %v", err)
	}
	if !bytes.Equal(msg, pt) {
		t.Fatal("failed recovering client frame")
	}
}

func TestSealClientRejectsForeignMeasurement(t *testing.T) {
	sconn, cconn := net.Pipe()
	defer sconn.Close()
	defer cconn.Close()

	foreign := make([]byte, attestation.MeasurementSize)
	_, err := rand.Read(foreign)
	if nil != err {
		t.Fatalf("failed rand.Read, got error %v", err)
	}

	go func() {
		SealServer(RWTransport{R: sconn, W: sconn}, attestation.MockQuoter{Measurement: foreign})
	}()

	_, err = SealClient(RWTransport{R: cconn, W: cconn}, attestation.MockVerifier{}, attestation.MockMeasurement)
	if !errors.Is(err, attestation.ErrMeasurementMismatch) {
		t.Errorf("failed not an ErrMeasurementMismatch, err is %v", err)
	}
}

func TestSealClientRejectsStaleReportData(t *testing.T) {
	sconn, cconn := net.Pipe()
	defer sconn.Close()
	defer cconn.Close()

	go func() {
		// quote commits to foreign report data instead of the transcript
		hs, err := ratls.NewHandshake(rand.Reader)
		if nil != err {
			return
		}
		var foreign [attestation.ReportDataSize]byte
		quote, err := attestation.MockQuoter{}.Quote(foreign)
		if nil != err {
			return
		}
		mt := MessageTransport{Transport: RWTransport{R: sconn, W: sconn}, S: CBORSerializer{}}
		mt.WriteMessage(ratls.ServerHello{
			EphemeralPK: hs.PublicKey(),
			Nonce:       hs.Nonce(),
			Quote:       quote,
		})
	}()

	_, err := SealClient(RWTransport{R: cconn, W: cconn}, attestation.MockVerifier{}, attestation.MockMeasurement)
	if !errors.Is(err, ratls.ErrReportDataMismatch) {
		t.Errorf("failed not an ErrReportDataMismatch, err is %v", err)
	}
}
