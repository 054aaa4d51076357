package ratls

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func handshakePair(t *testing.T) (server, client *Handshake) {
	t.Helper()

	server, err := NewHandshake(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewHandshake, got error %v", err)
	}
	client, err = NewHandshake(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewHandshake, got error %v", err)
	}
	return server, client
}

func sealedPair(t *testing.T) (serverPair, clientPair *CipherPair) {
	t.Helper()
	server, client := handshakePair(t)

	serverPair, err := server.SealServer(ClientHello{EphemeralPK: client.PublicKey(), Nonce: client.Nonce()})
	if nil != err {
		t.Fatalf("failed SealServer, got error %v", err)
	}
	clientPair, err = client.SealClient(ServerHello{EphemeralPK: server.PublicKey(), Nonce: server.Nonce()})
	if nil != err {
		t.Fatalf("failed SealClient, got error %v", err)
	}
	return serverPair, clientPair
}

func TestHandshakeLoopback(t *testing.T) {
	serverPair, clientPair := sealedPair(t)

	ad := []byte("frame-header")
	for i := 0; i < 4; i += 1 {
		msg := []byte{byte(i), 0xAA, 0x55}

		ct, err := clientPair.Encryptor().EncryptWithAd(ad, msg)
		if nil != err {
			t.Fatalf("failed EncryptWithAd, got error %v", err)
		}
		pt, err := serverPair.Decryptor().DecryptWithAd(ad, ct)
		if nil != err {
			t.Fatalf("failed DecryptWithAd, got error %v", err)
		}
		if !bytes.Equal(msg, pt) {
			t.Fatal("failed recovering client frame")
		}

		ct, err = serverPair.Encryptor().EncryptWithAd(ad, msg)
		if nil != err {
			t.Fatalf("failed EncryptWithAd, got error %v", err)
		}
		pt, err = clientPair.Decryptor().DecryptWithAd(ad, ct)
		if nil != err {
			t.Fatalf("failed DecryptWithAd, got error %v", err)
		}
		if !bytes.Equal(msg, pt) {
			t.Fatal("failed recovering server frame")
		}
	}
}

func TestHandshakeDirectionsDiffer(t *testing.T) {
	serverPair, clientPair := sealedPair(t)

	msg := []byte("same plaintext")
	c2s, err := clientPair.Encryptor().EncryptWithAd(nil, msg)
	if nil != err {
		t.Fatalf("failed EncryptWithAd, got error %v", err)
	}
	s2c, err := serverPair.Encryptor().EncryptWithAd(nil, msg)
	if nil != err {
		t.Fatalf("failed EncryptWithAd, got error %v", err)
	}
	if bytes.Equal(c2s, s2c) {
		t.Fatal("directional keys are not independent")
	}
}

func TestDecryptTamperFlagsErrDecrypt(t *testing.T) {
	serverPair, clientPair := sealedPair(t)

	ct, err := clientPair.Encryptor().EncryptWithAd(nil, []byte("payload"))
	if nil != err {
		t.Fatalf("failed EncryptWithAd, got error %v", err)
	}
	ct[0] ^= 0xFF
	_, err = serverPair.Decryptor().DecryptWithAd(nil, ct)
	if !errors.Is(err, ErrDecrypt) {
		t.Errorf("failed not an ErrDecrypt, err is %v", err)
	}
}

func TestDecryptOutOfSequenceFlagsErrDecrypt(t *testing.T) {
	serverPair, clientPair := sealedPair(t)

	enc := clientPair.Encryptor()
	first, err := enc.EncryptWithAd(nil, []byte("first"))
	if nil != err {
		t.Fatalf("failed EncryptWithAd, got error %v", err)
	}
	second, err := enc.EncryptWithAd(nil, []byte("second"))
	if nil != err {
		t.Fatalf("failed EncryptWithAd, got error %v", err)
	}

	dec := serverPair.Decryptor()
	_, err = dec.DecryptWithAd(nil, second)
	if !errors.Is(err, ErrDecrypt) {
		t.Errorf("failed not an ErrDecrypt, err is %v", err)
	}

	// The failed open did not advance the sequence, first still decrypts.
	pt, err := dec.DecryptWithAd(nil, first)
	if nil != err {
		t.Fatalf("failed DecryptWithAd, got error %v", err)
	}
	if !bytes.Equal([]byte("first"), pt) {
		t.Fatal("failed recovering first frame")
	}
}

func TestNonContributoryPeerKey(t *testing.T) {
	server, _ := handshakePair(t)

	zero := make([]byte, 32)
	nonce := make([]byte, NonceSize)
	_, err := server.SealServer(ClientHello{EphemeralPK: zero, Nonce: nonce})
	if !errors.Is(err, ErrNonContributory) {
		t.Errorf("failed not an ErrNonContributory, err is %v", err)
	}
}

func TestReportDataCommitsToTranscript(t *testing.T) {
	server, other := handshakePair(t)

	rd := server.ReportData()
	if rd != ReportData(server.PublicKey(), server.Nonce()) {
		t.Fatal("report data is not reproducible from the hello fields")
	}
	if rd == other.ReportData() {
		t.Fatal("report data does not depend on the transcript")
	}

	var zeroTail [ReportDataSize - 32]byte
	if !bytes.Equal(rd[32:], zeroTail[:]) {
		t.Fatal("report data padding is not zero")
	}
}

func TestCipherRequiresKey(t *testing.T) {
	var cipher SessionCipher
	_, err := cipher.EncryptWithAd(nil, []byte("x"))
	if nil == err {
		t.Error("failed rejecting encrypt without key")
	}
	_, err = cipher.DecryptWithAd(nil, []byte("x"))
	if nil == err {
		t.Error("failed rejecting decrypt without key")
	}
	err = cipher.InitializeKey(make([]byte, 16))
	if nil == err {
		t.Error("failed rejecting short key")
	}
}
