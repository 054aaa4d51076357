package ratls

import (
	"crypto/ecdh"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the size of the handshake nonces exchanged in the hello
	// messages.
	NonceSize = 32

	// ReportDataSize is the size of the report data blob each quote commits
	// to. The first sha256.Size bytes hold the transcript hash, the rest is
	// zero padding.
	ReportDataSize = 64

	handshakeLabel = "kassandra-handshake-v1"
	sessionInfo    = "kassandra-session"
)

// Directional HKDF info suffixes. Both ends derive both keys and assign them
// to Encryptor/Decryptor according to their role.
const (
	dirClientToServer = byte(0x01)
	dirServerToClient = byte(0x02)
)

// ServerHello is the first handshake message. The enclave sends its ephemeral
// public key, a fresh nonce and a quote committing to both.
type ServerHello struct {
	EphemeralPK []byte `cbor:"1,keyasint"`
	Nonce       []byte `cbor:"2,keyasint"`
	Quote       []byte `cbor:"3,keyasint"`
}

// ClientHello is the second handshake message.
type ClientHello struct {
	EphemeralPK []byte `cbor:"1,keyasint"`
	Nonce       []byte `cbor:"2,keyasint"`
}

// ReportData derives the report data blob a quote must commit to for the
// handshake transcript (server ephemeral public key, server nonce).
func ReportData(serverPK, serverNonce []byte) [ReportDataSize]byte {
	var rd [ReportDataSize]byte

	h := sha256.New()
	h.Write([]byte(handshakeLabel))
	h.Write(serverPK)
	h.Write(serverNonce)
	h.Sum(rd[:0])

	return rd
}

// Handshake holds one side's ephemeral X25519 key and nonce.
type Handshake struct {
	key   *ecdh.PrivateKey
	nonce [NonceSize]byte
}

// NewHandshake generates an ephemeral key and nonce from rng.
func NewHandshake(rng io.Reader) (*Handshake, error) {
	key, err := ecdh.X25519().GenerateKey(rng)
	if nil != err {
		return nil, wrapError(err, "failed generating ephemeral key")
	}

	var hs Handshake
	hs.key = key
	_, err = io.ReadFull(rng, hs.nonce[:])
	if nil != err {
		return nil, wrapError(err, "failed generating handshake nonce")
	}

	return &hs, nil
}

// PublicKey returns the ephemeral public key to place in the hello message.
func (self *Handshake) PublicKey() []byte {
	return self.key.PublicKey().Bytes()
}

// Nonce returns the handshake nonce to place in the hello message.
func (self *Handshake) Nonce() []byte {
	return self.nonce[:]
}

// ReportData derives the report data blob this side's quote commits to. Only
// the server calls it.
func (self *Handshake) ReportData() [ReportDataSize]byte {
	return ReportData(self.PublicKey(), self.Nonce())
}

// SealServer completes the handshake on the enclave side.
func (self *Handshake) SealServer(ch ClientHello) (*CipherPair, error) {
	secret, err := self.sharedSecret(ch.EphemeralPK)
	if nil != err {
		return nil, err
	}
	if NonceSize != len(ch.Nonce) {
		return nil, newError("client nonce has size %d, %d expected", len(ch.Nonce), NonceSize)
	}
	return sealPair(secret, self.Nonce(), ch.Nonce, dirServerToClient, dirClientToServer)
}

// SealClient completes the handshake on the client side. The caller verifies
// sh.Quote against sh before calling.
func (self *Handshake) SealClient(sh ServerHello) (*CipherPair, error) {
	secret, err := self.sharedSecret(sh.EphemeralPK)
	if nil != err {
		return nil, err
	}
	if NonceSize != len(sh.Nonce) {
		return nil, newError("server nonce has size %d, %d expected", len(sh.Nonce), NonceSize)
	}
	return sealPair(secret, sh.Nonce, self.Nonce(), dirClientToServer, dirServerToClient)
}

func (self *Handshake) sharedSecret(peerPK []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPK)
	if nil != err {
		return nil, wrapError(err, "peer ephemeral key is invalid")
	}
	secret, err := self.key.ECDH(pub)
	if nil != err {
		// crypto/ecdh refuses low order points with an all zero output.
		return nil, flagError(ErrNonContributory, "peer ephemeral key is non contributory")
	}
	return secret, nil
}

// sealPair derives the two directional keys and arms a CipherPair. The salt
// is serverNonce||clientNonce on both ends so derived keys agree.
func sealPair(secret, serverNonce, clientNonce []byte, encDir, decDir byte) (*CipherPair, error) {
	salt := make([]byte, 0, 2*NonceSize)
	salt = append(salt, serverNonce...)
	salt = append(salt, clientNonce...)

	var pair CipherPair
	for _, d := range []struct {
		cipher *SessionCipher
		dir    byte
	}{
		{pair.Encryptor(), encDir},
		{pair.Decryptor(), decDir},
	} {
		info := append([]byte(sessionInfo), d.dir)
		key := make([]byte, cipherKeySize)
		_, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key)
		if nil != err {
			return nil, wrapError(err, "failed deriving session key")
		}
		err = d.cipher.InitializeKey(key)
		if nil != err {
			return nil, err
		}
	}

	return &pair, nil
}
