package ratls

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	cipherKeySize   = chacha20poly1305.KeySize
	cipherNonceSize = chacha20poly1305.NonceSize

	maxSequence = 0xFFFF_FFFF_FFFF_FFFE
)

// SessionCipher encrypts one direction of an established session.
//
// The nonce is the 64 bit message sequence number; both ends advance it in
// lockstep, so a replayed, dropped or reordered frame surfaces as an AEAD
// authentication failure.
type SessionCipher struct {
	aead   interface {
		Seal(dst, nonce, plaintext, ad []byte) []byte
		Open(dst, nonce, ciphertext, ad []byte) ([]byte, error)
	}
	n      uint64
	nonceb [cipherNonceSize]byte
}

// InitializeKey arms the cipher with key and resets the sequence number.
func (self *SessionCipher) InitializeKey(key []byte) error {
	if cipherKeySize != len(key) {
		return newError("cipher key has size %d, %d expected", len(key), cipherKeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if nil != err {
		return wrapError(err, "failed creating AEAD")
	}
	self.aead = aead
	self.n = 0
	return nil
}

// HasKey reports whether the cipher has been armed.
func (self *SessionCipher) HasKey() bool {
	return nil != self.aead
}

// EncryptWithAd seals plaintext under the next sequence number.
func (self *SessionCipher) EncryptWithAd(ad, plaintext []byte) ([]byte, error) {
	if !self.HasKey() {
		return nil, newError("missing cipher key")
	}
	if maxSequence == self.n {
		return nil, newError("cipher key overuse")
	}
	self.fillNonce()
	ciphertext := self.aead.Seal(nil, self.nonceb[:], plaintext, ad)
	self.n += 1
	return ciphertext, nil
}

// DecryptWithAd opens ciphertext under the next sequence number.
func (self *SessionCipher) DecryptWithAd(ad, ciphertext []byte) ([]byte, error) {
	if !self.HasKey() {
		return nil, newError("missing cipher key")
	}
	if maxSequence == self.n {
		return nil, newError("cipher key overuse")
	}
	self.fillNonce()
	plaintext, err := self.aead.Open(nil, self.nonceb[:], ciphertext, ad)
	if nil != err {
		return nil, flagError(ErrDecrypt, "failed opening frame %d", self.n)
	}
	self.n += 1
	return plaintext, nil
}

func (self *SessionCipher) fillNonce() {
	binary.LittleEndian.PutUint32(self.nonceb[:], 0)
	binary.LittleEndian.PutUint64(self.nonceb[4:], self.n)
}

// CipherPair holds the two directions of an established session.
type CipherPair struct {
	ciphers [2]SessionCipher
}

// Encryptor returns the SessionCipher used for outbound frames.
func (self *CipherPair) Encryptor() *SessionCipher {
	return &self.ciphers[0]
}

// Decryptor returns the SessionCipher used for inbound frames.
func (self *CipherPair) Decryptor() *SessionCipher {
	return &self.ciphers[1]
}
