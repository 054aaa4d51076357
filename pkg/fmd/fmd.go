// Package fmd implements the fuzzy message detection primitive used by the
// Kassandra scanning service.
//
// A DetectionKey holds one PRF subkey per false-positive bit. A flag
// ciphertext carries a random nonce plus one biased bit per subkey position.
// Detect evaluates the subkey PRFs over the flag nonce and reports a match
// when every evaluated bit agrees with the flag. A flag produced by Flag
// always detects true under its key; an unrelated flag detects true with
// probability 2^-fprLog2.
//
// The false-positive rate γ is transported as fprLog2 = log2(1/γ).
package fmd

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MaxFprLog2 bounds log2(1/γ). Flags carry MaxFprLog2 bits so that a
	// single flag can be tested against keys of any supported rate.
	MaxFprLog2 = 24

	subkeySize    = 32
	flagNonceSize = 16

	extractInfo = "kassandra-fmd-extract"
	prfLabel    = "kassandra-fmd-prf"
)

// DetectionKey tests flag ciphertexts at a fixed false-positive rate.
type DetectionKey struct {
	FprLog2 uint     `cbor:"1,keyasint"`
	Subkeys [][]byte `cbor:"2,keyasint"`
}

// Check validates the DetectionKey structure.
func (self DetectionKey) Check() error {
	if 0 == self.FprLog2 || self.FprLog2 > MaxFprLog2 {
		return newError("fprLog2 %d outside of [1, %d]", self.FprLog2, MaxFprLog2)
	}
	if len(self.Subkeys) != int(self.FprLog2) {
		return newError("key has %d subkeys, %d expected", len(self.Subkeys), self.FprLog2)
	}
	for pos, sk := range self.Subkeys {
		if subkeySize != len(sk) {
			return newError("[%d] subkey has size %d, %d expected", pos, len(sk), subkeySize)
		}
	}
	return nil
}

// FlagCiphertext is the detection flag attached to a shielded transaction.
type FlagCiphertext struct {
	Nonce []byte `cbor:"1,keyasint"`
	Bits  []byte `cbor:"2,keyasint"`
}

// Check validates the FlagCiphertext structure.
func (self FlagCiphertext) Check() error {
	if flagNonceSize != len(self.Nonce) {
		return newError("flag nonce has size %d, %d expected", len(self.Nonce), flagNonceSize)
	}
	if len(self.Bits) != (MaxFprLog2+7)/8 {
		return newError("flag carries %d bit bytes, %d expected", len(self.Bits), (MaxFprLog2+7)/8)
	}
	return nil
}

// Extract derives a DetectionKey from a master secret.
//
// The derivation is deterministic: the same (secret, fprLog2, salt) triple
// always produces the same key. Distinct salts yield unrelated keys.
func Extract(secret []byte, fprLog2 uint, salt []byte) (DetectionKey, error) {
	var key DetectionKey

	if 0 == len(secret) {
		return key, newError("empty master secret")
	}
	if 0 == fprLog2 || fprLog2 > MaxFprLog2 {
		return key, newError("fprLog2 %d outside of [1, %d]", fprLog2, MaxFprLog2)
	}

	kdf := hkdf.New(sha256.New, secret, salt, []byte(extractInfo))
	subkeys := make([][]byte, fprLog2)
	for pos := range subkeys {
		sk := make([]byte, subkeySize)
		_, err := io.ReadFull(kdf, sk)
		if nil != err {
			return key, newError("hkdf expansion failed at subkey %d, got error %v", pos, err)
		}
		subkeys[pos] = sk
	}

	key.FprLog2 = fprLog2
	key.Subkeys = subkeys

	return key, nil
}

// Detect reports whether flag is possibly addressed to the owner of key.
//
// A flag minted by Flag over the same subkeys always detects true. An
// unrelated flag detects true with probability 2^-key.FprLog2.
func Detect(key DetectionKey, flag FlagCiphertext) bool {
	if nil != key.Check() || nil != flag.Check() {
		return false
	}
	for pos, sk := range key.Subkeys {
		if prfBit(sk, flag.Nonce) != flagBit(flag.Bits, pos) {
			return false
		}
	}
	return true
}

// Flag mints a flag ciphertext addressed to the owner of key.
//
// This is the dual of Detect. The scanning service never flags; the
// operation exists for senders and for tests. Bit positions beyond the key's
// subkeys are filled from rng so that the flag length does not leak the
// addressee's rate.
func Flag(key DetectionKey, rng io.Reader) (FlagCiphertext, error) {
	var flag FlagCiphertext

	err := key.Check()
	if nil != err {
		return flag, err
	}

	nonce := make([]byte, flagNonceSize)
	_, err = io.ReadFull(rng, nonce)
	if nil != err {
		return flag, newError("failed reading flag nonce, got error %v", err)
	}

	bits := make([]byte, (MaxFprLog2+7)/8)
	_, err = io.ReadFull(rng, bits)
	if nil != err {
		return flag, newError("failed reading flag padding bits, got error %v", err)
	}
	for pos, sk := range key.Subkeys {
		setFlagBit(bits, pos, prfBit(sk, nonce))
	}

	flag.Nonce = nonce
	flag.Bits = bits

	return flag, nil
}

// RandomFlag mints a flag unrelated to any key. It detects true under a key
// of rate fprLog2 with probability 2^-fprLog2.
func RandomFlag(rng io.Reader) (FlagCiphertext, error) {
	var flag FlagCiphertext

	nonce := make([]byte, flagNonceSize)
	_, err := io.ReadFull(rng, nonce)
	if nil != err {
		return flag, newError("failed reading flag nonce, got error %v", err)
	}
	bits := make([]byte, (MaxFprLog2+7)/8)
	_, err = io.ReadFull(rng, bits)
	if nil != err {
		return flag, newError("failed reading flag bits, got error %v", err)
	}

	flag.Nonce = nonce
	flag.Bits = bits

	return flag, nil
}

func prfBit(subkey, nonce []byte) byte {
	mac := hmac.New(sha256.New, subkey)
	mac.Write([]byte(prfLabel))
	mac.Write(nonce)
	return mac.Sum(nil)[0] & 1
}

func flagBit(bits []byte, pos int) byte {
	return (bits[pos/8] >> (pos % 8)) & 1
}

func setFlagBit(bits []byte, pos int, b byte) {
	mask := byte(1) << (pos % 8)
	if 0 == b {
		bits[pos/8] &^= mask
	} else {
		bits[pos/8] |= mask
	}
}
