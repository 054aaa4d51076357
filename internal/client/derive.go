package client

import (
	"crypto/sha256"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/fmd"
)

// KDF salt labels. Detection keys are salted by the provider index so that
// distinct providers receive unrelated key shares from one master secret;
// encryption keys are salted by the provider instance UUID.
const (
	detectSaltLabel = "fmd-detect"
	encSaltLabel    = "fmd-enc"

	encExpandInfo = "kassandra-enc-key"
)

// DeriveDetectionKey derives the detection key share registered with the
// provider at index. The derivation is deterministic, two runs over the same
// master secret produce the same key.
func DeriveDetectionKey(master []byte, fprLog2 uint, index uint8) (fmd.DetectionKey, error) {
	salt := append([]byte(detectSaltLabel), index)
	return fmd.Extract(master, fprLog2, salt)
}

// DeriveEncKey derives the result encryption key for the provider instance
// id. The provider never sees the master secret, only this derived key.
func DeriveEncKey(master []byte, id uuid.UUID) ([]byte, error) {
	if 0 == len(master) {
		return nil, newError("empty master secret")
	}

	salt := append([]byte(encSaltLabel), id[:]...)
	kdf := hkdf.New(sha256.New, master, salt, []byte(encExpandInfo))
	ek := make([]byte, wire.EncKeySize)
	_, err := io.ReadFull(kdf, ek)
	if nil != err {
		return nil, newError("hkdf expansion failed, got error %v", err)
	}

	return ek, nil
}

// LookupTag returns the tag the host stores results under for encKey. The
// host learns the tag but never the key it was hashed from.
func LookupTag(encKey []byte) []byte {
	sum := sha256.Sum256(encKey)
	return sum[:]
}
