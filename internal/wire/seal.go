package wire

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"code.kassandra.org/golang/pkg/ratls"
)

// Nonce derivation labels. Scan deltas and query snapshots use distinct
// domains so a snapshot taken at a key's synced height can never collide with
// the delta emitted at that height.
const (
	resultNonceLabel = "kassandra-result-nonce"
	querySnapLabel   = "kassandra-query-nonce"
)

// ResultDelta is the plaintext sealed for a client: the global transaction
// indices detected at Height. It encodes as the CBOR array [indices, height].
type ResultDelta struct {
	_       struct{} `cbor:",toarray"`
	Indices []uint64
	Height  uint64
}

// SealResult seals the scan delta emitted for (id, delta.Height).
//
// The nonce is derived from the (id, height) pair, which the scanning engine
// guarantees unique per encryption key.
func SealResult(encKey []byte, id uuid.UUID, delta ResultDelta) ([]byte, error) {
	return seal(resultNonceLabel, encKey, id, delta)
}

// OpenResult opens a sealed scan delta fetched for (id, h).
func OpenResult(encKey []byte, id uuid.UUID, h uint64, ct []byte) (ResultDelta, error) {
	return open(resultNonceLabel, encKey, id, h, ct)
}

// SealSnapshot seals the full index set answered to an in-session query at
// the key's synced height.
func SealSnapshot(encKey []byte, id uuid.UUID, delta ResultDelta) ([]byte, error) {
	return seal(querySnapLabel, encKey, id, delta)
}

// OpenSnapshot opens a sealed query snapshot.
func OpenSnapshot(encKey []byte, id uuid.UUID, h uint64, ct []byte) (ResultDelta, error) {
	return open(querySnapLabel, encKey, id, h, ct)
}

func sealNonce(label string, id uuid.UUID, h uint64) []byte {
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], h)

	sum := sha256.New()
	sum.Write([]byte(label))
	sum.Write(id[:])
	sum.Write(hb[:])

	return sum.Sum(nil)[:chacha20poly1305.NonceSize]
}

func seal(label string, encKey []byte, id uuid.UUID, delta ResultDelta) ([]byte, error) {
	aead, err := chacha20poly1305.New(encKey)
	if nil != err {
		return nil, wrapError(err, "failed creating result AEAD")
	}

	pt, err := cbor.Marshal(delta)
	if nil != err {
		return nil, wrapError(err, "failed marshalling result delta")
	}

	return aead.Seal(nil, sealNonce(label, id, delta.Height), pt, nil), nil
}

func open(label string, encKey []byte, id uuid.UUID, h uint64, ct []byte) (ResultDelta, error) {
	var delta ResultDelta

	aead, err := chacha20poly1305.New(encKey)
	if nil != err {
		return delta, wrapError(err, "failed creating result AEAD")
	}

	pt, err := aead.Open(nil, sealNonce(label, id, h), ct, nil)
	if nil != err {
		return delta, flagError(ratls.ErrDecrypt, "failed opening result at height %d", h)
	}

	err = cbor.Unmarshal(pt, &delta)
	if nil != err {
		return delta, wrapError(err, "failed unmarshaling result delta")
	}
	if delta.Height != h {
		return delta, flagError(ratls.ErrDecrypt, "result height %d does not match stored height %d", delta.Height, h)
	}

	return delta, nil
}
