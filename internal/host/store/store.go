// Package store persists the host side of the scanning service: the shielded
// transaction feed and the sealed results the scanning engine emits. Two
// backends are provided, a single file boltdb store for standalone hosts and
// a postgres store for server deployments.
package store

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// TxRecord is one shielded transaction of the feed, keyed by its global
// transaction index. Flag is the serialized detection flag ciphertext; a
// transaction carrying no flag has a nil Flag. Payload points at the
// transaction body on the indexer.
type TxRecord struct {
	Index   uint64 `cbor:"1,keyasint"`
	Height  uint64 `cbor:"2,keyasint"`
	Flag    []byte `cbor:"3,keyasint,omitempty"`
	Payload []byte `cbor:"4,keyasint,omitempty"`
}

// TaggedResult is one sealed scan delta keyed by its result lookup tag.
type TaggedResult struct {
	Tag    []byte
	UUID   uuid.UUID
	Height uint64
	CT     []byte
}

// SealedRow is one stored result ciphertext, ordered by height.
type SealedRow struct {
	UUID   uuid.UUID
	Height uint64
	CT     []byte
}

// TxStore is the append-only transaction feed log.
type TxStore interface {
	// AppendTxs stores txs. Re-appending an already stored index overwrites
	// it, which makes fetch replays idempotent.
	AppendTxs(ctx context.Context, txs []TxRecord) error

	// TxsAt lists every transaction at height in ascending index order.
	TxsAt(ctx context.Context, height uint64) ([]TxRecord, error)

	// MaxHeight returns the highest stored height. found is false when the
	// log is empty.
	MaxHeight(ctx context.Context) (uint64, bool, error)
}

// ResultStore maps result lookup tags to the sealed ciphertexts stored under
// them.
type ResultStore interface {
	// AppendResults persists rows atomically. A host crash never stores a
	// partial scan batch.
	AppendResults(ctx context.Context, rows []TaggedResult) error

	// ResultsByTag lists the rows stored under tag in ascending height order.
	ResultsByTag(ctx context.Context, tag []byte) ([]SealedRow, error)
}

// Store is the full host persistence surface.
type Store interface {
	TxStore
	ResultStore

	// InstanceUUID returns the host instance identity, minting and
	// persisting it on first use.
	InstanceUUID(ctx context.Context) (uuid.UUID, error)

	io.Closer
}
