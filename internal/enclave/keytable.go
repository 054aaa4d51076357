package enclave

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/fmd"
)

// RegisteredKey is the in-memory scanning state of one registration. The
// encryption key and uuid are immutable after registration; SyncedHeight
// advances by exactly one per accepted feed and Indices only grows.
type RegisteredKey struct {
	UUID         uuid.UUID
	Key          fmd.DetectionKey
	Birth        uint64
	SyncedHeight uint64
	Indices      []uint64

	encKey []byte
	tag    [wire.TagSize]byte
}

// KeyTable is the fixed capacity registration table. All allocations happen
// at registration time; feed processing never grows the table.
type KeyTable struct {
	keys []RegisteredKey
}

// NewKeyTable returns a KeyTable accepting at most capacity registrations.
func NewKeyTable(capacity int) *KeyTable {
	return &KeyTable{keys: make([]RegisteredKey, 0, capacity)}
}

// Len returns the number of registrations.
func (self *KeyTable) Len() int {
	return len(self.keys)
}

// Register admits a detection key and mints its registration uuid.
//
// Registrations of an already registered detection key are independent and
// yield distinct uuids.
func (self *KeyTable) Register(req wire.RegisterRequest, fprLog2Max uint64) (uuid.UUID, error) {
	var id uuid.UUID

	if len(self.keys) == cap(self.keys) {
		return id, newError("key table is full at %d registrations", cap(self.keys))
	}
	if req.FprLog2 > fprLog2Max {
		return id, flagError(wire.ErrFraTooLow,
			"requested fpr_log2 %d exceeds the service maximum %d", req.FprLog2, fprLog2Max)
	}

	var key fmd.DetectionKey
	err := cbor.Unmarshal(req.DK, &key)
	if nil != err {
		return id, wrapError(err, "failed decoding detection key")
	}
	err = key.Check()
	if nil != err {
		return id, wrapError(err, "detection key is invalid")
	}
	if uint64(key.FprLog2) != req.FprLog2 {
		return id, newError("detection key fpr_log2 %d does not match request %d", key.FprLog2, req.FprLog2)
	}

	birth := req.Birth
	if 0 == birth {
		birth = 1
	}

	encKey := make([]byte, wire.EncKeySize)
	copy(encKey, req.EK)

	id = uuid.New()
	self.keys = append(self.keys, RegisteredKey{
		UUID:         id,
		Key:          key,
		Birth:        birth,
		SyncedHeight: birth - 1,
		encKey:       encKey,
		tag:          sha256.Sum256(encKey),
	})

	return id, nil
}

// Wants lists, in registration order, the next height every key needs.
func (self *KeyTable) Wants() []wire.Want {
	wants := make([]wire.Want, 0, len(self.keys))
	for pos := range self.keys {
		key := &self.keys[pos]
		wants = append(wants, wire.Want{UUID: key.UUID, Height: key.SyncedHeight + 1})
	}
	return wants
}

// minWant returns the minimal desired height across the table.
func (self *KeyTable) minWant() (uint64, bool) {
	var minh uint64
	var found bool
	for pos := range self.keys {
		desired := self.keys[pos].SyncedHeight + 1
		if !found || desired < minh {
			minh = desired
			found = true
		}
	}
	return minh, found
}

// Scan processes one feed batch and returns the sealed deltas, in the same
// order Wants presented the keys.
//
// A transaction with a nil flag detects true for every key; the client has to
// trial decrypt it. State is committed only after every delta sealed, so a
// sealing failure leaves the table untouched.
func (self *KeyTable) Scan(batch wire.FeedBody) ([]wire.FeedResult, error) {
	minh, found := self.minWant()
	if !found || batch.Height != minh {
		return nil, flagError(wire.ErrHeightSkipped,
			"feed at height %d, %d expected", batch.Height, minh)
	}

	// decode every flag once, before touching any key state
	flags := make([]*fmd.FlagCiphertext, len(batch.Flags))
	for pos, ff := range batch.Flags {
		if 0 == len(ff.Flag) {
			continue
		}
		var flag fmd.FlagCiphertext
		err := cbor.Unmarshal(ff.Flag, &flag)
		if nil != err {
			return nil, flagError(wire.ErrMalformedBatch,
				"[%d] failed decoding flag, got error %v", pos, err)
		}
		err = flag.Check()
		if nil != err {
			return nil, flagError(wire.ErrMalformedBatch, "[%d] flag is invalid, %v", pos, err)
		}
		flags[pos] = &flag
	}

	type advance struct {
		key   *RegisteredKey
		delta []uint64
	}

	results := make([]wire.FeedResult, 0, len(self.keys))
	advances := make([]advance, 0, len(self.keys))

	for pos := range self.keys {
		key := &self.keys[pos]
		if key.SyncedHeight+1 != batch.Height {
			continue
		}

		var delta []uint64
		if batch.Height >= key.Birth {
			for fpos, flag := range flags {
				if nil == flag || fmd.Detect(key.Key, *flag) {
					delta = append(delta, batch.Flags[fpos].Index)
				}
			}
		}

		ct, err := wire.SealResult(key.encKey, key.UUID, wire.ResultDelta{
			Indices: delta,
			Height:  batch.Height,
		})
		if nil != err {
			return nil, err
		}

		results = append(results, wire.FeedResult{UUID: key.UUID, Tag: key.tag[:], CT: ct})
		advances = append(advances, advance{key: key, delta: delta})
	}

	for _, adv := range advances {
		adv.key.Indices = append(adv.key.Indices, adv.delta...)
		adv.key.SyncedHeight = batch.Height
	}

	return results, nil
}

// QueryByTag answers an in-session query with a snapshot of the full index
// set of the key whose lookup tag matches. An unknown tag yields no results.
func (self *KeyTable) QueryByTag(tag []byte) ([]wire.SealedResult, error) {
	for pos := range self.keys {
		key := &self.keys[pos]
		if string(key.tag[:]) != string(tag) {
			continue
		}

		ct, err := wire.SealSnapshot(key.encKey, key.UUID, wire.ResultDelta{
			Indices: key.Indices,
			Height:  key.SyncedHeight,
		})
		if nil != err {
			return nil, err
		}

		return []wire.SealedResult{{H: key.SyncedHeight, CT: ct}}, nil
	}

	return nil, nil
}
