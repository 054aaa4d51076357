package wire

import (
	"github.com/google/uuid"

	"code.kassandra.org/golang/pkg/ratls"
)

// BootBody announces a freshly started reactor. A boot observed by the host
// on an established stream means all enclave state was lost.
type BootBody struct {
	Measurement []byte `cbor:"measurement"`
}

// OpenBody asks the enclave to open the client session sid.
type OpenBody struct {
	SID uint64 `cbor:"sid"`
}

// OpenOkBody acknowledges an open with the handshake server hello.
type OpenOkBody struct {
	SID   uint64            `cbor:"sid"`
	Hello ratls.ServerHello `cbor:"hello"`
}

// DataBody relays one opaque session frame.
type DataBody struct {
	SID     uint64 `cbor:"sid"`
	Payload []byte `cbor:"payload"`
}

// CloseBody retires the client session sid.
type CloseBody struct {
	SID uint64 `cbor:"sid"`
}

// Want names the next height a registered key needs scanned.
type Want struct {
	UUID   uuid.UUID `cbor:"uuid"`
	Height uint64    `cbor:"h"`
}

// WantsOkBody lists wants in registration order.
type WantsOkBody struct {
	Wants []Want `cbor:"wants"`
}

// FeedFlag is one transaction of a feed batch. A transaction that carries no
// detection flag has a nil Flag and detects true for every key.
type FeedFlag struct {
	Index uint64 `cbor:"ix"`
	Flag  []byte `cbor:"flag,omitempty"`
}

// FeedBody carries every flag of one block height.
type FeedBody struct {
	Height uint64     `cbor:"h"`
	Flags  []FeedFlag `cbor:"flags"`
}

// FeedResult is one sealed index delta. Tag is the result lookup tag the
// host stores the ciphertext under; it never reaches the enclave from the
// client side, the enclave derives it from the registered encryption key.
type FeedResult struct {
	UUID uuid.UUID `cbor:"uuid"`
	Tag  []byte    `cbor:"tag"`
	CT   []byte    `cbor:"ct"`
}

// FeedOkBody lists sealed deltas in wants order.
type FeedOkBody struct {
	Results []FeedResult `cbor:"results"`
}

// InfoOkBody describes the host instance to a connecting client.
type InfoOkBody struct {
	UUID        uuid.UUID `cbor:"uuid"`
	Measurement []byte    `cbor:"measurement,omitempty"`
}

// QueryTagBody fetches sealed results by lookup tag, answered by the host
// without involving the enclave.
type QueryTagBody struct {
	Tag []byte `cbor:"tag"`
}

// Check implements transport.Checker.
func (self QueryTagBody) Check() error {
	if TagSize != len(self.Tag) {
		return newError("lookup tag has size %d, %d expected", len(self.Tag), TagSize)
	}
	return nil
}

// QueryTagOkBody lists the sealed results stored under a lookup tag.
type QueryTagOkBody struct {
	Results []SealedResult `cbor:"results"`
}
