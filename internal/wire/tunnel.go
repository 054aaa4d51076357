package wire

import (
	"github.com/google/uuid"
)

const (
	// EncKeySize is the size of a result encryption key.
	EncKeySize = 32

	// TagSize is the size of a result lookup tag.
	TagSize = 32
)

// Request is the single message a client sends inside the encrypted tunnel.
// Exactly one of its fields is set.
type Request struct {
	Reg *RegisterRequest `cbor:"reg,omitempty"`
	Q   *QueryRequest    `cbor:"q,omitempty"`
}

// Check implements transport.Checker.
func (self Request) Check() error {
	switch {
	case nil != self.Reg && nil != self.Q:
		return newError("request carries both reg and q")
	case nil != self.Reg:
		return self.Reg.Check()
	case nil != self.Q:
		return self.Q.Check()
	default:
		return newError("request is empty")
	}
}

// RegisterRequest registers a detection key with the enclave.
type RegisterRequest struct {
	DK      []byte `cbor:"dk"`
	EK      []byte `cbor:"ek"`
	Birth   uint64 `cbor:"birth"`
	FprLog2 uint64 `cbor:"fpr_log2"`
}

// Check implements transport.Checker.
func (self RegisterRequest) Check() error {
	if 0 == len(self.DK) {
		return newError("register detection key is empty")
	}
	if EncKeySize != len(self.EK) {
		return newError("register encryption key has size %d, %d expected", len(self.EK), EncKeySize)
	}
	return nil
}

// QueryRequest fetches sealed results by lookup tag through the tunnel.
type QueryRequest struct {
	Tag []byte `cbor:"tag"`
}

// Check implements transport.Checker.
func (self QueryRequest) Check() error {
	if TagSize != len(self.Tag) {
		return newError("lookup tag has size %d, %d expected", len(self.Tag), TagSize)
	}
	return nil
}

// SealedResult is one stored result ciphertext and the height it covers.
type SealedResult struct {
	H  uint64 `cbor:"h"`
	CT []byte `cbor:"ct"`
}

// Reply is the single tunnel reply. UUID answers a register, Results answers
// a query, Err reports a fault.
type Reply struct {
	UUID    *uuid.UUID     `cbor:"uuid,omitempty"`
	Results []SealedResult `cbor:"results,omitempty"`
	Err     *ErrorBody     `cbor:"err,omitempty"`
}

// Fault returns the flagged error carried by the reply, nil otherwise.
func (self Reply) Fault() error {
	if nil == self.Err {
		return nil
	}
	return KindError(self.Err.Kind, self.Err.Msg)
}
