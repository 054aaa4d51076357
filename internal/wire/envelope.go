package wire

import (
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Version is the envelope version accepted by both ends.
const Version = 1

// Ops recognised on the host to enclave wire. OpBoot is the one enclave
// originated message, announcing the reactor after a (re)start.
const (
	OpBoot  = "boot"
	OpOpen  = "open"
	OpData  = "data"
	OpClose = "close"
	OpWants = "wants"
	OpFeed  = "feed"
)

// Ops recognised on the client to host surface only.
const (
	OpInfo     = "info"
	OpQueryTag = "qtag"
)

const (
	okSuffix  = "_ok"
	errSuffix = "_err"
)

// OkOp returns the reply op acknowledging op.
func OkOp(op string) string {
	return op + okSuffix
}

// ErrOp returns the reply op faulting op.
func ErrOp(op string) string {
	return op + errSuffix
}

// IsErrOp reports whether op is a fault reply.
func IsErrOp(op string) bool {
	return strings.HasSuffix(op, errSuffix)
}

// Envelope is the outer message of every frame.
type Envelope struct {
	V    uint            `cbor:"v"`
	Op   string          `cbor:"op"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// Check implements transport.Checker.
func (self Envelope) Check() error {
	if Version != self.V {
		return newError("envelope version is %d, %d expected", self.V, Version)
	}
	if "" == self.Op {
		return newError("envelope op is empty")
	}
	return nil
}

// NewEnvelope returns an Envelope carrying op and the marshalled body.
// A nil body yields an empty envelope body.
func NewEnvelope(op string, body any) (Envelope, error) {
	env := Envelope{V: Version, Op: op}
	if nil == body {
		return env, nil
	}

	raw, err := cbor.Marshal(body)
	if nil != err {
		return env, wrapError(err, "failed marshalling %s body", op)
	}
	env.Body = raw

	return env, nil
}

// FaultEnvelope returns the fault reply to op, mapping err to its wire kind.
func FaultEnvelope(op string, err error) Envelope {
	env, _ := NewEnvelope(ErrOp(op), ErrorBody{Kind: KindOf(err), Msg: err.Error()})
	return env
}

// DecodeBody unmarshals the envelope body into body.
func (self Envelope) DecodeBody(body any) error {
	err := cbor.Unmarshal(self.Body, body)
	if nil != err {
		return flagError(ErrMalformedBatch, "failed decoding %s body, got error %v", self.Op, err)
	}
	return nil
}

// Fault returns the flagged error carried by a fault reply, nil otherwise.
func (self Envelope) Fault() error {
	if !IsErrOp(self.Op) {
		return nil
	}

	var body ErrorBody
	err := self.DecodeBody(&body)
	if nil != err {
		return err
	}

	return KindError(body.Kind, body.Msg)
}

// ErrorBody is the body of every fault reply.
type ErrorBody struct {
	Kind string `cbor:"kind"`
	Msg  string `cbor:"msg"`
}
