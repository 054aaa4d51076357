// Package attested provides the primitives shared by the client protocols
// that tunnel through a host into an attested enclave session: quote
// checking, handshake completion and envelope plumbing for the FSMs.
package attested

import (
	"bytes"
	"crypto/rand"
	"io"

	"code.kassandra.org/golang/internal/protocols"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

var serializer = transport.CBORSerializer{}

// AnswerHello verifies the attested server hello and completes the client
// side of the handshake. The quote must chain through verifier, commit to
// the handshake transcript and carry measurement.
func AnswerHello(verifier attestation.Verifier, measurement []byte, rng io.Reader, sh ratls.ServerHello) (ratls.ClientHello, *ratls.CipherPair, error) {
	var hello ratls.ClientHello

	report, err := verifier.Verify(sh.Quote)
	if nil != err {
		return hello, nil, flagError(attestation.ErrQuoteInvalid, "failed verifying quote, got error %v", err)
	}

	expected := ratls.ReportData(sh.EphemeralPK, sh.Nonce)
	if expected != report.ReportData {
		return hello, nil, flagError(ratls.ErrReportDataMismatch,
			"quote does not commit to the handshake transcript")
	}
	if !bytes.Equal(measurement, report.Measurement[:]) {
		return hello, nil, flagError(attestation.ErrMeasurementMismatch,
			"enclave measurement is % X, % X expected", report.Measurement, measurement)
	}

	if nil == rng {
		rng = rand.Reader
	}
	hs, err := ratls.NewHandshake(rng)
	if nil != err {
		return hello, nil, err
	}
	pair, err := hs.SealClient(sh)
	if nil != err {
		return hello, nil, err
	}

	hello.EphemeralPK = hs.PublicKey()
	hello.Nonce = hs.Nonce()

	return hello, pair, nil
}

// MessageCommand serializes an envelope into a CmdMessage Command.
func MessageCommand(op string, body any) (protocols.Command, error) {
	env, err := wire.NewEnvelope(op, body)
	if nil != err {
		return protocols.Command{}, err
	}
	msg, err := serializer.Marshal(env)
	if nil != err {
		return protocols.Command{}, err
	}
	return protocols.Command{Tag: protocols.CmdMessage, Msg: msg}, nil
}

// ReturnCommand pairs a protocol result with the trailing close frame, so
// the enclave session is retired when the runner writes the final message.
func ReturnCommand(result any) (protocols.Command, error) {
	env, err := wire.NewEnvelope(wire.OpClose, nil)
	if nil != err {
		return protocols.Command{}, err
	}
	msg, err := serializer.Marshal(env)
	if nil != err {
		return protocols.Command{}, err
	}
	return protocols.Command{Tag: protocols.CmdReturn, Msg: msg, Data: result}, nil
}

// SealRequest encrypts one tunnel request under the session pair.
func SealRequest(pair *ratls.CipherPair, req wire.Request) ([]byte, error) {
	raw, err := serializer.Marshal(req)
	if nil != err {
		return nil, err
	}

	payload, err := pair.Encryptor().EncryptWithAd(nil, raw)

	// nil if err is nil
	return payload, wrapError(err, "failed sealing tunnel request")
}

// DecodeReply unmarshals one raw frame and expects the ok reply to op,
// surfacing fault replies as their flagged error.
func DecodeReply(msg []byte, op string, body any) error {
	var env wire.Envelope
	err := serializer.Unmarshal(msg, &env)
	if nil != err {
		return err
	}
	if fault := env.Fault(); nil != fault {
		return wrapError(fault, "%s faulted", op)
	}
	if wire.OkOp(op) != env.Op {
		return newError("reply op is %q, %q expected", env.Op, wire.OkOp(op))
	}
	if nil == body {
		return nil
	}
	return env.DecodeBody(body)
}

// DecodeTunnelReply decrypts and unmarshals a tunnel reply, surfacing
// request level faults as their flagged error.
func DecodeTunnelReply(pair *ratls.CipherPair, msg []byte, reply *wire.Reply) error {
	var body wire.DataBody
	err := DecodeReply(msg, wire.OpData, &body)
	if nil != err {
		return err
	}

	raw, err := pair.Decryptor().DecryptWithAd(nil, body.Payload)
	if nil != err {
		return flagError(ratls.ErrDecrypt, "failed opening tunnel reply, got error %v", err)
	}
	err = serializer.Unmarshal(raw, reply)
	if nil != err {
		return err
	}
	if fault := reply.Fault(); nil != fault {
		return wrapError(fault, "tunnel request faulted")
	}

	return nil
}

// Marshal serializes a handshake or tunnel payload with the wire serializer.
func Marshal(v any) ([]byte, error) {
	return serializer.Marshal(v)
}
