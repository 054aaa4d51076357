// Package registerp implements the client side of the register protocol: it
// opens an attested tunnel through the host and registers one detection key
// with the enclave behind it.
package registerp

import (
	"io"

	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/protocols"
	"code.kassandra.org/golang/internal/protocols/attested"
	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

type sel int

const (
	sInit sel = iota
	sOpenSent
	sHelloSent
	sRequestSent
	sDone
	countSel
)

// Result is the protocol return value.
type Result struct {
	// UUID identifies the registration at this provider. The result
	// encryption key sent with the request is derived before registering and
	// does not depend on it.
	UUID uuid.UUID
}

// RegisterProtocol registers Request with the provider behind the transport.
// The enclave quote is checked against Verifier and Measurement before any
// key material leaves the client.
type RegisterProtocol struct {
	Verifier    attestation.Verifier
	Measurement []byte
	Request     wire.RegisterRequest

	// Rand supplies the handshake entropy, crypto/rand when nil.
	Rand io.Reader

	state sel
	sid   uint64
	pair  *ratls.CipherPair
}

// protocols.StateM implementation

func (self *RegisterProtocol) State() sel {
	return self.state
}

func (self *RegisterProtocol) SetState(s sel) {
	self.state = s
}

// Update implements protocols.ProtocolFSM.
func (self *RegisterProtocol) Update(evt protocols.Event) (protocols.Command, error) {
	return protocols.Update(self, transitions[:], evt)
}

var _ protocols.ProtocolFSM = &RegisterProtocol{}

var transitions = [countSel]protocols.Transition[sel, *RegisterProtocol]{
	sInit: {
		Allow: []string{protocols.EvtInit},
		Call:  (*RegisterProtocol).doInit,
		Exit:  []sel{sOpenSent},
	},
	sOpenSent: {
		Allow: []string{protocols.EvtMsg},
		Call:  (*RegisterProtocol).doOpenReply,
		Exit:  []sel{sHelloSent},
	},
	sHelloSent: {
		Allow: []string{protocols.EvtMsg},
		Call:  (*RegisterProtocol).doHelloAck,
		Exit:  []sel{sRequestSent},
	},
	sRequestSent: {
		Allow: []string{protocols.EvtMsg},
		Call:  (*RegisterProtocol).doReply,
		Exit:  []sel{sDone},
	},
	sDone: {},
}

func (self *RegisterProtocol) doInit(evt protocols.Event) (sel, protocols.Command, error) {
	err := self.Request.Check()
	if nil != err {
		return sInit, protocols.Command{}, err
	}

	cmd, err := attested.MessageCommand(wire.OpOpen, nil)

	return sOpenSent, cmd, err
}

func (self *RegisterProtocol) doOpenReply(evt protocols.Event) (sel, protocols.Command, error) {
	var body wire.OpenOkBody
	err := attested.DecodeReply(evt.Msg, wire.OpOpen, &body)
	if nil != err {
		return sOpenSent, protocols.Command{}, err
	}
	self.sid = body.SID

	hello, pair, err := attested.AnswerHello(self.Verifier, self.Measurement, self.Rand, body.Hello)
	if nil != err {
		return sOpenSent, protocols.Command{}, err
	}
	self.pair = pair

	payload, err := attested.Marshal(hello)
	if nil != err {
		return sOpenSent, protocols.Command{}, err
	}
	cmd, err := attested.MessageCommand(wire.OpData, wire.DataBody{SID: self.sid, Payload: payload})

	return sHelloSent, cmd, err
}

func (self *RegisterProtocol) doHelloAck(evt protocols.Event) (sel, protocols.Command, error) {
	err := attested.DecodeReply(evt.Msg, wire.OpData, nil)
	if nil != err {
		return sHelloSent, protocols.Command{}, err
	}

	payload, err := attested.SealRequest(self.pair, wire.Request{Reg: &self.Request})
	if nil != err {
		return sHelloSent, protocols.Command{}, err
	}
	cmd, err := attested.MessageCommand(wire.OpData, wire.DataBody{SID: self.sid, Payload: payload})

	return sRequestSent, cmd, err
}

func (self *RegisterProtocol) doReply(evt protocols.Event) (sel, protocols.Command, error) {
	var reply wire.Reply
	err := attested.DecodeTunnelReply(self.pair, evt.Msg, &reply)
	if nil != err {
		return sRequestSent, protocols.Command{}, err
	}
	if nil == reply.UUID {
		return sRequestSent, protocols.Command{}, newError("register reply carries no uuid")
	}

	cmd, err := attested.ReturnCommand(Result{UUID: *reply.UUID})

	return sDone, cmd, err
}
