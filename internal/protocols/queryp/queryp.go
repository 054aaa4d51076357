// Package queryp implements the client side of the in-session query
// protocol: it opens an attested tunnel and fetches, for one lookup tag, the
// snapshot the enclave seals at the key's synced height. Results the host
// stores under the tag are not part of the reply.
package queryp

import (
	"io"

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

// Result is the protocol return value: the sealed results the enclave
// answered, still encrypted under the result encryption key.
type Result struct {
	Results []wire.SealedResult
}

// QueryProtocol fetches the enclave's sealed snapshot for Request.Tag through
// an attested enclave session.
type QueryProtocol struct {
	Verifier    attestation.Verifier
	Measurement []byte
	Request     wire.QueryRequest

	// Rand supplies the handshake entropy, crypto/rand when nil.
	Rand io.Reader

	state sel
	sid   uint64
	pair  *ratls.CipherPair
}

// protocols.StateM implementation

func (self *QueryProtocol) State() sel {
	return self.state
}

func (self *QueryProtocol) SetState(s sel) {
	self.state = s
}

// Update implements protocols.ProtocolFSM.
func (self *QueryProtocol) Update(evt protocols.Event) (protocols.Command, error) {
	return protocols.Update(self, transitions[:], evt)
}

var _ protocols.ProtocolFSM = &QueryProtocol{}

var transitions = [countSel]protocols.Transition[sel, *QueryProtocol]{
	sInit: {
		Allow: []string{protocols.EvtInit},
		Call:  (*QueryProtocol).doInit,
		Exit:  []sel{sOpenSent},
	},
	sOpenSent: {
		Allow: []string{protocols.EvtMsg},
		Call:  (*QueryProtocol).doOpenReply,
		Exit:  []sel{sHelloSent},
	},
	sHelloSent: {
		Allow: []string{protocols.EvtMsg},
		Call:  (*QueryProtocol).doHelloAck,
		Exit:  []sel{sRequestSent},
	},
	sRequestSent: {
		Allow: []string{protocols.EvtMsg},
		Call:  (*QueryProtocol).doReply,
		Exit:  []sel{sDone},
	},
	sDone: {},
}

func (self *QueryProtocol) doInit(evt protocols.Event) (sel, protocols.Command, error) {
	err := self.Request.Check()
	if nil != err {
		return sInit, protocols.Command{}, err
	}

	cmd, err := attested.MessageCommand(wire.OpOpen, nil)

	return sOpenSent, cmd, err
}

func (self *QueryProtocol) doOpenReply(evt protocols.Event) (sel, protocols.Command, error) {
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

func (self *QueryProtocol) doHelloAck(evt protocols.Event) (sel, protocols.Command, error) {
	err := attested.DecodeReply(evt.Msg, wire.OpData, nil)
	if nil != err {
		return sHelloSent, protocols.Command{}, err
	}

	payload, err := attested.SealRequest(self.pair, wire.Request{Q: &self.Request})
	if nil != err {
		return sHelloSent, protocols.Command{}, err
	}
	cmd, err := attested.MessageCommand(wire.OpData, wire.DataBody{SID: self.sid, Payload: payload})

	return sRequestSent, cmd, err
}

func (self *QueryProtocol) doReply(evt protocols.Event) (sel, protocols.Command, error) {
	var reply wire.Reply
	err := attested.DecodeTunnelReply(self.pair, evt.Msg, &reply)
	if nil != err {
		return sRequestSent, protocols.Command{}, err
	}

	cmd, err := attested.ReturnCommand(Result{Results: reply.Results})

	return sDone, cmd, err
}
