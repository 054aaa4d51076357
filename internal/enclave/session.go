package enclave

import (
	"crypto/rand"

	"github.com/fxamacker/cbor/v2"

	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

// clientSession is the one bridged client tunnel. pair stays nil until the
// client hello arrived and the handshake sealed.
type clientSession struct {
	sid  uint64
	hs   *ratls.Handshake
	pair *ratls.CipherPair
}

// openSession mints the handshake state answering an open request.
func openSession(sid uint64, quoter attestation.Quoter) (*clientSession, ratls.ServerHello, error) {
	var hello ratls.ServerHello

	hs, err := ratls.NewHandshake(rand.Reader)
	if nil != err {
		return nil, hello, wrapError(err, "failed creating session handshake")
	}

	quote, err := quoter.Quote(hs.ReportData())
	if nil != err {
		return nil, hello, wrapError(err, "failed quoting session handshake")
	}

	hello = ratls.ServerHello{
		EphemeralPK: hs.PublicKey(),
		Nonce:       hs.Nonce(),
		Quote:       quote,
	}

	return &clientSession{sid: sid, hs: hs}, hello, nil
}

// seal completes the handshake with the client hello carried by the first
// data frame.
func (self *clientSession) seal(payload []byte) error {
	var ch ratls.ClientHello
	err := cbor.Unmarshal(payload, &ch)
	if nil != err {
		return flagError(wire.ErrMalformedBatch, "failed decoding client hello, got error %v", err)
	}

	pair, err := self.hs.SealServer(ch)
	if nil != err {
		return err
	}

	self.pair = pair
	self.hs = nil

	return nil
}

// answer decrypts one tunnel frame, serves the request against the table and
// returns the encrypted reply. Errors are frame level faults; request level
// faults travel inside the sealed reply.
func (self *clientSession) answer(table *KeyTable, fprLog2Max uint64, payload []byte) ([]byte, error) {
	pt, err := self.pair.Decryptor().DecryptWithAd(nil, payload)
	if nil != err {
		return nil, err
	}

	var req wire.Request
	err = cbor.Unmarshal(pt, &req)
	if nil == err {
		err = req.Check()
	}
	if nil != err {
		return nil, flagError(wire.ErrMalformedBatch, "failed decoding tunnel request, got error %v", err)
	}

	var reply wire.Reply
	switch {
	case nil != req.Reg:
		id, err := table.Register(*req.Reg, fprLog2Max)
		if nil != err {
			reply.Err = &wire.ErrorBody{Kind: wire.KindOf(err), Msg: err.Error()}
		} else {
			reply.UUID = &id
		}
	case nil != req.Q:
		results, err := table.QueryByTag(req.Q.Tag)
		if nil != err {
			return nil, err
		}
		reply.Results = results
	}

	raw, err := cbor.Marshal(reply)
	if nil != err {
		return nil, wrapError(err, "failed marshalling tunnel reply")
	}

	return self.pair.Encryptor().EncryptWithAd(nil, raw)
}
