package enclave

import (
	"context"
	"errors"
	"log/slog"

	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/attestation"
)

// Config parametrizes a Reactor.
type Config struct {
	// MaxRegistrations caps the key table. Registrations past the cap fault.
	MaxRegistrations int

	// FprLog2Max is the largest accepted fpr_log2, so the smallest accepted
	// false positive rate.
	FprLog2Max uint64

	// Quoter produces the quotes bound into session handshakes.
	Quoter attestation.Quoter

	// Measurement is announced in the boot message.
	Measurement []byte
}

// Reactor is the single threaded enclave engine. It owns all key state and
// serves exactly one host stream; every request is handled to completion
// before the next frame is read.
//
// A Reactor instance is one enclave lifetime. Restarting after a crash means
// a fresh Reactor and a fresh boot announcement, with all registrations lost.
type Reactor struct {
	cfg     Config
	table   *KeyTable
	session *clientSession
}

// NewReactor returns a Reactor with an empty key table.
func NewReactor(cfg Config) *Reactor {
	return &Reactor{
		cfg:   cfg,
		table: NewKeyTable(cfg.MaxRegistrations),
	}
}

// Run announces the boot and serves t until read failure or protocol
// violation. Frames that fault a single request are answered with an error
// reply; only transport failures and unrecognised ops abort the stream.
func (self *Reactor) Run(ctx context.Context, t transport.T) error {
	log := observability.GetObservability(ctx).Log()

	mt := transport.MessageTransport{Transport: t, S: transport.CBORSerializer{}}

	boot, err := wire.NewEnvelope(wire.OpBoot, wire.BootBody{Measurement: self.cfg.Measurement})
	if nil != err {
		return err
	}
	err = mt.WriteMessage(boot)
	if nil != err {
		return err
	}
	log.Info("announced boot", "registrations", self.table.Len())

	for {
		var env wire.Envelope
		err := mt.ReadMessage(&env)
		if nil != err {
			if errors.Is(err, transport.SerializationError) {
				return wrapError(err, "host stream carried an undecodable frame")
			}
			return err
		}

		reply, err := self.dispatch(log, env)
		if nil != err {
			return err
		}

		err = mt.WriteMessage(reply)
		if nil != err {
			return err
		}
	}
}

// dispatch serves one envelope. A non nil error aborts the stream; request
// level faults come back as the fault reply envelope.
func (self *Reactor) dispatch(log *slog.Logger, env wire.Envelope) (wire.Envelope, error) {
	switch env.Op {
	case wire.OpOpen:
		return self.handleOpen(log, env)
	case wire.OpData:
		return self.handleData(log, env)
	case wire.OpClose:
		return self.handleClose(log, env)
	case wire.OpWants:
		return self.handleWants(env)
	case wire.OpFeed:
		return self.handleFeed(log, env)
	default:
		return wire.Envelope{}, newError("unrecognised op %q", env.Op)
	}
}

func (self *Reactor) handleOpen(log *slog.Logger, env wire.Envelope) (wire.Envelope, error) {
	var body wire.OpenBody
	err := env.DecodeBody(&body)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}

	if nil != self.session {
		return wire.FaultEnvelope(env.Op, flagError(wire.ErrTooManySessions,
			"session %d is already open", self.session.sid)), nil
	}

	session, hello, err := openSession(body.SID, self.cfg.Quoter)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}
	self.session = session
	log.Info("opened session", "sid", body.SID)

	return wire.NewEnvelope(wire.OkOp(env.Op), wire.OpenOkBody{SID: body.SID, Hello: hello})
}

func (self *Reactor) handleData(log *slog.Logger, env wire.Envelope) (wire.Envelope, error) {
	var body wire.DataBody
	err := env.DecodeBody(&body)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}

	if nil == self.session || self.session.sid != body.SID {
		return wire.FaultEnvelope(env.Op, flagError(wire.ErrUnknownSession,
			"no open session %d", body.SID)), nil
	}

	if nil == self.session.pair {
		err := self.session.seal(body.Payload)
		if nil != err {
			self.session = nil
			return wire.FaultEnvelope(env.Op, err), nil
		}
		log.Info("sealed session", "sid", body.SID)
		return wire.NewEnvelope(wire.OkOp(env.Op), wire.DataBody{SID: body.SID})
	}

	payload, err := self.session.answer(self.table, self.cfg.FprLog2Max, body.Payload)
	if nil != err {
		// an undecryptable or malformed frame kills the tunnel
		self.session = nil
		log.Warn("dropped session", "sid", body.SID, "error", err)
		return wire.FaultEnvelope(env.Op, err), nil
	}

	return wire.NewEnvelope(wire.OkOp(env.Op), wire.DataBody{SID: body.SID, Payload: payload})
}

func (self *Reactor) handleClose(log *slog.Logger, env wire.Envelope) (wire.Envelope, error) {
	var body wire.CloseBody
	err := env.DecodeBody(&body)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}

	if nil != self.session && self.session.sid == body.SID {
		self.session = nil
		log.Info("closed session", "sid", body.SID)
	}

	return wire.NewEnvelope(wire.OkOp(env.Op), nil)
}

func (self *Reactor) handleWants(env wire.Envelope) (wire.Envelope, error) {
	if nil != self.session {
		return wire.FaultEnvelope(env.Op, flagError(wire.ErrBusy,
			"session %d is open", self.session.sid)), nil
	}

	return wire.NewEnvelope(wire.OkOp(env.Op), wire.WantsOkBody{Wants: self.table.Wants()})
}

func (self *Reactor) handleFeed(log *slog.Logger, env wire.Envelope) (wire.Envelope, error) {
	if nil != self.session {
		return wire.FaultEnvelope(env.Op, flagError(wire.ErrBusy,
			"session %d is open", self.session.sid)), nil
	}

	var body wire.FeedBody
	err := env.DecodeBody(&body)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}

	results, err := self.table.Scan(body)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}
	log.Debug("scanned feed", "height", body.Height, "flags", len(body.Flags), "results", len(results))

	return wire.NewEnvelope(wire.OkOp(env.Op), wire.FeedOkBody{Results: results})
}
