package host

import (
	"context"
	"io"
	"log/slog"
	"time"

	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/internal/wire"
)

const reopenDelay = time.Second

// DialFunc opens the byte stream pair to the enclave reactor.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

type driverCall struct {
	env   wire.Envelope
	reply chan driverReply
}

type driverReply struct {
	env wire.Envelope
	err error
}

// Driver owns the enclave stream. Every other host task submits envelopes
// through Call, which funnels them into a bounded channel served one at a
// time; the enclave's strict turn-taking is preserved by construction.
//
// A failed exchange drops the stream and reopens it. The reactor then
// announces a fresh boot, meaning all enclave state was lost; OnBoot lets the
// owner observe these epochs.
type Driver struct {
	dial  DialFunc
	calls chan driverCall

	// OnBoot, when non nil, is invoked with the boot announcement each time
	// the stream (re)opens.
	OnBoot func(boot wire.BootBody)
}

// NewDriver returns a Driver dialing the reactor through dial. depth bounds
// the number of queued exchanges.
func NewDriver(dial DialFunc, depth int) *Driver {
	return &Driver{
		dial:  dial,
		calls: make(chan driverCall, depth),
	}
}

// Call performs one request/reply exchange with the reactor. The returned
// envelope may be a fault reply; transport failures surface as errors.
func (self *Driver) Call(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	call := driverCall{env: env, reply: make(chan driverReply, 1)}

	select {
	case self.calls <- call:
	case <-ctx.Done():
		return wire.Envelope{}, wrapError(ctx.Err(), "driver queue unavailable")
	}

	select {
	case rep := <-call.reply:
		return rep.env, rep.err
	case <-ctx.Done():
		return wire.Envelope{}, wrapError(ctx.Err(), "driver call abandoned")
	}
}

// Run serves the call queue until ctx is done, reopening the stream after
// every failure.
func (self *Driver) Run(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()

	for {
		err := self.serveStream(ctx, log)
		if nil != ctx.Err() {
			return nil
		}
		log.Warn("enclave stream lost", "error", err)

		select {
		case <-time.After(reopenDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (self *Driver) serveStream(ctx context.Context, log *slog.Logger) error {
	stream, err := self.dial(ctx)
	if nil != err {
		return wrapError(err, "failed dialing enclave")
	}
	defer stream.Close()

	// a dropped context must unblock the blocking reads
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	mt := transport.MessageTransport{
		Transport: transport.NewCobsTransport(stream),
		S:         transport.CBORSerializer{},
	}

	var boot wire.Envelope
	err = mt.ReadMessage(&boot)
	if nil != err {
		return wrapError(err, "failed reading boot announcement")
	}
	if wire.OpBoot != boot.Op {
		return newError("first reactor frame op is %q, %q expected", boot.Op, wire.OpBoot)
	}
	var body wire.BootBody
	err = boot.DecodeBody(&body)
	if nil != err {
		return err
	}
	log.Info("enclave booted", "measurement", body.Measurement)
	if nil != self.OnBoot {
		self.OnBoot(body)
	}

	for {
		var call driverCall
		select {
		case call = <-self.calls:
		case <-ctx.Done():
			return nil
		}

		reply, err := self.exchange(mt, call.env)
		call.reply <- driverReply{env: reply, err: err}
		if nil != err {
			return err
		}
	}
}

// exchange writes one frame and reads exactly one reply.
func (self *Driver) exchange(mt transport.MessageTransport, env wire.Envelope) (wire.Envelope, error) {
	err := mt.WriteMessage(env)
	if nil != err {
		return wire.Envelope{}, wrapError(err, "failed writing %s frame", env.Op)
	}

	var reply wire.Envelope
	err = mt.ReadMessage(&reply)
	if nil != err {
		return wire.Envelope{}, wrapError(err, "failed reading %s reply", env.Op)
	}

	return reply, nil
}
