package host

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/host/store"
	"code.kassandra.org/golang/internal/observability"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/internal/wire"
)

// Gateway accepts client connections and bridges them, one at a time, into
// an enclave session. Info and query-by-tag requests are answered directly
// from host state without waking the enclave.
type Gateway struct {
	drv         *Driver
	results     store.ResultStore
	instance    uuid.UUID
	measurement []byte
	idle        time.Duration
	queue       chan net.Conn
	sid         atomic.Uint64
}

// NewGateway returns a Gateway bridging clients through drv. depth bounds
// the FIFO of connections waiting for the session slot.
func NewGateway(drv *Driver, results store.ResultStore, instance uuid.UUID, measurement []byte, idle time.Duration, depth int) *Gateway {
	return &Gateway{
		drv:         drv,
		results:     results,
		instance:    instance,
		measurement: measurement,
		idle:        idle,
		queue:       make(chan net.Conn, depth),
	}
}

// Run accepts connections on ln and serves them until ctx is done.
func (self *Gateway) Run(ctx context.Context, ln net.Listener) error {
	log := observability.GetObservability(ctx).Log()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	go self.accept(ctx, ln, log)

	for {
		select {
		case conn := <-self.queue:
			self.serve(ctx, log, conn)
		case <-ctx.Done():
			return nil
		}
	}
}

// accept enqueues connections; when the FIFO is full the connection is
// dropped immediately rather than held open unanswered.
func (self *Gateway) accept(ctx context.Context, ln net.Listener, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if nil != err {
			if nil != ctx.Err() {
				return
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		select {
		case self.queue <- conn:
		default:
			log.Warn("client queue full, dropping connection", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// serve handles one client connection to completion.
func (self *Gateway) serve(ctx context.Context, log *slog.Logger, conn net.Conn) {
	defer conn.Close()

	mt := transport.MessageTransport{
		Transport: transport.RWTransport{R: conn, W: conn},
		S:         transport.CBORSerializer{},
	}

	var sid uint64
	var bridged bool
	defer func() {
		if bridged {
			self.closeSession(ctx, sid)
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(self.idle))

		var env wire.Envelope
		err := mt.ReadMessage(&env)
		if nil != err {
			if nil == ctx.Err() {
				log.Debug("client connection retired", "error", err)
			}
			return
		}

		var reply wire.Envelope
		switch env.Op {
		case wire.OpInfo:
			reply, err = wire.NewEnvelope(wire.OkOp(env.Op), wire.InfoOkBody{
				UUID:        self.instance,
				Measurement: self.measurement,
			})
		case wire.OpQueryTag:
			reply, err = self.answerQueryTag(ctx, env)
		case wire.OpOpen:
			if bridged {
				reply = wire.FaultEnvelope(env.Op, flagError(wire.ErrTooManySessions,
					"connection already bridges session %d", sid))
				break
			}
			sid = self.sid.Add(1)
			reply, err = self.bridgeOpen(ctx, sid)
			bridged = nil == err && !wire.IsErrOp(reply.Op)
		case wire.OpData:
			if !bridged {
				reply = wire.FaultEnvelope(env.Op, flagError(wire.ErrUnknownSession,
					"no bridged session on this connection"))
				break
			}
			reply, err = self.bridgeData(ctx, sid, env)
		case wire.OpClose:
			if bridged {
				bridged = false
				self.closeSession(ctx, sid)
			}
			reply, err = wire.NewEnvelope(wire.OkOp(env.Op), nil)
		default:
			reply = wire.FaultEnvelope(env.Op, flagError(wire.ErrMalformedBatch,
				"unrecognised op %q", env.Op))
		}
		if nil != err {
			log.Warn("client request failed", "op", env.Op, "error", err)
			reply = wire.FaultEnvelope(env.Op, err)
		}

		err = mt.WriteMessage(reply)
		if nil != err {
			return
		}
	}
}

func (self *Gateway) answerQueryTag(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	var body wire.QueryTagBody
	err := env.DecodeBody(&body)
	if nil == err {
		err = body.Check()
	}
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}

	rows, err := self.results.ResultsByTag(ctx, body.Tag)
	if nil != err {
		return wire.Envelope{}, wrapError(err, "failed loading results")
	}

	results := make([]wire.SealedResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, wire.SealedResult{H: row.Height, CT: row.CT})
	}

	return wire.NewEnvelope(wire.OkOp(env.Op), wire.QueryTagOkBody{Results: results})
}

// bridgeOpen opens the enclave session and relays the open_ok, which carries
// the session id the client echoes in its data frames.
func (self *Gateway) bridgeOpen(ctx context.Context, sid uint64) (wire.Envelope, error) {
	env, err := wire.NewEnvelope(wire.OpOpen, wire.OpenBody{SID: sid})
	if nil != err {
		return wire.Envelope{}, err
	}
	return self.drv.Call(ctx, env)
}

// bridgeData relays one tunnel frame, pinning the session id the gateway
// allocated; the client payload stays opaque.
func (self *Gateway) bridgeData(ctx context.Context, sid uint64, env wire.Envelope) (wire.Envelope, error) {
	var body wire.DataBody
	err := env.DecodeBody(&body)
	if nil != err {
		return wire.FaultEnvelope(env.Op, err), nil
	}
	body.SID = sid

	fwd, err := wire.NewEnvelope(wire.OpData, body)
	if nil != err {
		return wire.Envelope{}, err
	}
	return self.drv.Call(ctx, fwd)
}

func (self *Gateway) closeSession(ctx context.Context, sid uint64) {
	env, err := wire.NewEnvelope(wire.OpClose, wire.CloseBody{SID: sid})
	if nil != err {
		return
	}
	self.drv.Call(ctx, env)
}
