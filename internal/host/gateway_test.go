package host

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/host/store"
	"code.kassandra.org/golang/internal/transport"
	"code.kassandra.org/golang/internal/wire"
	"code.kassandra.org/golang/pkg/ratls"
)

// dialGateway starts gw on a loopback listener and connects one client.
func dialGateway(t *testing.T, ctx context.Context, gw *Gateway) transport.MessageTransport {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if nil != err {
		t.Fatalf("failed listening, got error %v", err)
	}
	go gw.Run(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if nil != err {
		t.Fatalf("failed dialing gateway, got error %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return transport.MessageTransport{
		Transport: transport.RWTransport{R: conn, W: conn},
		S:         transport.CBORSerializer{},
	}
}

func roundtrip(t *testing.T, mt transport.MessageTransport, op string, body any) wire.Envelope {
	t.Helper()

	env, err := wire.NewEnvelope(op, body)
	if nil != err {
		t.Fatalf("failed building %s envelope, got error %v", op, err)
	}
	err = mt.WriteMessage(env)
	if nil != err {
		t.Fatalf("failed sending %s, got error %v", op, err)
	}

	var reply wire.Envelope
	err = mt.ReadMessage(&reply)
	if nil != err {
		t.Fatalf("failed reading %s reply, got error %v", op, err)
	}

	return reply
}

func TestGatewayAnswersInfoLocally(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	instance := uuid.New()

	// no reactor behind the driver, info must not need one
	drv := NewDriver(func(ctx context.Context) (io.ReadWriteCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 1)

	gw := NewGateway(drv, st, instance, testMeasurement, time.Second, 4)
	mt := dialGateway(t, ctx, gw)

	reply := roundtrip(t, mt, wire.OpInfo, nil)
	if wire.OkOp(wire.OpInfo) != reply.Op {
		t.Fatalf("reply op is %q, info_ok expected", reply.Op)
	}
	var info wire.InfoOkBody
	err := reply.DecodeBody(&info)
	if nil != err {
		t.Fatalf("failed decoding info reply, got error %v", err)
	}
	if instance != info.UUID {
		t.Fatalf("info instance is %s, %s expected", info.UUID, instance)
	}
	if !bytes.Equal(testMeasurement, info.Measurement) {
		t.Fatalf("info measurement is %x, %x expected", info.Measurement, testMeasurement)
	}
}

func TestGatewayQueryByTag(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	tag := bytes.Repeat([]byte{0xBB}, wire.TagSize)
	err := st.AppendResults(ctx, []store.TaggedResult{
		{Tag: tag, UUID: uuid.New(), Height: 7, CT: []byte("seven")},
		{Tag: tag, UUID: uuid.New(), Height: 9, CT: []byte("nine")},
	})
	if nil != err {
		t.Fatalf("failed seeding results, got error %v", err)
	}

	drv := NewDriver(func(ctx context.Context) (io.ReadWriteCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 1)
	gw := NewGateway(drv, st, uuid.New(), testMeasurement, time.Second, 4)
	mt := dialGateway(t, ctx, gw)

	reply := roundtrip(t, mt, wire.OpQueryTag, wire.QueryTagBody{Tag: tag})
	if wire.OkOp(wire.OpQueryTag) != reply.Op {
		t.Fatalf("reply op is %q, qtag_ok expected", reply.Op)
	}
	var body wire.QueryTagOkBody
	err = reply.DecodeBody(&body)
	if nil != err {
		t.Fatalf("failed decoding qtag reply, got error %v", err)
	}
	if 2 != len(body.Results) {
		t.Fatalf("query returned %d results, 2 expected", len(body.Results))
	}
	if 7 != body.Results[0].H || "seven" != string(body.Results[0].CT) {
		t.Fatalf("first result is %+v, height 7 expected", body.Results[0])
	}

	// malformed tag faults without touching the store
	reply = roundtrip(t, mt, wire.OpQueryTag, wire.QueryTagBody{Tag: []byte("short")})
	if !wire.IsErrOp(reply.Op) {
		t.Fatalf("short tag got reply op %q, fault expected", reply.Op)
	}
}

func TestGatewayBridgesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)

	var openSID, dataSID atomic.Uint64
	drv := newTestDriver(t, ctx, func(env wire.Envelope) wire.Envelope {
		switch env.Op {
		case wire.OpOpen:
			var body wire.OpenBody
			env.DecodeBody(&body)
			openSID.Store(body.SID)
			reply, _ := wire.NewEnvelope(wire.OkOp(env.Op), wire.OpenOkBody{
				SID:   body.SID,
				Hello: ratls.ServerHello{},
			})
			return reply
		case wire.OpData:
			var body wire.DataBody
			env.DecodeBody(&body)
			dataSID.Store(body.SID)
			reply, _ := wire.NewEnvelope(wire.OkOp(env.Op), wire.DataBody{
				SID:     body.SID,
				Payload: body.Payload,
			})
			return reply
		case wire.OpClose:
			reply, _ := wire.NewEnvelope(wire.OkOp(env.Op), nil)
			return reply
		default:
			return wire.FaultEnvelope(env.Op, newError("unexpected op %q", env.Op))
		}
	})

	gw := NewGateway(drv, st, uuid.New(), testMeasurement, time.Second, 4)
	mt := dialGateway(t, ctx, gw)

	// data before open is refused
	reply := roundtrip(t, mt, wire.OpData, wire.DataBody{SID: 99, Payload: []byte("x")})
	if !wire.IsErrOp(reply.Op) {
		t.Fatalf("unbridged data got reply op %q, fault expected", reply.Op)
	}

	reply = roundtrip(t, mt, wire.OpOpen, nil)
	if wire.OkOp(wire.OpOpen) != reply.Op {
		t.Fatalf("open reply op is %q, open_ok expected", reply.Op)
	}

	// a second open on the same connection is refused
	reply = roundtrip(t, mt, wire.OpOpen, nil)
	if !wire.IsErrOp(reply.Op) {
		t.Fatalf("second open got reply op %q, fault expected", reply.Op)
	}

	// the session id is pinned by the gateway, not the client
	reply = roundtrip(t, mt, wire.OpData, wire.DataBody{SID: 99, Payload: []byte("ping")})
	if wire.OkOp(wire.OpData) != reply.Op {
		t.Fatalf("data reply op is %q, data_ok expected", reply.Op)
	}
	var data wire.DataBody
	err := reply.DecodeBody(&data)
	if nil != err {
		t.Fatalf("failed decoding data reply, got error %v", err)
	}
	if "ping" != string(data.Payload) {
		t.Fatalf("relayed payload is %q, ping expected", data.Payload)
	}
	if openSID.Load() != dataSID.Load() {
		t.Fatalf("data sid %d differs from open sid %d", dataSID.Load(), openSID.Load())
	}
	if 99 == dataSID.Load() {
		t.Fatalf("gateway forwarded the client chosen sid")
	}

	reply = roundtrip(t, mt, wire.OpClose, nil)
	if wire.OkOp(wire.OpClose) != reply.Op {
		t.Fatalf("close reply op is %q, close_ok expected", reply.Op)
	}

	// the bridge is gone after close
	reply = roundtrip(t, mt, wire.OpData, wire.DataBody{Payload: []byte("x")})
	if !wire.IsErrOp(reply.Op) {
		t.Fatalf("data after close got reply op %q, fault expected", reply.Op)
	}
}

func TestGatewayRejectsUnknownOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newScanStore(t)
	drv := NewDriver(func(ctx context.Context) (io.ReadWriteCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 1)
	gw := NewGateway(drv, st, uuid.New(), testMeasurement, time.Second, 4)
	mt := dialGateway(t, ctx, gw)

	reply := roundtrip(t, mt, "bogus", nil)
	if wire.ErrOp("bogus") != reply.Op {
		t.Fatalf("bogus op got reply op %q, bogus_err expected", reply.Op)
	}
}
