package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"code.kassandra.org/golang/internal/transport"
)

func TestEnvelopeCobsRoundtrip(t *testing.T) {
	buf := new(bytes.Buffer)
	mt := transport.MessageTransport{
		Transport: transport.NewCobsTransport(buf),
		S:         transport.CBORSerializer{},
	}

	want := []Want{
		{UUID: uuid.New(), Height: 100},
		{UUID: uuid.New(), Height: 250},
	}
	env, err := NewEnvelope(OkOp(OpWants), WantsOkBody{Wants: want})
	if nil != err {
		t.Fatalf("failed NewEnvelope, got error %v", err)
	}

	err = mt.WriteMessage(env)
	if nil != err {
		t.Fatalf("failed WriteMessage, got error %v", err)
	}

	var renv Envelope
	err = mt.ReadMessage(&renv)
	if nil != err {
		t.Fatalf("failed ReadMessage, got error %v", err)
	}
	if OkOp(OpWants) != renv.Op {
		t.Fatalf("failed recovering op, %q != %q", renv.Op, OkOp(OpWants))
	}

	var body WantsOkBody
	err = renv.DecodeBody(&body)
	if nil != err {
		t.Fatalf("failed DecodeBody, got error %v", err)
	}
	if !reflect.DeepEqual(want, body.Wants) {
		t.Fatalf("failed recovering wants\n%+v\n!=\n%+v", body.Wants, want)
	}
}

func TestEnvelopeRejectsForeignVersion(t *testing.T) {
	env := Envelope{V: 2, Op: OpWants}
	if nil == env.Check() {
		t.Error("failed rejecting version 2 envelope")
	}

	env = Envelope{V: Version}
	if nil == env.Check() {
		t.Error("failed rejecting empty op envelope")
	}
}

func TestFaultEnvelopeRoundtrip(t *testing.T) {
	cause := flagError(ErrHeightSkipped, "height 7 is not the minimum want")
	env := FaultEnvelope(OpFeed, cause)

	if ErrOp(OpFeed) != env.Op {
		t.Fatalf("failed fault op, %q != %q", env.Op, ErrOp(OpFeed))
	}
	if !IsErrOp(env.Op) {
		t.Fatal("failed IsErrOp on a fault reply")
	}

	err := env.Fault()
	if !errors.Is(err, ErrHeightSkipped) {
		t.Errorf("failed not an ErrHeightSkipped, err is %v", err)
	}
}

func TestKindMapping(t *testing.T) {
	for _, kf := range kindFlags {
		if KindOf(flagError(kf.flag, "boom")) != kf.kind {
			t.Errorf("failed mapping flag %v to kind %s", kf.flag, kf.kind)
		}
		if !errors.Is(KindError(kf.kind, "boom"), kf.flag) {
			t.Errorf("failed mapping kind %s back to flag %v", kf.kind, kf.flag)
		}
	}

	if KindInternal != KindOf(newError("unmapped")) {
		t.Error("failed mapping unmapped error to KindInternal")
	}
}

func TestRequestCheck(t *testing.T) {
	dk := []byte{1, 2, 3}
	ek := make([]byte, EncKeySize)
	tag := make([]byte, TagSize)

	cases := []struct {
		name  string
		req   Request
		valid bool
	}{
		{"register", Request{Reg: &RegisterRequest{DK: dk, EK: ek, Birth: 100, FprLog2: 2}}, true},
		{"query", Request{Q: &QueryRequest{Tag: tag}}, true},
		{"empty", Request{}, false},
		{"both", Request{Reg: &RegisterRequest{DK: dk, EK: ek}, Q: &QueryRequest{Tag: tag}}, false},
		{"short ek", Request{Reg: &RegisterRequest{DK: dk, EK: ek[:16]}}, false},
		{"no dk", Request{Reg: &RegisterRequest{EK: ek}}, false},
		{"short tag", Request{Q: &QueryRequest{Tag: tag[:8]}}, false},
	}

	for _, tc := range cases {
		err := tc.req.Check()
		if tc.valid && nil != err {
			t.Errorf("[%s] failed Check, got error %v", tc.name, err)
		}
		if !tc.valid && nil == err {
			t.Errorf("[%s] failed rejecting invalid request", tc.name)
		}
	}
}
