package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestCobsEncodeKnownVectors(t *testing.T) {
	vectors := []struct {
		data    []byte
		encoded []byte
	}{
		{[]byte{}, []byte{0x01}},
		{[]byte{0x00}, []byte{0x01, 0x01}},
		{[]byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01}},
		{[]byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33}},
		{[]byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44}},
		{[]byte{0x11, 0x00, 0x00, 0x00}, []byte{0x02, 0x11, 0x01, 0x01, 0x01}},
	}

	for pos, v := range vectors {
		encoded := cobsEncode(v.data)
		if !bytes.Equal(v.encoded, encoded) {
			t.Errorf("[%d] failed encoding, % X != % X", pos, encoded, v.encoded)
			continue
		}
		decoded, err := cobsDecode(encoded)
		if nil != err {
			t.Errorf("[%d] failed decoding, got error %v", pos, err)
			continue
		}
		if !bytes.Equal(v.data, decoded) {
			t.Errorf("[%d] failed roundtrip, % X != % X", pos, decoded, v.data)
		}
	}
}

func TestCobsLongBlockRoundtrip(t *testing.T) {
	for _, size := range []int{253, 254, 255, 300, 1024} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(1 + i%255)
		}

		encoded := cobsEncode(data)
		if bytes.IndexByte(encoded, 0x00) >= 0 {
			t.Fatalf("encoded frame of size %d contains a zero byte", size)
		}

		decoded, err := cobsDecode(encoded)
		if nil != err {
			t.Fatalf("failed decoding frame of size %d, got error %v", size, err)
		}
		if !bytes.Equal(data, decoded) {
			t.Fatalf("failed roundtrip of size %d", size)
		}
	}
}

func TestCobsDecodeRejectsMalformed(t *testing.T) {
	for pos, frame := range [][]byte{
		{},
		{0x00},
		{0x03, 0x11},
		{0x02, 0x11, 0x00, 0x22},
	} {
		_, err := cobsDecode(frame)
		if !errors.Is(err, FramingError) {
			t.Errorf("[%d] failed not a FramingError, err is %v", pos, err)
		}
	}
}

func TestCobsTransportLoopback(t *testing.T) {
	buf := new(bytes.Buffer)
	ct := NewCobsTransport(buf)

	msgs := [][]byte{
		[]byte("plain"),
		{0x00, 0x01, 0x00, 0x02},
		{},
		bytes.Repeat([]byte{0xAB}, 600),
	}

	for pos, msg := range msgs {
		err := ct.WriteBytes(msg)
		if nil != err {
			t.Fatalf("[%d] failed WriteBytes, got error %v", pos, err)
		}
	}
	for pos, msg := range msgs {
		rmsg, err := ct.ReadBytes()
		if nil != err {
			t.Fatalf("[%d] failed ReadBytes, got error %v", pos, err)
		}
		if !bytes.Equal(msg, rmsg) {
			t.Fatalf("[%d] failed recovering msg, % X != % X", pos, rmsg, msg)
		}
	}
}
