package transport

import (
	"bufio"
	"io"
)

const cobsDelimiter = byte(0x00)

// CobsTransport frames messages with COBS over a byte stream.
//
// Each frame is COBS encoded and terminated by a single zero byte, so a
// receiver that lost synchronization recovers at the next delimiter.
type CobsTransport struct {
	r *bufio.Reader
	w io.Writer
}

// NewCobsTransport returns a CobsTransport framing messages over rw.
func NewCobsTransport(rw io.ReadWriter) *CobsTransport {
	return &CobsTransport{r: bufio.NewReader(rw), w: rw}
}

// ReadBytes reads the next zero delimited frame and COBS decodes it.
func (self *CobsTransport) ReadBytes() ([]byte, error) {
	frame, err := self.r.ReadBytes(cobsDelimiter)
	if nil != err {
		return nil, wrapError(err, "failed reading frame")
	}
	frame = frame[:len(frame)-1] // strip delimiter

	data, err := cobsDecode(frame)
	if nil != err {
		return nil, err
	}

	return data, nil
}

// WriteBytes COBS encodes data and writes it as a single delimited frame.
func (self *CobsTransport) WriteBytes(data []byte) error {
	frame := cobsEncode(data)
	frame = append(frame, cobsDelimiter)

	_, err := self.w.Write(frame)

	return wrapError(err, "failed writing frame") // nil if err is nil
}

var _ Transport = &CobsTransport{}

// cobsEncode stuffs data so that it contains no zero byte.
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+1+len(data)/254)

	codePos := 0
	out = append(out, 0)
	code := byte(1)

	for _, b := range data {
		if 0 == b {
			out[codePos] = code
			codePos = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code += 1
		if 0xFF == code {
			out[codePos] = code
			codePos = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codePos] = code

	return out
}

// cobsDecode reverses cobsEncode.
func cobsDecode(frame []byte) ([]byte, error) {
	if 0 == len(frame) {
		return nil, flagError(FramingError, "frame is empty")
	}

	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); {
		code := frame[i]
		if 0 == code {
			return nil, flagError(FramingError, "frame contains a zero code byte")
		}
		i += 1

		n := int(code) - 1
		if i+n > len(frame) {
			return nil, flagError(FramingError, "frame truncated inside a block")
		}
		out = append(out, frame[i:i+n]...)
		i += n

		if 0xFF != code && i < len(frame) {
			out = append(out, 0)
		}
	}

	return out, nil
}
