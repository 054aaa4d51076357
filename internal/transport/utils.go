package transport

import (
	"sync"
)

// LimitTransport is a Transport that fails after a certain number of messages have been processed.
//
// LimitTransport is provided to simplify protocol testing.
type LimitTransport struct {
	Transport
	mut   sync.Mutex
	rsema int
	wsema int
}

// NewLimitTransport returns a new LimitTransport that wraps t.
func NewLimitTransport(t Transport) *LimitTransport {

	return &LimitTransport{Transport: t}
}

// SetReadLimit makes the limit-th read from the LimitTransport fail, so at most
// limit-1 messages can be read.
func (self *LimitTransport) SetReadLimit(limit int) {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.rsema = -limit
}

// SetWriteLimit makes the limit-th write to the LimitTransport fail, so at most
// limit-1 messages can be written.
func (self *LimitTransport) SetWriteLimit(limit int) {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.wsema = -limit
}

// ReadBytes errors from the read that reaches the SetReadLimit limit onwards.
// Otherwise data is read from the underlaying Transport.
func (self *LimitTransport) ReadBytes() ([]byte, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.rsema += 1
	if 0 == self.rsema {
		self.rsema -= 1 // fail again at next call
		return nil, wrapError(ReadLimitError, "test only")
	}

	return self.Transport.ReadBytes()
}

// WriteBytes errors from the write that reaches the SetWriteLimit limit onwards.
// Otherwise data is written to the underlaying Transport.
func (self *LimitTransport) WriteBytes(data []byte) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.wsema += 1
	if 0 == self.wsema {
		self.wsema -= 1 // fail again at next call
		return wrapError(WriteLimitError, "test only")
	}

	return self.Transport.WriteBytes(data)
}

var _ Transport = &LimitTransport{}
