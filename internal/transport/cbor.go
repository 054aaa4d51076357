package transport

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORSerializer provides a Serializer that uses cbor Marshal/Unmarshal.
//
// The zero value uses the cbor package defaults. NewCBORSerializer and
// NewCTAP2Serializer return serializers with explicit encoder/decoder modes.
type CBORSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer returns a CBORSerializer using default cbor modes.
func NewCBORSerializer() CBORSerializer {
	enc, _ := cbor.EncOptions{}.EncMode()
	dec, _ := cbor.DecOptions{}.DecMode()
	return CBORSerializer{enc: enc, dec: dec}
}

// NewCTAP2Serializer returns a CBORSerializer enforcing CTAP2 canonical encoding.
func NewCTAP2Serializer() CBORSerializer {
	enc, _ := cbor.CTAP2EncOptions().EncMode()
	dec, _ := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}.DecMode()
	return CBORSerializer{enc: enc, dec: dec}
}

// Marshal wraps cbor Marshal
func (self CBORSerializer) Marshal(v any) ([]byte, error) {
	if nil == self.enc {
		return cbor.Marshal(v)
	}
	return self.enc.Marshal(v)
}

// Unmarshal wraps cbor Unmarshal
func (self CBORSerializer) Unmarshal(data []byte, v any) error {
	if nil == self.dec {
		return cbor.Unmarshal(data, v)
	}
	return self.dec.Unmarshal(data, v)
}

var _ Serializer = CBORSerializer{}
