package specconst

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes bindings with fxamacker/cbor using RFC 8949 Core Deterministic
// options. The zero value is NOT ready to use. Construct with NewCBOR or MustCBOR.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec = CBOR{}

func NewCBOR() (CBOR, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBOR{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBOR{}, err
	}
	return CBOR{enc: em, dec: dm}, nil
}

// MustCBOR is like NewCBOR but panics on error.
func MustCBOR() CBOR {
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR) Encode(v Values) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return c.enc.Marshal(sorted(v))
}

func (c CBOR) Decode(b []byte) (Values, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var es []entry
	if err := c.dec.Unmarshal(b, &es); err != nil {
		return nil, err
	}
	return fromEntries(es), nil
}
