package specconst

import "github.com/vmihailenco/msgpack/v5"

// Msgpack encodes bindings with vmihailenco/msgpack/v5.
// The zero value is ready to use.
type Msgpack struct{}

var _ Codec = Msgpack{}

func (Msgpack) Encode(v Values) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(sorted(v))
}

func (Msgpack) Decode(b []byte) (Values, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var es []entry
	if err := msgpack.Unmarshal(b, &es); err != nil {
		return nil, err
	}
	return fromEntries(es), nil
}
