// Package specconst serializes specialization constant bindings into the
// bytes used as ProgramKey.SpecConsts.
//
// Equal bindings must serialize to equal bytes, otherwise the same program is
// built twice under two keys. Codecs therefore encode constants as a list
// sorted by ID, never as a map, and an empty binding as nil.
package specconst

import "sort"

// Values maps a specialization constant ID to its raw value bytes.
type Values map[uint32][]byte

// Codec encodes/decodes a binding.
type Codec interface {
	Encode(Values) ([]byte, error)
	Decode([]byte) (Values, error)
}

// entry is the on-wire form of one constant.
type entry struct {
	_        struct{} `cbor:",toarray"`
	_msgpack struct{} `msgpack:",as_array"`
	ID       uint32
	Value    []byte
}

func sorted(v Values) []entry {
	out := make([]entry, 0, len(v))
	for id, b := range v {
		out = append(out, entry{ID: id, Value: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func fromEntries(es []entry) Values {
	if len(es) == 0 {
		return nil
	}
	v := make(Values, len(es))
	for _, e := range es {
		v[e.ID] = e.Value
	}
	return v
}
