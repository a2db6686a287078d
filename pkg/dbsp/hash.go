package dbsp

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

type hashEncoder struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
}

var hashEncoderPool = sync.Pool{
	New: func() any {
		h := &hashEncoder{}
		h.enc = msgpack.NewEncoder(&h.buf)
		h.enc.SetSortMapKeys(true)
		h.enc.UseCompactInts(true)
		return h
	},
}

// Hash returns the content hash of a value. Two values hash equal if their canonical msgpack
// encodings (map keys sorted, integers compacted) are equal. Values that cannot be encoded fall
// back to hashing their Go syntax representation.
func Hash(v any) uint64 {
	h := hashEncoderPool.Get().(*hashEncoder)
	defer hashEncoderPool.Put(h)

	h.buf.Reset()
	if err := h.enc.Encode(v); err != nil {
		return xxhash.Sum64String(fmt.Sprintf("%#v", v))
	}
	return xxhash.Sum64(h.buf.Bytes())
}

// SameContent reports whether two values have the same content hash.
func SameContent(a, b any) bool { return Hash(a) == Hash(b) }
