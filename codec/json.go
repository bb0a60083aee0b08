package codec

import "encoding/json"

// JSONCodec stores values as JSON payload files. Entries stay inspectable
// with standard tooling straight out of the cache directory, at the cost of
// larger payloads than msgpack or CBOR.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
