package codec

// Codec converts values to and from the payload bytes stored on disk.
// Encode runs before a write is staged; Decode runs on the bytes read back
// from a committed entry. Either failure surfaces to the caller and leaves
// the entry untouched.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
