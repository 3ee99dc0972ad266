package speculative

import "github.com/nsl-research/bftkit/wire"

// EncodeBatch serializes a batch of requests exactly as
// threephase.EncodeBatch does; kept as its own copy rather than shared
// so the two protocols' wire formats never accidentally couple.
func EncodeBatch(batch []Request) []byte {
	w := wire.NewWriter()
	w.Uint32(uint32(len(batch)))
	for _, req := range batch {
		req.encode(w)
	}
	return w.Bytes()
}

// DecodeBatch is EncodeBatch's inverse.
func DecodeBatch(b []byte) ([]Request, error) {
	r := wire.NewReader(b)
	n := r.Uint32()
	batch := make([]Request, 0, n)
	for i := uint32(0); i < n; i++ {
		batch = append(batch, decodeRequest(r))
	}
	return batch, r.Finish()
}
