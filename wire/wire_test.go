package wire_test

import (
	"testing"

	"github.com/nsl-research/bftkit/wire"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := wire.NewWriter()
	w.Byte(7)
	w.Uint32(42)
	w.Uint64(1 << 40)
	w.WriteBytes([]byte("hello"))
	w.Fixed([]byte{1, 2, 3, 4})

	r := wire.NewReader(w.Bytes())
	require.Equal(t, byte(7), r.Byte())
	require.Equal(t, uint32(42), r.Uint32())
	require.Equal(t, uint64(1<<40), r.Uint64())
	require.Equal(t, []byte("hello"), r.ReadBytes())
	require.Equal(t, []byte{1, 2, 3, 4}, r.Fixed(4))
	require.NoError(t, r.Finish())
}

func TestReaderDetectsShortBuffer(t *testing.T) {
	r := wire.NewReader([]byte{1, 2})
	_ = r.Uint32()
	require.Error(t, r.Err())
}

func TestFinishRejectsTrailingBytes(t *testing.T) {
	w := wire.NewWriter()
	w.Uint32(1)
	buf := append(w.Bytes(), 0xFF)

	r := wire.NewReader(buf)
	_ = r.Uint32()
	require.Error(t, r.Finish())
}

func TestReadBytesEmpty(t *testing.T) {
	w := wire.NewWriter()
	w.WriteBytes(nil)
	r := wire.NewReader(w.Bytes())
	require.Empty(t, r.ReadBytes())
	require.NoError(t, r.Finish())
}
