package kbtransport

import (
	"testing"

	"github.com/nsl-research/bftkit/transport"
	"github.com/stretchr/testify/require"
)

func TestStampHeaderLayout(t *testing.T) {
	src := transport.Address{Hardware: [6]byte{1, 2, 3, 4, 5, 6}, Local: 7}
	dst := transport.Address{Hardware: [6]byte{9, 8, 7, 6, 5, 4}, Local: 2}

	buf := make([]byte, 32)
	n := stampHeader(buf, src, dst)
	require.Equal(t, headerSize, n)
	require.Equal(t, dst.Hardware[:], buf[0:6])
	require.Equal(t, src.Hardware[:], buf[6:12])
	require.Equal(t, byte(EtherType>>8), buf[12])
	require.Equal(t, byte(EtherType), buf[13])
	require.Equal(t, dst.Local, buf[14])
	require.Equal(t, src.Local, buf[15])
}

func TestDispatchRoutesToRegisteredReceiver(t *testing.T) {
	tr := &Transport{
		cfg:       Config{Hardware: [6]byte{1, 1, 1, 1, 1, 1}},
		receivers: map[transport.Address]transport.RxFunc{},
	}
	tr.cfg.setDefaults()

	dst := transport.Address{Hardware: [6]byte{1, 1, 1, 1, 1, 1}, Local: 0}
	src := transport.Address{Hardware: [6]byte{2, 2, 2, 2, 2, 2}, Local: 5}

	var gotPayload []byte
	var gotRemote transport.Address
	tr.receivers[dst] = func(remote transport.Address, buf transport.RxBuffer) {
		gotRemote = remote
		gotPayload = buf.Bytes()
	}

	frame := make([]byte, headerSize+5)
	stampHeader(frame, src, dst)
	copy(frame[headerSize:], []byte("hello"))

	tr.dispatch(frame)
	require.Equal(t, "hello", string(gotPayload))
	require.Equal(t, src, gotRemote)
}

func TestDispatchIgnoresOtherEtherType(t *testing.T) {
	tr := &Transport{
		cfg:       Config{Hardware: [6]byte{1, 1, 1, 1, 1, 1}},
		receivers: map[transport.Address]transport.RxFunc{},
	}
	tr.cfg.setDefaults()

	called := false
	dst := transport.Address{Hardware: [6]byte{1, 1, 1, 1, 1, 1}, Local: 0}
	tr.receivers[dst] = func(remote transport.Address, buf transport.RxBuffer) { called = true }

	frame := make([]byte, headerSize)
	frame[12], frame[13] = 0x08, 0x00 // IPv4, not our EtherType
	tr.dispatch(frame)
	require.False(t, called)
}
