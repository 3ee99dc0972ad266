//go:build !linux

package kbtransport

import (
	"errors"

	"github.com/nsl-research/bftkit/transport"
)

// errUnsupported is returned by every helper on platforms other than
// Linux: AF_PACKET raw sockets are a Linux-specific kernel-bypass-flavored
// primitive (see kbtransport.go's package doc), so this transport has no
// meaningful implementation elsewhere. Use transport/simtransport in
// cross-platform tests instead.
var errUnsupported = errors.New("kbtransport: raw AF_PACKET sockets are only supported on linux")

func interfaceByName(name string) (int, error) {
	return 0, errUnsupported
}

func openPacketSocket(ifIndex int) (int, error) {
	return 0, errUnsupported
}

func sendFrame(fd int, ifIndex int, dstHW [transport.HardwareAddrSize]byte, frame []byte) error {
	return errUnsupported
}
