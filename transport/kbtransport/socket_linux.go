//go:build linux

package kbtransport

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/nsl-research/bftkit/transport"
)

func interfaceByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("lookup interface %q: %w", name, err)
	}
	return iface.Index, nil
}

// htons converts a host-order uint16 to network byte order, matching the
// kernel's expectation for AF_PACKET's protocol field.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

func openPacketSocket(ifIndex int) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherType)))
	if err != nil {
		return 0, fmt.Errorf("socket(AF_PACKET): %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  ifIndex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind(AF_PACKET): %w", err)
	}
	return fd, nil
}

func sendFrame(fd int, ifIndex int, dstHW [transport.HardwareAddrSize]byte, frame []byte) error {
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  ifIndex,
		Halen:    transport.HardwareAddrSize,
	}
	copy(addr.Addr[:], dstHW[:])
	return unix.Sendto(fd, frame, 0, addr)
}
