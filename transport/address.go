package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// HardwareAddrSize is the length in bytes of the hardware portion of an
// Address (§3: "6-byte hardware address").
const HardwareAddrSize = 6

// Address is a link-layer address: a 6-byte hardware address plus a 1-byte
// local id, forming a flat namespace independent of IP (§3). Two addresses
// sharing a hardware address but differing local id name distinct logical
// endpoints on the same NIC (e.g. one replica process and several ephemeral
// client sockets sharing a host).
type Address struct {
	Hardware [HardwareAddrSize]byte
	Local    uint8
}

// String renders the literal form used by the configuration file grammar
// in SPEC_FULL.md §6: "aa:bb:cc:dd:ee:ff#N".
func (a Address) String() string {
	var b strings.Builder
	for i, byt := range a.Hardware {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", byt)
	}
	fmt.Fprintf(&b, "#%d", a.Local)
	return b.String()
}

// ParseAddress parses the "aa:bb:cc:dd:ee:ff#N" literal form.
func ParseAddress(s string) (Address, error) {
	hashIdx := strings.IndexByte(s, '#')
	if hashIdx < 0 {
		return Address{}, fmt.Errorf("config: address %q missing '#local-id' suffix", s)
	}
	macPart, localPart := s[:hashIdx], s[hashIdx+1:]

	octets := strings.Split(macPart, ":")
	if len(octets) != HardwareAddrSize {
		return Address{}, fmt.Errorf("config: address %q does not have 6 hex octets", s)
	}
	var addr Address
	for i, octet := range octets {
		v, err := strconv.ParseUint(octet, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("config: address %q has invalid octet %q: %w", s, octet, err)
		}
		addr.Hardware[i] = byte(v)
	}

	local, err := strconv.ParseUint(localPart, 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("config: address %q has invalid local id %q: %w", s, localPart, err)
	}
	addr.Local = uint8(local)
	return addr, nil
}
