package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IP discovery packet layout (big-endian):
// [Type:2][Length:2][SSRC:4][Address:64][Port:2]
const (
	DiscoveryRequest  uint16 = 0x1
	DiscoveryResponse uint16 = 0x2

	DiscoveryPacketSize = 74
	discoveryLength     = 70
	addressFieldSize    = 64
)

// Discovery is a decoded IP discovery packet.
type Discovery struct {
	Type    uint16
	SSRC    uint32
	Address string
	Port    uint16
}

// AddrPort returns the address and port carried by the packet.
func (d Discovery) AddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(d.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid discovered address %q: %w", d.Address, err)
	}
	return netip.AddrPortFrom(addr, d.Port), nil
}

// MarshalDiscovery encodes d. The address is truncated to fit its field
// and always leaves room for a terminating NUL.
func MarshalDiscovery(d Discovery) []byte {
	b := make([]byte, DiscoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:2], d.Type)
	binary.BigEndian.PutUint16(b[2:4], discoveryLength)
	binary.BigEndian.PutUint32(b[4:8], d.SSRC)
	address := d.Address
	if len(address) > addressFieldSize-1 {
		address = address[:addressFieldSize-1]
	}
	copy(b[8:8+addressFieldSize], address)
	binary.BigEndian.PutUint16(b[8+addressFieldSize:], d.Port)
	return b
}

// ParseDiscovery decodes a discovery packet.
func ParseDiscovery(b []byte) (Discovery, error) {
	if len(b) < DiscoveryPacketSize {
		return Discovery{}, fmt.Errorf("discovery packet too short: expected %d bytes, got %d", DiscoveryPacketSize, len(b))
	}
	length := binary.BigEndian.Uint16(b[2:4])
	if length != discoveryLength {
		return Discovery{}, fmt.Errorf("unexpected discovery length field %d", length)
	}

	field := b[8 : 8+addressFieldSize]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}

	return Discovery{
		Type:    binary.BigEndian.Uint16(b[0:2]),
		SSRC:    binary.BigEndian.Uint32(b[4:8]),
		Address: string(field),
		Port:    binary.BigEndian.Uint16(b[8+addressFieldSize : DiscoveryPacketSize]),
	}, nil
}

// isDiscovery reports whether b has the shape of a discovery packet.
// RTP packets always start with version bits 0b10, so the first byte
// distinguishes the two.
func isDiscovery(b []byte) bool {
	if len(b) != DiscoveryPacketSize || b[0] != 0 {
		return false
	}
	t := binary.BigEndian.Uint16(b[0:2])
	return t == DiscoveryRequest || t == DiscoveryResponse
}
