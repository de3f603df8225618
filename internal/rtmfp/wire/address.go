package wire

import (
	"encoding/binary"
	"net"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
)

// AddressType classifies how an Address was learned, mirroring the four
// kinds RTMFP distinguishes when a peer reports its own reachability.
type AddressType byte

const (
	AddressUnspecified AddressType = 0
	AddressLocal       AddressType = 1
	AddressPublic      AddressType = 2
	AddressRedirection AddressType = 3
)

func (t AddressType) String() string {
	switch t {
	case AddressLocal:
		return "local"
	case AddressPublic:
		return "public"
	case AddressRedirection:
		return "redirection"
	default:
		return "unspecified"
	}
}

// Address is a UDP endpoint as carried on the wire: an IP (v4 or v6) plus a
// port, tagged with the AddressType the sender claimed for it.
type Address struct {
	IP   net.IP
	Port uint16
	Type AddressType
}

func (a Address) String() string {
	return (&net.UDPAddr{IP: a.IP, Port: int(a.Port)}).String()
}

// family/type byte layout: bit0 selects IPv6 (1) vs IPv4 (0); bits 1-2 carry
// the AddressType tag.
func familyByte(ipv6 bool, t AddressType) byte {
	var b byte
	if ipv6 {
		b |= 0x01
	}
	b |= byte(t) << 1
	return b
}

// ReadAddress decodes one Address from r: a family/type byte, the raw IP
// bytes (4 or 16), and a little-endian port. It reports false if r is too
// short to hold a complete address.
func ReadAddress(r []byte) (addr Address, rest []byte, ok bool) {
	if len(r) < 1 {
		return Address{}, r, false
	}
	flag := r[0]
	r = r[1:]
	ipv6 := flag&0x01 != 0
	addrType := AddressType((flag >> 1) & 0x03)

	ipLen := net.IPv4len
	if ipv6 {
		ipLen = net.IPv6len
	}
	if len(r) < ipLen+2 {
		return Address{}, r, false
	}
	ip := make(net.IP, ipLen)
	copy(ip, r[:ipLen])
	r = r[ipLen:]
	port := binary.LittleEndian.Uint16(r[:2])
	r = r[2:]
	return Address{IP: ip, Port: port, Type: addrType}, r, true
}

// WriteAddress appends addr's wire encoding to buf and returns the extended
// slice.
func WriteAddress(buf []byte, addr Address) []byte {
	ip4 := addr.IP.To4()
	ipv6 := ip4 == nil
	buf = append(buf, familyByte(ipv6, addr.Type))
	if ipv6 {
		ip16 := addr.IP.To16()
		if ip16 == nil {
			ip16 = make(net.IP, net.IPv6len)
		}
		buf = append(buf, ip16...)
	} else {
		buf = append(buf, ip4...)
	}
	var port [2]byte
	binary.LittleEndian.PutUint16(port[:], addr.Port)
	buf = append(buf, port[:]...)
	return buf
}

// ReadAddresses decodes a count-prefixed list of addresses, as sent in
// handshake and redirect messages: a single byte holding the address count,
// followed by that many encoded Address values. The first decoded address is
// conventionally the host's primary address.
func ReadAddresses(r []byte) (addrs []Address, rest []byte, err error) {
	if len(r) < 1 {
		return nil, r, rerrors.NewFramingError("wire.read_addresses", errShort("address count"))
	}
	count := int(r[0])
	r = r[1:]
	addrs = make([]Address, 0, count)
	for i := 0; i < count; i++ {
		var addr Address
		var ok bool
		addr, r, ok = ReadAddress(r)
		if !ok {
			return nil, r, rerrors.NewFramingError("wire.read_addresses", errShort("address entry"))
		}
		addrs = append(addrs, addr)
	}
	return addrs, r, nil
}

// WriteAddresses appends a count-prefixed list of addrs to buf.
func WriteAddresses(buf []byte, addrs []Address) []byte {
	buf = append(buf, byte(len(addrs)))
	for _, addr := range addrs {
		buf = WriteAddress(buf, addr)
	}
	return buf
}
