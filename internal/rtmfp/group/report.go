package group

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
)

// GroupHandshakeKeys derives the two keys exchanged via GROUP_INIT over the
// Report writer: kConnect authenticates us to the peer, kExpected is what we
// expect the peer to present back.
func GroupHandshakeKeys(sharedSecret, nearNonce, farNonce []byte, groupIDTxt string) (kConnect, kExpected []byte) {
	kConnect = hmacSum(hmacSum(sharedSecret, farNonce), []byte(groupIDTxt))
	kExpected = hmacSum(hmacSum(sharedSecret, nearNonce), []byte(groupIDTxt))
	return
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// EncodeGroupInit builds the GROUP_INIT payload:
// 4100 || groupIdHex(64) || 2101 || key(32) || 2303 || rawPeerId(34).
func EncodeGroupInit(groupIDHex string, key, rawPeerID []byte) []byte {
	buf := make([]byte, 0, 4+64+4+32+4+34)
	buf = append(buf, byte(OpGroupInit))
	buf = append(buf, 0x41, 0x00)
	buf = append(buf, []byte(groupIDHex)...)
	buf = append(buf, 0x21, 0x01)
	buf = append(buf, key...)
	buf = append(buf, 0x23, 0x03)
	buf = append(buf, rawPeerID...)
	return buf
}

// GroupInit is a parsed GROUP_INIT payload.
type GroupInit struct {
	GroupIDHex string
	Key        []byte
	RawPeerID  []byte
}

// DecodeGroupInit parses a GROUP_INIT body (without its opcode byte).
func DecodeGroupInit(body []byte) (GroupInit, bool) {
	if len(body) < 2+64+2+32+2+34 {
		return GroupInit{}, false
	}
	off := 2
	groupIDHex := string(body[off : off+64])
	off += 64
	off += 2
	key := append([]byte(nil), body[off:off+32]...)
	off += 32
	off += 2
	rawPeerID := append([]byte(nil), body[off:off+34]...)
	return GroupInit{GroupIDHex: groupIDHex, Key: key, RawPeerID: rawPeerID}, true
}

// MemberEntry advertises one bestList neighbor inside a Group Report.
type MemberEntry struct {
	RawPeerID       []byte
	SecondsSinceHeard uint64
	HostAddress     wire.Address
	Addresses       []wire.Address
}

// EncodeGroupReport builds a 0x0A Group Report: our view of the receiver's
// address, our own host address (tagged REDIRECTION), a zero terminator,
// then one 0x22-prefixed MEMBER block per advertised peer.
func EncodeGroupReport(receiverAddr, ourHostAddr wire.Address, members []MemberEntry) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(OpGroupReport))
	buf = wire.WriteAddress(buf, receiverAddr)
	ourHostAddr.Type = wire.AddressRedirection
	buf = wire.WriteAddress(buf, ourHostAddr)
	buf = append(buf, 0x00)

	for _, m := range members {
		buf = append(buf, 0x22)
		buf = append(buf, m.RawPeerID...)
		buf = wire.PutUint7(buf, m.SecondsSinceHeard)
		block := make([]byte, 0, 32)
		block = append(block, 0x0A)
		hostTagged := m.HostAddress
		hostTagged.Type = wire.AddressRedirection
		block = wire.WriteAddress(block, hostTagged)
		for _, a := range m.Addresses {
			block = wire.WriteAddress(block, a)
		}
		block = append(block, 0x00)
		buf = append(buf, byte(len(block)))
		buf = append(buf, block...)
	}
	return buf
}

// GroupReport is a parsed 0x0A Group Report.
type GroupReport struct {
	ReceiverAddr wire.Address
	OurHostAddr  wire.Address
	Members      []MemberEntry
}

// DecodeGroupReport parses a Group Report body (without its opcode byte),
// the symmetric counterpart to EncodeGroupReport.
func DecodeGroupReport(body []byte) (GroupReport, bool) {
	receiverAddr, rest, ok := wire.ReadAddress(body)
	if !ok {
		return GroupReport{}, false
	}
	hostAddr, rest, ok := wire.ReadAddress(rest)
	if !ok {
		return GroupReport{}, false
	}
	if len(rest) < 1 || rest[0] != 0x00 {
		return GroupReport{}, false
	}
	rest = rest[1:]

	var members []MemberEntry
	for len(rest) > 0 && rest[0] == 0x22 {
		rest = rest[1:]
		if len(rest) < 34 {
			return GroupReport{}, false
		}
		rawPeerID := append([]byte(nil), rest[:34]...)
		rest = rest[34:]
		secondsSinceHeard, afterSeconds, ok := wire.Uint7(rest)
		if !ok {
			return GroupReport{}, false
		}
		rest = afterSeconds
		if len(rest) < 1 {
			return GroupReport{}, false
		}
		blockLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < blockLen {
			return GroupReport{}, false
		}
		block := rest[:blockLen]
		rest = rest[blockLen:]

		if len(block) < 1 || block[0] != 0x0A {
			return GroupReport{}, false
		}
		block = block[1:]
		hostTagged, block, ok := wire.ReadAddress(block)
		if !ok {
			return GroupReport{}, false
		}
		var addrs []wire.Address
		for len(block) > 0 && block[0] != 0x00 {
			var a wire.Address
			a, block, ok = wire.ReadAddress(block)
			if !ok {
				return GroupReport{}, false
			}
			addrs = append(addrs, a)
		}
		members = append(members, MemberEntry{
			RawPeerID:         rawPeerID,
			SecondsSinceHeard: secondsSinceHeard,
			HostAddress:       hostTagged,
			Addresses:         addrs,
		})
	}

	return GroupReport{ReceiverAddr: receiverAddr, OurHostAddr: hostAddr, Members: members}, true
}
