package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// PeerAddress is a routable network address plus the service bits its
// owner advertised. Equality for address-book purposes considers only
// the socket address (spec §3): advertised services are metadata that
// can change between connections to the same host.
type PeerAddress struct {
	Addr     netip.AddrPort
	Services uint64
}

// Equal reports whether two addresses name the same socket (spec §3:
// "Equal iff the socket addresses are equal; advertised services are
// metadata").
func (a PeerAddress) Equal(b PeerAddress) bool {
	return a.Addr == b.Addr
}

func (a PeerAddress) String() string { return a.Addr.String() }

// legacy (version/addr message) wire shape: services(8) + 16-byte
// IPv6-mapped address + big-endian port(2).
func marshalPeerAddress(w io.Writer, a PeerAddress) error {
	if err := binary.Write(w, binary.LittleEndian, a.Services); err != nil {
		return err
	}
	ip16 := a.Addr.Addr().As16()
	if _, err := w.Write(ip16[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, a.Addr.Port())
}

func unmarshalPeerAddress(r io.Reader) (PeerAddress, error) {
	var services uint64
	if err := binary.Read(r, binary.LittleEndian, &services); err != nil {
		return PeerAddress{}, ErrShortMessage
	}
	var ip16 [16]byte
	if _, err := io.ReadFull(r, ip16[:]); err != nil {
		return PeerAddress{}, ErrShortMessage
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return PeerAddress{}, ErrShortMessage
	}

	addr := netip.AddrFrom16(ip16)
	if v4 := addr.As4(); addr.Is4In6() {
		addr = netip.AddrFrom4(v4)
	}
	return PeerAddress{Addr: netip.AddrPortFrom(addr, port), Services: services}, nil
}

// addrv2 network IDs (spec §6 "addrv2 details").
const (
	netIDIPv4 byte = 0x01
	netIDIPv6 byte = 0x02
)

const maxAddrV2Entries = 1000
const maxAddrV2AddrLen = 512

// AddrV2Entry is one BIP155-style gossiped address: 4-byte time, a
// compact-size services bitfield, a 1-byte network id, the address
// bytes, and a 2-byte big-endian port (spec §6).
type AddrV2Entry struct {
	Time     uint32
	Services uint64
	NetID    byte
	AddrRaw  []byte // raw address bytes; only populated/interpreted for IPv4/IPv6
	Port     uint16

	// Unimplemented is set when NetID names a network this codec does
	// not understand (Tor, I2P, CJDNS, ...). Per spec §6 the bytes are
	// still consumed so the rest of the message can be parsed, but the
	// entry itself carries no usable address.
	Unimplemented bool

	addr netip.Addr // resolved only when !Unimplemented
}

// Addr returns the resolved network address. Only valid when
// !Unimplemented.
func (e AddrV2Entry) Addr() netip.AddrPort {
	return netip.AddrPortFrom(e.addr, e.Port)
}

type AddrV2Message struct {
	Entries []AddrV2Entry
}

func (m *AddrV2Message) Command() Command { return CmdAddrV2 }

func (m *AddrV2Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCompactSize(&buf, uint64(len(m.Entries))); err != nil {
		return nil, err
	}
	for _, e := range m.Entries {
		if err := binary.Write(&buf, binary.LittleEndian, e.Time); err != nil {
			return nil, err
		}
		if err := writeCompactSize(&buf, e.Services); err != nil {
			return nil, err
		}
		buf.WriteByte(e.NetID)
		if err := writeCompactSize(&buf, uint64(len(e.AddrRaw))); err != nil {
			return nil, err
		}
		buf.Write(e.AddrRaw)
		if err := binary.Write(&buf, binary.BigEndian, e.Port); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses a BIP155-style addrv2 payload. Per spec §6:
// entries with an unknown network ID are consumed (bytes skipped) and
// returned with Unimplemented=true rather than causing the whole
// message to fail; a length mismatch for a *known* network ID (IPv4
// must be 4 bytes, IPv6 must be 16) is a protocol error for the whole
// message, and addr.len() > 512 is always a protocol error.
func (m *AddrV2Message) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	n, err := readCompactSize(r, maxAddrV2Entries)
	if err != nil {
		return err
	}

	m.Entries = make([]AddrV2Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e AddrV2Entry
		if err := binary.Read(r, binary.LittleEndian, &e.Time); err != nil {
			return ErrShortMessage
		}
		if e.Services, err = readCompactSize(r, 1<<32); err != nil {
			return err
		}
		if e.NetID, err = r.ReadByte(); err != nil {
			return ErrShortMessage
		}

		addrLen, err := readCompactSize(r, maxAddrV2AddrLen)
		if err != nil {
			return err
		}
		if addrLen > maxAddrV2AddrLen {
			return fmt.Errorf("wire: addrv2 address too long (%d)", addrLen)
		}

		e.AddrRaw = make([]byte, addrLen)
		if _, err := io.ReadFull(r, e.AddrRaw); err != nil {
			return ErrShortMessage
		}

		if err := binary.Read(r, binary.BigEndian, &e.Port); err != nil {
			return ErrShortMessage
		}

		switch e.NetID {
		case netIDIPv4:
			if len(e.AddrRaw) != 4 {
				return fmt.Errorf("wire: addrv2 ipv4 entry has length %d, want 4", len(e.AddrRaw))
			}
			e.addr = netip.AddrFrom4([4]byte(e.AddrRaw))
		case netIDIPv6:
			if len(e.AddrRaw) != 16 {
				return fmt.Errorf("wire: addrv2 ipv6 entry has length %d, want 16", len(e.AddrRaw))
			}
			e.addr = netip.AddrFrom16([16]byte(e.AddrRaw))
		default:
			e.Unimplemented = true
		}

		m.Entries = append(m.Entries, e)
	}

	return nil
}
