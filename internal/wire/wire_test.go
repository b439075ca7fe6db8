package wire

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/zebrad/zebrad/internal/chain"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	codec := NewCodec(MagicMainnet)
	var buf bytes.Buffer
	if err := codec.Encode(&buf, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripVersion(t *testing.T) {
	addr := netip.MustParseAddrPort("203.0.113.5:8233")
	v := &VersionMessage{
		ProtocolVersion: 170100,
		Services:        1,
		Timestamp:       1_700_000_000,
		AddrRecv:        PeerAddress{Addr: addr, Services: 1},
		AddrFrom:        PeerAddress{Addr: addr, Services: 1},
		Nonce:           0xdeadbeef,
		UserAgent:       "/zebrad-go:1.0.0/",
		StartHeight:     2_000_000,
		Relay:           true,
	}

	got := roundTrip(t, v).(*VersionMessage)
	if got.Nonce != v.Nonce || got.UserAgent != v.UserAgent || got.Relay != v.Relay {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, v)
	}
	if !got.AddrRecv.Equal(v.AddrRecv) {
		t.Fatalf("addr mismatch: got %v want %v", got.AddrRecv, v.AddrRecv)
	}
}

func TestRoundTripVerAckPingPong(t *testing.T) {
	if got := roundTrip(t, &VerAckMessage{}); got.Command() != CmdVerAck {
		t.Fatalf("want verack, got %s", got.Command())
	}

	p := &PingMessage{Nonce: 42}
	got := roundTrip(t, p).(*PingMessage)
	if got.Nonce != 42 {
		t.Fatalf("ping nonce mismatch: %d", got.Nonce)
	}
}

func TestRoundTripInv(t *testing.T) {
	var h1, h2 chain.BlockHash
	h1[0] = 1
	h2[0] = 2
	msg := NewInvMessage([]InventoryHash{
		{Type: InvBlock, Hash: h1},
		{Type: InvTx, Hash: h2},
	})

	got := roundTrip(t, msg).(*InvMessage)
	if len(got.Hashes) != 2 || got.Hashes[0].Type != InvBlock || got.Hashes[1].Type != InvTx {
		t.Fatalf("inv round trip mismatch: %+v", got.Hashes)
	}
}

func TestRoundTripGetBlocks(t *testing.T) {
	var a, b chain.BlockHash
	a[0], b[0] = 0xaa, 0xbb
	msg := &GetBlocksMessage{Known: []chain.BlockHash{a, b}}

	got := roundTrip(t, msg).(*GetBlocksMessage)
	if len(got.Known) != 2 || got.Known[0] != a || got.Known[1] != b {
		t.Fatalf("getblocks known mismatch: %+v", got.Known)
	}
	if got.Stop != nil {
		t.Fatalf("expected nil stop hash, got %v", got.Stop)
	}
}

func TestAddrV2IPv4RoundTrip(t *testing.T) {
	msg := &AddrV2Message{Entries: []AddrV2Entry{
		{Time: 1700000000, Services: 1, NetID: netIDIPv4, AddrRaw: []byte{192, 0, 2, 1}, Port: 8233},
	}}

	got := roundTrip(t, msg).(*AddrV2Message)
	if len(got.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got.Entries))
	}
	e := got.Entries[0]
	if e.Unimplemented {
		t.Fatalf("ipv4 entry should not be unimplemented")
	}
	if e.Addr().Addr().String() != "192.0.2.1" {
		t.Fatalf("unexpected address: %v", e.Addr())
	}
}

func TestAddrV2UnknownNetworkIDIsConsumedNotRejected(t *testing.T) {
	msg := &AddrV2Message{Entries: []AddrV2Entry{
		{Time: 1, Services: 0, NetID: 0xff, AddrRaw: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, Port: 1234},
	}}

	got := roundTrip(t, msg).(*AddrV2Message)
	if len(got.Entries) != 1 || !got.Entries[0].Unimplemented {
		t.Fatalf("expected one Unimplemented entry, got %+v", got.Entries)
	}
}

func TestAddrV2RejectsOversizedAddress(t *testing.T) {
	raw := make([]byte, 513)
	var buf bytes.Buffer
	_ = writeCompactSize(&buf, 1) // entry count
	buf.Write([]byte{0, 0, 0, 0}) // time
	_ = writeCompactSize(&buf, 0) // services
	buf.WriteByte(0x01)           // net id ipv4 (lies about length below)
	_ = writeCompactSize(&buf, uint64(len(raw)))
	buf.Write(raw)

	var m AddrV2Message
	if err := m.UnmarshalBinary(buf.Bytes()); err == nil {
		t.Fatalf("expected oversized addrv2 address to be rejected")
	}
}

func TestAddrV2RejectsLengthMismatchForKnownNetwork(t *testing.T) {
	msg := &AddrV2Message{}
	var buf bytes.Buffer
	_ = writeCompactSize(&buf, 1)
	var entry bytes.Buffer
	_ = binaryWriteTimeServicesForTest(&entry)
	entry.WriteByte(netIDIPv4)
	_ = writeCompactSize(&entry, 5) // wrong length for ipv4
	entry.Write([]byte{1, 2, 3, 4, 5})
	entry.Write([]byte{0, 0})
	buf.Write(entry.Bytes())

	if err := msg.UnmarshalBinary(buf.Bytes()); err == nil {
		t.Fatalf("expected length-mismatch rejection")
	}
}

// binaryWriteTimeServicesForTest writes a zero time + zero compact-size
// services prefix, matching the entry header UnmarshalBinary expects
// before the network-id byte.
func binaryWriteTimeServicesForTest(buf *bytes.Buffer) error {
	buf.Write([]byte{0, 0, 0, 0})
	return writeCompactSize(buf, 0)
}
