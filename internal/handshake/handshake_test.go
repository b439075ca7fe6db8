package handshake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/zebrad/zebrad/internal/wire"
)

// noMinVersion always accepts, standing in for
// internal/besttip.MinVersionForHeight in tests that aren't exercising
// the version-floor rejection.
func noMinVersion(int32) uint32 { return 0 }

func zeroHeight() int32 { return 0 }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localID() wire.PeerAddress {
	return wire.PeerAddress{Addr: netip.MustParseAddrPort("203.0.113.1:8233"), Services: 1}
}

// runPeer drives the responder side of the handshake directly over the
// wire, standing in for a real remote node.
func runPeer(t *testing.T, conn net.Conn, nonce uint64, done chan<- error) {
	t.Helper()
	codec := wire.NewCodec(wire.MagicMainnet)

	msg, err := codec.Decode(conn)
	if err != nil {
		done <- err
		return
	}
	if _, ok := msg.(*wire.VersionMessage); !ok {
		done <- errUnexpected
		return
	}

	reply := &wire.VersionMessage{
		ProtocolVersion: 170100,
		Services:        1,
		AddrRecv:        localID(),
		AddrFrom:        wire.PeerAddress{Addr: netip.MustParseAddrPort("198.51.100.2:8233")},
		Nonce:           nonce,
		UserAgent:       "/remote:1.0.0/",
		StartHeight:     10,
	}
	if err := codec.Encode(conn, reply); err != nil {
		done <- err
		return
	}

	if _, err := codec.Decode(conn); err != nil { // verack from us
		done <- err
		return
	}
	if err := codec.Encode(conn, &wire.VerAckMessage{}); err != nil {
		done <- err
		return
	}
	done <- nil
}

var errUnexpected = errNew("expected version message")

type errNew string

func (e errNew) Error() string { return string(e) }

func TestHandshakeExchangeSucceeds(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	done := make(chan error, 1)
	go runPeer(t, remote, 0xabc123, done)

	h := New(wire.MagicMainnet, NewNonceSet(time.Minute), localID(), zeroHeight, noMinVersion)
	meta, err := h.Exchange(context.Background(), local, wire.PeerAddress{Addr: netip.MustParseAddrPort("198.51.100.2:8233")}, 5)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if meta.Version != 170100 || meta.UserAgent != "/remote:1.0.0/" || meta.StartHeight != 10 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	if err := <-done; err != nil {
		t.Fatalf("peer side failed: %v", err)
	}
}

func TestHandshakeDetectsSelfConnection(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	nonces := NewNonceSet(time.Minute)
	nonces.Add(0xdeadbeef) // pretend we already sent this nonce outbound

	done := make(chan error, 1)
	go runPeer(t, remote, 0xdeadbeef, done)

	h := &Handshake{
		magic:         wire.MagicMainnet,
		nonces:        nonces,
		localID:       localID(),
		currentHeight: zeroHeight,
		minVersion:    noMinVersion,
	}
	_, err := h.Exchange(context.Background(), local, wire.PeerAddress{Addr: netip.MustParseAddrPort("198.51.100.2:8233")}, 5)
	if !errors.Is(err, ErrSelfConnection) {
		t.Fatalf("expected ErrSelfConnection, got %v", err)
	}
}

func TestHandshakeRejectsObsoleteVersion(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	done := make(chan error, 1)
	go runPeer(t, remote, 0xabc123, done)

	h := &Handshake{
		magic:         wire.MagicMainnet,
		nonces:        NewNonceSet(time.Minute),
		localID:       localID(),
		currentHeight: func() int32 { return 1_000_000 },
		minVersion:    func(int32) uint32 { return 170200 }, // above runPeer's 170100
	}
	_, err := h.Exchange(context.Background(), local, wire.PeerAddress{Addr: netip.MustParseAddrPort("198.51.100.2:8233")}, 5)
	if !errors.Is(err, ErrObsoleteVersion) {
		t.Fatalf("expected ErrObsoleteVersion, got %v", err)
	}

	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Step != "version check" {
		t.Fatalf("expected a HandshakeError for the version check step, got %#v", err)
	}
}
