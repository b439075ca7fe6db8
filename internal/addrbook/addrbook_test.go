package addrbook

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/meta"
	"github.com/zebrad/zebrad/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func peerAddr(i int) wire.PeerAddress {
	return wire.PeerAddress{Addr: netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), uint16(9000+i))}
}

func TestUpsertGossipedThenRecordResponseMakesReachable(t *testing.T) {
	book := New(testLogger())
	now := chain.SaturatingFromTime(time.Now())

	book.UpsertGossiped(peerAddr(0), now)
	book.RecordResponse(peerAddr(0).Addr, now)

	got, ok := book.Get(peerAddr(0).Addr)
	if !ok {
		t.Fatalf("expected entry present")
	}
	if !got.RecentlyReachable(now, 3*3600) {
		t.Fatalf("expected entry to be recently reachable after a response")
	}
}

func TestSnapshotOrdersRespondedBeforeNeverAttempted(t *testing.T) {
	book := New(testLogger())
	now := chain.SaturatingFromTime(time.Now())

	book.UpsertGossiped(peerAddr(0), now)
	book.UpsertGossiped(peerAddr(1), now)
	book.RecordAttempt(peerAddr(1).Addr, now)
	book.RecordResponse(peerAddr(1).Addr, now)

	snap := book.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].LastConnectionState != meta.Responded {
		t.Fatalf("expected responded entry first, got %v", snap[0].LastConnectionState)
	}
}

func TestSanitizedForGossipOmitsNeverReachable(t *testing.T) {
	book := New(testLogger())
	now := chain.SaturatingFromTime(time.Now())

	book.UpsertGossiped(peerAddr(0), now) // never attempted/responded
	book.UpsertGossiped(peerAddr(1), now)
	book.RecordResponse(peerAddr(1).Addr, now)

	out := book.SanitizedForGossip(now, 3*3600, 10)
	if len(out) != 1 {
		t.Fatalf("expected only the reachable entry, got %d", len(out))
	}
	if out[0].Addr.Addr != peerAddr(1).Addr {
		t.Fatalf("unexpected addr in sanitized output: %v", out[0].Addr)
	}
}

type fakeRequester struct {
	responses map[netip.AddrPort][]meta.GossipedAddr
	calls     []netip.AddrPort
}

func (f *fakeRequester) RequestAddrs(_ context.Context, addr netip.AddrPort) ([]meta.GossipedAddr, error) {
	f.calls = append(f.calls, addr)
	return f.responses[addr], nil
}

func TestCandidateSetUpdateMergesValidatedAddrs(t *testing.T) {
	config.Swap(func() config.Config {
		c := config.DefaultConfig()
		c.GetAddrFanout = 2
		c.MinPeerGetAddrInterval = 0
		return c
	}())
	defer config.Swap(config.DefaultConfig())

	book := New(testLogger())
	now := chain.SaturatingFromTime(time.Now())
	book.UpsertGossiped(peerAddr(0), now)
	book.RecordResponse(peerAddr(0).Addr, now)

	learned := peerAddr(99)
	fr := &fakeRequester{responses: map[netip.AddrPort][]meta.GossipedAddr{
		peerAddr(0).Addr: {{Addr: learned, LastSeen: now}},
	}}

	cs := NewCandidateSet(book, testLogger())
	if err := cs.Update(context.Background(), fr); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, ok := book.Get(learned.Addr); !ok {
		t.Fatalf("expected learned address to be merged into the book")
	}
	if len(fr.calls) != 1 {
		t.Fatalf("expected exactly 1 fanout call (only 1 reachable peer), got %d", len(fr.calls))
	}
}

func TestCandidateSetUpdateRateLimited(t *testing.T) {
	config.Swap(func() config.Config {
		c := config.DefaultConfig()
		c.GetAddrFanout = 2
		c.MinPeerGetAddrInterval = time.Hour
		return c
	}())
	defer config.Swap(config.DefaultConfig())

	book := New(testLogger())
	now := chain.SaturatingFromTime(time.Now())
	book.UpsertGossiped(peerAddr(0), now)
	book.RecordResponse(peerAddr(0).Addr, now)

	fr := &fakeRequester{responses: map[netip.AddrPort][]meta.GossipedAddr{}}
	cs := NewCandidateSet(book, testLogger())

	if err := cs.Update(context.Background(), fr); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := cs.Update(context.Background(), fr); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(fr.calls) != 1 {
		t.Fatalf("expected rate limiting to suppress the second fanout, got %d calls", len(fr.calls))
	}
}

func TestCandidateSetNextMarksAttemptPendingAndSkipsItNextTime(t *testing.T) {
	book := New(testLogger())
	now := chain.SaturatingFromTime(time.Now())
	book.UpsertGossiped(peerAddr(0), now)

	cs := NewCandidateSet(book, testLogger())

	first, ok := cs.Next()
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if first.Addr.Addr != peerAddr(0).Addr {
		t.Fatalf("unexpected candidate: %v", first.Addr)
	}

	stored, _ := book.Get(peerAddr(0).Addr)
	if stored.LastConnectionState != meta.AttemptPending {
		t.Fatalf("expected book to record AttemptPending, got %v", stored.LastConnectionState)
	}

	if _, ok := cs.Next(); ok {
		t.Fatalf("expected no further candidates while the only entry is AttemptPending")
	}
}
