package main

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/zebrad/zebrad/internal/besttip"
	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/node"
	"github.com/zebrad/zebrad/internal/utils/logging"
	"github.com/zebrad/zebrad/internal/wire"
)

func main() {
	log := newRootLogger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(log, node.Deps{
		State:         newStubState(),
		Verifier:      stubVerifier{},
		TxVerifier:    stubTxVerifier{},
		MinVersionFor: minVersionForHeight,
		LocalAddr:     wire.PeerAddress{Addr: netip.AddrPortFrom(netip.IPv4Unspecified(), 8233)},
	})

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("node exited", "error", err)
		os.Exit(1)
	}
}

// newRootLogger builds the process-wide logger, format and level driven
// by config.Config so an operator can switch to JSON for aggregation
// without a code change.
func newRootLogger() *slog.Logger {
	cfg := config.Load()
	return logging.NewComponentLogger(os.Stdout, slog.LevelInfo, cfg.LogFormat, "zebrad")
}

// minVersionForHeight is the height-to-minimum-protocol-version table
// (spec §4.8); real deployments ratchet this upward as network rules
// upgrade. No upgrade schedule ships in this repo's scope, so every
// height accepts the wire protocol's current floor.
func minVersionForHeight(besttip.Height) uint32 {
	return 170100
}
