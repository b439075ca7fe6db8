package mempool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/peerset"
	"github.com/zebrad/zebrad/internal/svc"
	"github.com/zebrad/zebrad/internal/wire"
)

// ErrUnexpectedTxReply is returned when a peer answers a getdata(tx)
// request with something other than a single tx message.
var ErrUnexpectedTxReply = errors.New("mempool: peer set returned a non-tx reply to getdata")

// TxVerifier is the external consensus verifier's transaction-checking
// entry point (spec §1 names cryptographic verification out-of-scope).
type TxVerifier interface {
	VerifyTx(ctx context.Context, raw []byte) (chain.UnminedTx, error)
}

type downloadedTx struct {
	id  chain.UnminedTxID
	raw []byte
}

// Crawler periodically asks FANOUT peers for their mempool's
// transaction ids, downloads and verifies each advertised id once per
// round, and inserts the results (spec §4.7's crawler paragraph). Ids
// already in the verified set or the rejection cache are not filtered
// out before download; Insert turns them away after verification.
//
// Grounded on internal/tracker/tracker.go's announceLoop (ticker-driven
// periodic fan-out) and internal/sync.Downloader's pipeline shape,
// reused here for transactions instead of blocks.
type Crawler struct {
	log      *slog.Logger
	peers    *peerset.PeerSet
	verified *VerifiedSet
	verifier TxVerifier

	pipeline svc.Service[wire.InventoryHash, downloadedTx]
}

func NewCrawler(log *slog.Logger, peers *peerset.PeerSet, verified *VerifiedSet, verifier TxVerifier) *Crawler {
	c := &Crawler{
		log:      log.With("component", "mempool crawler"),
		peers:    peers,
		verified: verified,
		verifier: verifier,
	}

	cfg := config.Load()
	fetch := svc.Func[wire.InventoryHash, downloadedTx](c.fetchOne)
	timeoutSvc := svc.Timeout[wire.InventoryHash, downloadedTx](fetch, cfg.TransactionDownloadTimeout)
	retrySvc := svc.Retry[wire.InventoryHash, downloadedTx](timeoutSvc, svc.WithMaxAttempts(2))
	c.pipeline = svc.ConcurrencyLimit[wire.InventoryHash, downloadedTx](retrySvc, cfg.MempoolCrawlFanout*2)

	return c
}

// Run ticks every MempoolCrawlInterval until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.MempoolCrawlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.crawlOnce(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("crawl round failed", "error", err)
			}
		}
	}
}

func (c *Crawler) crawlOnce(ctx context.Context) error {
	cfg := config.Load()

	reqCtx, cancel := context.WithTimeout(ctx, cfg.MempoolPeerResponseTimeout)
	defer cancel()

	responses := c.peers.Fanout(reqCtx, cfg.MempoolCrawlFanout, func() (wire.Message, wire.Command, int) {
		return &wire.MemPoolMessage{}, wire.CmdInv, 1
	})

	missing := c.collectMissing(responses)
	for _, inv := range missing {
		inv := inv
		go c.downloadAndInsert(ctx, inv)
	}
	return nil
}

func (c *Crawler) collectMissing(responses [][]wire.Message) []wire.InventoryHash {
	seen := make(map[chain.BlockHash]struct{})
	var missing []wire.InventoryHash

	for _, msgs := range responses {
		if len(msgs) == 0 {
			continue
		}
		inv, ok := msgs[0].(*wire.InvMessage)
		if !ok {
			continue
		}
		for _, h := range inv.Hashes {
			if h.Type != wire.InvTx {
				continue
			}
			if _, dup := seen[h.Hash]; dup {
				continue
			}
			seen[h.Hash] = struct{}{}
			missing = append(missing, h)
		}
	}
	return missing
}

func (c *Crawler) downloadAndInsert(ctx context.Context, inv wire.InventoryHash) {
	dl, err := c.pipeline.Call(ctx, inv)
	if err != nil {
		c.log.Debug("tx download failed", "error", err)
		return
	}

	cfg := config.Load()
	verifyCtx, cancel := context.WithTimeout(ctx, cfg.TransactionVerifyTimeout)
	defer cancel()

	tx, err := c.verifier.VerifyTx(verifyCtx, dl.raw)
	if err != nil {
		c.verified.RejectFailedVerification(dl.id)
		return
	}

	if err := c.verified.Insert(tx); err != nil {
		c.log.Debug("tx rejected", "id", tx.ID, "error", err)
		return
	}

	// Relay the newly accepted transaction back out (spec §4.5's
	// AdvertiseTransactionIds broadcast).
	c.peers.Broadcast(wire.NewInvMessage([]wire.InventoryHash{
		{Type: wire.InvTx, Hash: chain.BlockHash(tx.ID.MinedID())},
	}))
}

func (c *Crawler) fetchOne(ctx context.Context, inv wire.InventoryHash) (downloadedTx, error) {
	req := wire.NewGetDataMessage([]wire.InventoryHash{{Type: wire.InvTx, Hash: inv.Hash}})
	msgs, err := c.peers.Call(ctx, req, wire.CmdTx, 1, inv.Hash)
	if err != nil {
		return downloadedTx{}, err
	}
	if len(msgs) != 1 {
		return downloadedTx{}, ErrUnexpectedTxReply
	}
	txMsg, ok := msgs[0].(*wire.TxMessage)
	if !ok {
		return downloadedTx{}, ErrUnexpectedTxReply
	}
	return downloadedTx{id: txMsg.ID, raw: txMsg.Raw}, nil
}
