package sync

import (
	"context"
	"errors"
	"time"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/peerset"
	"github.com/zebrad/zebrad/internal/svc"
	"github.com/zebrad/zebrad/internal/wire"
)

var ErrUnexpectedBlockReply = errors.New("sync: peer set returned a non-block reply to getdata")

// downloadedBlock is one block fetched off the wire, still carrying its
// opaque raw body for the verifier.
type downloadedBlock struct {
	block chain.Block
	raw   []byte
}

// Downloader drives the block download pipeline named in spec §4.6:
//
//	Hedge( Buffer( Hedge( ConcurrencyLimit( Retry( Timeout( peer_set ) ) ) ) ) )
//
// Grounded on internal/svc's middleware (itself generalized from
// internal/retry/retry.go) composed into the tree spec §9 describes.
type Downloader struct {
	peers    *peerset.PeerSet
	tracker  *latencyTracker
	buffered *svc.Buffered[chain.BlockHash, downloadedBlock]
	pipeline svc.Service[chain.BlockHash, downloadedBlock]
	hedgeFallback time.Duration
	hedgePercentile float64
}

func NewDownloader(peers *peerset.PeerSet, cfg *config.Config) *Downloader {
	d := &Downloader{
		peers:           peers,
		tracker:         newLatencyTracker(64),
		hedgeFallback:   cfg.BlockDownloadTimeout / 2,
		hedgePercentile: cfg.HedgeDelayPercentile,
	}

	peerCall := svc.Func[chain.BlockHash, downloadedBlock](d.callPeerSet)
	observed := svc.Func[chain.BlockHash, downloadedBlock](func(ctx context.Context, hash chain.BlockHash) (downloadedBlock, error) {
		start := time.Now()
		blk, err := peerCall.Call(ctx, hash)
		d.tracker.Observe(time.Since(start))
		return blk, err
	})

	timeoutSvc := svc.Timeout[chain.BlockHash, downloadedBlock](observed, cfg.BlockDownloadTimeout)
	retrySvc := svc.Retry[chain.BlockHash, downloadedBlock](timeoutSvc, svc.WithMaxAttempts(cfg.BlockDownloadRetryLimit))
	climitSvc := svc.ConcurrencyLimit[chain.BlockHash, downloadedBlock](retrySvc, cfg.MaxConcurrentBlockReqs)
	innerHedge := svc.HedgeDynamic[chain.BlockHash, downloadedBlock](climitSvc, d.hedgeDelay)

	d.buffered = svc.Buffer[chain.BlockHash, downloadedBlock](innerHedge, cfg.MaxConcurrentBlockReqs*2)
	d.pipeline = svc.HedgeDynamic[chain.BlockHash, downloadedBlock](d.buffered, d.hedgeDelay)

	return d
}

func (d *Downloader) hedgeDelay() time.Duration {
	return d.tracker.Percentile(d.hedgePercentile, d.hedgeFallback)
}

// Run drives the Buffer stage's worker loop; must be started before any
// Download call (the same explicit-Run convention as peerconn.Client
// and peerset.PeerSet).
func (d *Downloader) Run(ctx context.Context) error {
	return d.buffered.Run(ctx)
}

// Download fetches one block by hash through the full pipeline.
func (d *Downloader) Download(ctx context.Context, hash chain.BlockHash) (chain.Block, []byte, error) {
	result, err := d.pipeline.Call(ctx, hash)
	if err != nil {
		return chain.Block{}, nil, err
	}
	return result.block, result.raw, nil
}

func (d *Downloader) callPeerSet(ctx context.Context, hash chain.BlockHash) (downloadedBlock, error) {
	req := wire.NewGetDataMessage([]wire.InventoryHash{{Type: wire.InvBlock, Hash: hash}})
	msgs, err := d.peers.Call(ctx, req, wire.CmdBlock, 1, hash)
	if err != nil {
		if errors.Is(err, peerset.ErrNoReadyPeers) {
			return downloadedBlock{}, ErrNotFound
		}
		return downloadedBlock{}, err
	}
	if len(msgs) != 1 {
		return downloadedBlock{}, ErrUnexpectedBlockReply
	}
	blockMsg, ok := msgs[0].(*wire.BlockMessage)
	if !ok {
		return downloadedBlock{}, ErrUnexpectedBlockReply
	}
	return downloadedBlock{block: blockMsg.Block, raw: blockMsg.Raw}, nil
}
