// Package config holds process-wide, hot-reloadable tunables for the
// peer-networking core. A single snapshot is loaded at startup and
// swapped atomically; readers never block on a writer and writers never
// observe a torn struct.
package config

import (
	"sync/atomic"
	"time"
)

// Network selects which Zcash network the node is participating in; it
// changes handshake magic bytes and the genesis hash the syncer seeks.
type Network uint8

const (
	NetworkMainnet Network = iota
	NetworkTestnet
	NetworkRegtest
)

func (n Network) String() string {
	switch n {
	case NetworkTestnet:
		return "testnet"
	case NetworkRegtest:
		return "regtest"
	default:
		return "mainnet"
	}
}

// Config defines behavior and resource limits for the networking core.
// Treat values obtained from Load as read-only; mutate only through
// Update/Swap.
type Config struct {
	// ========== Identity ==========

	Network   Network
	UserAgent string

	// ListenPort is the TCP port this node accepts inbound peer
	// connections on. 0 disables listening (outbound-only).
	ListenPort uint16

	// ========== Connection limits ==========

	// MaxOutboundPeers and MaxInboundPeers bound ActiveConnectionCounter
	// per direction (spec §4.5).
	MaxOutboundPeers int
	MaxInboundPeers  int

	// HandshakeTimeout bounds the version/verack exchange (spec §4.3).
	HandshakeTimeout time.Duration

	// DialTimeout bounds establishing the raw TCP connection.
	DialTimeout time.Duration

	// RequestTimeout is the default deadline for an AwaitingResponse
	// state before the connection reports Timeout (spec §4.1).
	RequestTimeout time.Duration

	// HeartbeatInterval is the ping/pong cadence used to detect dead
	// peers that never fail a read/write.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the Client's socket read deadline: when it
	// expires the read loop checks the pending request for timeout and
	// keeps reading. Pongs are not tracked, so a missing pong does not by
	// itself end the Client.
	HeartbeatTimeout time.Duration

	// PeerRequestQueueBacklog bounds the per-Client outbound request
	// channel; Client.Call returns ErrOverloaded when the channel is full.
	PeerRequestQueueBacklog int

	// ========== Address book / candidate set ==========

	// GetAddrFanout is the number of ready peers asked for addresses
	// per CandidateSet.update() call (spec §4.4 GET_ADDR_FANOUT).
	GetAddrFanout int

	// MinPeerGetAddrInterval rate-limits update() across the process
	// (spec §4.4 MIN_PEER_GET_ADDR_INTERVAL).
	MinPeerGetAddrInterval time.Duration

	// ReconnectCooldown is the minimum time between connection attempts
	// to the same address.
	ReconnectCooldown time.Duration

	// ReachablePeerDuration bounds "recently reachable" (spec §4.4).
	ReachablePeerDuration time.Duration

	// MaxPeerActiveForGossip bounds "active for gossip" (spec §4.4).
	MaxPeerActiveForGossip time.Duration

	// ========== Syncer ==========

	Fanout                   int
	LookaheadLimit           int
	MinLookaheadLimit        int
	BlockDownloadRetryLimit  int
	BlockDownloadTimeout     time.Duration
	BlockVerifyTimeout       time.Duration
	MaxConcurrentBlockReqs   int
	SyncRestartDelay         time.Duration
	GenesisTimeoutRetry      time.Duration
	HedgeDelayPercentile     float64
	RecentSyncLengthsWindow  int
	CloseToTipThreshold      int

	// ========== Mempool ==========

	MempoolCapacity              int
	MempoolRejectionCacheSize    int
	MempoolCrawlFanout           int
	MempoolCrawlInterval         time.Duration
	MempoolPeerResponseTimeout   time.Duration
	TransactionDownloadTimeout   time.Duration
	TransactionVerifyTimeout     time.Duration

	// ========== Nonce set (self-connection detection) ==========

	NonceSetTTL time.Duration

	// ========== Logging ==========

	// LogFormat selects the process-wide slog handler: "pretty" for
	// colorized interactive output, "json" for log-aggregation ingest.
	// Anything else falls back to "pretty".
	LogFormat string
}

// DefaultConfig returns sensible defaults mirroring zebra-network's
// constants (spec §4, §6, §7).
func DefaultConfig() Config {
	return Config{
		Network:    NetworkMainnet,
		UserAgent:  "/zebrad-go:1.0.0/",
		ListenPort: 8233,

		MaxOutboundPeers: 50,
		MaxInboundPeers:  75,
		HandshakeTimeout: 4 * time.Second,
		DialTimeout:      3 * time.Second,
		RequestTimeout:   20 * time.Second,

		HeartbeatInterval: 60 * time.Second,
		HeartbeatTimeout:  15 * time.Second,

		PeerRequestQueueBacklog: 128,

		GetAddrFanout:          3,
		MinPeerGetAddrInterval: 30 * time.Second,
		ReconnectCooldown:      60 * time.Second,
		ReachablePeerDuration:  3 * time.Hour,
		MaxPeerActiveForGossip: 7 * 24 * time.Hour,

		Fanout:                  4,
		LookaheadLimit:          2000,
		MinLookaheadLimit:       400, // two checkpoint intervals
		BlockDownloadRetryLimit: 2,
		BlockDownloadTimeout:    10 * time.Second,
		BlockVerifyTimeout:      180 * time.Second,
		MaxConcurrentBlockReqs:  50,
		SyncRestartDelay:        10 * time.Second,
		GenesisTimeoutRetry:     10 * time.Second,
		HedgeDelayPercentile:    0.95,
		RecentSyncLengthsWindow: 4,
		CloseToTipThreshold:     4,

		MempoolCapacity:            20_000,
		MempoolRejectionCacheSize:  40_000,
		MempoolCrawlFanout:         3,
		MempoolCrawlInterval:       75 * time.Second,
		MempoolPeerResponseTimeout: 6 * time.Second,
		TransactionDownloadTimeout: 6 * time.Second,
		TransactionVerifyTimeout:   9 * time.Second,

		NonceSetTTL: 5 * time.Minute,

		LogFormat: "pretty",
	}
}

var current atomic.Value

func init() {
	c := DefaultConfig()
	current.Store(&c)
}

// Load returns the current config. Treat the result as read-only; it may
// be shared across goroutines.
func Load() *Config {
	return current.Load().(*Config)
}

// Swap replaces the global config atomically.
func Swap(next Config) *Config {
	current.Store(&next)
	return &next
}

// Update applies a mutation to a copy of the current config and swaps it
// in atomically. mut must not retain the pointer it is given.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	current.Store(&next)
	return &next
}
