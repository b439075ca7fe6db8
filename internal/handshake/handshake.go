package handshake

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/wire"
)

// currentProtocolVersion is advertised in every VersionMessage this
// node sends.
const currentProtocolVersion = 170100

var (
	ErrSelfConnection    = errors.New("handshake: connected to self")
	ErrUnexpectedMessage = errors.New("handshake: unexpected message")
	ErrVerAckMismatch    = errors.New("handshake: expected verack")
	ErrObsoleteVersion   = errors.New("handshake: remote protocol version below minimum for current height")
)

// HandshakeError reports which step of the version/verack exchange
// failed (spec §4.3 Failure semantics: "Any handshake step failure
// yields a HandshakeError variant").
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake: %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// PeerMetaData is what the handshake learns about the remote before
// handing the connection to peerconn.Client.
type PeerMetaData struct {
	Version     uint32
	Services    uint64
	UserAgent   string
	StartHeight int32
}

// Handshake performs the version/verack exchange (spec §4.3) over an
// already-dialed or already-accepted connection.
type Handshake struct {
	magic         wire.Magic
	nonces        *NonceSet
	localID       wire.PeerAddress
	currentHeight func() int32
	minVersion    func(height int32) uint32
}

// New builds a Handshake. currentHeight and minVersion together
// implement spec §4.3 step 2's "reject if reported protocol version <
// min_remote_for_height(current_height)" check; minVersion is the same
// height-to-minimum-version predicate internal/besttip.Sweeper applies
// during periodic eviction (spec §4.8), threaded here as a plain func
// so this package doesn't need to import besttip.
func New(magic wire.Magic, nonces *NonceSet, localID wire.PeerAddress, currentHeight func() int32, minVersion func(height int32) uint32) *Handshake {
	return &Handshake{
		magic:         magic,
		nonces:        nonces,
		localID:       localID,
		currentHeight: currentHeight,
		minVersion:    minVersion,
	}
}

// Exchange writes our version message, reads the remote's, checks it
// for a self-connection nonce, and completes the verack round trip.
// Both outbound and inbound sides run the identical sequence; there is
// no Bitcoin-style "responder waits" ordering to replicate because each
// side's message is independent of having seen the other's yet.
func (h *Handshake) Exchange(ctx context.Context, conn net.Conn, remote wire.PeerAddress, startHeight int32) (PeerMetaData, error) {
	cfg := config.Load()
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	codec := wire.NewCodec(h.magic)

	nonce := randomNonce()
	h.nonces.Add(nonce)

	version := &wire.VersionMessage{
		ProtocolVersion: currentProtocolVersion,
		Services:        h.localID.Services,
		Timestamp:       int64(chain.SaturatingFromTime(time.Now())),
		AddrRecv:        remote,
		AddrFrom:        h.localID,
		Nonce:           nonce,
		UserAgent:       cfg.UserAgent,
		StartHeight:     startHeight,
		Relay:           true,
	}
	if err := codec.Encode(conn, version); err != nil {
		return PeerMetaData{}, &HandshakeError{Step: "write version", Err: err}
	}

	msg, err := codec.Decode(conn)
	if err != nil {
		return PeerMetaData{}, &HandshakeError{Step: "read version", Err: err}
	}
	remoteVersion, ok := msg.(*wire.VersionMessage)
	if !ok {
		return PeerMetaData{}, &HandshakeError{Step: "read version", Err: ErrUnexpectedMessage}
	}
	if h.nonces.Contains(remoteVersion.Nonce) {
		return PeerMetaData{}, &HandshakeError{Step: "read version", Err: ErrSelfConnection}
	}

	// spec §4.3 step 2: reject if the remote's protocol version is
	// below min_remote_for_height(current_height).
	min := h.minVersion(h.currentHeight())
	if uint32(remoteVersion.ProtocolVersion) < min {
		return PeerMetaData{}, &HandshakeError{Step: "version check", Err: ErrObsoleteVersion}
	}

	if err := codec.Encode(conn, &wire.VerAckMessage{}); err != nil {
		return PeerMetaData{}, &HandshakeError{Step: "write verack", Err: err}
	}
	ack, err := codec.Decode(conn)
	if err != nil {
		return PeerMetaData{}, &HandshakeError{Step: "read verack", Err: err}
	}
	if ack.Command() != wire.CmdVerAck {
		return PeerMetaData{}, &HandshakeError{Step: "read verack", Err: ErrVerAckMismatch}
	}

	return PeerMetaData{
		Version:     uint32(remoteVersion.ProtocolVersion),
		Services:    remoteVersion.Services,
		UserAgent:   remoteVersion.UserAgent,
		StartHeight: remoteVersion.StartHeight,
	}, nil
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
