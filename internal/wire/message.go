package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zebrad/zebrad/internal/chain"
)

// Command names the message kinds the core produces/consumes
// (spec §6 table).
type Command string

const (
	CmdVersion    Command = "version"
	CmdVerAck     Command = "verack"
	CmdPing       Command = "ping"
	CmdPong       Command = "pong"
	CmdGetAddr    Command = "getaddr"
	CmdAddr       Command = "addr"
	CmdAddrV2     Command = "addrv2"
	CmdGetBlocks  Command = "getblocks"
	CmdInv        Command = "inv"
	CmdGetData    Command = "getdata"
	CmdBlock      Command = "block"
	CmdTx         Command = "tx"
	CmdMemPool    Command = "mempool"
	CmdNotFound   Command = "notfound"
	CmdReject     Command = "reject"
)

var (
	ErrShortMessage  = errors.New("wire: short message")
	ErrBadChecksum   = errors.New("wire: checksum mismatch")
	ErrBadMagic      = errors.New("wire: magic mismatch")
	ErrMessageTooBig = errors.New("wire: message exceeds MaxProtocolMessageLen")
	ErrUnknownCommand = errors.New("wire: unknown command")
)

// Message is any of the payload types below. Round-tripping through
// Encode/Decode must reproduce an equal value (spec §8 invariant 7).
type Message interface {
	Command() Command
	encoding.BinaryMarshaler
	UnmarshalBinary([]byte) error
}

// InventoryType distinguishes what an Inv/GetData hash refers to.
type InventoryType uint32

const (
	InvError InventoryType = iota
	InvTx
	InvBlock
)

// InventoryHash is a small advertisement: type + hash (spec Glossary).
type InventoryHash struct {
	Type InventoryType
	Hash chain.BlockHash // reused as a generic 32-byte hash container
}

// ---- version / verack ----

type VersionMessage struct {
	ProtocolVersion int32
	Services        uint64
	Timestamp       int64
	AddrRecv        PeerAddress
	AddrFrom        PeerAddress
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

func (m *VersionMessage) Command() Command { return CmdVersion }

func (m *VersionMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, m.ProtocolVersion)
	_ = binary.Write(&buf, binary.LittleEndian, m.Services)
	_ = binary.Write(&buf, binary.LittleEndian, m.Timestamp)
	if err := marshalPeerAddress(&buf, m.AddrRecv); err != nil {
		return nil, err
	}
	if err := marshalPeerAddress(&buf, m.AddrFrom); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, m.Nonce)
	if err := writeVarString(&buf, m.UserAgent); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, m.StartHeight)
	relay := byte(0)
	if m.Relay {
		relay = 1
	}
	buf.WriteByte(relay)
	return buf.Bytes(), nil
}

func (m *VersionMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &m.ProtocolVersion); err != nil {
		return ErrShortMessage
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Services); err != nil {
		return ErrShortMessage
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Timestamp); err != nil {
		return ErrShortMessage
	}
	var err error
	if m.AddrRecv, err = unmarshalPeerAddress(r); err != nil {
		return err
	}
	if m.AddrFrom, err = unmarshalPeerAddress(r); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Nonce); err != nil {
		return ErrShortMessage
	}
	if m.UserAgent, err = readVarString(r); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.StartHeight); err != nil {
		return ErrShortMessage
	}
	relay, err := r.ReadByte()
	if err != nil {
		return ErrShortMessage
	}
	m.Relay = relay != 0
	return nil
}

type VerAckMessage struct{}

func (m *VerAckMessage) Command() Command                { return CmdVerAck }
func (m *VerAckMessage) MarshalBinary() ([]byte, error)   { return nil, nil }
func (m *VerAckMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("wire: verack carries no payload, got %d bytes", len(data))
	}
	return nil
}

// ---- ping / pong ----

type PingMessage struct{ Nonce uint64 }

func (m *PingMessage) Command() Command { return CmdPing }
func (m *PingMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, m.Nonce)
	return buf, nil
}
func (m *PingMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return ErrShortMessage
	}
	m.Nonce = binary.LittleEndian.Uint64(data)
	return nil
}

type PongMessage struct{ Nonce uint64 }

func (m *PongMessage) Command() Command { return CmdPong }
func (m *PongMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, m.Nonce)
	return buf, nil
}
func (m *PongMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return ErrShortMessage
	}
	m.Nonce = binary.LittleEndian.Uint64(data)
	return nil
}

// ---- getaddr / addr / addrv2 ----

type GetAddrMessage struct{}

func (m *GetAddrMessage) Command() Command                { return CmdGetAddr }
func (m *GetAddrMessage) MarshalBinary() ([]byte, error)   { return nil, nil }
func (m *GetAddrMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("wire: getaddr carries no payload")
	}
	return nil
}

// AddrEntry is one gossiped address: a legacy-format (time, services,
// addr) triple.
type AddrEntry struct {
	Time    uint32
	Addr    PeerAddress
}

type AddrMessage struct {
	Entries []AddrEntry
}

const maxAddrEntries = 1000

func (m *AddrMessage) Command() Command { return CmdAddr }

func (m *AddrMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCompactSize(&buf, uint64(len(m.Entries))); err != nil {
		return nil, err
	}
	for _, e := range m.Entries {
		_ = binary.Write(&buf, binary.LittleEndian, e.Time)
		if err := marshalPeerAddress(&buf, e.Addr); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (m *AddrMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	n, err := readCompactSize(r, maxAddrEntries)
	if err != nil {
		return err
	}
	m.Entries = make([]AddrEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e AddrEntry
		if err := binary.Read(r, binary.LittleEndian, &e.Time); err != nil {
			return ErrShortMessage
		}
		if e.Addr, err = unmarshalPeerAddress(r); err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
	}
	return nil
}

// ---- getblocks ----

type GetBlocksMessage struct {
	Known []chain.BlockHash // block locator, spec §4.6
	Stop  *chain.BlockHash  // nil means "as many as the peer will send"
}

func (m *GetBlocksMessage) Command() Command { return CmdGetBlocks }

func (m *GetBlocksMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCompactSize(&buf, uint64(len(m.Known))); err != nil {
		return nil, err
	}
	for _, h := range m.Known {
		buf.Write(h[:])
	}
	if m.Stop != nil {
		buf.Write((*m.Stop)[:])
	} else {
		var zero chain.BlockHash
		buf.Write(zero[:])
	}
	return buf.Bytes(), nil
}

func (m *GetBlocksMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	n, err := readCompactSize(r, MaxProtocolMessageLen/32)
	if err != nil {
		return err
	}
	m.Known = make([]chain.BlockHash, n)
	for i := range m.Known {
		if _, err := io.ReadFull(r, m.Known[i][:]); err != nil {
			return ErrShortMessage
		}
	}
	var stop chain.BlockHash
	if _, err := io.ReadFull(r, stop[:]); err != nil {
		return ErrShortMessage
	}
	if !stop.IsZero() {
		m.Stop = &stop
	}
	return nil
}

// ---- inv / getdata / notfound (share the same wire shape) ----

type hashListMessage struct {
	cmd     Command
	Hashes  []InventoryHash
}

func newHashListMessage(cmd Command) *hashListMessage { return &hashListMessage{cmd: cmd} }

func (m *hashListMessage) Command() Command { return m.cmd }

func (m *hashListMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCompactSize(&buf, uint64(len(m.Hashes))); err != nil {
		return nil, err
	}
	for _, h := range m.Hashes {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(h.Type))
		buf.Write(h.Hash[:])
	}
	return buf.Bytes(), nil
}

func (m *hashListMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	n, err := readCompactSize(r, MaxProtocolMessageLen/36)
	if err != nil {
		return err
	}
	m.Hashes = make([]InventoryHash, n)
	for i := range m.Hashes {
		var t uint32
		if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
			return ErrShortMessage
		}
		m.Hashes[i].Type = InventoryType(t)
		if _, err := io.ReadFull(r, m.Hashes[i].Hash[:]); err != nil {
			return ErrShortMessage
		}
	}
	return nil
}

type InvMessage struct{ hashListMessage }
type GetDataMessage struct{ hashListMessage }
type NotFoundMessage struct{ hashListMessage }

func NewInvMessage(hashes []InventoryHash) *InvMessage {
	return &InvMessage{hashListMessage{cmd: CmdInv, Hashes: hashes}}
}
func NewGetDataMessage(hashes []InventoryHash) *GetDataMessage {
	return &GetDataMessage{hashListMessage{cmd: CmdGetData, Hashes: hashes}}
}
func NewNotFoundMessage(hashes []InventoryHash) *NotFoundMessage {
	return &NotFoundMessage{hashListMessage{cmd: CmdNotFound, Hashes: hashes}}
}

// ---- block / tx ----

type BlockMessage struct {
	Block chain.Block
	Raw   []byte // opaque serialized body the codec does not interpret
}

func (m *BlockMessage) Command() Command { return CmdBlock }

func (m *BlockMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(m.Block.Hash[:])
	buf.Write(m.Block.PreviousHash[:])
	_ = binary.Write(&buf, binary.LittleEndian, m.Block.Height)
	if err := writeCompactSize(&buf, uint64(len(m.Raw))); err != nil {
		return nil, err
	}
	buf.Write(m.Raw)
	return buf.Bytes(), nil
}

func (m *BlockMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, m.Block.Hash[:]); err != nil {
		return ErrShortMessage
	}
	if _, err := io.ReadFull(r, m.Block.PreviousHash[:]); err != nil {
		return ErrShortMessage
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Block.Height); err != nil {
		return ErrShortMessage
	}
	n, err := readCompactSize(r, MaxProtocolMessageLen)
	if err != nil {
		return err
	}
	m.Raw = make([]byte, n)
	if _, err := io.ReadFull(r, m.Raw); err != nil {
		return ErrShortMessage
	}
	return nil
}

type TxMessage struct {
	ID  chain.UnminedTxID
	Raw []byte
}

func (m *TxMessage) Command() Command { return CmdTx }

func (m *TxMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	mined := m.ID.MinedID()
	buf.Write(mined[:])
	if err := writeCompactSize(&buf, uint64(len(m.Raw))); err != nil {
		return nil, err
	}
	buf.Write(m.Raw)
	return buf.Bytes(), nil
}

func (m *TxMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var id chain.TxID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return ErrShortMessage
	}
	n, err := readCompactSize(r, MaxProtocolMessageLen)
	if err != nil {
		return err
	}
	m.Raw = make([]byte, n)
	if _, err := io.ReadFull(r, m.Raw); err != nil {
		return ErrShortMessage
	}
	// Authorizing data hash is derived from the raw payload so the wtxid
	// changes if signatures/proofs change but the mined id does not.
	auth := sha256.Sum256(m.Raw)
	m.ID = chain.NewUnminedTxIDV5(id, auth)
	return nil
}

// ---- mempool ----

type MemPoolMessage struct{}

func (m *MemPoolMessage) Command() Command              { return CmdMemPool }
func (m *MemPoolMessage) MarshalBinary() ([]byte, error) { return nil, nil }
func (m *MemPoolMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("wire: mempool carries no payload")
	}
	return nil
}

// ---- reject ----

type RejectMessage struct {
	RejectedCommand Command
	Code            byte
	Reason          string
}

func (m *RejectMessage) Command() Command { return CmdReject }

func (m *RejectMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeVarString(&buf, string(m.RejectedCommand)); err != nil {
		return nil, err
	}
	buf.WriteByte(m.Code)
	if err := writeVarString(&buf, m.Reason); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RejectMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	cmd, err := readVarString(r)
	if err != nil {
		return err
	}
	m.RejectedCommand = Command(cmd)
	m.Code, err = r.ReadByte()
	if err != nil {
		return ErrShortMessage
	}
	m.Reason, err = readVarString(r)
	return err
}

// ---- helpers ----

func writeVarString(w io.Writer, s string) error {
	if err := writeCompactSize(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readVarString(r io.Reader) (string, error) {
	n, err := readCompactSize(r, 1024)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrShortMessage
	}
	return string(buf), nil
}

// NewByCommand returns a zero-valued Message for the given command, used
// by the Codec to dispatch Decode. Returns ErrUnknownCommand for
// anything outside the table in spec §6 (the addrv2 "unknown network
// ID" tolerance is handled one level down, inside AddrV2Message itself,
// per spec §6's "MUST be consumed and ignored without error").
func NewByCommand(cmd Command) (Message, error) {
	switch cmd {
	case CmdVersion:
		return &VersionMessage{}, nil
	case CmdVerAck:
		return &VerAckMessage{}, nil
	case CmdPing:
		return &PingMessage{}, nil
	case CmdPong:
		return &PongMessage{}, nil
	case CmdGetAddr:
		return &GetAddrMessage{}, nil
	case CmdAddr:
		return &AddrMessage{}, nil
	case CmdAddrV2:
		return &AddrV2Message{}, nil
	case CmdGetBlocks:
		return &GetBlocksMessage{}, nil
	case CmdInv:
		return NewInvMessage(nil), nil
	case CmdGetData:
		return NewGetDataMessage(nil), nil
	case CmdNotFound:
		return NewNotFoundMessage(nil), nil
	case CmdBlock:
		return &BlockMessage{}, nil
	case CmdTx:
		return &TxMessage{}, nil
	case CmdMemPool:
		return &MemPoolMessage{}, nil
	case CmdReject:
		return &RejectMessage{}, nil
	default:
		return nil, ErrUnknownCommand
	}
}
