package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic distinguishes mainnet/testnet/regtest framing, mirroring
// Bitcoin's network magic bytes.
type Magic [4]byte

var (
	MagicMainnet = Magic{0x24, 0xe9, 0x27, 0x64}
	MagicTestnet = Magic{0xfa, 0x1a, 0xf9, 0xbf}
	MagicRegtest = Magic{0xaa, 0xe8, 0x3f, 0x5f}
)

const commandLen = 12

// Codec frames/deframes messages for one connection. It is safe for
// concurrent Encode and Decode calls from different goroutines (one
// read loop, one write loop) but not for concurrent calls to the same
// method.
type Codec struct {
	magic Magic
}

func NewCodec(magic Magic) *Codec { return &Codec{magic: magic} }

// Encode writes a fully framed message: magic, 12-byte zero-padded
// command name, payload length, a 4-byte double-SHA256 checksum, then
// the payload.
func (c *Codec) Encode(w io.Writer, msg Message) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", msg.Command(), err)
	}
	if len(payload) > MaxProtocolMessageLen {
		return ErrMessageTooBig
	}

	var cmdBuf [commandLen]byte
	copy(cmdBuf[:], msg.Command())

	header := make([]byte, 4+commandLen+4+4)
	copy(header[0:4], c.magic[:])
	copy(header[4:4+commandLen], cmdBuf[:])
	binary.LittleEndian.PutUint32(header[4+commandLen:4+commandLen+4], uint32(len(payload)))
	copy(header[4+commandLen+4:], checksum(payload))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// Decode reads one fully framed message and dispatches it to a typed
// Message via NewByCommand. Unknown commands return ErrUnknownCommand
// after the frame has still been fully consumed from r, so the stream
// stays synchronized.
func (c *Codec) Decode(r io.Reader) (Message, error) {
	header := make([]byte, 4+commandLen+4+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var magic Magic
	copy(magic[:], header[0:4])
	if magic != c.magic {
		return nil, ErrBadMagic
	}

	cmd := Command(trimZero(header[4 : 4+commandLen]))
	length := binary.LittleEndian.Uint32(header[4+commandLen : 4+commandLen+4])
	if length > MaxProtocolMessageLen {
		return nil, ErrMessageTooBig
	}
	wantChecksum := header[4+commandLen+4:]

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	if !equalBytes(checksum(payload), wantChecksum) {
		return nil, ErrBadChecksum
	}

	msg, err := NewByCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, cmd)
	}
	if err := msg.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", cmd, err)
	}
	return msg, nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var ErrClosed = errors.New("wire: codec closed")
