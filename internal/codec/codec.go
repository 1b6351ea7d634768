// Package codec implements the length-prefixed block framing used for every payload
// exchanged with a LiveView save server.
//
// A block is a 4-byte big-endian header holding the uncompressed payload length,
// followed by a zlib stream of the payload. This is the layout produced by Qt's
// qCompress, so blocks written here are readable by the acquisition server and
// vice versa. An empty payload is encoded as a header of zero with no stream.
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/klauspost/compress/zlib"
)

// HeaderSize is the size of the uncompressed-length prefix.
const HeaderSize = 4

// MaxPayloadSize bounds the uncompressed length accepted from a peer.
const MaxPayloadSize = 64 << 20

// ErrCorrupt is wrapped by every error caused by a malformed block.
var ErrCorrupt = errors.New("corrupt block")

// Compress encodes payload as a single block.
func Compress(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit of %d", len(payload), MaxPayloadSize)
	}

	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])

	if len(payload) == 0 {
		return buf.Bytes(), nil
	}

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compressed stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes a complete block held in memory.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < HeaderSize {
		return nil, fmt.Errorf("%w: block of %d bytes is shorter than its header", ErrCorrupt, len(block))
	}
	expected, err := parseHeader(block[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if expected == 0 {
		if len(block) > HeaderSize {
			return nil, fmt.Errorf("%w: empty block carries %d trailing bytes", ErrCorrupt, len(block)-HeaderSize)
		}
		return []byte{}, nil
	}

	payload, err := inflate(bytes.NewReader(block[HeaderSize:]), expected)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadBlock reads exactly one block from r. The zlib stream terminates itself, so
// bytes belonging to a following block are left unread in r.
func ReadBlock(r *bufio.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	expected, err := parseHeader(header[:])
	if err != nil {
		return nil, err
	}
	if expected == 0 {
		return []byte{}, nil
	}
	return inflate(r, expected)
}

// WriteBlock compresses payload and writes the resulting block with a single Write.
func WriteBlock(w io.Writer, payload []byte) error {
	block, err := Compress(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(block)
	return err
}

func parseHeader(header []byte) (int, error) {
	n := binary.BigEndian.Uint32(header)
	if n > MaxPayloadSize {
		return 0, fmt.Errorf("%w: declared length %d exceeds limit of %d", ErrCorrupt, n, MaxPayloadSize)
	}
	return int(n), nil
}

// inflate reads one zlib stream from r and checks it against the declared length.
func inflate(r io.Reader, expected int) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, classify(err)
	}
	defer zr.Close()

	// One extra byte lets an over-long stream be detected without reading it all.
	// Reaching EOF below the limit means the checksum was already verified.
	payload, err := io.ReadAll(io.LimitReader(zr, int64(expected)+1))
	if err != nil {
		return nil, classify(err)
	}
	if len(payload) != expected {
		return nil, fmt.Errorf("%w: inflated %d bytes, header declared %d", ErrCorrupt, len(payload), expected)
	}
	return payload, nil
}

// classify keeps transport errors intact and marks stream errors as corruption.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated stream: %w", ErrCorrupt, io.ErrUnexpectedEOF)
	case errors.Is(err, zlib.ErrChecksum), errors.Is(err, zlib.ErrHeader), errors.Is(err, zlib.ErrDictionary):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}
