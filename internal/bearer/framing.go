package bearer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// -------------------------------------------------------------------------
// Framed TCP wire format
// -------------------------------------------------------------------------
//
//	4-byte big-endian length prefix L, where 0 < L < maxFrameLen
//	L + pktidTrailerLen bytes: payload (L bytes) followed by an 8-byte
//	big-endian packet id
const (
	frameLenPrefixBytes = 4
	maxFrameLen         = 128 * 1024
)

// ErrFrameTooLarge is returned by readFrame when a peer advertises a
// length outside (0, maxFrameLen).
var ErrFrameTooLarge = errors.New("bearer: frame length out of range")

// frame is one queued outbound/inbound message on a TCP bearer.
type frame struct {
	payload []byte
	pktid   uint64
}

// writeFrame serializes payload+pktid with its length prefix and writes
// it to conn in a single call, matching the source's one-shot send of
// the fully assembled buffer.
func writeFrame(conn net.Conn, payload []byte, pktid uint64, timeout time.Duration) error {
	buf := make([]byte, frameLenPrefixBytes+len(payload)+pktidTrailerLen)
	binary.BigEndian.PutUint32(buf, uint32(len(payload))) //nolint:gosec
	copy(buf[frameLenPrefixBytes:], payload)
	binary.BigEndian.PutUint64(buf[frameLenPrefixBytes+len(payload):], pktid)

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("bearer: tcp set write deadline: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("bearer: tcp write: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from conn.
//
// A timeout with zero bytes read on the length prefix is reported via
// timedOut=true with a nil error: the caller should treat it as "no
// message arrived this round" and keep polling. Any other short read —
// a partial length prefix, or any problem reading the len+8 body — is a
// hard error that should end the connection, matching the source's
// distinction between "nothing arrived" and "the peer went away
// mid-message".
func readFrame(conn net.Conn, timeout time.Duration) (payload []byte, pktid uint64, timedOut bool, err error) {
	var header [frameLenPrefixBytes]byte
	n, err := readFullWithDeadline(conn, header[:], timeout)
	if err != nil {
		if n == 0 && isTimeout(err) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("bearer: tcp read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length >= maxFrameLen {
		return nil, 0, false, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	body := make([]byte, int(length)+pktidTrailerLen)
	if _, err := readFullWithDeadline(conn, body, timeout); err != nil {
		return nil, 0, false, fmt.Errorf("bearer: tcp read frame body: %w", err)
	}

	pktid = binary.BigEndian.Uint64(body[length:])
	return body[:length], pktid, false, nil
}

// readFullWithDeadline is io.ReadFull with a read deadline applied first.
func readFullWithDeadline(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("bearer: tcp set read deadline: %w", err)
	}
	return io.ReadFull(conn, buf)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
