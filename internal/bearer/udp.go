package bearer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// pktidTrailerLen is the width of the packet-id trailer UDP and TCP
// bearers append after the payload (spec §3: "sender-appended 8-byte
// trailer").
const pktidTrailerLen = 8

// udpPollInterval bounds how long a single Recv blocks before re-checking
// ctx, matching the GRE bearer's poll cadence.
const udpPollInterval = 5 * time.Second

const udpRecvBufLen = 64 * 1024

// UDPBearer carries a tunnel path over a bound UDP socket, with every
// payload trailed by an 8-byte big-endian packet id.
type UDPBearer struct {
	remote netip.AddrPort
	role   Role

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

// NewUDP binds a UDP socket at local and returns a bearer that sends to
// and accepts from remote.
func NewUDP(local, remote netip.AddrPort) (*UDPBearer, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("bearer: udp bind %s: %w", local, err)
	}

	role := DeriveRole(
		Endpoint{Addr: local.Addr(), Port: local.Port()},
		Endpoint{Addr: remote.Addr(), Port: remote.Port()},
	)
	return &UDPBearer{remote: remote, role: role, conn: conn}, nil
}

// Protocol reports UDP.
func (b *UDPBearer) Protocol() Protocol { return UDP }

// Role reports the derived connection role (binding is symmetric for UDP;
// the value is kept for logging/metrics parity with TCP).
func (b *UDPBearer) Role() Role { return b.role }

// Send appends the 8-byte pktid trailer and writes payload+trailer to the
// remote endpoint in a single datagram.
func (b *UDPBearer) Send(_ context.Context, payload []byte, pktid uint64) error {
	buf := make([]byte, len(payload)+pktidTrailerLen)
	copy(buf, payload)
	binary.BigEndian.PutUint64(buf[len(payload):], pktid)

	b.mu.Lock()
	conn := b.conn
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if _, err := conn.WriteToUDPAddrPort(buf, b.remote); err != nil {
		return fmt.Errorf("bearer: udp send to %s: %w", b.remote, err)
	}
	return nil
}

// Recv waits for a datagram, strips its trailing pktid, and returns the
// remaining payload.
func (b *UDPBearer) Recv(ctx context.Context) ([]byte, uint64, error) {
	buf := make([]byte, udpRecvBufLen)
	for {
		b.mu.Lock()
		conn := b.conn
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, 0, ErrClosed
		}

		if err := conn.SetReadDeadline(time.Now().Add(udpPollInterval)); err != nil {
			return nil, 0, fmt.Errorf("bearer: udp set deadline: %w", err)
		}

		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return nil, 0, ErrClosed
			}
			return nil, 0, fmt.Errorf("bearer: udp recv: %w", err)
		}
		if n < pktidTrailerLen {
			continue
		}

		payload := buf[:n-pktidTrailerLen]
		pktid := binary.BigEndian.Uint64(buf[n-pktidTrailerLen : n])
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, pktid, nil
	}
}

// Close shuts down the UDP socket; closing it unblocks a pending Recv,
// which returns ErrClosed.
func (b *UDPBearer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Close()
}
