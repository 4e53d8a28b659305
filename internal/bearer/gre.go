//go:build linux

package bearer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// GRE encapsulation — RFC 2784, IPv4-only payload
// -------------------------------------------------------------------------
//
// Wire format written by Send (and expected by Recv, after the kernel's
// own IPv4 header):
//
//	IPv4 header (kernel-supplied, IHL 20..60 bytes)
//	GRE header (4 bytes): Flags/Version (2 bytes, always 0) | Protocol Type (2 bytes)
//	Payload
const (
	greHeaderLen  = 4
	greProtoIPv4  = 0x0800
	ihlMinBytes   = 20
	ihlMaxBytes   = 60
	greRecvBufLen = 64 * 1024
)

// ErrMalformedGRE names a packet whose IPv4 IHL or GRE header fails
// validation. Recv does not return it: such packets are dropped silently
// and polling resumes.
var ErrMalformedGRE = errors.New("bearer: malformed GRE packet")

// GREBearer carries a tunnel path over a raw IPv4 GRE socket
// (AF_INET, SOCK_RAW, IPPROTO_GRE). GRE has no port concept: every Send
// targets the configured remote address directly.
type GREBearer struct {
	local  netip.Addr
	remote netip.Addr
	role   Role

	mu     sync.Mutex
	fd     int
	closed bool
}

// NewGRE opens a raw GRE socket bound to local and returns a bearer that
// sends to and filters on remote.
func NewGRE(local, remote netip.Addr) (*GREBearer, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_GRE)
	if err != nil {
		return nil, fmt.Errorf("bearer: gre socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bearer: gre SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: unix.IPPROTO_GRE, Addr: local.As4()}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bearer: gre bind %s: %w", local, err)
	}

	role := DeriveRole(Endpoint{Addr: local}, Endpoint{Addr: remote})
	return &GREBearer{local: local, remote: remote, role: role, fd: fd}, nil
}

// Protocol reports GRE.
func (b *GREBearer) Protocol() Protocol { return GRE }

// Role reports the derived connection role. GRE binds regardless of role;
// the value is retained for logging/metrics symmetry with UDP/TCP.
func (b *GREBearer) Role() Role { return b.role }

// Send prepends the 4-byte GRE header and writes buf to the remote
// address. pktid is ignored: GRE carries no in-band sequence trailer.
func (b *GREBearer) Send(_ context.Context, payload []byte, _ uint64) error {
	buf := make([]byte, greHeaderLen+len(payload))
	buf[0] = 0
	buf[1] = 0
	buf[2] = byte(greProtoIPv4 >> 8)
	buf[3] = byte(greProtoIPv4)
	copy(buf[greHeaderLen:], payload)

	sa := &unix.SockaddrInet4{Port: unix.IPPROTO_GRE, Addr: b.remote.As4()}

	b.mu.Lock()
	fd := b.fd
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := unix.Sendto(fd, buf, 0, sa); err != nil {
		return fmt.Errorf("bearer: gre sendto %s: %w", b.remote, err)
	}
	return nil
}

// Recv polls the raw socket (5s per wait, matching the dataplane's
// liveness-check cadence) and, once readable, parses the kernel-supplied
// IPv4 header to locate and strip the GRE header. Malformed packets
// (bad IHL, non-zero GRE flags, non-IPv4 protocol type) are silently
// dropped and polling resumes, mirroring the source's tolerant receive
// loop.
func (b *GREBearer) Recv(ctx context.Context) ([]byte, uint64, error) {
	buf := make([]byte, greRecvBufLen)
	for {
		b.mu.Lock()
		closed := b.closed
		fd := b.fd
		b.mu.Unlock()
		if closed {
			return nil, 0, ErrClosed
		}

		ready, err := pollReadable(fd, 5000)
		if err != nil {
			return nil, 0, fmt.Errorf("bearer: gre poll: %w", err)
		}
		if !ready {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			default:
				continue
			}
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return nil, 0, fmt.Errorf("bearer: gre recvfrom: %w", err)
		}

		payload, ok := parseGREDatagram(buf[:n])
		if !ok {
			continue
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, 0, nil
	}
}

// Close shuts down the raw socket; a pending Recv observes ErrClosed on
// its next poll wakeup.
func (b *GREBearer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.fd)
}

// parseGREDatagram validates the IPv4 header's IHL and the GRE header
// that follows it, returning the GRE payload slice (aliasing buf) and
// whether the datagram was well-formed.
func parseGREDatagram(buf []byte) ([]byte, bool) {
	if len(buf) < ihlMinBytes {
		return nil, false
	}
	ihl := int(buf[0]&0x0f) << 2
	if ihl < ihlMinBytes || ihl > ihlMaxBytes || len(buf) < ihl+greHeaderLen {
		return nil, false
	}

	flags := uint16(buf[ihl])<<8 | uint16(buf[ihl+1])
	if flags != 0 {
		return nil, false
	}
	proto := uint16(buf[ihl+2])<<8 | uint16(buf[ihl+3])
	if proto != greProtoIPv4 {
		return nil, false
	}

	return buf[ihl+greHeaderLen:], true
}

// pollReadable waits up to timeoutMS milliseconds for fd to become
// readable, returning false on a plain timeout.
func pollReadable(fd int, timeoutMS int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}
