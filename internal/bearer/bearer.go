// Package bearer implements the three wire transports a tunnel path can be
// carried over — GRE, UDP, and framed TCP — behind a single Bearer
// interface, plus the client/server role derivation shared by all three.
package bearer

import (
	"context"
	"errors"
	"net/netip"
)

// Protocol identifies a bearer's wire transport.
type Protocol int

// Recognized transports (spec §3/§6).
const (
	GRE Protocol = iota
	UDP
	TCP
)

func (p Protocol) String() string {
	switch p {
	case GRE:
		return "gre"
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Role is a bearer's derived connection role. Only framed TCP bearers use
// this to decide whether to dial or listen; GRE and UDP bind a local
// endpoint regardless of role.
type Role int

// Client dials out; Server binds and accepts.
const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Endpoint is one side of a bearer: an address plus the port used by
// UDP/TCP bearers (GRE has no port concept and leaves Port at 0).
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// DeriveRole returns Client iff (local, localPort) < (remote, remotePort)
// lexicographically (address compared first, port as a tiebreaker), and
// Server otherwise. Both peers of a bearer compute this independently and
// always agree, since the comparison is anti-symmetric.
func DeriveRole(local, remote Endpoint) Role {
	if c := local.Addr.Compare(remote.Addr); c != 0 {
		if c < 0 {
			return Client
		}
		return Server
	}
	if local.Port < remote.Port {
		return Client
	}
	return Server
}

// Packet is a received payload tagged with the peer address it arrived
// from, handed from a bearer's receive loop to the tunnel manager.
type Packet struct {
	Payload []byte
	From    netip.Addr
}

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("bearer: closed")

// Bearer is one wire transport leg of a tunnel path. Send and Recv are
// called from the tunnel manager's single shared transmit task and a
// dedicated per-bearer receive goroutine, respectively; implementations
// must tolerate that concurrent use.
type Bearer interface {
	// Protocol reports the underlying wire transport.
	Protocol() Protocol

	// Role reports the derived connection role.
	Role() Role

	// Send transmits payload, appending any framing the transport
	// requires (pktid trailer, length prefix, GRE header). pktid is the
	// dataplane-wide packet sequence number written into bearers that
	// carry it in-band (UDP, TCP); GRE bearers ignore it.
	Send(ctx context.Context, payload []byte, pktid uint64) error

	// Recv blocks until a packet is available, the bearer closes, or ctx
	// is canceled. It returns the de-framed payload and, for bearers that
	// carry one, the pktid extracted from the trailer (0 for GRE).
	Recv(ctx context.Context) (payload []byte, pktid uint64, err error)

	// Close releases the underlying socket(s) and unblocks any pending
	// Recv with ErrClosed.
	Close() error
}
