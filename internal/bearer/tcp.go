package bearer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eantcal/acsgwd/internal/queue"
)

// Tuning constants for the framed TCP bearer, matching the source's
// connection-manager state machine.
const (
	tcpQueueDepth           = 10000
	tcpConnectRetryInterval = 800 * time.Millisecond
	tcpRecvTimeout          = 10 * time.Second
)

// TCPBearer carries a tunnel path over a reconnecting, length-framed TCP
// connection. A client-role bearer dials out with retry; a server-role
// bearer binds, listens, and accepts. Either way, a dedicated connection
// manager goroutine owns the connection's lifecycle, a separate receiver
// goroutine reads frames off it, and Send/Recv hand buffers through
// bounded queues rather than touching the socket directly.
type TCPBearer struct {
	role   Role
	local  netip.AddrPort
	remote netip.AddrPort

	listener net.Listener

	outbound *queue.Queue[frame]
	inbound  *queue.Queue[frame]

	retryMu    sync.Mutex
	retryFrame *frame // single-slot parked message from the last failed send

	connected atomic.Bool
	closed    atomic.Bool
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewTCP derives the bearer's role from local/remote and starts its
// connection manager goroutine. For a server-role bearer, the listening
// socket is bound synchronously so a bind failure is reported to the
// caller instead of silently retried.
func NewTCP(local, remote netip.AddrPort) (*TCPBearer, error) {
	role := DeriveRole(
		Endpoint{Addr: local.Addr(), Port: local.Port()},
		Endpoint{Addr: remote.Addr(), Port: remote.Port()},
	)

	b := &TCPBearer{
		role:     role,
		local:    local,
		remote:   remote,
		outbound: queue.New[frame](tcpQueueDepth),
		inbound:  queue.New[frame](tcpQueueDepth),
		closeCh:  make(chan struct{}),
	}

	if role == Server {
		ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(local))
		if err != nil {
			return nil, fmt.Errorf("bearer: tcp listen %s: %w", local, err)
		}
		b.listener = ln
	}

	b.wg.Add(1)
	go b.connectionManagerLoop()
	return b, nil
}

// Protocol reports TCP.
func (b *TCPBearer) Protocol() Protocol { return TCP }

// Role reports the derived connection role.
func (b *TCPBearer) Role() Role { return b.role }

// Send enqueues payload+pktid for the connection manager's send loop. It
// never blocks: a full outbound queue drops the message and reports an
// error, matching the dataplane-wide drop-and-continue policy for
// transmit failures.
func (b *TCPBearer) Send(_ context.Context, payload []byte, pktid uint64) error {
	if b.closed.Load() {
		return ErrClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	if !b.outbound.Push(frame{payload: cp, pktid: pktid}) {
		return fmt.Errorf("bearer: tcp outbound queue full")
	}
	return nil
}

// Recv waits for the receiver goroutine to deliver a frame.
func (b *TCPBearer) Recv(ctx context.Context) ([]byte, uint64, error) {
	for {
		f, ok := b.inbound.Pop(2*time.Second, func() bool {
			return ctx.Err() != nil || b.closed.Load()
		})
		if ok {
			return f.payload, f.pktid, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if b.closed.Load() {
			return nil, 0, ErrClosed
		}
	}
}

// Close tears down the listener (if any) and the connection manager
// goroutine tree, unblocking any pending Recv with ErrClosed.
func (b *TCPBearer) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.closeCh)
	b.connected.Store(false)
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.wg.Wait()
	return nil
}

// connectionManagerLoop is the bearer's top-level state machine: dial or
// accept, run the send loop until disconnect, then loop back to
// reconnect. It returns only once Close has been called.
func (b *TCPBearer) connectionManagerLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.closeCh:
			return
		default:
		}

		conn, err := b.dialOrAccept()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			select {
			case <-time.After(tcpConnectRetryInterval):
				continue
			case <-b.closeCh:
				return
			}
		}

		b.connected.Store(true)
		recvDone := make(chan struct{})
		b.wg.Add(1)
		go b.receiveLoop(conn, recvDone)

		b.sendLoop(conn)

		b.connected.Store(false)
		_ = conn.Close()
		<-recvDone
	}
}

// dialOrAccept obtains the next connection for this bearer's role.
// Client role binds+connects on a fresh socket each call, so a retry after
// failure starts again from the bind; server role accepts from the
// already-bound listener.
func (b *TCPBearer) dialOrAccept() (net.Conn, error) {
	if b.role == Server {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.closeCh:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("bearer: tcp accept: %w", err)
		}
		return conn, nil
	}

	dialer := net.Dialer{
		LocalAddr: net.TCPAddrFromAddrPort(b.local),
		Timeout:   tcpRecvTimeout,
	}
	conn, err := dialer.Dial("tcp", net.TCPAddrFromAddrPort(b.remote).String())
	if err != nil {
		return nil, fmt.Errorf("bearer: tcp dial %s: %w", b.remote, err)
	}
	return conn, nil
}

// sendLoop drains the outbound queue onto conn, retrying the single
// parked frame from a prior failed write before anything new, until a
// write fails or the bearer is closed.
func (b *TCPBearer) sendLoop(conn net.Conn) {
	for {
		select {
		case <-b.closeCh:
			return
		default:
		}

		var f frame
		var fromRetry bool

		b.retryMu.Lock()
		if b.retryFrame != nil {
			f = *b.retryFrame
			fromRetry = true
		}
		b.retryMu.Unlock()

		if !fromRetry {
			popped, ok := b.outbound.Pop(tcpRecvTimeout, func() bool { return !b.connected.Load() })
			if !ok {
				if !b.connected.Load() {
					return
				}
				continue
			}
			f = popped
		}

		if err := writeFrame(conn, f.payload, f.pktid, tcpRecvTimeout); err != nil {
			b.retryMu.Lock()
			if b.retryFrame == nil {
				b.retryFrame = &f
			}
			b.retryMu.Unlock()
			return
		}

		if fromRetry {
			b.retryMu.Lock()
			b.retryFrame = nil
			b.retryMu.Unlock()
		}
	}
}

// receiveLoop reads frames off conn and delivers them to the inbound
// queue until a read fails or times out hard, at which point it signals
// the connection manager via recvDone so a reconnect can begin.
func (b *TCPBearer) receiveLoop(conn net.Conn, recvDone chan<- struct{}) {
	defer b.wg.Done()
	defer close(recvDone)

	for b.connected.Load() {
		payload, pktid, timedOut, err := readFrame(conn, tcpRecvTimeout)
		if err != nil {
			b.connected.Store(false)
			return
		}
		if timedOut {
			continue
		}
		b.inbound.Push(frame{payload: payload, pktid: pktid})
	}
}
