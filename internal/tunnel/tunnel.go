// Package tunnel implements the multipath tunnel manager: bearer
// lifecycle, the single shared transmit task, one receive task per
// bearer, and duplicate suppression on the way back into the virtual
// interface.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eantcal/acsgwd/internal/bearer"
	"github.com/eantcal/acsgwd/internal/dedup"
	"github.com/eantcal/acsgwd/internal/metrics"
	"github.com/eantcal/acsgwd/internal/vif"
)

// Sentinel errors, matching the taxonomy in spec §7.
var (
	// ErrTunnelNotFound is MpTunnelMgr::Exception::TUNNEL_INSTANCE_NOT_FOUND:
	// the transmit task looked up an interface name with no registered
	// tunnel (RouteMissing).
	ErrTunnelNotFound = errors.New("tunnel: instance not found")

	// ErrDuplicateRoute is returned by AddBearer when another bearer
	// already claims the same remote endpoint (one interface per remote,
	// spec §3's reverse index).
	ErrDuplicateRoute = errors.New("tunnel: remote endpoint already routed")

	// ErrUnknownProtocol is returned by AddBearer for a BearerSpec whose
	// Protocol is not GRE, UDP, or TCP.
	ErrUnknownProtocol = errors.New("tunnel: unknown bearer protocol")
)

// BearerSpec describes one bearer to attach to a virtual interface.
// Name is carried through only for logging and metric labels.
type BearerSpec struct {
	Name     string
	Protocol bearer.Protocol
	Local    netip.AddrPort // GRE bearers use Local.Addr() and ignore the port
	Remote   netip.AddrPort
}

// TunnelPath is one bearer plus the runtime resources and shutdown
// coordination for it (spec §3). mu is held for the entire lifetime of
// the path's receive goroutine and is used by DelMpTunnel as a shutdown
// phaser, exactly as the source's recursive mutex was.
type TunnelPath struct {
	ifname    string
	name      string
	bearer    bearer.Bearer
	remoteU32 uint32

	mu            sync.Mutex
	removePending atomic.Bool
}

// MultipathTunnel is the ordered list of bearers sharing one virtual
// interface; the transmit task fans out to every entry in insertion
// order (spec §4.6, testable property 10).
type MultipathTunnel = []*TunnelPath

// VIF is the subset of vif.Manager the tunnel manager needs: reading
// outgoing packets from every registered device and writing received
// ones back in. Defined as an interface so tests can substitute a fake
// in place of a real TUN-backed vif.Manager.
type VIF interface {
	AddIf(ifname string, addr netip.Addr) error
	AnnouncePacket(ifname string, data []byte) error
	GetPacket(ctx context.Context) (vif.Packet, error)
}

// Manager is the multipath tunnel manager: dev2mp, the remote-endpoint
// reverse index, the single shared transmit task, and duplicate
// suppression. The zero value is not usable; use New.
//
// Dedup uses two separate detectors, matching the source's two
// Ip4DupDetector overloads: dedupFlow is the bounded, per-(src,dst)
// table used for GRE/ICMP; dedupGlobal is one flat, never-evicting set
// used for every UDP/TCP pktid, not partitioned by flow.
type Manager struct {
	log         *slog.Logger
	vif         VIF
	metrics     *metrics.Collector
	dedupFlow   *dedup.FlowDetector
	dedupGlobal *dedup.Detector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	dev2mp     map[string]MultipathTunnel
	remote2dev map[uint32]string

	xmitOnce sync.Once
	xmitErr  chan error

	pktid atomic.Uint64

	bearerFactory func(BearerSpec) (bearer.Bearer, error)

	recvPollTimeout time.Duration
}

// New creates a Manager bound to vifMgr. ctx governs the lifetime of the
// transmit task and every receive task; canceling it (or calling Close)
// shuts the whole dataplane down. A nil mc gets a collector registered on
// a private registry, so several Managers can coexist in one process.
func New(ctx context.Context, vifMgr VIF, log *slog.Logger, mc *metrics.Collector) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if mc == nil {
		mc = metrics.NewCollector(prometheus.NewRegistry())
	}
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		log:             log,
		vif:             vifMgr,
		metrics:         mc,
		dedupFlow:       dedup.NewFlowDetector(),
		dedupGlobal:     dedup.NewUnbounded(),
		ctx:             mctx,
		cancel:          cancel,
		dev2mp:          make(map[string]MultipathTunnel),
		remote2dev:      make(map[uint32]string),
		xmitErr:         make(chan error, 1),
		bearerFactory:   newBearerTransport,
		recvPollTimeout: receivePollTimeout,
	}
}

// SetBearerFactoryForTest overrides how AddBearer constructs a bearer's
// transport. Production callers never need this; it exists so tests can
// substitute an in-memory fake instead of opening a real socket.
func (m *Manager) SetBearerFactoryForTest(f func(BearerSpec) (bearer.Bearer, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bearerFactory = f
}

// SetRecvPollTimeoutForTest overrides the receive task's poll interval.
// Production callers never need this; it exists so tests observing
// DelMpTunnel's shutdown latency don't have to wait out the real
// interval.
func (m *Manager) SetRecvPollTimeoutForTest(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvPollTimeout = d
}

// AddBearer attaches a new bearer to ifname: it opens the bearer's
// transport, registers the virtual interface (idempotent), records the
// remote-endpoint reverse index, appends the path to the tunnel's bearer
// list, lazily starts the single shared transmit task, and spawns this
// path's dedicated receive task (spec §4.6).
func (m *Manager) AddBearer(ifname string, spec BearerSpec, localVifAddr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bearerFactory(spec)
	if err != nil {
		return fmt.Errorf("tunnel: add bearer %s to %s: %w", spec.Name, ifname, err)
	}

	remoteU32, err := addrToU32(remoteAddrOf(spec))
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("tunnel: add bearer %s: %w", spec.Name, err)
	}

	if err := m.vif.AddIf(ifname, localVifAddr); err != nil {
		_ = b.Close()
		return fmt.Errorf("tunnel: add bearer %s: %w", spec.Name, err)
	}

	if _, exists := m.remote2dev[remoteU32]; exists {
		_ = b.Close()
		return fmt.Errorf("tunnel: add bearer %s: %w", spec.Name, ErrDuplicateRoute)
	}

	tp := &TunnelPath{ifname: ifname, name: spec.Name, bearer: b, remoteU32: remoteU32}

	m.remote2dev[remoteU32] = ifname
	m.dev2mp[ifname] = append(m.dev2mp[ifname], tp)
	m.metrics.RegisterBearer(ifname, spec.Name, b.Protocol().String())

	m.xmitOnce.Do(func() {
		m.wg.Add(1)
		go m.runTransmitTask()
	})

	m.wg.Add(1)
	go m.runReceiveTask(tp)

	return nil
}

// GetMpTunnel returns the bearer list for ifname, matching
// MpTunnelMgr::getMpTunnel; ErrTunnelNotFound is RouteMissing (spec §7).
func (m *Manager) GetMpTunnel(ifname string) (MultipathTunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.dev2mp[ifname]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTunnelNotFound, ifname)
	}
	out := make(MultipathTunnel, len(mp))
	copy(out, mp)
	return out, nil
}

// DelMpTunnel removes every bearer of ifname's tunnel. For each path it
// clears the reverse index, flags removePending, then blocks acquiring
// the path's mutex — which only releases once the receive task observes
// removePending and returns, exactly mirroring the source's
// lock-as-shutdown-phaser discipline (spec §4.6, §9).
func (m *Manager) DelMpTunnel(ifname string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.dev2mp[ifname]
	if !ok {
		m.log.Warn("del_mp_tunnel: interface not found", slog.String("ifname", ifname))
		return false
	}

	for _, tp := range mp {
		delete(m.remote2dev, tp.remoteU32)
		tp.removePending.Store(true)
		tp.mu.Lock() // blocks until the receive task observes removePending and exits
		tp.mu.Unlock()
		_ = tp.bearer.Close()
		m.metrics.UnregisterBearer(ifname, tp.name, tp.bearer.Protocol().String())
	}

	delete(m.dev2mp, ifname)
	return true
}

// XmitErr returns a channel that receives the transmit task's terminal
// error (nil on a clean shutdown) exactly once, for wiring into a daemon
// errgroup.
func (m *Manager) XmitErr() <-chan error { return m.xmitErr }

// Close cancels every receive/transmit task and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func newBearerTransport(spec BearerSpec) (bearer.Bearer, error) {
	switch spec.Protocol {
	case bearer.GRE:
		return bearer.NewGRE(spec.Local.Addr(), spec.Remote.Addr())
	case bearer.UDP:
		return bearer.NewUDP(spec.Local, spec.Remote)
	case bearer.TCP:
		return bearer.NewTCP(spec.Local, spec.Remote)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownProtocol, spec.Protocol)
	}
}

func remoteAddrOf(spec BearerSpec) netip.Addr {
	return spec.Remote.Addr()
}

func addrToU32(a netip.Addr) (uint32, error) {
	if !a.Is4() {
		return 0, fmt.Errorf("tunnel: remote address %s is not IPv4", a)
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
