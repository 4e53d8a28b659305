// Package vif owns the TUN devices the dataplane reads outgoing packets
// from and writes received packets into, keyed by virtual interface name.
package vif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// MaxPacketSize bounds a single IP packet read from or written to a TUN
// device (VirtualIfMgr::MAX_PKT_SIZE in the source).
const MaxPacketSize = 9000

// packetChanDepth is the fan-in channel's capacity; it only needs to
// absorb a short burst between successive GetPacket calls.
const packetChanDepth = 64

// ErrNoDevices is returned by GetPacket when no interface is registered.
var ErrNoDevices = errors.New("vif: no devices registered")

// Packet is an outgoing IP packet read from a device, tagged with the
// interface name it came from.
type Packet struct {
	IfName string
	Data   []byte
}

// Manager owns the name-to-TUN-device mapping. AddIf is idempotent;
// AnnouncePacket and GetPacket are safe for concurrent use.
//
// The source's VirtualIfMgr::getPacket always reads device index 0,
// starving every interface configured after the first (spec §9's flagged
// multiplexing deficiency). That is fixed here, not preserved: each
// registered device gets its own reader goroutine feeding a shared
// channel, so GetPacket is a fair fan-in across every interface instead
// of a blocking read pinned to one of them.
type Manager struct {
	mu      sync.Mutex
	devs    map[string]*Device
	packets chan Packet
	log     *slog.Logger
}

// NewManager creates an empty virtual interface manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		devs:    make(map[string]*Device),
		packets: make(chan Packet, packetChanDepth),
		log:     log,
	}
}

// AddIf ensures ifname exists, opening a TUN device bound to addr and
// starting its reader goroutine if it does not. Calling it again for an
// existing name is a no-op success.
func (m *Manager) AddIf(ifname string, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devs[ifname]; ok {
		return nil
	}

	dev, err := OpenTUN(ifname, addr)
	if err != nil {
		return fmt.Errorf("vif: add %s: %w", ifname, err)
	}

	m.devs[ifname] = dev
	go m.readLoop(ifname, dev)
	return nil
}

// readLoop feeds every packet read from dev into the shared fan-in
// channel until dev is closed.
func (m *Manager) readLoop(ifname string, dev *Device) {
	for {
		buf := make([]byte, MaxPacketSize)
		n, err := dev.ReadPacket(buf)
		if err != nil {
			m.log.Warn("vif device read loop exiting", slog.String("if", ifname), slog.String("error", err.Error()))
			return
		}
		if n == 0 {
			continue
		}
		m.packets <- Packet{IfName: ifname, Data: buf[:n]}
	}
}

// AnnouncePacket writes data into the device registered as ifname.
func (m *Manager) AnnouncePacket(ifname string, data []byte) error {
	m.mu.Lock()
	dev, ok := m.devs[ifname]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vif: announce: unknown interface %q", ifname)
	}
	return dev.WritePacket(data)
}

// GetPacket blocks until any registered device produces an outgoing
// packet or ctx is canceled. It returns ErrNoDevices immediately if no
// interface has been added yet.
func (m *Manager) GetPacket(ctx context.Context) (Packet, error) {
	m.mu.Lock()
	empty := len(m.devs) == 0
	m.mu.Unlock()
	if empty {
		return Packet{}, ErrNoDevices
	}

	select {
	case pkt := <-m.packets:
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Close shuts down every registered device, which unblocks and exits each
// reader goroutine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, dev := range m.devs {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
