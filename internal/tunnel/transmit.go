package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eantcal/acsgwd/internal/metrics"
	"github.com/eantcal/acsgwd/internal/vif"
)

// vifIdleBackoff bounds how often the transmit task retries GetPacket
// after observing that no virtual interface is registered yet.
const vifIdleBackoff = time.Second

// runTransmitTask is the single shared transmit loop, started exactly
// once on the first AddBearer call (MpTunnelMgr::tunnelXmitThreadFunc).
// It pulls one packet at a time from the virtual interface fan-in and
// fans it out to every bearer of the packet's tunnel. A per-bearer send
// failure drops that bearer's copy and continues with the rest — the
// TCP-only "drop and keep going" behavior in the source is normalized
// here to apply uniformly across GRE, UDP, and TCP (spec's Open
// Question resolution on fan-out error handling).
func (m *Manager) runTransmitTask() {
	defer m.wg.Done()

	err := m.transmitLoop()

	select {
	case m.xmitErr <- err:
	default:
	}
}

func (m *Manager) transmitLoop() error {
	for {
		select {
		case <-m.ctx.Done():
			return nil
		default:
		}

		pkt, err := m.vif.GetPacket(m.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, vif.ErrNoDevices) {
				select {
				case <-m.ctx.Done():
					return nil
				case <-time.After(vifIdleBackoff):
					continue
				}
			}
			return err
		}

		m.transmitOne(pkt)
	}
}

func (m *Manager) transmitOne(pkt vif.Packet) {
	paths, err := m.GetMpTunnel(pkt.IfName)
	if err != nil {
		m.log.Warn("transmit: no tunnel for interface, dropping packet",
			slog.String("ifname", pkt.IfName))
		m.metrics.IncPacketsDropped(pkt.IfName, "", metrics.DropReasonRouteMissing)
		return
	}

	pktid := m.pktid.Add(1)

	for _, tp := range paths {
		if err := tp.bearer.Send(m.ctx, pkt.Data, pktid); err != nil {
			m.log.Warn("transmit: bearer send failed, dropping for this path",
				slog.String("ifname", pkt.IfName),
				slog.String("bearer", tp.name),
				slog.String("err", err.Error()))
			m.metrics.IncPacketsDropped(pkt.IfName, tp.name, metrics.DropReasonSendError)
			continue
		}
		m.metrics.IncPacketsSent(pkt.IfName, tp.name, tp.bearer.Protocol().String())
	}
}
