package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/eantcal/acsgwd/internal/bearer"
	"github.com/eantcal/acsgwd/internal/dedup"
)

// receivePollTimeout bounds each Recv call so the loop periodically
// rechecks removePending and the manager context, mirroring the
// source's 5-second poll-and-recheck cadence (TunnelMgr.cc's
// tunnelRecvThreadFunc).
const receivePollTimeout = 5 * time.Second

// icmpProtocolNumber is IPPROTO_ICMP.
const icmpProtocolNumber = 1

// runReceiveTask is one bearer's dedicated receive loop. tp.mu is held
// for its entire lifetime: DelMpTunnel sets removePending and then
// blocks acquiring tp.mu, which only succeeds once this loop observes
// removePending and returns — the same lock-as-shutdown-phaser
// discipline the source's recursive mutex implemented (spec §4.6, §9).
func (m *Manager) runReceiveTask(tp *TunnelPath) {
	defer m.wg.Done()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	proto := tp.bearer.Protocol().String()

	for {
		if tp.removePending.Load() {
			return
		}
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		rctx, cancel := context.WithTimeout(m.ctx, m.recvPollTimeout)
		payload, pktid, err := tp.bearer.Recv(rctx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, bearer.ErrClosed) {
				return
			}
			m.log.Error("receive task: bearer error, stopping path",
				slog.String("ifname", tp.ifname),
				slog.String("bearer", tp.name),
				slog.String("err", err.Error()))
			return
		}

		if m.isDuplicate(tp, payload, pktid) {
			m.metrics.IncDedupDrops(tp.ifname, tp.name, proto)
			continue
		}

		if err := m.vif.AnnouncePacket(tp.ifname, payload); err != nil {
			m.log.Warn("receive task: announce failed, dropping packet",
				slog.String("ifname", tp.ifname),
				slog.String("bearer", tp.name),
				slog.String("err", err.Error()))
			m.metrics.IncPacketsDropped(tp.ifname, tp.name, metricsReasonAnnounceFailed)
			continue
		}

		m.metrics.IncPacketsReceived(tp.ifname, tp.name, proto)
	}
}

// metricsReasonAnnounceFailed labels a packet dropped because writing it
// back into the virtual interface failed.
const metricsReasonAnnounceFailed = "announce_failed"

// isDuplicate applies the source's asymmetric dedup rule (spec §4.6,
// §9, preserved intentionally): GRE bearers are only deduped for ICMP
// payloads, keyed by a per-(src,dst) flow table over the inner IPv4
// header's identification/fragment/length/checksum fields (dedupFlow,
// Ip4DupDetector::dupTables). UDP and TCP bearers are deduped on every
// payload against one flat, never-evicting, unpartitioned set of
// bearer-supplied pktids (dedupGlobal, Ip4DupDetector::_pktidset) — the
// original's isADuplicated(pktid) overload never looks at the payload's
// own addresses at all, so no IPv4 header parsing happens on this path.
func (m *Manager) isDuplicate(tp *TunnelPath, payload []byte, pktid uint64) bool {
	if tp.bearer.Protocol() != bearer.GRE {
		return m.dedupGlobal.IsDuplicate(pktid)
	}

	hdr, err := ipv4.ParseHeader(payload)
	if err != nil {
		// Malformed or non-IPv4 payload: nothing to key dedup on, let it
		// through rather than silently discarding a packet we can't parse.
		return false
	}
	if hdr.Protocol != icmpProtocolNumber {
		return false
	}

	flowKey := dedup.FlowKey(ipToU32(hdr.Src), ipToU32(hdr.Dst))
	id := dedup.ICMPPacketID(
		uint16(hdr.ID),
		uint16(hdr.FragOff),
		uint16(hdr.TotalLen),
		uint16(hdr.Checksum),
	)
	return m.dedupFlow.IsDuplicate(flowKey, id)
}

func ipToU32(ip []byte) uint32 {
	if len(ip) == 16 {
		ip = ip[12:16]
	}
	if len(ip) != 4 {
		return 0
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}
