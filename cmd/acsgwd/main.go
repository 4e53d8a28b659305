// acsgwd -- multipath tunnel dataplane daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/eantcal/acsgwd/internal/allocator"
	"github.com/eantcal/acsgwd/internal/bearer"
	"github.com/eantcal/acsgwd/internal/config"
	"github.com/eantcal/acsgwd/internal/metrics"
	"github.com/eantcal/acsgwd/internal/routing"
	"github.com/eantcal/acsgwd/internal/sip"
	"github.com/eantcal/acsgwd/internal/tunnel"
	appversion "github.com/eantcal/acsgwd/internal/version"
	"github.com/eantcal/acsgwd/internal/vif"
)

// defaultCfgFileName mirrors SIP_SERVER_CFGFNAME from the original source.
const defaultCfgFileName = "acsgw.cfg"

// bindMaxAttempts and bindRetryDelay bound the SIP listener's startup
// bind loop (spec §5: "the bind loop at startup retries up to 60x at 5s").
const (
	bindMaxAttempts = 60
	bindRetryDelay  = 5 * time.Second
)

// metricsAddr is the fixed bind address for the Prometheus /metrics
// endpoint; the dataplane has no flag for it, matching the original's
// lack of an equivalent switch.
const metricsAddr = ":9110"

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	args, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage(progName(argv)))
		return 1
	}

	if args.showVersion {
		fmt.Println(appversion.Full(progName(argv)))
	}
	if args.showHelp {
		fmt.Println(usage(progName(argv)))
	}
	if args.showVersion || args.showHelp {
		return 0
	}

	logger, closeLog := newLogger(args.logOnStdout)
	defer closeLog()

	logger.Info("acsgwd is starting",
		slog.String("version", appversion.Version),
		slog.String("config", args.cfgFileName),
	)

	if err := runDaemon(args, logger); err != nil {
		logger.Error("acsgwd exited with error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func runDaemon(args progArgs, logger *slog.Logger) error {
	cfg, err := config.Load(args.cfgFileName)
	if err != nil {
		return fmt.Errorf("invalid configuration or configuration not found: %w", err)
	}

	alloc := allocator.New()
	if cfg.LogicalAddressRange.FirstIP.IsValid() {
		if err := alloc.Configure(cfg.LogicalAddressRange.FirstIP, cfg.LogicalAddressRange.LastIP, cfg.LogicalAddressRange.TTL); err != nil {
			return fmt.Errorf("configure logical address range: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vifMgr := vif.NewManager(logger)
	defer vifMgr.Close()

	mpMgr := tunnel.New(ctx, vifMgr, logger, collector)
	defer mpMgr.Close()

	if err := addConfiguredBearers(mpMgr, cfg, logger); err != nil {
		return err
	}

	route := routing.NewIPRouteProgrammer()
	dns := &hostsUpdater{alloc: alloc, cfg: cfg.DNS}

	sipPort := cfg.SIP.LocalPort
	if args.sipLocalPort > 0 {
		sipPort = args.sipLocalPort
	}

	sipSrv := sip.New(sip.Config{
		BindAddress:  addrString(cfg.SIP.LocalAddress),
		BindPort:     sipPort,
		RemoteAddr:   remoteAddrString(cfg),
		RemotePort:   cfg.SIP.RemotePort,
		TunnelIfName: primaryTunnelIfName(cfg),
	}, alloc, route, dns, logger)
	defer sipSrv.Close()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bindWithRetry(gCtx, sipSrv, logger)
	})

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down the server")
		_ = metricsSrv.Close()
		_ = sipSrv.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("acsgwd stopped")
	return nil
}

// bindWithRetry mirrors Program::makeSipServer's bind loop: retry up to
// bindMaxAttempts times at bindRetryDelay before giving up. ListenAndServe
// fails fast on a bind error and otherwise blocks until ctx is canceled,
// so a synchronous retry loop is sufficient -- no need to race it against
// a timer.
func bindWithRetry(ctx context.Context, srv *sip.Server, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= bindMaxAttempts; attempt++ {
		err := srv.ListenAndServe(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		lastErr = err
		logger.Warn("bind failed, retrying", slog.String("error", err.Error()), slog.Int("attempt", attempt))

		select {
		case <-time.After(bindRetryDelay):
		case <-ctx.Done():
			return nil
		}
	}
	return fmt.Errorf("sip server cannot bind to the local port: %w", lastErr)
}

func addConfiguredBearers(mgr *tunnel.Manager, cfg *config.Config, logger *slog.Logger) error {
	for _, t := range cfg.Tunnels {
		for _, b := range t.Bearers {
			proto, err := protocolOf(b.Type)
			if err != nil {
				return fmt.Errorf("tunnel %s bearer %s: %w", t.Name, b.Name, err)
			}
			local := netipAddrPort(b.LocalAddress, b.Port)
			remote := netipAddrPort(b.RemoteAddress, b.Port)
			spec := tunnel.BearerSpec{Name: b.Name, Protocol: proto, Local: local, Remote: remote}
			if err := mgr.AddBearer(t.Name, spec, b.LocalAddress); err != nil {
				logger.Warn("bearer setup failed, skipping",
					slog.String("tunnel", t.Name),
					slog.String("bearer", b.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("bearer added",
				slog.String("tunnel", t.Name),
				slog.String("bearer", b.Name),
				slog.String("protocol", proto.String()),
			)
		}
	}
	return nil
}

func protocolOf(t config.BearerType) (bearer.Protocol, error) {
	switch t {
	case config.BearerGRE:
		return bearer.GRE, nil
	case config.BearerUDP:
		return bearer.UDP, nil
	case config.BearerTCP:
		return bearer.TCP, nil
	default:
		return 0, fmt.Errorf("unknown bearer type %q", t)
	}
}

func netipAddrPort(addr netip.Addr, port int) netip.AddrPort {
	if !addr.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, uint16(port))
}

// remoteAddrString returns the SIP remote proxy address, or "" if this
// node is the network gateway (no upstream proxy configured).
func remoteAddrString(cfg *config.Config) string {
	return addrString(cfg.SIP.RemoteAddress)
}

// addrString renders addr, or "" for the zero value (bind-all / unset).
func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

// primaryTunnelIfName returns the first configured tunnel interface
// name, passed to the SIP server as its TunnelIfName.
func primaryTunnelIfName(cfg *config.Config) string {
	if len(cfg.Tunnels) == 0 {
		return ""
	}
	return cfg.Tunnels[0].Name
}

// hostsUpdater adapts the allocator's hosts-file writer to sip.DNSUpdater.
type hostsUpdater struct {
	alloc *allocator.Allocator
	cfg   config.DNSConfig
}

func (h *hostsUpdater) Update() bool {
	if h.cfg.HostsPath == "" {
		return false
	}
	if err := h.alloc.WriteHostsFile(h.cfg.HostsPath, h.cfg.Prelude); err != nil {
		return false
	}
	return true
}
