package sip

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eantcal/acsgwd/internal/allocator"
	"github.com/eantcal/acsgwd/internal/routing"
)

// DefaultPort is the SIP control channel's default bind port
// (SipServer::DEFAULT_PORT in the source).
const DefaultPort = 15060

// acceptRetryBackoff is how long the accept loop sleeps after a
// transient Accept error before retrying, matching SipServer::run's
// one-second backoff.
const acceptRetryBackoff = time.Second

// proxyDialTimeout bounds connecting to a configured remote SIP proxy.
const proxyDialTimeout = 5 * time.Second

// Route is the subset of routing.Programmer the control plane needs.
type Route interface {
	AddViaDevice(ctx context.Context, ip netip.Addr, mask, dev string) error
	AddViaGateway(ctx context.Context, ip netip.Addr, mask string, via netip.Addr) error
}

// DNSUpdater refreshes the DNS hosts file whenever the allocator's
// name-to-address bindings change.
type DNSUpdater interface {
	// Update writes the current bindings to the hosts file, reporting
	// whether it actually did anything (the source's updateDns returns
	// false when no hosts file is configured).
	Update() bool
}

// Server is the SIP-style control plane: an accept loop over a single
// TCP listener, one handler goroutine per connection (spec's "one
// server-accept thread plus one per-connection thread for the SIP
// control plane").
type Server struct {
	log *slog.Logger

	bindAddr   string
	bindPort   int
	remoteAddr string
	remotePort int

	tunnelIfName string

	alloc   *allocator.Allocator
	route   Route
	dns     DNSUpdater
	network bool // true once this instance is acting as network gateway (remoteAddr empty)

	listener net.Listener
	wg       sync.WaitGroup
}

// Config bundles the SIP server's construction parameters.
type Config struct {
	BindAddress  string
	BindPort     int
	RemoteAddr   string // remote proxy; empty means this node is the network gateway
	RemotePort   int
	TunnelIfName string // stored on the Server; request handling takes the route device from the X-Tunnel header instead
}

// New creates a Server. It does not yet bind; call ListenAndServe.
func New(cfg Config, alloc *allocator.Allocator, route Route, dns DNSUpdater, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	port := cfg.BindPort
	if port == 0 {
		port = DefaultPort
	}
	return &Server{
		log:          log,
		bindAddr:     cfg.BindAddress,
		bindPort:     port,
		remoteAddr:   cfg.RemoteAddr,
		remotePort:   cfg.RemotePort,
		tunnelIfName: cfg.TunnelIfName,
		alloc:        alloc,
		route:        route,
		dns:          dns,
		network:      cfg.RemoteAddr == "",
	}
}

// ListenAndServe binds the TCP listener and runs the accept loop until
// ctx is canceled. It returns an error only when the bind fails; any
// Accept error while ctx is live is logged and retried after
// acceptRetryBackoff.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.bindAddr, strconv.Itoa(s.bindPort))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("sip: listening", slog.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Warn("sip: accept failed, retrying", slog.String("err", err.Error()))
			time.Sleep(acceptRetryBackoff)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.wg.Wait()
	return nil
}

// Close stops the listener; ListenAndServe's caller should also cancel
// ctx so in-flight connection handlers unwind.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConn processes SIP requests from one TCP connection until it
// closes or a parse error occurs (SipServerTask::operator()).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	log := s.log.With(slog.String("remote", remote))
	log.Info("sip: connection accepted")

	r := bufio.NewReader(conn)
	for {
		req, err := ReadMessage(r)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("sip: closing connection", slog.String("err", err.Error()))
			}
			return
		}

		var resp *Message
		if fwd := s.forward(ctx, req); fwd != nil {
			resp = s.processResponse(ctx, fwd, remote)
		} else {
			resp = s.processRequest(ctx, req, remote)
		}

		var b strings.Builder
		resp.WriteTo(&b)
		if _, err := conn.Write([]byte(b.String())); err != nil {
			log.Warn("sip: write response failed", slog.String("err", err.Error()))
			return
		}
	}
}

// forward relays req to the configured remote proxy and returns its
// response, or nil if no proxy is configured (SipServerTask::forwardRequest).
func (s *Server) forward(_ context.Context, req *Message) *Message {
	if s.remoteAddr == "" || s.remotePort == 0 {
		return nil
	}

	addr := net.JoinHostPort(s.remoteAddr, strconv.Itoa(s.remotePort))
	conn, err := net.DialTimeout("tcp", addr, proxyDialTimeout)
	if err != nil {
		s.log.Warn("sip: forward dial failed", slog.String("proxy", addr), slog.String("err", err.Error()))
		return nil
	}
	defer conn.Close()

	var b strings.Builder
	reqForWire := &Message{Method: req.Method, RequestURI: req.RequestURI, rawHeaderLines: req.rawHeaderLines}
	reqForWire.WriteTo(&b)
	if _, err := conn.Write([]byte(b.String())); err != nil {
		s.log.Warn("sip: forward write failed", slog.String("err", err.Error()))
		return nil
	}

	resp, err := ReadMessage(bufio.NewReader(conn))
	if err != nil {
		s.log.Warn("sip: forward read response failed", slog.String("err", err.Error()))
		return nil
	}
	return resp
}

// processRequest implements the network-gateway request logic of
// SipServerTask::processRequest: REGISTER binds a logical address and
// programs a route; INVITE is acknowledged once From/To are present.
func (s *Server) processRequest(ctx context.Context, req *Message, remoteHost string) *Message {
	if !s.network {
		return NewResponse(req, 405)
	}

	contact := req.Header("contact")
	from := req.Header("from")
	tunnelID := req.Header("x-tunnel")
	to := req.Header("to")

	switch req.Method {
	case "register":
		registeringName := contact
		if registeringName == "" {
			registeringName = from
		}
		if registeringName == "" {
			return NewResponse(req, 400)
		}

		ip, err := s.alloc.GenerateIP(registeringName)
		if err != nil {
			s.log.Error("sip: register: allocate logical address failed",
				slog.String("name", registeringName), slog.String("err", err.Error()))
			return NewResponse(req, 480)
		}
		if !s.updateDNS() {
			s.log.Warn("sip: register: dns hosts file not updated")
		}

		if !req.AllowsMethod("invite") {
			// Registration from a useragent reached over the tunnel
			// interface: route the logical address via the interface
			// named in the X-Tunnel header.
			if tunnelID == "" {
				return NewResponse(req, 400)
			}
			if err := s.route.AddViaDevice(ctx, ip, routing.DefaultMask, tunnelID); err != nil {
				s.log.Error("sip: register: route via device failed", slog.String("err", err.Error()))
				return NewResponse(req, 480)
			}
			return NewResponse(req, 200)
		}

		// Registration from a server agent: route via the gateway the
		// TCP connection arrived from.
		via, err := netip.ParseAddr(remoteHost)
		if err != nil {
			return NewResponse(req, 400)
		}
		if err := s.route.AddViaGateway(ctx, ip, routing.DefaultMask, via); err != nil {
			s.log.Error("sip: register: route via gateway failed", slog.String("err", err.Error()))
			return NewResponse(req, 480)
		}
		return NewResponse(req, 200)

	case "invite":
		if from == "" {
			from = contact
		}
		if from == "" || to == "" {
			return NewResponse(req, 400)
		}
		return NewResponse(req, 200)

	default:
		return NewResponse(req, 400)
	}
}

// processResponse implements the origin-gateway response logic of
// SipServerTask::processResponse: a 200 to our own REGISTER programs
// the route back to the peer that answered.
func (s *Server) processResponse(ctx context.Context, resp *Message, remoteHost string) *Message {
	if s.network {
		return NewResponse(resp, 400)
	}

	contact := resp.Header("contact")
	to := resp.Header("to")
	tunnelID := resp.Header("x-tunnel")

	if contact != "" {
		ip, err := s.alloc.GenerateIP(contact)
		if err == nil && resp.StatusCode == 200 {
			s.updateDNS()
			if via, err := netip.ParseAddr(remoteHost); err == nil {
				_ = s.route.AddViaGateway(ctx, ip, routing.DefaultMask, via)
			}
		}
	} else if to != "" && tunnelID != "" && resp.StatusCode == 200 {
		if ip, err := netip.ParseAddr(to); err == nil {
			_ = s.route.AddViaDevice(ctx, ip, routing.DefaultMask, tunnelID)
		}
	}

	return NewResponse(resp, resp.StatusCode)
}

func (s *Server) updateDNS() bool {
	if s.dns == nil {
		return false
	}
	return s.dns.Update()
}
