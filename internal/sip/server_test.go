package sip_test

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/eantcal/acsgwd/internal/allocator"
	"github.com/eantcal/acsgwd/internal/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRoute struct {
	mu         sync.Mutex
	viaDevice  []string
	viaGateway []string
}

func (f *fakeRoute) AddViaDevice(_ context.Context, ip netip.Addr, mask, dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viaDevice = append(f.viaDevice, ip.String()+mask+" dev "+dev)
	return nil
}

func (f *fakeRoute) AddViaGateway(_ context.Context, ip netip.Addr, mask string, via netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viaGateway = append(f.viaGateway, ip.String()+mask+" via "+via.String())
	return nil
}

func (f *fakeRoute) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.viaDevice) + len(f.viaGateway)
}

type fakeDNS struct {
	mu    sync.Mutex
	count int
}

func (f *fakeDNS) Update() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return true
}

func newTestAllocator(t *testing.T) *allocator.Allocator {
	t.Helper()
	a := allocator.New()
	if err := a.Configure(netip.MustParseAddr("10.99.0.1"), netip.MustParseAddr("10.99.0.254"), time.Hour); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return a
}

func startServer(t *testing.T, cfg sip.Config, route *fakeRoute, dns *fakeDNS, alloc *allocator.Allocator) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg.BindAddress = "127.0.0.1"
	cfg.BindPort = port

	srv := sip.New(cfg, alloc, route, dns, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(ready)
		_ = srv.ListenAndServe(ctx)
	}()
	<-ready
	// give the listener a moment to bind
	target := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", target); err == nil {
			c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return target, func() {
		cancel()
		_ = srv.Close()
		<-done
	}
}

func sendAndRecv(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		if err != nil || line == "\r\n" {
			break
		}
	}
	return b.String()
}

func TestRegisterFromUseragentAddsRouteViaDevice(t *testing.T) {
	t.Parallel()

	route := &fakeRoute{}
	dns := &fakeDNS{}
	alloc := newTestAllocator(t)

	addr, stop := startServer(t, sip.Config{TunnelIfName: "tun0"}, route, dns, alloc)
	defer stop()

	req := "REGISTER sip:gw.example SIP/2.0\r\n" +
		"Contact: alice\r\n" +
		"From: alice\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"X-Tunnel: tun0\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	resp := sendAndRecv(t, addr, req)
	if !strings.HasPrefix(resp, "SIP/2.0 200") {
		t.Fatalf("expected 200 OK, got %q", resp)
	}
	if route.calls() != 1 {
		t.Fatalf("expected 1 route call, got %d", route.calls())
	}
	if dns.count != 1 {
		t.Fatalf("expected 1 dns update, got %d", dns.count)
	}
}

func TestRegisterWithoutTunnelIDIsBadRequest(t *testing.T) {
	t.Parallel()

	route := &fakeRoute{}
	dns := &fakeDNS{}
	alloc := newTestAllocator(t)

	addr, stop := startServer(t, sip.Config{}, route, dns, alloc)
	defer stop()

	req := "REGISTER sip:gw.example SIP/2.0\r\nContact: bob\r\nFrom: bob\r\n\r\n"
	resp := sendAndRecv(t, addr, req)
	if !strings.HasPrefix(resp, "SIP/2.0 400") {
		t.Fatalf("expected 400 Bad Request, got %q", resp)
	}
}

func TestInviteRequiresFromAndTo(t *testing.T) {
	t.Parallel()

	route := &fakeRoute{}
	dns := &fakeDNS{}
	alloc := newTestAllocator(t)

	addr, stop := startServer(t, sip.Config{}, route, dns, alloc)
	defer stop()

	req := "INVITE sip:bob@gw SIP/2.0\r\nFrom: alice\r\nTo: bob\r\n\r\n"
	resp := sendAndRecv(t, addr, req)
	if !strings.HasPrefix(resp, "SIP/2.0 200") {
		t.Fatalf("expected 200 OK, got %q", resp)
	}

	req2 := "INVITE sip:bob@gw SIP/2.0\r\n\r\n"
	resp2 := sendAndRecv(t, addr, req2)
	if !strings.HasPrefix(resp2, "SIP/2.0 400") {
		t.Fatalf("expected 400 Bad Request, got %q", resp2)
	}
}
