// Package routing programs host routes to logical addresses onto the
// tunnel interface that owns them, shelling out to the OS routing command
// exactly as the source's RouteMgr does (spec §9: "keep this behind a
// trait/interface so it can be mocked; do not inline shell strings into
// the dataplane tests").
package routing

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
)

// Programmer adds and removes host routes. Both Add* forms delete any
// existing route for ip before adding the new one, matching RouteMgr.cc's
// unconditional del-before-add.
type Programmer interface {
	// AddViaDevice routes ip/mask out dev (RouteMgr::add(ip, dev, mask)).
	AddViaDevice(ctx context.Context, ip netip.Addr, mask string, dev string) error

	// AddViaGateway routes ip/mask via the next-hop via
	// (RouteMgr::add(ip, via, mask)).
	AddViaGateway(ctx context.Context, ip netip.Addr, mask string, via netip.Addr) error

	// Delete removes any route to ip/mask (RouteMgr::del).
	Delete(ctx context.Context, ip netip.Addr, mask string) error
}

// DefaultMask is the host-route mask RouteMgr.cc defaults both add
// overloads to.
const DefaultMask = "/32"

// IPRouteProgrammer implements Programmer by invoking the Linux "ip route"
// command, one process per call, mirroring RouteMgr.cc's ::system() calls.
type IPRouteProgrammer struct {
	// Run executes name with args and returns its error, substitutable in
	// tests; defaults to exec.CommandContext when nil.
	Run func(ctx context.Context, name string, args ...string) error
}

// NewIPRouteProgrammer returns a Programmer backed by the "ip" binary.
func NewIPRouteProgrammer() *IPRouteProgrammer {
	return &IPRouteProgrammer{Run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("routing: %s %v: %w", name, args, err)
	}
	return nil
}

// AddViaDevice runs "ip route del <ip><mask>" then
// "ip route add <ip><mask> dev <dev>".
func (p *IPRouteProgrammer) AddViaDevice(ctx context.Context, ip netip.Addr, mask, dev string) error {
	_ = p.Delete(ctx, ip, mask)
	return p.run(ctx, "route", "add", ip.String()+mask, "dev", dev)
}

// AddViaGateway runs "ip route del <ip><mask>" then
// "ip route add <ip><mask> via <via>".
func (p *IPRouteProgrammer) AddViaGateway(ctx context.Context, ip netip.Addr, mask string, via netip.Addr) error {
	_ = p.Delete(ctx, ip, mask)
	return p.run(ctx, "route", "add", ip.String()+mask, "via", via.String())
}

// Delete runs "ip route del <ip><mask>".
func (p *IPRouteProgrammer) Delete(ctx context.Context, ip netip.Addr, mask string) error {
	return p.run(ctx, "route", "del", ip.String()+mask)
}

func (p *IPRouteProgrammer) run(ctx context.Context, args ...string) error {
	run := p.Run
	if run == nil {
		run = runCommand
	}
	return run(ctx, "ip", args...)
}
