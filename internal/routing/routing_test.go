package routing

import (
	"context"
	"net/netip"
	"testing"
)

func TestAddViaDeviceDeletesFirst(t *testing.T) {
	var calls [][]string
	p := &IPRouteProgrammer{Run: func(_ context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}}

	ip := netip.MustParseAddr("10.0.0.5")
	if err := p.AddViaDevice(context.Background(), ip, DefaultMask, "tun0"); err != nil {
		t.Fatalf("AddViaDevice: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 shelled commands, got %d: %v", len(calls), calls)
	}
	want := [][]string{
		{"ip", "route", "del", "10.0.0.5/32"},
		{"ip", "route", "add", "10.0.0.5/32", "dev", "tun0"},
	}
	for i := range want {
		if len(calls[i]) != len(want[i]) {
			t.Fatalf("call %d: got %v, want %v", i, calls[i], want[i])
		}
		for j := range want[i] {
			if calls[i][j] != want[i][j] {
				t.Fatalf("call %d arg %d: got %q, want %q", i, j, calls[i][j], want[i][j])
			}
		}
	}
}

func TestAddViaGateway(t *testing.T) {
	var calls [][]string
	p := &IPRouteProgrammer{Run: func(_ context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}}

	ip := netip.MustParseAddr("10.0.0.5")
	via := netip.MustParseAddr("10.0.0.1")
	if err := p.AddViaGateway(context.Background(), ip, DefaultMask, via); err != nil {
		t.Fatalf("AddViaGateway: %v", err)
	}

	last := calls[len(calls)-1]
	if last[len(last)-1] != via.String() {
		t.Fatalf("expected gateway route via %s, got %v", via, last)
	}
}

func TestDeleteAlone(t *testing.T) {
	var calls [][]string
	p := &IPRouteProgrammer{Run: func(_ context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}}

	ip := netip.MustParseAddr("10.0.0.9")
	if err := p.Delete(context.Background(), ip, DefaultMask); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(calls) != 1 || calls[0][2] != "del" {
		t.Fatalf("unexpected calls: %v", calls)
	}
}
