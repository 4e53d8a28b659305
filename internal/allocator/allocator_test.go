package allocator_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/eantcal/acsgwd/internal/allocator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestConfigureOnceOnly(t *testing.T) {
	a := allocator.New()
	first := mustAddr(t, "10.0.0.1")
	last := mustAddr(t, "10.0.0.3")

	if err := a.Configure(first, last, 2*time.Hour); err != nil {
		t.Fatalf("first configure: %v", err)
	}
	if err := a.Configure(first, last, time.Hour); !errors.Is(err, allocator.ErrAlreadyConfigured) {
		t.Fatalf("second configure: got %v, want ErrAlreadyConfigured", err)
	}
}

func TestGenerateIPStickiness(t *testing.T) {
	a := allocator.New()
	_ = a.Configure(mustAddr(t, "10.0.0.1"), mustAddr(t, "10.0.0.5"), time.Hour)

	ip1, err := a.GenerateIP("alice")
	if err != nil {
		t.Fatal(err)
	}
	ip2, err := a.GenerateIP("alice")
	if err != nil {
		t.Fatal(err)
	}
	if ip1 != ip2 {
		t.Fatalf("stickiness violated: %s != %s", ip1, ip2)
	}
}

func TestGenerateIPExclusivity(t *testing.T) {
	a := allocator.New()
	_ = a.Configure(mustAddr(t, "10.0.0.1"), mustAddr(t, "10.0.0.5"), time.Hour)

	ip1, _ := a.GenerateIP("alice")
	ip2, _ := a.GenerateIP("bob")
	if ip1 == ip2 {
		t.Fatalf("two distinct names received the same address %s", ip1)
	}
}

func TestGenerateIPRangeAndExhaustion(t *testing.T) {
	a := allocator.New()
	first := mustAddr(t, "10.0.0.1")
	last := mustAddr(t, "10.0.0.2")
	_ = a.Configure(first, last, time.Hour)

	ip1, err := a.GenerateIP("a")
	if err != nil {
		t.Fatal(err)
	}
	ip2, err := a.GenerateIP("b")
	if err != nil {
		t.Fatal(err)
	}
	if ip1 != first || ip2 != last {
		t.Fatalf("got %s, %s; want %s, %s", ip1, ip2, first, last)
	}

	if _, err := a.GenerateIP("c"); !errors.Is(err, allocator.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

// TestEvictionScenarioS5 reproduces spec scenario S5: first_ip=10.0.0.1,
// last_ip=10.0.0.2, ttl=1s; after the TTL elapses, a third name reclaims
// the earliest-expired address, and the evicted name still resolves to its
// old (now-reassigned) address since eviction never clears the name map.
func TestEvictionScenarioS5(t *testing.T) {
	a := allocator.New()
	_ = a.Configure(mustAddr(t, "10.0.0.1"), mustAddr(t, "10.0.0.2"), time.Second)

	ipA, _ := a.GenerateIP("a")
	ipB, _ := a.GenerateIP("b")
	if ipA.String() != "10.0.0.1" || ipB.String() != "10.0.0.2" {
		t.Fatalf("got %s, %s", ipA, ipB)
	}

	time.Sleep(1100 * time.Millisecond)

	ipC, err := a.GenerateIP("c")
	if err != nil {
		t.Fatal(err)
	}
	if ipC.String() != "10.0.0.1" {
		t.Fatalf("expected eviction to free 10.0.0.1, got %s", ipC)
	}

	resolved, err := a.ResolveIP("a")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.String() != "10.0.0.1" {
		t.Fatalf("stale resolve should still report 10.0.0.1, got %s", resolved)
	}
}

func TestResolveIPUnboundName(t *testing.T) {
	a := allocator.New()
	_ = a.Configure(mustAddr(t, "10.0.0.1"), mustAddr(t, "10.0.0.2"), time.Hour)

	if _, err := a.ResolveIP("ghost"); !errors.Is(err, allocator.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestHostsSnapshot(t *testing.T) {
	a := allocator.New()
	_ = a.Configure(mustAddr(t, "10.0.0.1"), mustAddr(t, "10.0.0.2"), time.Hour)
	_, _ = a.GenerateIP("alice")

	if got := a.Hosts(); got != "10.0.0.1   alice\n" {
		t.Fatalf("got %q", got)
	}
}
