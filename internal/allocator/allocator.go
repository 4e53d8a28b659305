// Package allocator implements the logical address pool: a TTL-evicting
// IPv4 address range with sticky name-to-address bindings, used by the SIP
// control plane to hand peers a routable address on the tunnel interface.
package allocator

import (
	"container/list"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// DefaultTTL is the default lease lifetime for an allocated address.
const DefaultTTL = time.Hour

// ErrAlreadyConfigured is returned by Configure when called more than once.
var ErrAlreadyConfigured = errors.New("allocator: already configured")

// ErrNotConfigured is returned by GenerateIP/ResolveIP before Configure.
var ErrNotConfigured = errors.New("allocator: not configured")

// ErrExhausted is returned when no free address remains in the configured
// range (the BearerFatal-adjacent "AllocExhausted" taxonomy entry).
var ErrExhausted = errors.New("allocator: address range exhausted")

// ErrNotFound is returned by ResolveIP for an unbound name.
var ErrNotFound = errors.New("allocator: name not bound")

type entry struct {
	ip     netip.Addr
	name   string
	expiry time.Time
	elem   *list.Element // element in expiryOrder holding this *entry
}

// Allocator is a TTL-based IPv4 address pool with sticky name bindings.
// Create one with New (the zero value is not usable) and call Configure
// before use.
type Allocator struct {
	mu sync.Mutex

	configured bool
	firstIP    netip.Addr
	lastIP     netip.Addr
	ttl        time.Duration

	nameToEntry map[string]*entry
	heldByIP    map[netip.Addr]*entry
	expiryOrder *list.List // *entry, ascending by expiry
	maxAssigned uint32
	haveMax     bool

	now func() time.Time
}

// New creates an unconfigured Allocator.
func New() *Allocator {
	return &Allocator{
		nameToEntry: make(map[string]*entry),
		heldByIP:    make(map[netip.Addr]*entry),
		expiryOrder: list.New(),
		now:         time.Now,
	}
}

// Configure sets the address range and TTL. It may be called exactly once;
// subsequent calls return ErrAlreadyConfigured and leave state untouched.
func (a *Allocator) Configure(firstIP, lastIP netip.Addr, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.configured {
		return ErrAlreadyConfigured
	}
	if !firstIP.Is4() || !lastIP.Is4() {
		return fmt.Errorf("allocator: range must be IPv4")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	a.firstIP = firstIP
	a.lastIP = lastIP
	a.ttl = ttl
	a.configured = true
	return nil
}

// GenerateIP returns the address bound to name, allocating a fresh one if
// name has never been seen. A repeat call for an already-bound name is
// idempotent and returns the same address even if its lease has lapsed
// (ResolveIP semantics — lookups never refresh or clear a stale binding).
func (a *Allocator) GenerateIP(name string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.configured {
		return netip.Addr{}, ErrNotConfigured
	}

	if e, ok := a.nameToEntry[name]; ok {
		return e.ip, nil
	}

	ip, err := a.allocateLocked()
	if err != nil {
		return netip.Addr{}, err
	}

	e := &entry{ip: ip, name: name, expiry: a.now().Add(a.ttl)}
	a.nameToEntry[name] = e
	a.heldByIP[ip] = e
	e.elem = a.insertExpiryLocked(e)
	return ip, nil
}

// ResolveIP returns the address bound to name without allocating, and
// without refreshing its expiry.
func (a *Allocator) ResolveIP(name string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.configured {
		return netip.Addr{}, ErrNotConfigured
	}
	e, ok := a.nameToEntry[name]
	if !ok {
		return netip.Addr{}, ErrNotFound
	}
	return e.ip, nil
}

// allocateLocked assigns a fresh IP, evicting an expired lease first, then
// falling back to the next numerically free address. Caller holds a.mu.
func (a *Allocator) allocateLocked() (netip.Addr, error) {
	if evicted, ok := a.evictExpiredLocked(); ok {
		return evicted, nil
	}

	if !a.haveMax {
		a.haveMax = true
		a.maxAssigned = addrToU32(a.firstIP)
		return a.firstIP, nil
	}

	last := addrToU32(a.lastIP)
	for candidate := a.maxAssigned + 1; candidate <= last; candidate++ {
		ip := u32ToAddr(candidate)
		if _, held := a.heldByIP[ip]; held {
			continue
		}
		a.maxAssigned = candidate
		return ip, nil
	}

	return netip.Addr{}, ErrExhausted
}

// evictExpiredLocked removes the entry with the smallest expiry, provided
// that expiry is strictly before now. It returns the freed address.
//
// The evicted name's binding in nameToEntry is deliberately left in place:
// GenerateIP/ResolveIP keep returning the stale address for that name even
// after the address has been reassigned to someone else. Only heldByIP and
// expiryOrder — the tables that govern exclusivity and reassignment — are
// cleared. TestEvictionScenarioS5 exercises this behaviour.
func (a *Allocator) evictExpiredLocked() (netip.Addr, bool) {
	front := a.expiryOrder.Front()
	if front == nil {
		return netip.Addr{}, false
	}
	e := front.Value.(*entry) //nolint:forcetypeassert
	if !e.expiry.Before(a.now()) {
		return netip.Addr{}, false
	}

	a.expiryOrder.Remove(front)
	delete(a.heldByIP, e.ip)
	return e.ip, true
}

// insertExpiryLocked inserts e into expiryOrder keeping ascending order by
// expiry, mirroring the source's expiry-to-ip multimap.
func (a *Allocator) insertExpiryLocked(e *entry) *list.Element {
	for cur := a.expiryOrder.Front(); cur != nil; cur = cur.Next() {
		if cur.Value.(*entry).expiry.After(e.expiry) { //nolint:forcetypeassert
			return a.expiryOrder.InsertBefore(e, cur)
		}
	}
	return a.expiryOrder.PushBack(e)
}

func addrToU32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func u32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
