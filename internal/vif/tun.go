//go:build linux

package vif

import (
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU matches the dataplane's maximum IP packet size (spec §3,
// VirtualIfMgr::MAX_PKT_SIZE).
const DefaultMTU = MaxPacketSize

// Device is a single TUN interface: open/read/write plus the address and
// link-state ioctls TunTap.cc's assign_ip performs after device creation.
type Device struct {
	name string
	dev  tun.Device

	readBufs  [][]byte
	readSizes []int
}

// OpenTUN creates (or opens) a TUN interface named ifname and assigns it
// addr with a /32 mask, bringing the link up. It is the Go equivalent of
// TunTap's constructor, which opens /dev/net/tun with TUNSETIFF and then
// runs SIOCSIFADDR/SIOCSIFFLAGS against a throwaway AF_INET socket.
func OpenTUN(ifname string, addr netip.Addr) (*Device, error) {
	dev, err := tun.CreateTUN(ifname, DefaultMTU)
	if err != nil {
		return nil, fmt.Errorf("vif: create tun %s: %w", ifname, err)
	}

	realName, err := dev.Name()
	if err != nil {
		realName = ifname
	}

	if addr.IsValid() {
		if err := assignAddress(realName, addr); err != nil {
			_ = dev.Close()
			return nil, err
		}
	}
	if err := bringUp(realName); err != nil {
		_ = dev.Close()
		return nil, err
	}

	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	return &Device{
		name:      realName,
		dev:       dev,
		readBufs:  [][]byte{make([]byte, DefaultMTU)},
		readSizes: make([]int, 1),
	}, nil
}

// Name reports the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// ReadPacket reads the next outgoing IP packet from the device into buf,
// returning the number of bytes read (TunTap::readPacket).
func (d *Device) ReadPacket(buf []byte) (int, error) {
	bufs := [][]byte{buf}
	n, err := d.dev.Read(bufs, d.readSizes, 0)
	if err != nil {
		return 0, fmt.Errorf("vif: read %s: %w", d.name, err)
	}
	if n == 0 {
		return 0, nil
	}
	return d.readSizes[0], nil
}

// WritePacket injects an inbound IP packet into the kernel
// (TunTap::writePacket).
func (d *Device) WritePacket(buf []byte) error {
	if _, err := d.dev.Write([][]byte{buf}, 0); err != nil {
		return fmt.Errorf("vif: write %s: %w", d.name, err)
	}
	return nil
}

// ReadEvents exposes the device's link event channel (up/down/MTU
// changes). Manager does not use it: it reads every device through its
// own reader goroutine.
func (d *Device) ReadEvents() <-chan tun.Event { return d.dev.Events() }

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.dev.Close()
}

// ifreqAddr mirrors Linux's struct ifreq with an embedded sockaddr_in,
// laid out by hand since x/sys/unix exposes no typed ifreq (the same
// ioctl-by-byte-buffer idiom TunTap.cc's assign_ip uses against a raw
// AF_INET socket).
type ifreqAddr struct {
	Name [unix.IFNAMSIZ]byte
	Family uint16
	Port   uint16
	Addr   [4]byte
	_      [8]byte
}

// ifreqFlags mirrors struct ifreq's ifr_flags arm.
type ifreqFlags struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte
}

// assignAddress runs SIOCSIFADDR against ifname via a throwaway AF_INET
// socket, the ioctl wireguard/tun does not perform itself.
func assignAddress(ifname string, addr netip.Addr) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("vif: ioctl socket: %w", err)
	}
	defer unix.Close(fd)

	var ifr ifreqAddr
	copy(ifr.Name[:], ifname)
	ifr.Family = unix.AF_INET
	ifr.Addr = addr.As4()

	if err := ioctlPtr(fd, unix.SIOCSIFADDR, unsafe.Pointer(&ifr)); err != nil {
		return fmt.Errorf("vif: SIOCSIFADDR %s %s: %w", ifname, addr, err)
	}
	return nil
}

// bringUp sets IFF_UP|IFF_RUNNING via SIOCSIFFLAGS.
func bringUp(ifname string) error {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return fmt.Errorf("vif: lookup %s: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("vif: ioctl socket: %w", err)
	}
	defer unix.Close(fd)

	var ifr ifreqFlags
	copy(ifr.Name[:], ifname)
	ifr.Flags = uint16(iface.Flags) | unix.IFF_UP | unix.IFF_RUNNING

	if err := ioctlPtr(fd, unix.SIOCSIFFLAGS, unsafe.Pointer(&ifr)); err != nil {
		return fmt.Errorf("vif: SIOCSIFFLAGS %s: %w", ifname, err)
	}
	return nil
}

// ioctlPtr issues a raw SIOCS* ioctl with an arbitrary request struct.
func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
