// Package socket provides the raw-Ethernet transport DCP discovery and
// the cyclic RT engine send and receive on (spec §4.1, §4.5): a single
// AF_PACKET/SOCK_RAW socket bound to one interface, framed at EtherType
// 0x8892, plus the SIOCGIFADDR/SIOCGIFHWADDR interface-resolution ioctls
// the controller needs at startup to learn its own MAC and IP.
package socket

import (
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// htons converts a host-order uint16 to network order, as required by
// the protocol field of AF_PACKET sockets.
func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | (v >> 8)
}

// RawSocket is an AF_PACKET/SOCK_RAW socket bound to one interface,
// filtered to EtherType frame.EtherType. It satisfies dcp.FrameSender.
type RawSocket struct {
	fd        int
	ifIndex   int
	ifaceName string
}

// Open binds a raw Ethernet socket to ifaceName, receiving only
// frame.EtherType (0x8892) frames.
func Open(ifaceName string) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(frame.EtherType)))
	if err != nil {
		return nil, fmt.Errorf("socket: open AF_PACKET socket: %w", err)
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: interface %q: %v", pnio.ErrNotFound, ifaceName, err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(frame.EtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind to %q: %w", ifaceName, err)
	}

	return &RawSocket{fd: fd, ifIndex: iface.Index, ifaceName: ifaceName}, nil
}

// Send writes an Ethernet frame verbatim.
func (s *RawSocket) Send(frm []byte) error {
	addr := unix.SockaddrLinklayer{
		Protocol: htons(frame.EtherType),
		Ifindex:  s.ifIndex,
		Halen:    6,
	}
	copy(addr.Addr[:6], frm[0:6])
	if err := unix.Sendto(s.fd, frm, 0, &addr); err != nil {
		return fmt.Errorf("%w: sendto %s: %v", pnio.ErrIO, s.ifaceName, err)
	}
	return nil
}

// Receive blocks until one frame is available, copying it into buf and
// returning the number of bytes written.
func (s *RawSocket) Receive(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: recvfrom %s: %v", pnio.ErrIO, s.ifaceName, err)
	}
	return n, nil
}

// Close releases the underlying file descriptor.
func (s *RawSocket) Close() error {
	return unix.Close(s.fd)
}

// ifreq mirrors Linux's struct ifreq for the SIOC[GS]IF* ioctls this
// package issues: a 16-byte interface name union'd with either a
// sockaddr (address ioctls) or raw bytes (hwaddr ioctls).
type ifreq struct {
	Name [unix.IFNAMSIZ]byte
	Data [24]byte // sockaddr / hwaddr union, oversized to cover both on all archs
}

func newIfreq(name string) (ifreq, error) {
	var req ifreq
	if len(name) >= unix.IFNAMSIZ {
		return req, fmt.Errorf("%w: interface name %q too long", pnio.ErrInvalidParam, name)
	}
	copy(req.Name[:], name)
	return req, nil
}

// ResolveInterface reads the bound interface's IPv4 address and hardware
// address via SIOCGIFADDR/SIOCGIFHWADDR, failing fast rather than
// guessing (spec's Open Question #2: no address-heuristic fallback).
func ResolveInterface(name string) (mac net.HardwareAddr, ip netip.Addr, err error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("socket: open ioctl socket: %w", err)
	}
	defer unix.Close(fd)

	hwreq, err := newIfreq(name)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	if err := ioctl(fd, unix.SIOCGIFHWADDR, unsafe.Pointer(&hwreq)); err != nil {
		return nil, netip.Addr{}, fmt.Errorf("%w: SIOCGIFHWADDR on %q: %v", pnio.ErrIO, name, err)
	}
	// sockaddr layout: sa_family(2) + sa_data(14); hardware address
	// starts 2 bytes into Data.
	mac = append(net.HardwareAddr(nil), hwreq.Data[2:8]...)

	ifreqAddr, err := newIfreq(name)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	if err := ioctl(fd, unix.SIOCGIFADDR, unsafe.Pointer(&ifreqAddr)); err != nil {
		return nil, netip.Addr{}, fmt.Errorf("%w: SIOCGIFADDR on %q: %v", pnio.ErrIO, name, err)
	}
	// sockaddr_in layout: sa_family(2) + sin_port(2) + sin_addr(4).
	var ipBytes [4]byte
	copy(ipBytes[:], ifreqAddr.Data[4:8])
	ip = netip.AddrFrom4(ipBytes)

	return mac, ip, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
