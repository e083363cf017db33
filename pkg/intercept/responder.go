package intercept

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/psaab/ipfrx/pkg/ipferr"
)

// RawResponder sends reply packets on IPPROTO_RAW sockets, one per
// egress interface. Packets already carry their IP header.
type RawResponder struct {
	mu    sync.Mutex
	socks map[string]int
	// send is unix.Sendto outside tests.
	send func(fd int, p []byte, flags int, to unix.Sockaddr) error
	open func(iface string) (int, error)
}

// NewRawResponder returns a responder that opens sockets on first use.
func NewRawResponder() *RawResponder {
	return &RawResponder{
		socks: make(map[string]int),
		send:  unix.Sendto,
		open:  openRaw,
	}
}

func openRaw(iface string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, fmt.Errorf("raw socket: %w", err)
	}
	if iface != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind raw socket to %s: %w", iface, err)
		}
	}
	return fd, nil
}

// destination returns the IPv4 destination address of pkt.
func destination(pkt []byte) (*unix.SockaddrInet4, error) {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return nil, ipferr.Errorf(ipferr.KindInvalid, "reply is not an IPv4 packet")
	}
	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], pkt[16:20])
	return sa, nil
}

func (r *RawResponder) socket(iface string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd, ok := r.socks[iface]; ok {
		return fd, nil
	}
	fd, err := r.open(iface)
	if err != nil {
		return -1, err
	}
	r.socks[iface] = fd
	return fd, nil
}

// Send implements filter.Responder.
func (r *RawResponder) Send(pkt []byte, iface string) error {
	sa, err := destination(pkt)
	if err != nil {
		return err
	}
	fd, err := r.socket(iface)
	if err != nil {
		return err
	}
	if err := r.send(fd, pkt, 0, sa); err != nil {
		return fmt.Errorf("send reply on %q: %w", iface, err)
	}
	return nil
}

// Close closes every socket opened so far.
func (r *RawResponder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for iface, fd := range r.socks {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
		delete(r.socks, iface)
	}
	return first
}
